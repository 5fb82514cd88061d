package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/LaunchAgent/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "launchagent",
	Short: "Deploy and launch Android apps on devices and emulators",
	Long:  `launchagent CLI 负责解析目标设备（已连接设备或按需启动的模拟器），按内容哈希跳过无变化的安装，处理安装失败的重试/卸载重装，并跟踪多设备上的应用进程；统一加载 .env 并输出结构化日志。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(rootLogLevel)
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
	SilenceUsage: true,
}

var rootLogLevel string

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "日志级别 (debug|info|warn|error)")
	rootCmd.AddCommand(
		newLaunchCmd(),
		newDevicesCmd(),
		newCacheCmd(),
		newAVDsCmd(),
	)
	_, _ = config.LoadDotEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("launchagent command failed")
	}
}
