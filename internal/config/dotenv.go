package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// EnvFile 指定额外加载的 .env 文件，优先于自动查找。
const EnvFile = "LAUNCHAGENT_ENV_FILE"

var (
	dotenvOnce   sync.Once
	dotenvLoaded []string
	dotenvErr    error
)

// LoadDotEnv loads, in order, $LAUNCHAGENT_ENV_FILE, the nearest .env walking
// up from the working directory and ~/.launchagent/.env. Variables already in
// the environment are never overridden, so earlier files win. Only the first
// call does any work.
func LoadDotEnv() ([]string, error) {
	dotenvOnce.Do(func() {
		if underGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
			return
		}
		for _, path := range dotenvCandidates() {
			if err := godotenv.Load(path); err != nil {
				dotenvErr = errors.Wrapf(err, "load %s", path)
				log.Warn().Err(err).Str("dotenv", path).Msg("load .env failed")
				continue
			}
			dotenvLoaded = append(dotenvLoaded, path)
			log.Debug().Str("dotenv", path).Msg("loaded .env")
		}
	})
	return dotenvLoaded, dotenvErr
}

func dotenvCandidates() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(path string) {
		if path == "" || seen[path] {
			return
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			return
		}
		seen[path] = true
		out = append(out, path)
	}
	if explicit := strings.TrimSpace(os.Getenv(EnvFile)); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			log.Warn().Err(err).Str("dotenv", explicit).Msgf("%s not readable", EnvFile)
		}
		add(explicit)
	}
	if wd, err := os.Getwd(); err == nil {
		add(nearestDotEnv(wd))
	}
	if home, err := os.UserHomeDir(); err == nil {
		add(filepath.Join(home, ".launchagent", ".env"))
	}
	return out
}

func nearestDotEnv(dir string) string {
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// test binaries must not pick up a developer's .env
func underGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
