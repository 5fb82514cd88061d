package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/LaunchAgent/internal/artifact"
	"github.com/httprunner/LaunchAgent/internal/config"
	"github.com/httprunner/LaunchAgent/internal/installcache"
	"github.com/httprunner/LaunchAgent/internal/storage"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// adbPath prefers the SDK's platform-tools adb over $PATH.
func adbPath() string {
	sdk := firstNonEmpty(config.String(config.EnvAndroidHome, ""), config.String(config.EnvAndroidSDKRoot, ""))
	if sdk != "" {
		candidate := filepath.Join(sdk, "platform-tools", "adb")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "adb"
}

// openCache returns the install cache, backed by sqlite unless disabled.
// store is nil when sqlite is disabled; closeFn is never nil.
func openCache(ctx context.Context, settings config.Settings) (cache *installcache.Cache, store *storage.Store, closeFn func(), err error) {
	closeFn = func() {}
	var opts []installcache.Option
	if !settings.DisableSQLite {
		store, err = storage.Open(settings.CacheDBPath)
		if err != nil {
			return nil, nil, closeFn, err
		}
		opts = append(opts, installcache.WithStore(store))
	}
	hasher, herr := artifact.NewWatchingHasher()
	if herr != nil {
		log.Warn().Err(herr).Msg("file watching unavailable, hashing without invalidation")
		hasher = artifact.NewHasher()
	}
	opts = append(opts, installcache.WithHasher(hasher))
	closeFn = func() {
		_ = hasher.Close()
		if store != nil {
			_ = store.Close()
		}
	}
	cache, err = installcache.New(ctx, opts...)
	if err != nil {
		closeFn()
		return nil, nil, func() {}, err
	}
	return cache, store, closeFn, nil
}

func contextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
