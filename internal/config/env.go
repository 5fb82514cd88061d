package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// lookup returns the trimmed value of key after .env files are loaded.
func lookup(key string) (string, bool) {
	_, _ = LoadDotEnv()
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

func invalid(key, val string, err error) {
	log.Warn().Err(err).Str("key", key).Str("value", val).Msg("ignoring malformed setting")
}

// String returns the trimmed variable, or fallback when unset.
func String(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// Duration accepts Go durations ("1500ms") and bare seconds ("30").
func Duration(key string, fallback time.Duration) time.Duration {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	if secs, err := strconv.ParseFloat(val, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		invalid(key, val, err)
		return fallback
	}
	return parsed
}

func Int(key string, fallback int) int {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		invalid(key, val, err)
		return fallback
	}
	return parsed
}

// Bool understands 1/0, true/false, yes/no and on/off.
func Bool(key string, fallback bool) bool {
	val, ok := lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	invalid(key, val, strconv.ErrSyntax)
	return fallback
}
