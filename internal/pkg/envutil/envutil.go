package envutil

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/notification-engine/internal/pkg/logger"
)

// String reads key from the environment, falling back to def when unset.
func String(key, def string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		if log != nil {
			log.Debug("Environment variable not found, using default", "default", def)
		}
		return def
	}
	return strings.TrimSpace(val)
}

func Int(key string, def int, log *logger.Logger) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		if log != nil {
			log.Warn("Environment variable could not be parsed as int, using default", "env_var", key, "provided", raw, "default", def)
		}
		return def
	}
	return i
}

func Bool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// Seconds reads an integer number of seconds; negative values clamp to zero.
func Seconds(key string, def int) time.Duration {
	n := Int(key, def, nil)
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second
}

func Millis(key string, def int) time.Duration {
	n := Int(key, def, nil)
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Millisecond
}
