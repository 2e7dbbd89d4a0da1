// Package envutil reads typed configuration from the process environment,
// logging whether a default or an override was used so a misconfigured
// deployment is visible in the logs rather than silently wrong.
package envutil

import (
	"os"
	"strconv"
	"strings"

	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

func GetString(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not found, using default", "default", defaultVal)
		}
		return defaultVal
	}
	return val
}

func GetInt(key string, defaultVal int, log *logger.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	i, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		if log != nil {
			log.Warn("environment variable could not be parsed as int, using default", "provided", raw, "default", defaultVal)
		}
		return defaultVal
	}
	return i
}

func GetFloat(key string, defaultVal float64, log *logger.Logger) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		if log != nil {
			log.Warn("environment variable could not be parsed as float, using default", "provided", raw, "default", defaultVal)
		}
		return defaultVal
	}
	return f
}

func GetBool(key string, defaultVal bool, log *logger.Logger) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		if log != nil {
			log.Warn("environment variable could not be parsed as bool, using default", "provided", raw, "default", defaultVal)
		}
		return defaultVal
	}
}

func GetDuration(key string, defaultSeconds int, log *logger.Logger) int {
	return GetInt(key, defaultSeconds, log)
}
