package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

const (
	// EnvironmentDevelopment exposes the canonical development environment
	// identifier.
	EnvironmentDevelopment = environmentDevelopment
	// EnvironmentProduction exposes the canonical production environment
	// identifier.
	EnvironmentProduction = environmentProduction
	// EnvironmentStaging exposes the canonical staging environment
	// identifier.
	EnvironmentStaging = environmentStaging
)

var environmentAliases = map[string]string{
	"prod":  environmentProduction,
	"stag":  environmentStaging,
	"stage": environmentStaging,
	"dev":   environmentDevelopment,
}

// getAppEnvironment reads the application environment from APP_ENV and
// defaults to development when no value is provided.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// AppEnvironment exposes the current application environment as configured
// through the APP_ENV environment variable.
func AppEnvironment() string {
	return getAppEnvironment()
}

// IsProductionLike reports whether the provided environment should behave like
// a production deployment.
func IsProductionLike(env string) bool {
	switch env {
	case environmentProduction, environmentStaging:
		return true
	default:
		return false
	}
}

// ResolveConfigPath selects config.<env>.yml next to path when it exists for
// the current environment, and path otherwise.
func ResolveConfigPath(path string) string {
	env := getAppEnvironment()
	if env == environmentDevelopment {
		return path
	}

	ext := filepath.Ext(path)
	candidate := strings.TrimSuffix(path, ext) + "." + env + ext
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return path
}
