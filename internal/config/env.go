package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env is the process-level bootstrap configuration. Realm-level options are
// programmatic (RealmConfig); only deployment wiring lives in the environment.
type Env struct {
	AppEnv           string `env:"APP_ENV" envDefault:"development"`
	DatabaseURL      string `env:"DATABASE_URL"`
	RedisAddr        string `env:"REDIS_ADDR"`
	SentryDSN        string `env:"SENTRY_DSN"`
	MFAEncryptionKey string `env:"MFA_ENCRYPTION_KEY"`
}

// LoadEnv parses the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return e, nil
}

// Production reports whether the process runs with production logging.
func (e Env) Production() bool { return e.AppEnv == "production" }
