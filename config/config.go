// Package config binds the bridge's runtime settings from environment
// variables via github.com/spf13/viper. The agent registry document itself
// is a separate, fixed-shape JSON file (see the registry package) and is
// not part of this binding.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings holds every ACP2_* environment-derived runtime setting.
type Settings struct {
	AuthToken      string
	LogLevel       string
	DBPath         string
	BindAddr       string
	BindPort       int
	IdleTimeout    time.Duration
	PersistUpdates bool
	RegistryPath   string
}

// Load binds Settings from the process environment, applying the defaults
// spec.md §6 names. registryPath is passed separately (it is a CLI flag,
// not an env-only setting).
func Load(registryPath string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("ACP2")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log_level", "INFO")
	v.SetDefault("db_path", "./acp2.db")
	v.SetDefault("bind_addr", "0.0.0.0")
	v.SetDefault("bind_port", 8001)
	v.SetDefault("idle_timeout", "30m")
	v.SetDefault("persist_updates", false)

	idleTimeout, err := time.ParseDuration(v.GetString("idle_timeout"))
	if err != nil {
		return Settings{}, fmt.Errorf("parsing ACP2_IDLE_TIMEOUT: %w", err)
	}

	return Settings{
		AuthToken:      v.GetString("auth_token"),
		LogLevel:       v.GetString("log_level"),
		DBPath:         v.GetString("db_path"),
		BindAddr:       v.GetString("bind_addr"),
		BindPort:       v.GetInt("bind_port"),
		IdleTimeout:    idleTimeout,
		PersistUpdates: v.GetBool("persist_updates"),
		RegistryPath:   registryPath,
	}, nil
}

// Addr formats the bind address and port as a net.Listen-ready string.
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddr, s.BindPort)
}

// AuthEnabled reports whether bearer-token auth is active. An empty token
// disables authentication per spec.md §6 (operators who want auth enforced
// simply set the token; this package does not itself fail closed).
func (s Settings) AuthEnabled() bool {
	return s.AuthToken != ""
}
