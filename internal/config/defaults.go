package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultCallbackPath is the OAuth callback path of both deployments.
	DefaultCallbackPath = "/oauth/callback"

	// DefaultCallbackPort is the loopback port of `tether auth login`.
	DefaultCallbackPort = 3000

	// DefaultKeyringService names tether's OS keyring entries.
	DefaultKeyringService = "tether"

	appDirName     = "tether"
	configFileName = "config.yaml"
)

// osUserConfigDir is replaced in tests.
var osUserConfigDir = os.UserConfigDir

// DefaultDir returns the directory holding config and client-held state.
func DefaultDir() string {
	dir, err := osUserConfigDir()
	if err != nil || dir == "" {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return appDirName
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, appDirName)
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), configFileName)
}

// Default returns the configuration used when no file exists.
func Default() Config {
	dir := DefaultDir()
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Identity: IdentityConfig{
			Scopes:       []string{"openid", "profile", "email", "offline_access"},
			CallbackPort: DefaultCallbackPort,
			CallbackPath: DefaultCallbackPath,
			Subject:      "local",
			Tenant:       "local",
		},
		Custody: CustodyConfig{
			KeyFile:        filepath.Join(dir, "master.key"),
			TokenDir:       filepath.Join(dir, "tokens"),
			PreferKeystore: true,
			KeyringService: DefaultKeyringService,
		},
		Server: ServerConfig{
			Listen:          ":8080",
			PublicURL:       "http://localhost:8080",
			CallbackPath:    DefaultCallbackPath,
			PendingTTL:      10 * time.Minute,
			RequestTimeout:  10 * time.Second,
			CallbackTimeout: 60 * time.Second,
			RateLimit:       5,
			RateBurst:       10,
			ReplayLedger:    LedgerConfig{Type: LedgerMemory},
		},
		Database: DatabaseConfig{
			Driver:         "sqlite",
			DSN:            filepath.Join(dir, "tether.db"),
			MaxAttempts:    5,
			AttemptTimeout: 5 * time.Second,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			AutoMigrate:    true,
		},
	}
}
