package config

import (
	"time"

	"tether/internal/registration"
)

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig    `yaml:"logging"`
	Identity  IdentityConfig   `yaml:"identity"`
	Custody   CustodyConfig    `yaml:"custody"`
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Templates []TemplateConfig `yaml:"templates,omitempty"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// LoggingConfig selects log verbosity and output format.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"` // text or json
}

// IdentityConfig describes the identity provider for the client-held login.
type IdentityConfig struct {
	Issuer       string   `yaml:"issuer,omitempty"`
	ClientID     string   `yaml:"clientId,omitempty"` // empty means dynamic registration
	ClientSecret string   `yaml:"clientSecret,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`

	CallbackPort int    `yaml:"callbackPort,omitempty"`
	CallbackPath string `yaml:"callbackPath,omitempty"`

	// CallbackScheme registers a custom URI scheme instead of the loopback
	// listener, e.g. "tether" for tether://callback.
	CallbackScheme string `yaml:"callbackScheme,omitempty"`

	// HintParam and HintValue pre-select a federated identity route,
	// e.g. kc_idp_hint=github.
	HintParam string `yaml:"hintParam,omitempty"`
	HintValue string `yaml:"hintValue,omitempty"`

	// Subject and Tenant name the local profile.
	Subject string `yaml:"subject,omitempty"`
	Tenant  string `yaml:"tenant,omitempty"`

	PostLogoutRedirectURI string `yaml:"postLogoutRedirectURI,omitempty"`
}

// CustodyConfig locates the client-held encrypted token store.
type CustodyConfig struct {
	KeyFile        string `yaml:"keyFile,omitempty"`
	TokenDir       string `yaml:"tokenDir,omitempty"`
	PreferKeystore bool   `yaml:"preferKeystore"`
	KeyringService string `yaml:"keyringService,omitempty"`
}

// ServerConfig configures the multi-tenant backend.
type ServerConfig struct {
	Listen       string `yaml:"listen,omitempty"`
	PublicURL    string `yaml:"publicURL,omitempty"`
	CallbackPath string `yaml:"callbackPath,omitempty"`

	PendingTTL time.Duration `yaml:"pendingTTL,omitempty"`

	// StateKey is the base64 encoded 32-byte key sealing pending handles.
	StateKey string `yaml:"stateKey,omitempty"`

	// CallerJWTSecret verifies HS256 caller identity tokens.
	CallerJWTSecret string `yaml:"callerJWTSecret,omitempty"`

	RequestTimeout  time.Duration `yaml:"requestTimeout,omitempty"`
	CallbackTimeout time.Duration `yaml:"callbackTimeout,omitempty"`

	// RateLimit is callback requests per second per client address.
	RateLimit float64 `yaml:"rateLimit,omitempty"`
	RateBurst int     `yaml:"rateBurst,omitempty"`

	ReplayLedger LedgerConfig `yaml:"replayLedger"`
}

// Replay ledger types.
const (
	LedgerMemory = "memory"
	LedgerValkey = "valkey"
)

// LedgerConfig selects where consumed pending handles are recorded.
type LedgerConfig struct {
	Type     string `yaml:"type,omitempty"`
	Address  string `yaml:"address,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// DatabaseConfig configures the backend's SQL store.
type DatabaseConfig struct {
	Driver string `yaml:"driver,omitempty"` // sqlite or postgres
	DSN    string `yaml:"dsn,omitempty"`

	MaxAttempts    uint          `yaml:"maxAttempts,omitempty"`
	AttemptTimeout time.Duration `yaml:"attemptTimeout,omitempty"`
	InitialBackoff time.Duration `yaml:"initialBackoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"maxBackoff,omitempty"`

	AutoMigrate bool `yaml:"autoMigrate"`

	// EncryptFields stores tokens and client secrets through custody.
	EncryptFields bool `yaml:"encryptFields"`
}

// TemplateConfig describes a kind of resource server.
type TemplateConfig struct {
	ID           string            `yaml:"id"`
	Name         string            `yaml:"name,omitempty"`
	ResourceURL  string            `yaml:"resourceURL"`
	Issuer       string            `yaml:"issuer,omitempty"`
	Scopes       []string          `yaml:"scopes,omitempty"`
	ClientID     string            `yaml:"clientId,omitempty"`
	ClientSecret string            `yaml:"clientSecret,omitempty"`
	Purpose      string            `yaml:"purpose,omitempty"`
	Hints        map[string]string `yaml:"hints,omitempty"`
}

// TelemetryConfig switches OpenTelemetry on.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Template converts the entry for the registration resolver.
func (t TemplateConfig) Template() registration.Template {
	return registration.Template{
		ID:           t.ID,
		Name:         t.Name,
		ResourceURL:  t.ResourceURL,
		Issuer:       t.Issuer,
		Scopes:       t.Scopes,
		Purpose:      t.Purpose,
		Hints:        t.Hints,
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
	}
}

// FindTemplate returns the template with id.
func (c *Config) FindTemplate(id string) (registration.Template, bool) {
	for _, t := range c.Templates {
		if t.ID == id {
			return t.Template(), true
		}
	}
	return registration.Template{}, false
}

// IdentityTemplateID is the template ID of the client-held login.
const IdentityTemplateID = "identity"

// Template returns the identity provider as a registration template.
func (i IdentityConfig) Template() registration.Template {
	var hints map[string]string
	if i.HintParam != "" && i.HintValue != "" {
		hints = map[string]string{i.HintParam: i.HintValue}
	}
	return registration.Template{
		ID:           IdentityTemplateID,
		Name:         "Identity provider",
		ResourceURL:  i.Issuer,
		Issuer:       i.Issuer,
		Scopes:       i.Scopes,
		Purpose:      "login",
		Hints:        hints,
		ClientID:     i.ClientID,
		ClientSecret: i.ClientSecret,
	}
}
