package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validFormats = map[string]bool{"text": true, "json": true}
	validDrivers = map[string]bool{"sqlite": true, "postgres": true}
)

// maxPendingTTL bounds how long a sign-in may stay open.
const maxPendingTTL = time.Hour

// Validate checks fields every command relies on.
func (c *Config) Validate() error {
	var errs ConfigurationErrorCollection

	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs.Add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level), "use debug, info, warn or error")
	}
	if !validFormats[c.Logging.Format] {
		errs.Add("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format), "use text or json")
	}

	if c.Identity.CallbackPort < 0 || c.Identity.CallbackPort > 65535 {
		errs.Add("identity.callbackPort", "port out of range")
	}
	if !strings.HasPrefix(c.Identity.CallbackPath, "/") {
		errs.Add("identity.callbackPath", "must start with /")
	}
	if c.Identity.Issuer != "" && !isHTTPURL(c.Identity.Issuer) {
		errs.Add("identity.issuer", "must be an http(s) URL")
	}

	if !validDrivers[c.Database.Driver] {
		errs.Add("database.driver", fmt.Sprintf("unknown driver %q", c.Database.Driver), "use sqlite or postgres")
	}

	switch c.Server.ReplayLedger.Type {
	case LedgerMemory:
	case LedgerValkey:
		if c.Server.ReplayLedger.Address == "" {
			errs.Add("server.replayLedger.address", "required for the valkey ledger")
		}
	default:
		errs.Add("server.replayLedger.type", fmt.Sprintf("unknown ledger %q", c.Server.ReplayLedger.Type), "use memory or valkey")
	}

	if c.Server.PendingTTL <= 0 || c.Server.PendingTTL > maxPendingTTL {
		errs.Add("server.pendingTTL", fmt.Sprintf("must be between 0 and %s", maxPendingTTL))
	}
	if c.Server.StateKey != "" {
		if _, err := c.Server.StateKeyBytes(); err != nil {
			errs.Add("server.stateKey", err.Error(), "generate one with `tether keygen`")
		}
	}

	seen := make(map[string]bool)
	for i, t := range c.Templates {
		field := fmt.Sprintf("templates[%d]", i)
		if t.ID == "" {
			errs.Add(field+".id", "required")
		} else if seen[t.ID] {
			errs.Add(field+".id", fmt.Sprintf("duplicate template %q", t.ID))
		}
		seen[t.ID] = true
		if !isHTTPURL(t.ResourceURL) {
			errs.Add(field+".resourceURL", "must be an http(s) URL")
		}
		if t.ClientSecret != "" && t.ClientID == "" {
			errs.Add(field+".clientSecret", "set without clientId")
		}
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateServer checks the fields `tether serve` additionally needs.
func (c *Config) ValidateServer() error {
	var errs ConfigurationErrorCollection
	if c.Server.StateKey == "" {
		errs.Add("server.stateKey", "required", "generate one with `tether keygen`")
	}
	if c.Server.CallerJWTSecret == "" {
		errs.Add("server.callerJWTSecret", "required")
	}
	if !isHTTPURL(c.Server.PublicURL) {
		errs.Add("server.publicURL", "must be an http(s) URL")
	}
	if c.Database.DSN == "" {
		errs.Add("database.dsn", "required")
	}
	if len(c.Templates) == 0 {
		errs.Add("templates", "at least one template is required")
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

// ValidateIdentity checks the fields `tether auth` needs.
func (c *Config) ValidateIdentity() error {
	if c.Identity.Issuer == "" {
		var errs ConfigurationErrorCollection
		errs.Add("identity.issuer", "required", "set identity.issuer to your identity provider URL")
		return errs
	}
	return nil
}

// StateKeyBytes decodes Server.StateKey.
func (s ServerConfig) StateKeyBytes() ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s.StateKey)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// CallbackURL returns the backend's public callback URL.
func (s ServerConfig) CallbackURL() string {
	return strings.TrimRight(s.PublicURL, "/") + s.CallbackPath
}

// RedirectURI returns the client-held callback URI.
func (i IdentityConfig) RedirectURI() string {
	if i.CallbackScheme != "" {
		return i.CallbackScheme + "://callback"
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", i.CallbackPort, i.CallbackPath)
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
