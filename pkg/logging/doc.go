// Package logging provides the subsystem-tagged structured logger used across
// tether.
//
// It is a thin layer over log/slog. Every record carries a "subsystem"
// attribute and, when an error is passed, an "error" attribute:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//	logging.Info("Agent", "Loaded token for %s", subject)
//	logging.Error("Store", err, "Failed to persist token")
//
// The backend uses InitForServer, which can emit JSON instead of text.
//
// Security events (state or subject mismatch, tampered handles, insecure key
// files) go through Audit, which prefixes the message with SECURITY_AUDIT and
// attaches an "event" attribute. Audit attributes must never include secrets.
package logging
