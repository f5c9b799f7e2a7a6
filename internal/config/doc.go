// Package config loads tether's YAML configuration.
//
// Configuration lives in a single file, by default
// $XDG_CONFIG_HOME/tether/config.yaml (~/.config/tether/config.yaml when
// XDG_CONFIG_HOME is unset). A missing file is not an error; defaults are
// used. Environment references such as ${TETHER_DB_DSN} are expanded before
// parsing so secrets can stay out of the file.
//
// # Sections
//
//   - logging: level (debug, info, warn, error) and format (text, json)
//   - identity: the identity provider used by `tether auth`
//   - custody: where the client-held token store and key file live
//   - server: the multi-tenant backend run by `tether serve`
//   - database: the backend's SQL store
//   - templates: resource server templates tenants connect instances to
//   - telemetry: OpenTelemetry switch
//
// Durations accept Go syntax ("30s", "10m").
package config
