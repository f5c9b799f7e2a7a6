package config

import (
	"fmt"
	"strings"
)

// ConfigurationError is a structured error about one configuration field.
type ConfigurationError struct {
	FilePath    string   `json:"filePath,omitempty"`
	Field       string   `json:"field"`
	ErrorType   string   `json:"errorType"` // parse, validation or io
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Error implements the error interface
func (ce ConfigurationError) Error() string {
	if ce.Field == "" {
		return fmt.Sprintf("[%s] %s", ce.ErrorType, ce.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", ce.ErrorType, ce.Field, ce.Message)
}

// DetailedError returns a multi-line message with suggestions.
func (ce ConfigurationError) DetailedError() string {
	var parts []string
	parts = append(parts, "Configuration Error: "+ce.Message)
	if ce.FilePath != "" {
		parts = append(parts, "  File: "+ce.FilePath)
	}
	if ce.Field != "" {
		parts = append(parts, "  Field: "+ce.Field)
	}
	parts = append(parts, "  Type: "+ce.ErrorType)
	if len(ce.Suggestions) > 0 {
		parts = append(parts, "  Suggestions:")
		for _, s := range ce.Suggestions {
			parts = append(parts, "    - "+s)
		}
	}
	return strings.Join(parts, "\n")
}

// ConfigurationErrorCollection holds multiple configuration errors
type ConfigurationErrorCollection struct {
	Errors []ConfigurationError `json:"errors"`
}

// Error implements the error interface for the collection
func (cec ConfigurationErrorCollection) Error() string {
	if len(cec.Errors) == 0 {
		return "no configuration errors"
	}
	if len(cec.Errors) == 1 {
		return cec.Errors[0].Error()
	}
	return fmt.Sprintf("%d configuration errors: %s (and %d more)",
		len(cec.Errors), cec.Errors[0].Error(), len(cec.Errors)-1)
}

// HasErrors returns true if there are any errors in the collection
func (cec *ConfigurationErrorCollection) HasErrors() bool {
	return len(cec.Errors) > 0
}

// Add records a validation error for field.
func (cec *ConfigurationErrorCollection) Add(field, message string, suggestions ...string) {
	cec.Errors = append(cec.Errors, ConfigurationError{
		Field:       field,
		ErrorType:   "validation",
		Message:     message,
		Suggestions: suggestions,
	})
}

// Fields returns the names of the offending fields.
func (cec *ConfigurationErrorCollection) Fields() []string {
	out := make([]string, 0, len(cec.Errors))
	for _, e := range cec.Errors {
		out = append(out, e.Field)
	}
	return out
}
