package gkerrors

import "fmt"

// ConfigError reports a configuration problem with enough context for
// the operator to fix it.
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message
	if e.Suggestion != "" {
		msg += "\n  💡 Try: " + e.Suggestion
	}
	return msg
}
