// Package fieldcoerce converts raw file tokens into typed values
// according to each field's declared shape and obligation.
package fieldcoerce

import (
	"fmt"
	"strconv"
	"strings"
)

// RequiredFieldMissingError reports a blank token on a required field
type RequiredFieldMissingError struct {
	Field string
}

func (e *RequiredFieldMissingError) Error() string {
	return fmt.Sprintf("field %s is required but has no value", e.Field)
}

// ValidationError reports a token that failed its shape parse or a
// per-field validator. Raw preserves the original unparsed string.
type ValidationError struct {
	Field  string
	Raw    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for field %s (value=%q): %s", e.Field, e.Raw, e.Reason)
}

// Validator checks an already-parsed numeric value for a specific field
type Validator func(value float64) error

// Coercer converts raw tokens to typed values. Decimal tokens use ','
// as the locale decimal separator; blank tokens coerce to absent, not
// zero.
type Coercer struct {
	validators map[string]Validator
}

// New builds a coercer with the default per-field validators registered
func New() *Coercer {
	c := &Coercer{validators: make(map[string]Validator)}
	c.Register("temperatura", validateTemperatura)
	return c
}

// Register installs a validator for a field, replacing any existing one
func (c *Coercer) Register(field string, v Validator) {
	c.validators[field] = v
}

// Decimal coerces a raw token into a decimal value. A blank token
// returns nil unless the field is required.
func (c *Coercer) Decimal(field, raw string, required bool) (*float64, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		if required {
			return nil, &RequiredFieldMissingError{Field: field}
		}
		return nil, nil
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(token, ",", "."), 64)
	if err != nil {
		return nil, &ValidationError{Field: field, Raw: raw, Reason: "not a valid decimal number"}
	}
	if err := c.validate(field, raw, value); err != nil {
		return nil, err
	}
	return &value, nil
}

// Integer coerces a raw token into an integer value, truncating any
// decimals. A blank token returns nil unless the field is required.
func (c *Coercer) Integer(field, raw string, required bool) (*int64, error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		if required {
			return nil, &RequiredFieldMissingError{Field: field}
		}
		return nil, nil
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(token, ",", "."), 64)
	if err != nil {
		return nil, &ValidationError{Field: field, Raw: raw, Reason: "not a valid integer number"}
	}
	if err := c.validate(field, raw, value); err != nil {
		return nil, err
	}
	truncated := int64(value)
	return &truncated, nil
}

// String passes a non-numeric token through unchanged after trimming
func (c *Coercer) String(field, raw string, required bool) (string, error) {
	token := strings.TrimSpace(raw)
	if token == "" && required {
		return "", &RequiredFieldMissingError{Field: field}
	}
	return token, nil
}

func (c *Coercer) validate(field, raw string, value float64) error {
	v, ok := c.validators[field]
	if !ok {
		return nil
	}
	if err := v(value); err != nil {
		return &ValidationError{Field: field, Raw: raw, Reason: err.Error()}
	}
	return nil
}

// validateTemperatura rejects physically implausible temperatures
func validateTemperatura(value float64) error {
	if value < -50 || value > 150 {
		return fmt.Errorf("temperatura out of range [-50,150] (temperatura=%v)", value)
	}
	return nil
}
