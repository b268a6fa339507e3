package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/ledgerbridge/internal/errors"
	"github.com/devrev/ledgerbridge/internal/model"
)

const (
	// Field limits applied at the form boundary
	DefaultMaxNameLen    = 64
	DefaultMaxSurnameLen = 64
	DefaultMinAge        = 18
	DefaultMaxAge        = 100
)

// Limits bounds form input
type Limits struct {
	MaxNameLen    int
	MaxSurnameLen int
	MinAge        uint32
	MaxAge        uint32
}

// Validator validates record commands.
// ValidateCommand is the minimal check the core applies to every command;
// ValidateForm adds the form-level limits the HTTP boundary enforces.
type Validator struct {
	limits Limits
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return NewValidatorWithLimits(Limits{
		MaxNameLen:    DefaultMaxNameLen,
		MaxSurnameLen: DefaultMaxSurnameLen,
		MinAge:        DefaultMinAge,
		MaxAge:        DefaultMaxAge,
	})
}

// NewValidatorWithLimits creates a validator with custom limits.
// A zero MaxAge disables the age range check.
func NewValidatorWithLimits(limits Limits) *Validator {
	if limits.MaxNameLen <= 0 {
		limits.MaxNameLen = DefaultMaxNameLen
	}
	if limits.MaxSurnameLen <= 0 {
		limits.MaxSurnameLen = DefaultMaxSurnameLen
	}
	return &Validator{limits: limits}
}

// ValidateCommand checks that a command is well formed enough to build
func (v *Validator) ValidateCommand(ledger model.LedgerID, kind model.CommandKind, fields model.RecordFields) error {
	if !ledger.Valid() {
		return errors.Validation("ledger", fmt.Sprintf("unknown ledger %q", ledger))
	}
	if !kind.Valid() {
		return errors.Validation("kind", fmt.Sprintf("unknown command kind %q", kind))
	}
	if !kind.NeedsFields() {
		return nil
	}
	if strings.TrimSpace(fields.Name) == "" {
		return errors.Validation("name", "must not be empty")
	}
	if strings.TrimSpace(fields.Surname) == "" {
		return errors.Validation("surname", "must not be empty")
	}
	if !fields.Gender.Valid() {
		return errors.Validation("gender", fmt.Sprintf("unknown gender value %d", uint8(fields.Gender)))
	}
	return nil
}

// ValidateForm applies the form limits on top of ValidateCommand
func (v *Validator) ValidateForm(fields model.RecordFields) error {
	if err := v.ValidateCommand(model.LedgerOrigin, model.CommandCreate, fields); err != nil {
		return err
	}
	if err := v.validateText("name", fields.Name, v.limits.MaxNameLen); err != nil {
		return err
	}
	if err := v.validateText("surname", fields.Surname, v.limits.MaxSurnameLen); err != nil {
		return err
	}
	return v.ValidateAge(fields.Age)
}

// ValidateAge checks the configured age range
func (v *Validator) ValidateAge(age uint32) error {
	if v.limits.MaxAge == 0 {
		return nil
	}
	if age < v.limits.MinAge || age > v.limits.MaxAge {
		return errors.Validation("age", fmt.Sprintf("must be between %d and %d, got %d", v.limits.MinAge, v.limits.MaxAge, age))
	}
	return nil
}

func (v *Validator) validateText(field, value string, maxLen int) error {
	// Ledger limits are in bytes, not runes
	if len(value) > maxLen {
		return errors.Validation(field, fmt.Sprintf("%d bytes exceeds maximum %d", len(value), maxLen))
	}
	if value != strings.TrimSpace(value) {
		return errors.Validation(field, "must not have leading or trailing whitespace")
	}
	for _, r := range value {
		if unicode.IsControl(r) {
			return errors.Validation(field, "must not contain control characters")
		}
	}
	return nil
}

// Limits returns the configured limits
func (v *Validator) Limits() Limits {
	return v.limits
}
