package repository

import (
	"github.com/go-playground/validator/v10"
)

// Validator checks entities before they are written.
type Validator interface {
	// Validate checks a complete entity.
	Validate(entity any) error
	// ValidatePartial checks only the named struct fields (Go names, dotted for nested).
	ValidatePartial(entity any, fields ...string) error
}

// SelfValidator is implemented by entities with rules that tags cannot express.
type SelfValidator interface {
	Validate() error
}

// StructValidator validates `validate` struct tags with go-playground/validator and then
// calls Validate() on entities implementing SelfValidator.
type StructValidator struct {
	validate *validator.Validate
}

// NewStructValidator creates a StructValidator.
func NewStructValidator() *StructValidator {
	return &StructValidator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate implements Validator.
func (v *StructValidator) Validate(entity any) error {
	if err := v.validate.Struct(entity); err != nil {
		return err
	}
	if sv, ok := entity.(SelfValidator); ok {
		return sv.Validate()
	}
	return nil
}

// ValidatePartial implements Validator. The SelfValidator hook is not called because it
// expects a complete entity.
func (v *StructValidator) ValidatePartial(entity any, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return v.validate.StructPartial(entity, fields...)
}

type noopValidator struct{}

func (noopValidator) Validate(any) error                   { return nil }
func (noopValidator) ValidatePartial(any, ...string) error { return nil }
