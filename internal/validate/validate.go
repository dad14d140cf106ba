// Package validate holds the field-level validation error shared by the
// attendance, notification and stats packages, plus the struct validator
// used on incoming payloads.
package validate

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError is returned before any store access when input is rejected.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

// NewValidationError builds a ValidationError from a cause and optional field errors.
func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Fields: flds}
}

// Fail is shorthand for a single-field validation failure.
func Fail(field, msg string) error {
	return &ValidationError{Err: errors.New(field + ": " + msg), Fields: []FieldError{{Field: field, Error: msg}}}
}

func (err *ValidationError) Error() string {
	if err.Err == nil {
		return "validation failed"
	}
	return err.Err.Error()
}

func (err *ValidationError) Unwrap() error { return err.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var (
	once     sync.Once
	instance *validator.Validate
)

// Validator returns the shared validator, configured to report JSON field names.
func Validator() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
		instance.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return instance
}

// Struct validates v using its `validate` tags and converts failures into a
// ValidationError with one FieldError per offending field.
func Struct(v interface{}) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{Field: fe.Field(), Error: message(fe)})
	}
	return &ValidationError{Err: errors.New("invalid " + strings.ToLower(verrs[0].StructNamespace())), Fields: fields}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "datetime":
		return "must match layout " + fe.Param()
	default:
		return "failed on " + fe.Tag()
	}
}
