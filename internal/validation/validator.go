// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package validation provides struct validation using go-playground/validator v10.
//
// It exposes a thread-safe singleton validator with custom validators for
// Aviary-specific rules:
//
//   - resourceid: engine resource identifiers (alphanumeric, dash, underscore,
//     1-64 characters)
//   - cronexpr: standard five-field cron expressions
//
// Field names in errors come from the json struct tag so that error
// messages match the wire format clients actually send.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// resourceIDPattern constrains resource ids to characters that are safe in
// URLs, log fields and storage keys.
var resourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// cronParser accepts the standard five-field cron format.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validator returns the singleton validator instance.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Report json tag names instead of Go field names.
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})

		// Registration only fails for empty tags; these are constants.
		_ = validate.RegisterValidation("resourceid", func(fl validator.FieldLevel) bool {
			return resourceIDPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("cronexpr", func(fl validator.FieldLevel) bool {
			_, err := cronParser.Parse(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// ValidResourceID reports whether s is a well-formed resource identifier.
func ValidResourceID(s string) bool {
	return resourceIDPattern.MatchString(s)
}

// FieldError is a single field validation failure.
type FieldError struct {
	Field   string      `json:"field"`
	Tag     string      `json:"tag"`
	Param   string      `json:"param,omitempty"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
}

// Error returns the human-readable message.
func (e *FieldError) Error() string {
	return e.Message
}

// Errors is a collection of field validation failures.
type Errors struct {
	fields []FieldError
}

// Fields returns the individual field errors.
func (ve *Errors) Fields() []FieldError {
	return ve.fields
}

// Error implements the error interface.
func (ve *Errors) Error() string {
	if len(ve.fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, 0, len(ve.fields))
	for i := range ve.fields {
		messages = append(messages, ve.fields[i].Message)
	}
	return strings.Join(messages, "; ")
}

// NewError builds an *Errors holding one synthetic field failure. Used
// where a document-level problem (e.g. malformed JSON) must surface in
// the same shape as field validation.
func NewError(field, tag, message string) *Errors {
	return &Errors{fields: []FieldError{{Field: field, Tag: tag, Message: message}}}
}

// ValidateStruct validates a struct and translates failures into *Errors.
// Returns nil when the struct is valid.
func ValidateStruct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		// InvalidValidationError: caller passed a non-struct.
		return err
	}

	out := &Errors{fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.fields = append(out.fields, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Value:   fe.Value(),
			Message: messageFor(fe),
		})
	}
	return out
}

// messageFor builds a stable, human-readable message for a field error.
func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("field %q is required", fe.Field())
	case "resourceid":
		return fmt.Sprintf("field %q must be a valid resource id (alphanumeric, dash, underscore, max 64 chars)", fe.Field())
	case "cronexpr":
		return fmt.Sprintf("field %q must be a valid cron expression", fe.Field())
	case "oneof":
		return fmt.Sprintf("field %q must be one of [%s]", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("field %q must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("field %q must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("field %q failed validation rule %q", fe.Field(), fe.Tag())
	}
}
