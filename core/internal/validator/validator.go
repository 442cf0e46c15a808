package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/faultline-systems/faultline/core/internal/model"
)

// ValidationError reports a single rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets callers match model.ErrValidation with errors.Is.
func (e *ValidationError) Unwrap() error {
	return model.ErrValidation
}

// Validator checks a normalized report.
type Validator interface {
	Validate(ctx context.Context, report *model.ErrorReport) error
}

// Chain runs validators in order and joins their failures.
type Chain struct {
	validators []Validator
}

// NewChain creates a chain from vs.
func NewChain(vs ...Validator) *Chain {
	return &Chain{validators: vs}
}

// Validate runs every validator and returns all failures joined.
func (c *Chain) Validate(ctx context.Context, report *model.ErrorReport) error {
	if report == nil {
		return &ValidationError{Field: "report", Message: "is required"}
	}
	var errs []error
	for _, v := range c.validators {
		if err := v.Validate(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Normalize fills defaults and trims identifying fields in place.
func Normalize(report *model.ErrorReport) {
	report.Service = strings.TrimSpace(report.Service)
	report.Environment = strings.TrimSpace(report.Environment)
	if report.Environment == "" {
		report.Environment = model.DefaultEnvironment
	}
	report.Level = strings.ToLower(strings.TrimSpace(report.Level))
	if report.Level == "" {
		report.Level = model.LevelError
	}
	if report.Exception != nil && report.Exception.Type == "" && report.Exception.Value == "" && report.Exception.Module == "" {
		report.Exception = nil
	}
	if report.User != nil && *report.User == (model.UserContext{}) {
		report.User = nil
	}
}
