package validator

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/faultline-systems/faultline/core/internal/model"
)

// Field limits mirror the raw_errors column sizes.
const (
	maxServiceLen       = 255
	maxEnvironmentLen   = 100
	maxExceptionTypeLen = 255
	maxModuleLen        = 255
	maxReleaseLen       = 100
	maxUserFieldLen     = 255
	maxIPAddressLen     = 45
	maxMethodLen        = 10
)

var validLevels = map[string]struct{}{
	model.LevelDebug:   {},
	model.LevelInfo:    {},
	model.LevelWarning: {},
	model.LevelError:   {},
	model.LevelFatal:   {},
}

// BasicValidator enforces required fields, the level enum and column sizes.
// Reports are expected to be normalized first.
type BasicValidator struct{}

// Validate performs structural validation.
func (BasicValidator) Validate(ctx context.Context, report *model.ErrorReport) error {
	_ = ctx
	var errs []error
	fail := func(field, msg string) {
		errs = append(errs, &ValidationError{Field: field, Message: msg})
	}
	checkLen := func(field, value string, max int) {
		if utf8.RuneCountInString(value) > max {
			fail(field, fmt.Sprintf("exceeds %d characters", max))
		}
	}

	if report.Service == "" {
		fail("service", "is required")
	} else if utf8.RuneCountInString(report.Service) > maxServiceLen {
		fail("service", "exceeds 255 characters")
	}
	if report.Message == "" {
		fail("message", "is required")
	}
	if utf8.RuneCountInString(report.Environment) > maxEnvironmentLen {
		fail("environment", "exceeds 100 characters")
	}
	if _, ok := validLevels[report.Level]; !ok {
		fail("level", "must be one of debug, info, warning, error, fatal")
	}
	if report.Exception != nil {
		if report.Exception.Type == "" {
			fail("exception.type", "is required when exception is present")
		} else if utf8.RuneCountInString(report.Exception.Type) > maxExceptionTypeLen {
			fail("exception.type", "exceeds 255 characters")
		}
		checkLen("exception.module", report.Exception.Module, maxModuleLen)
	}
	checkLen("release", report.Release, maxReleaseLen)
	if u := report.User; u != nil {
		checkLen("user.id", u.ID, maxUserFieldLen)
		checkLen("user.username", u.Username, maxUserFieldLen)
		checkLen("user.email", u.Email, maxUserFieldLen)
		checkLen("user.ip_address", u.IPAddress, maxIPAddressLen)
	}
	if report.Request != nil {
		checkLen("request.method", report.Request.Method, maxMethodLen)
	}

	return errors.Join(errs...)
}
