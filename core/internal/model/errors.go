package model

import "errors"

// ErrValidation is wrapped by every rejected report or request parameter.
var ErrValidation = errors.New("validation failed")
