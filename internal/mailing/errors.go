package mailing

import "errors"

// ErrEmptyContent is returned when both bodies are blank after substitution.
var ErrEmptyContent = errors.New("step has no html or text content")
