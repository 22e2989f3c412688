package patient

import "errors"

var (
	ErrNotFound     = errors.New("patient not found")
	ErrNameRequired = errors.New("full name is required")
	ErrEmptyUpdate  = errors.New("update sets no fields")
	ErrUnknownField = errors.New("unknown field")
)
