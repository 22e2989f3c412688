package user

import "errors"

var (
	ErrNotFound           = errors.New("user not found")
	ErrLoginTaken         = errors.New("login already taken")
	ErrInvalidCredentials = errors.New("invalid login or password")
	ErrSelfDelete         = errors.New("cannot delete own account")
	ErrLoginRequired      = errors.New("login is required")
	ErrPasswordTooShort   = errors.New("password must be at least 8 characters")
	ErrEmptyUpdate        = errors.New("update sets no fields")
)
