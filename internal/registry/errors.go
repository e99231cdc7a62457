package registry

import "workbuffer/internal/werrors"

// ErrHandlerNotFound is returned by Lookup for an unregistered type.
var ErrHandlerNotFound = werrors.ErrHandlerNotFound

// ErrEmptyType is returned by Register when the handler's Type() is
// the empty string.
var ErrEmptyType = werrors.NewNoRetry(werrors.KindInvalidMessage, errEmptyType{})

type errEmptyType struct{}

func (errEmptyType) Error() string { return "handler type must not be empty" }
