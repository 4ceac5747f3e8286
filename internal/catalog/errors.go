package catalog

import (
	"errors"
	"fmt"
)

// Fetch failure kinds. Match them with errors.Is.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrTransport      = errors.New("transport failure")
	ErrBadStatus      = errors.New("bad status")
	ErrDecode         = errors.New("decode failure")
)

// FetchError is returned by FetchCatalog. Kind is one of the Err* sentinels.
type FetchError struct {
	Kind       error
	StatusCode int // set for ErrBadStatus
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == ErrBadStatus:
		return fmt.Sprintf("fetch catalog: %v: HTTP %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch catalog: %v: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch catalog: %v", e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *FetchError) Is(target error) bool { return target == e.Kind }
