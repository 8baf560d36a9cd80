package hotrod

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPath occurs when a module path is empty or unusable.
	ErrPath = errors.New("invalid module path")
	// ErrCopy occurs when the scratch copy of a module can't be made.
	ErrCopy = errors.New("copy module to scratch")
	// ErrLoad occurs when a scratch copy can't be opened as a code image.
	ErrLoad = errors.New("open module image")
	// ErrSymbol occurs when the entry symbol or a required callback is missing.
	ErrSymbol = errors.New("missing symbol")
	// ErrInit occurs when a module's init callback reports failure.
	ErrInit = errors.New("module init failed")
	// ErrAlreadyLoaded occurs when a module name is already resident.
	ErrAlreadyLoaded = errors.New("module already loaded")
	// ErrNotFound occurs when a module name is not tracked.
	ErrNotFound = errors.New("module not found")
	// ErrUninitialized occurs when a nil or closed pool, loader or image is used.
	ErrUninitialized = errors.New("module system not initialized")
	// ErrUnsupported occurs when a backend is not available on this platform.
	ErrUnsupported = errors.New("backend unsupported on this platform")
	// ErrAlreadyPublished occurs when a capability kind is published twice.
	ErrAlreadyPublished = errors.New("capability already published")
	// ErrCapabilityMissing occurs when a capability kind was never published.
	ErrCapabilityMissing = errors.New("capability not published")
	// ErrCapabilityLimit occurs when more than MaxCapabilities capabilities are published.
	ErrCapabilityLimit = errors.New("too many capabilities")
	// ErrCapabilityType occurs when a capability is requested as the wrong type.
	ErrCapabilityType = errors.New("capability type mismatch")
)

// Error describes a failed module operation. Kind is one of the sentinel errors above,
// so callers can match it with errors.Is.
type Error struct {
	Kind    error
	Op      string   // load, open, resolve, bind, init, unload
	Path    string   // original module path
	Missing []string // symbols or callback slots not provided by the image
	Err     error    // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := strings.Builder{}
	s.WriteString(e.Op)
	if e.Path != "" {
		s.WriteString(" ")
		s.WriteString(e.Path)
	}
	s.WriteString(": ")
	s.WriteString(e.Kind.Error())
	if len(e.Missing) > 0 {
		s.WriteString(fmt.Sprintf(" [%s]", strings.Join(e.Missing, ", ")))
	}
	if e.Err != nil {
		s.WriteString(": ")
		s.WriteString(e.Err.Error())
	}
	return s.String()
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func fail(kind error, op, path string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: cause}
}
