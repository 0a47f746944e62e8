package manifest

import (
	"errors"
	"strings"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindMalformed           Kind = "MalformedManifest"
	KindPermissionDenied    Kind = "PermissionDenied"
	KindVersionIncompatible Kind = "VersionIncompatible"
)

var (
	ErrMalformedManifest   = errors.New("malformed manifest")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrVersionIncompatible = errors.New("version incompatible")
)

// ValidationError names the offending field of a manifest.
type ValidationError struct {
	Kind    Kind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return string(e.Kind) + ": " + e.Field + ": " + e.Message
}

// Unwrap lets errors.Is match on the kind sentinels.
func (e *ValidationError) Unwrap() error {
	switch e.Kind {
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindVersionIncompatible:
		return ErrVersionIncompatible
	default:
		return ErrMalformedManifest
	}
}

// ValidationErrors collects every failure found in one manifest.
type ValidationErrors []*ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, e := range v {
		msgs = append(msgs, e.Error())
	}
	return "invalid manifest: " + strings.Join(msgs, "; ")
}

func (v ValidationErrors) Unwrap() []error {
	out := make([]error, 0, len(v))
	for _, e := range v {
		out = append(out, e)
	}
	return out
}

// Has reports whether any collected error is of the given kind.
func (v ValidationErrors) Has(kind Kind) bool {
	for _, e := range v {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Fields returns the offending field names in order.
func (v ValidationErrors) Fields() []string {
	out := make([]string, 0, len(v))
	for _, e := range v {
		out = append(out, e.Field)
	}
	return out
}

func (v *ValidationErrors) add(kind Kind, field, msg string) {
	*v = append(*v, &ValidationError{Kind: kind, Field: field, Message: msg})
}

func (v ValidationErrors) err() error {
	if len(v) == 0 {
		return nil
	}
	return v
}
