// Package brokererr defines the tagged error kinds the storage engine
// speaks in: EARG, EIO, ECORRUPT, EEXCL. Callers at the HTTP/CLI boundary
// translate these into their own status codes; the core never retries.
package brokererr

import "github.com/cockroachdb/errors"

type Kind string

const (
	EARG     Kind = "EARG"
	EIO      Kind = "EIO"
	ECORRUPT Kind = "ECORRUPT"
	EEXCL    Kind = "EEXCL"
)

var markers = map[Kind]error{
	EARG:     errors.New("EARG"),
	EIO:      errors.New("EIO"),
	ECORRUPT: errors.New("ECORRUPT"),
	EEXCL:    errors.New("EEXCL"),
}

// New creates a fresh error tagged with kind.
func New(kind Kind, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), markers[kind])
}

// Wrap tags an existing error with kind, preserving its cause chain.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), markers[kind])
}

// Is reports whether err carries the given kind marker.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, markers[kind])
}

// KindOf returns the first matching kind for err, or "" if untagged.
func KindOf(err error) Kind {
	for _, k := range []Kind{EARG, EIO, ECORRUPT, EEXCL} {
		if Is(err, k) {
			return k
		}
	}
	return ""
}
