package group

import (
	"errors"

	"github.com/opd-ai/apmls/limits"
)

var (
	// ErrDecode is returned for envelopes or notes that cannot be decoded.
	ErrDecode = errors.New("cannot decode message")
	// ErrUnknownKind is returned for envelopes of an unhandled wire format.
	ErrUnknownKind = errors.New("unknown message kind")
	// ErrDelivery wraps transport failures that happened after local state
	// was already committed.
	ErrDelivery = errors.New("delivery failed")
	// ErrNoKeyMaterial is returned when the local key package is missing.
	ErrNoKeyMaterial = errors.New("no local key package")
	// ErrEmptyMessage is returned by SendMessage for an empty plaintext.
	ErrEmptyMessage = limits.ErrMessageEmpty
)
