package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPlaintextMessage caps the text of one group message.
	MaxPlaintextMessage = 64 * 1024

	// MaxNotePayload caps the serialized note that carries a message,
	// leaving room for its id, author and timestamps.
	MaxNotePayload = MaxPlaintextMessage + 4*1024

	// MaxEnvelopeContent caps the base64 content of an inbound envelope.
	// Commits and welcomes for large groups are the biggest payloads.
	MaxEnvelopeContent = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("message cannot be empty")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize checks that message is not empty and at most maxSize
// bytes long.
func ValidateMessageSize(message []byte, maxSize int) error {
	return validate("message", len(message), maxSize)
}

// ValidatePlaintextMessage validates text about to be sent to a group.
func ValidatePlaintextMessage(text string) error {
	return validate("plaintext", len(text), MaxPlaintextMessage)
}

// ValidateNotePayload validates a decrypted note before it is parsed.
func ValidateNotePayload(payload []byte) error {
	return validate("note", len(payload), MaxNotePayload)
}

// ValidateEnvelopeContent validates inbound envelope content before it is
// decoded.
func ValidateEnvelopeContent(content string) error {
	return validate("envelope", len(content), MaxEnvelopeContent)
}

func validate(what string, size, limit int) error {
	if size == 0 {
		return ErrMessageEmpty
	}
	if size > limit {
		return fmt.Errorf("%w: %s size %d exceeds limit %d", ErrMessageTooLarge, what, size, limit)
	}
	return nil
}
