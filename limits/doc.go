// Package limits holds the size limits applied to group messages and
// inbound envelopes.
//
// # Size Hierarchy
//
//   - MaxPlaintextMessage (64 KiB): the text a user may send in one message.
//   - MaxNotePayload: the serialized note wrapping that text.
//   - MaxEnvelopeContent (1 MiB): the base64 content of anything read from
//     the messages collection. Larger items are dropped before decoding.
//
// # Validation Functions
//
// Each function reports ErrMessageEmpty for empty input and a wrapped
// ErrMessageTooLarge naming the actual and allowed sizes otherwise:
//
//	if err := limits.ValidatePlaintextMessage(text); err != nil {
//	    return err
//	}
package limits
