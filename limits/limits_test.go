package limits

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimitHierarchy(t *testing.T) {
	assert.Less(t, MaxPlaintextMessage, MaxNotePayload)
	// a full note must fit base64 encoded with room for the protocol framing
	assert.Less(t, (MaxNotePayload+2)/3*4, MaxEnvelopeContent)
}

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		message []byte
		max     int
		want    error
	}{
		{"empty", nil, 10, ErrMessageEmpty},
		{"at limit", make([]byte, 10), 10, nil},
		{"over limit", make([]byte, 11), 10, ErrMessageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(tt.message, tt.max)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestValidatePlaintextMessage(t *testing.T) {
	assert.ErrorIs(t, ValidatePlaintextMessage(""), ErrMessageEmpty)
	assert.NoError(t, ValidatePlaintextMessage(strings.Repeat("a", MaxPlaintextMessage)))

	err := ValidatePlaintextMessage(strings.Repeat("a", MaxPlaintextMessage+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Contains(t, err.Error(), "plaintext size 65537")
}

func TestValidateNotePayload(t *testing.T) {
	assert.ErrorIs(t, ValidateNotePayload(nil), ErrMessageEmpty)
	assert.NoError(t, ValidateNotePayload([]byte(`{"id":"x"}`)))
	assert.ErrorIs(t, ValidateNotePayload(make([]byte, MaxNotePayload+1)), ErrMessageTooLarge)
}

func TestValidateEnvelopeContent(t *testing.T) {
	assert.ErrorIs(t, ValidateEnvelopeContent(""), ErrMessageEmpty)
	assert.NoError(t, ValidateEnvelopeContent("AAAA"))
	assert.ErrorIs(t, ValidateEnvelopeContent(strings.Repeat("A", MaxEnvelopeContent+1)), ErrMessageTooLarge)
}
