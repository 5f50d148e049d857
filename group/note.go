package group

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/apmls/activitypub"
)

// idPrefix is prepended to the UUIDs of groups and notes.
const idPrefix = "uri:uuid:"

func newID() string {
	return idPrefix + uuid.NewString()
}

// Note is the ActivityStreams object carried inside application messages.
type Note struct {
	Context      string `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	AttributedTo string `json:"attributedTo,omitempty"`
	Actor        string `json:"actor,omitempty"`
	Content      string `json:"content"`
	Published    string `json:"published,omitempty"`
}

func newNote(actor, content string, now time.Time) Note {
	return Note{
		Context:      activitypub.NamespaceActivityStreams,
		ID:           newID(),
		Type:         activitypub.TypeNote,
		AttributedTo: actor,
		Content:      content,
		Published:    now.Format(time.RFC3339),
	}
}

// parseNote decodes a decrypted application payload. Only the id is
// required; a note without an author is attributed by the caller.
func parseNote(data []byte) (Note, error) {
	var n Note
	if err := json.Unmarshal(data, &n); err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if n.ID == "" {
		return Note{}, fmt.Errorf("%w: note has no id", ErrDecode)
	}
	return n, nil
}

// author returns the sender the note names for itself.
func (n Note) author() string {
	if n.AttributedTo != "" {
		return n.AttributedTo
	}
	return n.Actor
}
