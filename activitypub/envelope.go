package activitypub

import (
	"encoding/base64"
	"fmt"
)

// Envelope is a Create activity wrapping one base64 MLS message.
type Envelope struct {
	Context []string `json:"@context"`
	Type    string   `json:"type"`
	Actor   string   `json:"actor"`
	To      []string `json:"to"`
	Object  Object   `json:"object"`
}

// Object is the MLS carrying object of an Envelope.
type Object struct {
	ID           string   `json:"id,omitempty"`
	Type         string   `json:"type"`
	To           []string `json:"to,omitempty"`
	AttributedTo string   `json:"attributedTo,omitempty"`
	MediaType    string   `json:"mediaType"`
	Encoding     string   `json:"encoding"`
	Content      string   `json:"content"`
	Generator    string   `json:"generator,omitempty"`
}

// NewEnvelope wraps payload for delivery from actor to recipients.
func NewEnvelope(actor, objectType string, recipients []string, payload []byte) Envelope {
	return Envelope{
		Context: Context,
		Type:    TypeCreate,
		Actor:   actor,
		To:      recipients,
		Object: Object{
			Type:      objectType,
			To:        recipients,
			MediaType: MediaTypeMLS,
			Encoding:  EncodingBase64,
			Content:   base64.StdEncoding.EncodeToString(payload),
		},
	}
}

// NewKeyPackageEnvelope wraps a public key package for publication.
func NewKeyPackageEnvelope(actor, generator string, payload []byte) Envelope {
	return Envelope{
		Context: Context,
		Type:    TypeCreate,
		Actor:   actor,
		To:      []string{Public},
		Object: Object{
			Type:         TypeKeyPackage,
			To:           []string{Public},
			AttributedTo: actor,
			MediaType:    MediaTypeMLS,
			Encoding:     EncodingBase64,
			Content:      base64.StdEncoding.EncodeToString(payload),
			Generator:    generator,
		},
	}
}

// DecodeContent returns the raw bytes of a base64 content string.
func DecodeContent(content string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("activitypub: decode content: %w", err)
	}
	return data, nil
}
