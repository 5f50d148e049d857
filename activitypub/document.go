// Package activitypub reads and writes the small subset of ActivityStreams
// used to carry encrypted group messages.
//
// Documents are kept as generic JSON maps. Property accessors accept the
// compact name, the prefixed name and the full IRI of each property, so
// documents from servers that expand or prefix their JSON-LD terms read the
// same as those that use the plain context.
package activitypub

import (
	"encoding/json"
	"fmt"
)

const (
	// NamespaceActivityStreams is the ActivityStreams 2.0 context.
	NamespaceActivityStreams = "https://www.w3.org/ns/activitystreams"
	// NamespaceMLS is the context for MLS-over-ActivityPub terms.
	NamespaceMLS = "https://purl.archive.org/socialweb/mls"
	// NamespaceSSE is the context for the event stream extension.
	NamespaceSSE = "https://purl.archive.org/socialweb/sse"

	// ContentType is sent on every POST.
	ContentType = "application/activity+json"
	// AcceptHeader is sent on every GET.
	AcceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	// MediaTypeMLS marks object content as a base64 MLS message.
	MediaTypeMLS = "message/mls"
	// EncodingBase64 is the only encoding used for object content.
	EncodingBase64 = "base64"
	// Public is the public addressing collection.
	Public = "as:Public"
)

// Object types carried in envelopes.
const (
	TypeCreate         = "Create"
	TypeNote           = "Note"
	TypePrivateMessage = "mls:PrivateMessage"
	TypePublicMessage  = "mls:PublicMessage"
	TypeGroupInfo      = "mls:GroupInfo"
	TypeWelcome        = "mls:Welcome"
	TypeKeyPackage     = "mls:KeyPackage"
)

// Context is the @context written on every outgoing activity.
var Context = []string{NamespaceActivityStreams, NamespaceMLS}

// Document is a parsed JSON-LD object.
type Document map[string]any

// ParseDocument decodes a single JSON object.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("activitypub: decode document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("activitypub: document is not an object")
	}
	return doc, nil
}

// Get returns the first value present under any alias of property.
func (d Document) Get(property Property) any {
	for _, name := range property.names() {
		if v, ok := d[name]; ok && v != nil {
			return v
		}
	}
	return nil
}

// String returns property as a string, or its id if the value is an
// embedded object. Anything else yields "".
func (d Document) String(property Property) string {
	switch v := d.Get(property).(type) {
	case string:
		return v
	case map[string]any:
		return Document(v).ID()
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// Document returns property as an embedded object, if it is one.
func (d Document) Document(property Property) (Document, bool) {
	m, ok := d.Get(property).(map[string]any)
	return Document(m), ok
}

// List returns property as a slice, wrapping a single value.
func (d Document) List(property Property) []any {
	switch v := d.Get(property).(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}

// HasType reports whether the document's type, or one of its types, is t.
func (d Document) HasType(t string) bool {
	for _, v := range d.List(PropertyType) {
		if s, ok := v.(string); ok && s == t {
			return true
		}
	}
	return false
}

func (d Document) ID() string          { return d.String(PropertyID) }
func (d Document) Actor() string       { return d.String(PropertyActor) }
func (d Document) Outbox() string      { return d.String(PropertyOutbox) }
func (d Document) Type() string        { return d.String(PropertyType) }
func (d Document) Name() string        { return d.String(PropertyName) }
func (d Document) Summary() string     { return d.String(PropertySummary) }
func (d Document) Content() string     { return d.String(PropertyContent) }
func (d Document) EventStream() string { return d.String(PropertyEventStream) }
func (d Document) Messages() string    { return d.String(PropertyMessages) }
func (d Document) KeyPackages() string { return d.String(PropertyKeyPackages) }
