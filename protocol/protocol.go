// Package protocol defines the boundary between the group session
// orchestrator and a secure group messaging engine.
//
// Session state is an opaque byte string owned by the engine. Callers store
// it, hand it back on the next operation and replace it wholesale with the
// NewState of every result; they never look inside it. Every result that
// carries Consumed key material expects the caller to erase those slices as
// soon as the call returns.
package protocol

import (
	"context"
	"errors"
	"fmt"
)

// WireFormat identifies the kind of an encoded protocol message.
type WireFormat uint16

const (
	// WireFormatPublicMessage is an unencrypted handshake message.
	WireFormatPublicMessage WireFormat = 1
	// WireFormatPrivateMessage is an encrypted handshake or application message.
	WireFormatPrivateMessage WireFormat = 2
	// WireFormatWelcome adds a new member to an existing group.
	WireFormatWelcome WireFormat = 3
	// WireFormatGroupInfo describes a group to prospective joiners.
	WireFormatGroupInfo WireFormat = 4
	// WireFormatKeyPackage is a published key package.
	WireFormatKeyPackage WireFormat = 5
)

// String returns the conventional name of the wire format.
func (w WireFormat) String() string {
	switch w {
	case WireFormatPublicMessage:
		return "mls_public_message"
	case WireFormatPrivateMessage:
		return "mls_private_message"
	case WireFormatWelcome:
		return "mls_welcome"
	case WireFormatGroupInfo:
		return "mls_group_info"
	case WireFormatKeyPackage:
		return "mls_key_package"
	default:
		return fmt.Sprintf("wireformat(%d)", uint16(w))
	}
}

// ResultKind classifies the outcome of processing a private message.
type ResultKind uint8

const (
	// ResultApplication carries a decrypted application payload.
	ResultApplication ResultKind = iota + 1
	// ResultCommit advanced the group to a new epoch.
	ResultCommit
	// ResultProposal recorded a proposal without changing the epoch.
	ResultProposal
)

// String returns a short name for the result kind.
func (k ResultKind) String() string {
	switch k {
	case ResultApplication:
		return "application"
	case ResultCommit:
		return "commit"
	case ResultProposal:
		return "proposal"
	default:
		return "unknown"
	}
}

var (
	// ErrMalformed is returned when bytes cannot be decoded as a protocol message.
	ErrMalformed = errors.New("malformed protocol message")
	// ErrWrongWireFormat is returned when a message has an unexpected wire format.
	ErrWrongWireFormat = errors.New("unexpected wire format")
	// ErrNotForUs is returned by JoinGroup when the welcome holds no secrets for our key package.
	ErrNotForUs = errors.New("welcome not addressed to this key package")
)

// State is opaque session state. It is replaced, never edited.
type State []byte

// Clone returns an independent copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	copy(out, s)
	return out
}

// KeyPackage is the key establishment material of one participant.
// Private is only set for the local user's own package.
type KeyPackage struct {
	Identity string
	Public   []byte
	Private  []byte
}

// PublicOnly returns a copy of kp without the private half.
func (kp KeyPackage) PublicOnly() KeyPackage {
	pub := make([]byte, len(kp.Public))
	copy(pub, kp.Public)
	return KeyPackage{Identity: kp.Identity, Public: pub}
}

// Message is a decoded protocol message. Body is engine specific.
// GroupID is set for private, public and group-info messages.
type Message struct {
	WireFormat WireFormat
	GroupID    []byte
	Body       []byte
}

// Leaf is one entry of the engine's membership enumeration.
type Leaf struct {
	Identity []byte
}

// CommitResult is returned by CreateCommit.
type CommitResult struct {
	NewState State
	Commit   Message
	Welcome  *Message
	Consumed [][]byte
}

// ApplicationResult is returned by CreateApplicationMessage.
type ApplicationResult struct {
	NewState State
	Message  Message
	Consumed [][]byte
}

// ProcessResult is returned by ProcessMessage. Plaintext and Sender are
// only set for ResultApplication.
type ProcessResult struct {
	Kind      ResultKind
	NewState  State
	Plaintext []byte
	Sender    string
	Consumed  [][]byte
}

// Codec encodes and decodes protocol messages to and from their wire bytes.
type Codec interface {
	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// Engine is a secure group messaging implementation.
type Engine interface {
	Codec

	// GenerateKeyPackage creates fresh key material for identity.
	GenerateKeyPackage(ctx context.Context, identity string) (*KeyPackage, error)
	// CreateGroup starts a one-member group owned by kp.
	CreateGroup(ctx context.Context, groupID []byte, kp *KeyPackage) (State, error)
	// CreateCommit adds one member per key package in a single commit.
	CreateCommit(ctx context.Context, state State, adds []KeyPackage) (*CommitResult, error)
	// JoinGroup derives initial state from a welcome addressed to kp.
	JoinGroup(ctx context.Context, welcome Message, kp *KeyPackage) (State, error)
	// CreateApplicationMessage encrypts plaintext for the group.
	CreateApplicationMessage(ctx context.Context, state State, plaintext []byte) (*ApplicationResult, error)
	// ProcessMessage consumes one private message received for the group.
	ProcessMessage(ctx context.Context, state State, msg Message) (*ProcessResult, error)

	// Members enumerates the current leaves of the group.
	Members(state State) ([]Leaf, error)
	// GroupID extracts the group identifier from state.
	GroupID(state State) ([]byte, error)
	// GroupInfo builds a group-info message for state.
	GroupInfo(state State) (Message, error)

	// KeyPackageMessage wraps the public half of kp for publication.
	KeyPackageMessage(kp KeyPackage) (Message, error)
	// ParseKeyPackage extracts a public key package from a key-package message.
	ParseKeyPackage(msg Message) (KeyPackage, error)
}
