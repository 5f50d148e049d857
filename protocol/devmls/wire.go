package devmls

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/apmls/protocol"
)

// Version is the wire version written into every encoded message.
const Version = 1

const (
	contentApplication uint8 = 1
	contentCommit      uint8 = 2
)

// encMode is deterministic so that headers can double as AEAD associated data.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("devmls: cbor encoding mode: %v", err))
	}
}

type wireMessage struct {
	Version    uint16 `cbor:"1,keyasint"`
	WireFormat uint16 `cbor:"2,keyasint"`
	GroupID    []byte `cbor:"3,keyasint,omitempty"`
	Body       []byte `cbor:"4,keyasint"`
}

type member struct {
	Identity  string `cbor:"1,keyasint"`
	PublicKey []byte `cbor:"2,keyasint"`
}

// sessionState is what protocol.State holds, cbor encoded.
type sessionState struct {
	GroupID         []byte            `cbor:"1,keyasint"`
	Epoch           uint64            `cbor:"2,keyasint"`
	EpochSecret     []byte            `cbor:"3,keyasint"`
	Members         []member          `cbor:"4,keyasint"`
	Own             uint32            `cbor:"5,keyasint"`
	SendGeneration  uint32            `cbor:"6,keyasint"`
	RecvGenerations map[uint32]uint32 `cbor:"7,keyasint"`
	// Skipped holds generations below RecvGenerations that have not
	// arrived yet, per sender.
	Skipped map[uint32][]uint32 `cbor:"8,keyasint,omitempty"`
}

type framedHeader struct {
	GroupID     []byte `cbor:"1,keyasint"`
	Epoch       uint64 `cbor:"2,keyasint"`
	Sender      uint32 `cbor:"3,keyasint"`
	ContentType uint8  `cbor:"4,keyasint"`
	Generation  uint32 `cbor:"5,keyasint"`
}

type privateMessage struct {
	Header     framedHeader `cbor:"1,keyasint"`
	Nonce      []byte       `cbor:"2,keyasint"`
	Ciphertext []byte       `cbor:"3,keyasint"`
}

type commitContent struct {
	EpochSecret []byte   `cbor:"1,keyasint"`
	Added       []member `cbor:"2,keyasint"`
}

type welcomeSecret struct {
	KeyRef    []byte `cbor:"1,keyasint"`
	Handshake []byte `cbor:"2,keyasint"`
}

type welcomeBody struct {
	Secrets []welcomeSecret `cbor:"1,keyasint"`
}

type groupSecrets struct {
	GroupID     []byte   `cbor:"1,keyasint"`
	Epoch       uint64   `cbor:"2,keyasint"`
	EpochSecret []byte   `cbor:"3,keyasint"`
	Members     []member `cbor:"4,keyasint"`
}

type groupInfo struct {
	GroupID []byte   `cbor:"1,keyasint"`
	Epoch   uint64   `cbor:"2,keyasint"`
	Members []string `cbor:"3,keyasint"`
}

func knownWireFormat(w protocol.WireFormat) bool {
	switch w {
	case protocol.WireFormatPublicMessage,
		protocol.WireFormatPrivateMessage,
		protocol.WireFormatWelcome,
		protocol.WireFormatGroupInfo,
		protocol.WireFormatKeyPackage:
		return true
	}
	return false
}

// Encode implements protocol.Codec.
func (e *Engine) Encode(msg protocol.Message) ([]byte, error) {
	if !knownWireFormat(msg.WireFormat) {
		return nil, fmt.Errorf("%w: %s", protocol.ErrWrongWireFormat, msg.WireFormat)
	}
	if len(msg.Body) == 0 {
		return nil, fmt.Errorf("%w: empty body", protocol.ErrMalformed)
	}
	return encMode.Marshal(wireMessage{
		Version:    Version,
		WireFormat: uint16(msg.WireFormat),
		GroupID:    msg.GroupID,
		Body:       msg.Body,
	})
}

// Decode implements protocol.Codec.
func (e *Engine) Decode(data []byte) (protocol.Message, error) {
	var wm wireMessage
	if err := cbor.Unmarshal(data, &wm); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	if wm.Version != Version {
		return protocol.Message{}, fmt.Errorf("%w: unsupported version %d", protocol.ErrMalformed, wm.Version)
	}
	wf := protocol.WireFormat(wm.WireFormat)
	if !knownWireFormat(wf) {
		return protocol.Message{}, fmt.Errorf("%w: %s", protocol.ErrMalformed, wf)
	}
	if len(wm.Body) == 0 {
		return protocol.Message{}, fmt.Errorf("%w: empty body", protocol.ErrMalformed)
	}
	return protocol.Message{WireFormat: wf, GroupID: wm.GroupID, Body: wm.Body}, nil
}

func marshalState(st *sessionState) (protocol.State, error) {
	data, err := encMode.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session state: %w", err)
	}
	return protocol.State(data), nil
}

func unmarshalState(state protocol.State) (*sessionState, error) {
	if len(state) == 0 {
		return nil, ErrCorruptState
	}
	st := &sessionState{}
	if err := cbor.Unmarshal(state, st); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if len(st.EpochSecret) != keySize || len(st.GroupID) == 0 || int(st.Own) >= len(st.Members) {
		return nil, ErrCorruptState
	}
	if st.RecvGenerations == nil {
		st.RecvGenerations = make(map[uint32]uint32)
	}
	if st.Skipped == nil {
		st.Skipped = make(map[uint32][]uint32)
	}
	return st, nil
}
