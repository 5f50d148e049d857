// Package devmls is a small, insecure group messaging engine that satisfies
// protocol.Engine for development, demos and tests.
//
// It keeps the shape of MLS (epochs, commits that add members, welcomes,
// per-sender generations, consumed keys) without its security properties:
// there is no ratchet tree, no signatures and no forward secrecy inside an
// epoch. Never use it to protect real conversations.
//
// Wire messages and session state are cbor encoded. Welcome secrets are
// sealed to each joiner's X25519 key with a one-way Noise N handshake.
// Commits and application messages are sealed with ChaCha20-Poly1305 under
// keys derived from the epoch secret with HKDF-SHA256.
package devmls

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/flynn/noise"
	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/apmls/crypto"
	"github.com/opd-ai/apmls/protocol"
)

const keySize = 32

// maxSkip bounds how far ahead of the next expected generation a sender
// may be.
const maxSkip = 1000

var welcomePrologue = []byte("devmls welcome v1")

var (
	// ErrCorruptState is returned when session state cannot be decoded.
	ErrCorruptState = errors.New("devmls: corrupt session state")
	// ErrInvalidKeyPackage is returned for key packages that fail validation.
	ErrInvalidKeyPackage = errors.New("devmls: invalid key package")
	// ErrWrongGroup is returned for messages addressed to another group.
	ErrWrongGroup = errors.New("devmls: message for a different group")
	// ErrWrongEpoch is returned for messages from another epoch.
	ErrWrongEpoch = errors.New("devmls: message from a different epoch")
	// ErrReplay is returned when a generation has already been consumed.
	ErrReplay = errors.New("devmls: generation already consumed")
	// ErrOwnMessage is returned when processing a message this member sent.
	ErrOwnMessage = errors.New("devmls: cannot process own message")
	// ErrDuplicateMember is returned when a commit would add an existing identity.
	ErrDuplicateMember = errors.New("devmls: identity already a member")
)

// Engine implements protocol.Engine.
type Engine struct {
	suite  noise.CipherSuite
	random io.Reader
}

var _ protocol.Engine = (*Engine)(nil)

// New returns an engine drawing randomness from crypto/rand.
func New() *Engine {
	return &Engine{
		suite:  noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		random: rand.Reader,
	}
}

// GenerateKeyPackage creates an X25519 key pair bound to identity.
func (e *Engine) GenerateKeyPackage(ctx context.Context, identity string) (*protocol.KeyPackage, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: empty identity", ErrInvalidKeyPackage)
	}
	dh, err := e.suite.GenerateKeypair(e.random)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	pub, err := encMode.Marshal(member{Identity: identity, PublicKey: dh.Public})
	if err != nil {
		return nil, fmt.Errorf("failed to encode key package: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "devmls.GenerateKeyPackage",
		"identity": identity,
	}).Debug("Generated key package")

	return &protocol.KeyPackage{Identity: identity, Public: pub, Private: dh.Private}, nil
}

// parsePublic decodes and validates the public half of a key package.
func parsePublic(public []byte) (member, error) {
	var m member
	if err := cbor.Unmarshal(public, &m); err != nil {
		return member{}, fmt.Errorf("%w: %v", ErrInvalidKeyPackage, err)
	}
	if m.Identity == "" || len(m.PublicKey) != keySize {
		return member{}, ErrInvalidKeyPackage
	}
	return m, nil
}

// parsePrivate validates that kp's private key matches its public key.
func parsePrivate(kp *protocol.KeyPackage) (member, error) {
	if kp == nil || len(kp.Private) != keySize {
		return member{}, fmt.Errorf("%w: missing private key", ErrInvalidKeyPackage)
	}
	m, err := parsePublic(kp.Public)
	if err != nil {
		return member{}, err
	}
	derived, err := curve25519.X25519(kp.Private, curve25519.Basepoint)
	if err != nil {
		return member{}, fmt.Errorf("%w: %v", ErrInvalidKeyPackage, err)
	}
	if !bytes.Equal(derived, m.PublicKey) {
		return member{}, fmt.Errorf("%w: private key does not match public key", ErrInvalidKeyPackage)
	}
	return m, nil
}

// CreateGroup starts epoch zero with kp as the only member.
func (e *Engine) CreateGroup(ctx context.Context, groupID []byte, kp *protocol.KeyPackage) (protocol.State, error) {
	if len(groupID) == 0 {
		return nil, errors.New("devmls: empty group id")
	}
	self, err := parsePrivate(kp)
	if err != nil {
		return nil, err
	}
	secret, err := e.randomKey()
	if err != nil {
		return nil, err
	}
	st := &sessionState{
		GroupID:         append([]byte(nil), groupID...),
		EpochSecret:     secret,
		Members:         []member{self},
		RecvGenerations: make(map[uint32]uint32),
	}
	return marshalState(st)
}

// CreateCommit adds one member per key package and moves to the next epoch.
func (e *Engine) CreateCommit(ctx context.Context, state protocol.State, adds []protocol.KeyPackage) (*protocol.CommitResult, error) {
	st, err := unmarshalState(state)
	if err != nil {
		return nil, err
	}
	if len(adds) == 0 {
		return nil, errors.New("devmls: commit without proposals")
	}

	added, err := e.newMembers(st, adds)
	if err != nil {
		return nil, err
	}

	newSecret, err := e.randomKey()
	if err != nil {
		return nil, err
	}

	header := framedHeader{
		GroupID:     st.GroupID,
		Epoch:       st.Epoch,
		Sender:      st.Own,
		ContentType: contentCommit,
	}
	commitKey := deriveKey(st.EpochSecret, st.GroupID, "commit", st.Own, st.Epoch)
	content, err := encMode.Marshal(commitContent{EpochSecret: newSecret, Added: added})
	if err != nil {
		return nil, fmt.Errorf("failed to encode commit: %w", err)
	}
	body, err := e.seal(commitKey, header, content)
	crypto.ZeroBytes(content)
	if err != nil {
		return nil, err
	}

	st.Members = append(st.Members, added...)
	st.Epoch++
	st.EpochSecret = newSecret
	resetGenerations(st)

	welcome, err := e.buildWelcome(st, added)
	if err != nil {
		return nil, err
	}

	newState, err := marshalState(st)
	if err != nil {
		return nil, err
	}

	return &protocol.CommitResult{
		NewState: newState,
		Commit: protocol.Message{
			WireFormat: protocol.WireFormatPrivateMessage,
			GroupID:    append([]byte(nil), st.GroupID...),
			Body:       body,
		},
		Welcome:  welcome,
		Consumed: [][]byte{commitKey},
	}, nil
}

// newMembers validates adds against the current membership.
func (e *Engine) newMembers(st *sessionState, adds []protocol.KeyPackage) ([]member, error) {
	seen := make(map[string]bool, len(st.Members)+len(adds))
	for _, m := range st.Members {
		seen[m.Identity] = true
	}
	added := make([]member, 0, len(adds))
	for _, kp := range adds {
		m, err := parsePublic(kp.Public)
		if err != nil {
			return nil, err
		}
		if seen[m.Identity] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMember, m.Identity)
		}
		seen[m.Identity] = true
		added = append(added, m)
	}
	return added, nil
}

// buildWelcome seals the new epoch's secrets to every added member.
func (e *Engine) buildWelcome(st *sessionState, added []member) (*protocol.Message, error) {
	payload, err := encMode.Marshal(groupSecrets{
		GroupID:     st.GroupID,
		Epoch:       st.Epoch,
		EpochSecret: st.EpochSecret,
		Members:     st.Members,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode group secrets: %w", err)
	}
	defer crypto.ZeroBytes(payload)

	body := welcomeBody{Secrets: make([]welcomeSecret, 0, len(added))}
	for _, m := range added {
		hs, err := noise.NewHandshakeState(noise.Config{
			CipherSuite: e.suite,
			Random:      e.random,
			Pattern:     noise.HandshakeN,
			Initiator:   true,
			Prologue:    welcomePrologue,
			PeerStatic:  m.PublicKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create welcome handshake: %w", err)
		}
		sealed, _, _, err := hs.WriteMessage(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("failed to seal welcome for %s: %w", m.Identity, err)
		}
		body.Secrets = append(body.Secrets, welcomeSecret{KeyRef: keyRef(m.PublicKey), Handshake: sealed})
	}

	encoded, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode welcome: %w", err)
	}
	return &protocol.Message{WireFormat: protocol.WireFormatWelcome, Body: encoded}, nil
}

// JoinGroup opens the welcome secret addressed to kp.
func (e *Engine) JoinGroup(ctx context.Context, welcome protocol.Message, kp *protocol.KeyPackage) (protocol.State, error) {
	if welcome.WireFormat != protocol.WireFormatWelcome {
		return nil, fmt.Errorf("%w: %s", protocol.ErrWrongWireFormat, welcome.WireFormat)
	}
	self, err := parsePrivate(kp)
	if err != nil {
		return nil, err
	}

	var body welcomeBody
	if err := cbor.Unmarshal(welcome.Body, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}

	ref := keyRef(self.PublicKey)
	for _, secret := range body.Secrets {
		if !bytes.Equal(secret.KeyRef, ref) {
			continue
		}
		return e.openWelcome(secret.Handshake, kp.Private, self)
	}
	return nil, protocol.ErrNotForUs
}

func (e *Engine) openWelcome(sealed, private []byte, self member) (protocol.State, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   e.suite,
		Random:        e.random,
		Pattern:       noise.HandshakeN,
		Initiator:     false,
		Prologue:      welcomePrologue,
		StaticKeypair: noise.DHKey{Private: private, Public: self.PublicKey},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create welcome handshake: %w", err)
	}
	payload, _, _, err := hs.ReadMessage(nil, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open welcome: %w", err)
	}
	defer crypto.ZeroBytes(payload)

	var secrets groupSecrets
	if err := cbor.Unmarshal(payload, &secrets); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}

	own := -1
	for i, m := range secrets.Members {
		if m.Identity == self.Identity && bytes.Equal(m.PublicKey, self.PublicKey) {
			own = i
			break
		}
	}
	if own < 0 {
		return nil, protocol.ErrNotForUs
	}

	st := &sessionState{
		GroupID:         secrets.GroupID,
		Epoch:           secrets.Epoch,
		EpochSecret:     secrets.EpochSecret,
		Members:         secrets.Members,
		Own:             uint32(own),
		RecvGenerations: make(map[uint32]uint32),
	}
	if len(st.EpochSecret) != keySize || len(st.GroupID) == 0 {
		return nil, ErrCorruptState
	}
	return marshalState(st)
}

// CreateApplicationMessage seals plaintext under the next sending generation.
func (e *Engine) CreateApplicationMessage(ctx context.Context, state protocol.State, plaintext []byte) (*protocol.ApplicationResult, error) {
	st, err := unmarshalState(state)
	if err != nil {
		return nil, err
	}

	header := framedHeader{
		GroupID:     st.GroupID,
		Epoch:       st.Epoch,
		Sender:      st.Own,
		ContentType: contentApplication,
		Generation:  st.SendGeneration,
	}
	key := deriveKey(st.EpochSecret, st.GroupID, "application", st.Own, uint64(st.SendGeneration))
	body, err := e.seal(key, header, plaintext)
	if err != nil {
		return nil, err
	}
	st.SendGeneration++

	newState, err := marshalState(st)
	if err != nil {
		return nil, err
	}
	return &protocol.ApplicationResult{
		NewState: newState,
		Message: protocol.Message{
			WireFormat: protocol.WireFormatPrivateMessage,
			GroupID:    append([]byte(nil), st.GroupID...),
			Body:       body,
		},
		Consumed: [][]byte{key},
	}, nil
}

// ProcessMessage opens a private message and advances state.
func (e *Engine) ProcessMessage(ctx context.Context, state protocol.State, msg protocol.Message) (*protocol.ProcessResult, error) {
	if msg.WireFormat != protocol.WireFormatPrivateMessage {
		return nil, fmt.Errorf("%w: %s", protocol.ErrWrongWireFormat, msg.WireFormat)
	}
	st, err := unmarshalState(state)
	if err != nil {
		return nil, err
	}

	var pm privateMessage
	if err := cbor.Unmarshal(msg.Body, &pm); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	h := pm.Header
	if !bytes.Equal(h.GroupID, st.GroupID) {
		return nil, ErrWrongGroup
	}
	if h.Epoch != st.Epoch {
		return nil, fmt.Errorf("%w: got %d, at %d", ErrWrongEpoch, h.Epoch, st.Epoch)
	}
	if int(h.Sender) >= len(st.Members) {
		return nil, fmt.Errorf("%w: unknown sender %d", protocol.ErrMalformed, h.Sender)
	}
	if h.Sender == st.Own {
		return nil, ErrOwnMessage
	}

	switch h.ContentType {
	case contentApplication:
		return e.processApplication(st, pm)
	case contentCommit:
		return e.processCommit(st, pm)
	default:
		return nil, fmt.Errorf("%w: content type %d", protocol.ErrMalformed, h.ContentType)
	}
}

func (e *Engine) processApplication(st *sessionState, pm privateMessage) (*protocol.ProcessResult, error) {
	h := pm.Header
	if err := checkGeneration(st, h.Sender, h.Generation); err != nil {
		return nil, err
	}
	key := deriveKey(st.EpochSecret, st.GroupID, "application", h.Sender, uint64(h.Generation))
	plaintext, err := open(key, pm)
	if err != nil {
		crypto.ZeroBytes(key)
		return nil, err
	}
	markGeneration(st, h.Sender, h.Generation)

	newState, err := marshalState(st)
	if err != nil {
		crypto.ZeroBytes(key)
		return nil, err
	}
	return &protocol.ProcessResult{
		Kind:      protocol.ResultApplication,
		NewState:  newState,
		Plaintext: plaintext,
		Sender:    st.Members[h.Sender].Identity,
		Consumed:  [][]byte{key},
	}, nil
}

func (e *Engine) processCommit(st *sessionState, pm privateMessage) (*protocol.ProcessResult, error) {
	h := pm.Header
	key := deriveKey(st.EpochSecret, st.GroupID, "commit", h.Sender, st.Epoch)
	content, err := open(key, pm)
	if err != nil {
		crypto.ZeroBytes(key)
		return nil, err
	}
	defer crypto.ZeroBytes(content)

	var cc commitContent
	if err := cbor.Unmarshal(content, &cc); err != nil {
		crypto.ZeroBytes(key)
		return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
	}
	if len(cc.EpochSecret) != keySize {
		crypto.ZeroBytes(key)
		return nil, fmt.Errorf("%w: commit epoch secret", protocol.ErrMalformed)
	}

	st.Members = append(st.Members, cc.Added...)
	st.Epoch++
	st.EpochSecret = cc.EpochSecret
	resetGenerations(st)

	newState, err := marshalState(st)
	if err != nil {
		crypto.ZeroBytes(key)
		return nil, err
	}
	return &protocol.ProcessResult{
		Kind:     protocol.ResultCommit,
		NewState: newState,
		Consumed: [][]byte{key},
	}, nil
}

// Members lists member identities in leaf order.
func (e *Engine) Members(state protocol.State) ([]protocol.Leaf, error) {
	st, err := unmarshalState(state)
	if err != nil {
		return nil, err
	}
	leaves := make([]protocol.Leaf, len(st.Members))
	for i, m := range st.Members {
		leaves[i] = protocol.Leaf{Identity: []byte(m.Identity)}
	}
	return leaves, nil
}

// GroupID returns the group identifier stored in state.
func (e *Engine) GroupID(state protocol.State) ([]byte, error) {
	st, err := unmarshalState(state)
	if err != nil {
		return nil, err
	}
	return st.GroupID, nil
}

// GroupInfo describes the group's epoch and members without secrets.
func (e *Engine) GroupInfo(state protocol.State) (protocol.Message, error) {
	st, err := unmarshalState(state)
	if err != nil {
		return protocol.Message{}, err
	}
	info := groupInfo{GroupID: st.GroupID, Epoch: st.Epoch, Members: make([]string, len(st.Members))}
	for i, m := range st.Members {
		info.Members[i] = m.Identity
	}
	body, err := encMode.Marshal(info)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("failed to encode group info: %w", err)
	}
	return protocol.Message{WireFormat: protocol.WireFormatGroupInfo, GroupID: st.GroupID, Body: body}, nil
}

// KeyPackageMessage wraps the public half of kp.
func (e *Engine) KeyPackageMessage(kp protocol.KeyPackage) (protocol.Message, error) {
	if _, err := parsePublic(kp.Public); err != nil {
		return protocol.Message{}, err
	}
	return protocol.Message{
		WireFormat: protocol.WireFormatKeyPackage,
		Body:       append([]byte(nil), kp.Public...),
	}, nil
}

// ParseKeyPackage extracts the public key package from msg.
func (e *Engine) ParseKeyPackage(msg protocol.Message) (protocol.KeyPackage, error) {
	if msg.WireFormat != protocol.WireFormatKeyPackage {
		return protocol.KeyPackage{}, fmt.Errorf("%w: %s", protocol.ErrWrongWireFormat, msg.WireFormat)
	}
	m, err := parsePublic(msg.Body)
	if err != nil {
		return protocol.KeyPackage{}, err
	}
	return protocol.KeyPackage{Identity: m.Identity, Public: append([]byte(nil), msg.Body...)}, nil
}

func (e *Engine) randomKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(e.random, key); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	return key, nil
}

func (e *Engine) seal(key []byte, header framedHeader, plaintext []byte) ([]byte, error) {
	aad, err := encMode.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(e.random, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return encMode.Marshal(privateMessage{
		Header:     header,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
	})
}

func open(key []byte, pm privateMessage) ([]byte, error) {
	aad, err := encMode.Marshal(pm.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(pm.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce size %d", protocol.ErrMalformed, len(pm.Nonce))
	}
	plaintext, err := aead.Open(nil, pm.Nonce, pm.Ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message: %w", err)
	}
	return plaintext, nil
}

// deriveKey expands a per-message key from the epoch secret.
func deriveKey(secret, groupID []byte, label string, sender uint32, n uint64) []byte {
	info := make([]byte, 0, len(label)+12)
	info = append(info, label...)
	info = binary.BigEndian.AppendUint32(info, sender)
	info = binary.BigEndian.AppendUint64(info, n)

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, groupID, info), key); err != nil {
		// HKDF-SHA256 can produce far more than 32 bytes; this is unreachable.
		panic(fmt.Sprintf("devmls: hkdf: %v", err))
	}
	return key
}

func keyRef(public []byte) []byte {
	sum := sha256.Sum256(public)
	return sum[:]
}

func resetGenerations(st *sessionState) {
	st.SendGeneration = 0
	st.RecvGenerations = make(map[uint32]uint32)
	st.Skipped = make(map[uint32][]uint32)
}

// checkGeneration accepts a generation that is new or was skipped earlier.
func checkGeneration(st *sessionState, sender, gen uint32) error {
	next := st.RecvGenerations[sender]
	if gen >= next {
		if gen-next > maxSkip {
			return fmt.Errorf("%w: sender %d jumped to generation %d", protocol.ErrMalformed, sender, gen)
		}
		return nil
	}
	if slices.Contains(st.Skipped[sender], gen) {
		return nil
	}
	return fmt.Errorf("%w: sender %d generation %d", ErrReplay, sender, gen)
}

// markGeneration records gen as received.
func markGeneration(st *sessionState, sender, gen uint32) {
	next := st.RecvGenerations[sender]
	if gen < next {
		st.Skipped[sender] = slices.DeleteFunc(st.Skipped[sender], func(g uint32) bool { return g == gen })
		if len(st.Skipped[sender]) == 0 {
			delete(st.Skipped, sender)
		}
		return
	}
	for g := next; g < gen; g++ {
		st.Skipped[sender] = append(st.Skipped[sender], g)
	}
	st.RecvGenerations[sender] = gen + 1
}
