package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T, passphrase string, salt []byte) *Sealer {
	t.Helper()
	s, err := NewSealer([]byte(passphrase), salt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSealerRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	s := newTestSealer(t, "correct horse", salt)

	sealed, err := s.Seal([]byte("group state"), []byte("group:1"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "group state")

	opened, err := s.Open(sealed, []byte("group:1"))
	require.NoError(t, err)
	assert.Equal(t, "group state", string(opened))
}

func TestSealerRejectsWrongAdditionalData(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	s := newTestSealer(t, "pw", salt)

	sealed, err := s.Seal([]byte("secret"), []byte("group:1"))
	require.NoError(t, err)

	_, err = s.Open(sealed, []byte("group:2"))
	assert.Error(t, err)
}

func TestSealerRejectsWrongPassphrase(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	sealed, err := newTestSealer(t, "one", salt).Seal([]byte("secret"), nil)
	require.NoError(t, err)

	_, err = newTestSealer(t, "two", salt).Open(sealed, nil)
	assert.Error(t, err)
}

func TestSealerRejectsShortInput(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	s := newTestSealer(t, "pw", salt)

	_, err = s.Open([]byte{0, 1, 2}, nil)
	assert.ErrorIs(t, err, ErrSealedTooShort)
}

func TestNewSealerValidation(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	_, err = NewSealer(nil, salt)
	assert.Error(t, err)

	_, err = NewSealer([]byte("pw"), []byte("short"))
	assert.Error(t, err)
}

func TestNewSealerWipesPassphrase(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	passphrase := []byte("wipe me")
	s, err := NewSealer(passphrase, salt)
	require.NoError(t, err)
	defer s.Close()

	assert.True(t, IsZero(passphrase))
}
