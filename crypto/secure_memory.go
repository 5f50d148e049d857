// Package crypto holds the key-handling code the client owns itself:
// erasing key material reported as consumed by the group protocol engine and
// sealing local records at rest.
//
// Everything cryptographic about the group sessions themselves lives behind
// the protocol.Engine interface; this package never inspects session state.
package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe attempts to securely erase the contents of a byte slice
// containing sensitive data. It returns an error if the byte slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	// Overwrite the data with zeros. The constant time compare keeps the
	// compiler from treating the copy as a dead store.
	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// ZeroBytes erases the contents of a byte slice containing sensitive data.
// This is a convenience function that ignores the error from SecureWipe.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeAll erases every key in consumed. Nil entries are skipped.
// It returns the number of slices that were wiped.
func WipeAll(consumed [][]byte) int {
	wiped := 0
	for _, key := range consumed {
		if key == nil {
			continue
		}
		ZeroBytes(key)
		wiped++
	}
	return wiped
}

// IsZero reports whether every byte of data is zero.
func IsZero(data []byte) bool {
	var acc byte
	for _, b := range data {
		acc |= b
	}
	return acc == 0
}
