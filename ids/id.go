// This package defines the identifier types used throughout obvsync. Device uids, queue entry ids,
// group uids and dialog ids are random 16 byte values. Cryptographic identities are 32 byte values.
package ids

import (
	"bytes"
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

type ID [16]byte

func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != len(id) {
		return id, fmt.Errorf("ids: expected %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func NewID() ID {
	var id [16]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

type ByLexicographical []ID

func (s ByLexicographical) Len() int           { return len(s) }
func (s ByLexicographical) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByLexicographical) Less(i, j int) bool { return bytes.Compare(s[i][:], s[j][:]) == -1 }

// Identity is the public part of a cryptographic identity, owned or contact.
type Identity [32]byte

func IdentityFromBytes(b []byte) (Identity, error) {
	var id Identity
	if len(b) != len(id) {
		return id, fmt.Errorf("ids: expected identity of %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func NewIdentity() Identity {
	var id Identity
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func (id Identity) IsZero() bool {
	return id == Identity{}
}

// String returns a short form suitable for logs.
func (id Identity) String() string {
	return hex.EncodeToString(id[:6])
}
