package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns 32 random hex characters. Used for catalog, user, request and
// job ids; order ids are UUIDs.
func NewID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
