package objects

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// KeyLen is the length of every storage key: a 128-bit UUID in base 36.
const KeyLen = 25

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewKey returns a fresh random storage key. Keys are URL-safe, pass the
// sandbox key rule and are fixed length.
func NewKey() string {
	return EncodeKey(uuid.New())
}

// EncodeKey renders id as a zero-padded base-36 string.
func EncodeKey(id uuid.UUID) string {
	n := new(big.Int).SetBytes(id[:])
	s := n.Text(36)
	if len(s) < KeyLen {
		s = strings.Repeat("0", KeyLen-len(s)) + s
	}
	return s
}

// DecodeKey parses a key produced by EncodeKey back into its UUID.
func DecodeKey(key string) (uuid.UUID, error) {
	if len(key) != KeyLen {
		return uuid.Nil, fmt.Errorf("key length %d, want %d", len(key), KeyLen)
	}
	lower := strings.ToLower(key)
	for _, c := range lower {
		if !strings.ContainsRune(base36, c) {
			return uuid.Nil, fmt.Errorf("invalid base-36 character %q", c)
		}
	}
	n, ok := new(big.Int).SetString(lower, 36)
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid key %q", key)
	}
	if n.BitLen() > 128 {
		return uuid.Nil, fmt.Errorf("key %q overflows 128 bits", key)
	}
	var id uuid.UUID
	n.FillBytes(id[:])
	return id, nil
}
