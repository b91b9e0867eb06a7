package crypto

import (
	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	keyLen       = 32 // 256 bits
)

// signingSalt is fixed so every shard configured with the same secret
// derives the same key and can verify URLs signed by its peers.
var signingSalt = []byte("shard/capability-url/v1")

// DeriveSigningKey stretches the configured secret into the HMAC key used
// for capability URLs.
func DeriveSigningKey(secret string) []byte {
	return argon2.IDKey([]byte(secret), signingSalt, argonTime, argonMemory, argonThreads, keyLen)
}
