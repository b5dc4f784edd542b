package fabric

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// seal computes the keyed BLAKE2b-256 MAC over a relay frame's source,
// destination, and payload. Anything readable off the relay transport is
// untrusted until this validates. The secret is hashed down to a fixed
// 32-byte key first; blake2b caps raw keys at 64 bytes and the configured
// signing secret carries no length bound.
func seal(secret []byte, source, dest string, payload []byte) string {
	key := blake2b.Sum256(secret)
	h, err := blake2b.New256(key[:])
	if err != nil {
		panic(err) // unreachable: the key is always 32 bytes
	}
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(dest))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// verify checks a frame MAC in constant time.
func verify(secret []byte, source, dest string, payload []byte, mac string) bool {
	want := seal(secret, source, dest, payload)
	return subtle.ConstantTimeCompare([]byte(want), []byte(mac)) == 1
}
