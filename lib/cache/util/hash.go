package util

import (
	"crypto/rand"
	"encoding/binary"
	"hash/maphash"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// Seed Generation
// --------------------------------------------------------------------------

// GenerateSeed creates a robust random seed for internal hash distribution.
// Each cache instance gets its own seed so that hash values are not
// predictable across instances.
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// last-resort fallback
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Key Hashing
// --------------------------------------------------------------------------

// Hasher hashes keys of an arbitrary comparable type to 64-bit values.
//
// String keys are hashed with xxhash. All other comparable types are
// hashed over their in-memory representation via hash/maphash. Note that
// composite keys containing strings or pointers hash by header, not by
// pointed-to content; callers with such key types should supply their own
// hash function to the cache instead.
//
// Thread-safety: Hash may be called concurrently.
type Hasher[K comparable] struct {
	seed  uint64
	mseed maphash.Seed
}

// NewHasher creates a Hasher mixing the given per-instance seed into
// every hash value.
func NewHasher[K comparable](seed uint64) *Hasher[K] {
	return &Hasher[K]{
		seed:  seed,
		mseed: maphash.MakeSeed(),
	}
}

// Hash returns the 64-bit hash of key.
func (h *Hasher[K]) Hash(key K) uint64 {
	switch k := any(key).(type) {
	case string:
		return xxhash.Sum64String(k) ^ h.seed
	default:
		b := unsafe.Slice((*byte)(unsafe.Pointer(&key)), unsafe.Sizeof(key))
		return maphash.Bytes(h.mseed, b) ^ h.seed
	}
}

// --------------------------------------------------------------------------
// Small Math Helpers
// --------------------------------------------------------------------------

// NextPowerOfTwo returns the smallest power of two >= v (and at least 1).
func NextPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	return v + 1
}
