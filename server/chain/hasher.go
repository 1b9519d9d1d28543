package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher turns a canonical entry payload into a fixed-width digest.
// Swapping the hasher never changes how entries link to each other.
type Hasher interface {
	Name() string
	Sum(data []byte) string
}

const (
	HasherRolling32 = "rolling32"
	HasherSHA256    = "sha256"
)

// RollingHasher is a 32-bit multiply-add checksum (h = h*31 + b) folded to
// eight lowercase hex digits. It is a demo placeholder with no collision
// resistance; it makes tampering visible, not impossible.
type RollingHasher struct{}

func (RollingHasher) Name() string { return HasherRolling32 }

func (RollingHasher) Sum(data []byte) string {
	var h int32
	for _, b := range data {
		h = h*31 + int32(b)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return fmt.Sprintf("%08x", v)
}

// SHA256Hasher is the cryptographic alternative: 64 lowercase hex digits.
type SHA256Hasher struct{}

func (SHA256Hasher) Name() string { return HasherSHA256 }

func (SHA256Hasher) Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", HasherRolling32:
		return RollingHasher{}, nil
	case HasherSHA256:
		return SHA256Hasher{}, nil
	default:
		return nil, fmt.Errorf("unknown digest algorithm %q", name)
	}
}
