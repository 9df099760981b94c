package hashchain

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Scheme versions.
const (
	VersionSHA256  = "v1"
	VersionBLAKE2b = "v2"
)

type sha256Scheme struct{}

func (sha256Scheme) Version() string { return VersionSHA256 }
func (sha256Scheme) Genesis() string { return GenesisHash }
func (sha256Scheme) Width() int      { return sha256.Size * 2 }

func (s sha256Scheme) Hash(f Fields) string {
	sum := sha256.Sum256(Canonical(s.Version(), f))
	return hex.EncodeToString(sum[:])
}

type blake2bScheme struct{}

func (blake2bScheme) Version() string { return VersionBLAKE2b }
func (blake2bScheme) Genesis() string { return GenesisHash }
func (blake2bScheme) Width() int      { return blake2b.Size256 * 2 }

func (s blake2bScheme) Hash(f Fields) string {
	sum := blake2b.Sum256(Canonical(s.Version(), f))
	return hex.EncodeToString(sum[:])
}
