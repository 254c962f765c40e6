// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed hash.
type Digest [32]byte

// domainKey is the 32-byte key for BLAKE3 keyed mode: the ASCII domain
// name, zero-padded. Changing a key invalidates every digest in its
// domain, including persisted cache keys.
type domainKey [32]byte

var (
	unitDomainKey = domainKey{
		's', 't', 'e', 'p', 'k', 'e', 'r', 'n', 'e', 'l', '.', 'u', 'n', 'i', 't',
	}

	fileDomainKey = domainKey{
		's', 't', 'e', 'p', 'k', 'e', 'r', 'n', 'e', 'l', '.', 'f', 'i', 'l', 'e',
	}
)

// ShortLength is the number of hex characters in a short reference.
const ShortLength = 12

// HashUnit digests a unit's name and code. The name is length-prefixed
// so ("ab", "c") and ("a", "bc") never collide.
func HashUnit(name string, code []byte) Digest {
	hasher := newHasher(unitDomainKey)
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(name)))
	hasher.Write(length[:])
	hasher.Write([]byte(name))
	hasher.Write(code)
	return sum(hasher)
}

// HashFile streams the file at path through the file-domain hasher.
// Memory use is constant regardless of file size.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := newHasher(fileDomainKey)
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return sum(hasher), nil
}

// FormatDigest returns the full hex encoding of a digest.
func FormatDigest(digest Digest) string {
	return hex.EncodeToString(digest[:])
}

// ShortDigest returns the first ShortLength hex characters of a
// digest. Used in unit identifiers and log output.
func ShortDigest(digest Digest) string {
	return hex.EncodeToString(digest[:ShortLength/2])
}

// ParseDigest parses a 64-character hex string into a Digest.
func ParseDigest(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}

func newHasher(key domainKey) *blake3.Hasher {
	// NewKeyed only fails for a key that is not 32 bytes, which the
	// domainKey type rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("binhash: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

func sum(hasher *blake3.Hasher) Digest {
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}
