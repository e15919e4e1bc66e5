// Package fingerprint implements the canonical byte-stream accumulator used
// to derive cache keys for every stage of a build.
//
// Every component that contributes to a cache key writes through an
// Accumulator instead of hashing ad-hoc: this keeps the encoding rules (and
// therefore the meaning of a cache key) in exactly one place.
package fingerprint

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"

	digest "github.com/opencontainers/go-digest"
)

// Algorithm selects the underlying hash function. SHA-256 is the baseline;
// SHA-512 is permitted for callers that want a wider margin.
type Algorithm int

const (
	SHA256 Algorithm = iota
	SHA512
)

// nullString is the sentinel byte written in place of a Go "" standing in
// for a NULL string, so NULL and "" never collide.
const nullString = 0x01

// nullList is the sentinel byte written in place of a nil string list.
const nullList = 0x02

// Accumulator feeds a canonical byte stream into a running hash.Hash.
//
// Nothing here ever fails: encoding is pure byte framing, never I/O. Callers
// that need the result as a cache key call Sum or Digest.
type Accumulator struct {
	h hash.Hash
}

// New starts a fresh accumulator seeded with the given stage-version string
// (e.g. "manifest-v4", "module-v2"), so that changing these encoding rules,
// or a stage's field order, forcibly invalidates old keys.
func New(alg Algorithm, stageVersion string) *Accumulator {
	a := &Accumulator{h: newHash(alg)}
	a.String(stageVersion)
	return a
}

// Child starts a new accumulator whose first bytes are the parent's current
// sum, so stage N's key is a function of stage N-1's key plus stage N's own
// canonical inputs: the child key hashes the parent key, a stage-version
// salt, and the stage's own canonical fields.
func Child(alg Algorithm, parent []byte, stageVersion string) *Accumulator {
	a := &Accumulator{h: newHash(alg)}
	a.Raw(parent)
	a.String(stageVersion)
	return a
}

func newHash(alg Algorithm) hash.Hash {
	if alg == SHA512 {
		return sha512.New()
	}
	return sha256.New()
}

// String encodes a non-NULL string: its bytes, then a NUL terminator.
func (a *Accumulator) String(s string) *Accumulator {
	a.h.Write([]byte(s))
	a.h.Write([]byte{0})
	return a
}

// NullableString encodes s, or the NULL sentinel if present is false.
func (a *Accumulator) NullableString(s string, present bool) *Accumulator {
	if !present {
		a.h.Write([]byte{nullString})
		return a
	}
	return a.String(s)
}

// CompatString encodes s only when it is non-empty.
//
// This is the back-compat variant: fields added after a cache key's encoding
// was already in production use this so that leaving the new field at its
// default ("") never changes a pre-existing stage key.
func (a *Accumulator) CompatString(s string) *Accumulator {
	if s != "" {
		a.String(s)
	}
	return a
}

// CompatStrv encodes a string list only when it is non-empty.
func (a *Accumulator) CompatStrv(ss []string) *Accumulator {
	if len(ss) != 0 {
		a.StringList(ss)
	}
	return a
}

// CompatBool encodes b only when it is true.
func (a *Accumulator) CompatBool(b bool) *Accumulator {
	if b {
		a.Bool(b)
	}
	return a
}

// StringList encodes a leading 0x01 followed by each element (string
// encoding), or a single 0x02 if the list is nil.
func (a *Accumulator) StringList(ss []string) *Accumulator {
	if ss == nil {
		a.h.Write([]byte{nullList})
		return a
	}
	a.h.Write([]byte{0x01})
	for _, s := range ss {
		a.String(s)
	}
	return a
}

// Bool encodes a single 0x00 or 0x01 byte.
func (a *Accumulator) Bool(b bool) *Accumulator {
	if b {
		a.h.Write([]byte{1})
	} else {
		a.h.Write([]byte{0})
	}
	return a
}

// Uint32 encodes v little-endian, fixed-width.
func (a *Accumulator) Uint32(v uint32) *Accumulator {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	a.h.Write(buf[:])
	return a
}

// Uint64 encodes v little-endian, fixed-width.
func (a *Accumulator) Uint64(v uint64) *Accumulator {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	a.h.Write(buf[:])
	return a
}

// Raw appends b directly, with no framing. Used to chain a parent stage's
// sum into a child accumulator, and by callers that already have a
// canonical byte representation (e.g. a nested entity's own Sum()).
func (a *Accumulator) Raw(b []byte) *Accumulator {
	a.h.Write(b)
	return a
}

// Sum returns the current running hash. Safe to call mid-accumulation; it
// does not consume the accumulator, matching hash.Hash.Sum(nil) semantics.
func (a *Accumulator) Sum() []byte {
	return a.h.Sum(nil)
}

// Digest returns the current sum as an OCI-style digest string
// (e.g. "sha256:...").
func (a *Accumulator) Digest() digest.Digest {
	if _, ok := a.h.(interface{ Size() int }); ok && a.h.Size() == sha512.Size {
		return digest.NewDigestFromBytes(digest.SHA512, a.Sum())
	}
	return digest.NewDigestFromBytes(digest.SHA256, a.Sum())
}
