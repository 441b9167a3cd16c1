// Package querykey builds the canonical request fingerprint used by the
// similarity cache and derives its 128-bit MD5 CacheKey.
//
// © 2025 nvecd authors. MIT License.
package querykey

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Key is the 128-bit MD5 digest split into two big-endian halves.
// Equality and ordering are bitwise on the pair.
type Key struct {
	Hi uint64
	Lo uint64
}

// Less orders keys bitwise on (Hi, Lo); used by code that needs a
// deterministic total order over cache keys (e.g. stable test output).
func (k Key) Less(other Key) bool {
	if k.Hi != other.Hi {
		return k.Hi < other.Hi
	}
	return k.Lo < other.Lo
}

// String renders the key as 32 lowercase hex digits, Hi first.
func (k Key) String() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], k.Hi)
	binary.BigEndian.PutUint64(buf[8:16], k.Lo)
	return hex.EncodeToString(buf[:])
}

// Builder assembles a canonical fingerprint string for a cacheable query.
// Use one Builder per request; it is not safe for concurrent reuse.
type Builder struct {
	b strings.Builder
}

// NewBuilder starts a fingerprint with the uppercase command keyword.
func NewBuilder(command string) *Builder {
	fb := &Builder{}
	fb.b.WriteString(strings.ToUpper(command))
	return fb
}

// Ident appends a verbatim identifier token.
func (fb *Builder) Ident(s string) *Builder {
	fb.b.WriteByte(' ')
	fb.b.WriteString(normalizeWhitespace(s))
	return fb
}

// Int appends an integer token (used for k).
func (fb *Builder) Int(v int) *Builder {
	fb.b.WriteByte(' ')
	fb.b.WriteString(strconv.Itoa(v))
	return fb
}

// Mode appends the search-mode token (vectors|events|fusion).
func (fb *Builder) Mode(mode string) *Builder {
	return fb.Ident(mode)
}

// Vector hashes the raw float32 bytes of v with MD5 and appends the hex
// digest in place of the vector itself.
func (fb *Builder) Vector(v []float32) *Builder {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	sum := md5.Sum(buf)
	fb.b.WriteByte(' ')
	fb.b.WriteString(hex.EncodeToString(sum[:]))
	return fb
}

// SortedList appends a lexicographically sorted copy of items, so that
// semantically identical queries (e.g. differing only in filter order)
// produce identical fingerprints.
func (fb *Builder) SortedList(label string, items []string) *Builder {
	sorted := append([]string(nil), items...)
	sort.Strings(sorted)
	fb.b.WriteByte(' ')
	fb.b.WriteString(strings.ToUpper(label))
	fb.b.WriteByte('=')
	fb.b.WriteString(strings.Join(sorted, ","))
	return fb
}

// Fingerprint returns the normalized fingerprint string built so far.
func (fb *Builder) Fingerprint() string {
	return normalizeWhitespace(fb.b.String())
}

// Key returns the CacheKey (MD5 of the fingerprint, split big-endian).
func (fb *Builder) Key() Key {
	return KeyOf(fb.Fingerprint())
}

// KeyOf computes the CacheKey for an arbitrary fingerprint string directly,
// useful for tests and for callers that assemble fingerprints without a
// Builder. The fingerprint is whitespace-normalized before hashing, the
// same way Fingerprint normalizes it.
func KeyOf(fingerprint string) Key {
	sum := md5.Sum([]byte(normalizeWhitespace(fingerprint)))
	return Key{
		Hi: binary.BigEndian.Uint64(sum[0:8]),
		Lo: binary.BigEndian.Uint64(sum[8:16]),
	}
}

// normalizeWhitespace collapses runs of ASCII and U+3000 (full-width)
// whitespace to single ASCII spaces and trims the result.
func normalizeWhitespace(s string) string {
	var b strings.Builder
	lastWasSpace := false
	for _, r := range s {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '　'
		if isSpace {
			if !lastWasSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastWasSpace = true
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}
	out := b.String()
	return strings.TrimSuffix(out, " ")
}

// Describe is a debugging helper producing a human-readable summary; not
// part of the cache-key contract.
func Describe(command, mode string, k int) string {
	return fmt.Sprintf("%s k=%d mode=%s", strings.ToUpper(command), k, mode)
}
