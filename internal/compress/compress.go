// Package compress implements the result codec used by the similarity
// cache: a length-prefixed binary encoding of search results, LZ4-compressed
// with github.com/pierrec/lz4 at default level.
//
// Wire-format note: ids are length-prefixed rather than padded into fixed
// slots. This is purely an encoding choice for the compressed cache
// payload, not the snapshot file format (internal/snapshot keeps its own
// length-prefixed strings), so it does not affect forward-compatibility of
// .dmp files.
//
// © 2025 nvecd authors. MIT License.
package compress

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"

	"github.com/pierrec/lz4/v4"

	"github.com/nvecd/nvecd/internal/similarity"
)

// ErrSizeMismatch is returned by Decompress when the decompressed byte
// count does not match the caller-supplied originalSize.
var ErrSizeMismatch = errors.New("compress: decompressed size mismatch")

// Compress serializes results as { u32 id_len, id bytes, f32 score }* and
// LZ4-compresses the result. It returns the compressed bytes and the
// uncompressed size in bytes (needed by Decompress).
func Compress(results []similarity.Result) (compressed []byte, originalSize int, err error) {
	raw := Encode(results)

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, 0, err
	}
	if err := w.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), len(raw), nil
}

// Decompress reverses Compress. originalSize must match the decompressed
// byte count exactly, guarding against truncated or corrupted payloads.
func Decompress(compressed []byte, originalSize int) ([]similarity.Result, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw) != originalSize {
		return nil, ErrSizeMismatch
	}
	return Decode(raw)
}

// Encode serializes results into the raw (uncompressed) record stream. It
// is used directly by the cache when compression is disabled.
func Encode(results []similarity.Result) []byte {
	var buf bytes.Buffer
	for _, r := range results {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(r.ID)))
		buf.Write(lenBuf[:])
		buf.WriteString(r.ID)

		var scoreBuf [4]byte
		binary.LittleEndian.PutUint32(scoreBuf[:], math.Float32bits(r.Score))
		buf.Write(scoreBuf[:])
	}
	return buf.Bytes()
}

// Decode reverses Encode.
func Decode(raw []byte) ([]similarity.Result, error) {
	var out []similarity.Result
	pos := 0
	for pos < len(raw) {
		if pos+4 > len(raw) {
			return nil, errors.New("compress: truncated id length")
		}
		idLen := int(binary.LittleEndian.Uint32(raw[pos:]))
		pos += 4
		if pos+idLen+4 > len(raw) {
			return nil, errors.New("compress: truncated record")
		}
		id := string(raw[pos : pos+idLen])
		pos += idLen
		score := math.Float32frombits(binary.LittleEndian.Uint32(raw[pos:]))
		pos += 4
		out = append(out, similarity.Result{ID: id, Score: score})
	}
	return out, nil
}
