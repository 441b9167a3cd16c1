// Package snapshot implements the Version 1 binary snapshot codec: an
// atomic, CRC-verified dump of the event store, co-occurrence index, and
// vector store, plus headers that let future versions coexist.
//
// File layout (all integers little-endian, strings u32-length-prefixed
// UTF-8, CRC32 over the zlib polynomial 0xEDB88320):
//
//	[Fixed header]   "NVEC" magic, u32 version
//	[V1 header]      u32 header_size, u32 flags, u64 timestamp,
//	                 u64 total_file_size, u32 file_crc32,
//	                 length-prefixed reserved
//	[Config]         u32 length, u32 crc32, body
//	[Statistics]     optional (flags & FlagStatistics)
//	[Stores]         u32 store_count = 3, then per store:
//	                 name, optional stats block, u32 length, u32 crc32, body
//
// © 2025 nvecd authors. MIT License.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Magic is the 4-byte file signature.
const Magic = "NVEC"

// Format versions this codec understands. Currently exactly 1.
const (
	VersionMin = 1
	VersionMax = 1
	Version1   = 1
)

// Header flags.
const (
	// FlagStatistics marks the presence of the statistics section and the
	// per-store stats blocks.
	FlagStatistics uint32 = 1 << 0
)

// maxStringLen bounds any length-prefixed string in the file (256 MiB),
// rejecting absurd lengths from corrupted files before allocation.
const maxStringLen = 256 << 20

// fileCRCOffset is the byte offset of the file_crc32 field: 8-byte fixed
// header + header_size(4) + flags(4) + timestamp(8) + total_file_size(8).
const fileCRCOffset = 8 + 4 + 4 + 8 + 8

// CRCErrorType classifies which integrity check failed.
type CRCErrorType uint8

const (
	CRCNone CRCErrorType = iota
	CRCFile
	CRCConfig
	CRCStats
	CRCStoreStats
	CRCEventStore
	CRCCoOccurrence
	CRCVectorStore
)

func (t CRCErrorType) String() string {
	switch t {
	case CRCNone:
		return "None"
	case CRCFile:
		return "FileCRC"
	case CRCConfig:
		return "ConfigCRC"
	case CRCStats:
		return "StatsCRC"
	case CRCStoreStats:
		return "StoreStatsCRC"
	case CRCEventStore:
		return "EventStoreCRC"
	case CRCCoOccurrence:
		return "CoOccurrenceCRC"
	case CRCVectorStore:
		return "VectorStoreCRC"
	default:
		return fmt.Sprintf("CRCErrorType(%d)", uint8(t))
	}
}

// IntegrityError reports a failed integrity check, naming the offending
// store where applicable.
type IntegrityError struct {
	Type    CRCErrorType
	Store   string
	Message string
}

func (e *IntegrityError) Error() string {
	if e.Store != "" {
		return fmt.Sprintf("snapshot: %s: store %q: %s", e.Type, e.Store, e.Message)
	}
	return fmt.Sprintf("snapshot: %s: %s", e.Type, e.Message)
}

// Info is the header summary returned by GetInfo.
type Info struct {
	Version       uint32
	StoreCount    uint32
	Flags         uint32
	FileSize      int64
	Timestamp     int64
	FileCRC32     uint32
	HasStatistics bool
}

// Store names inside the store section, fixed order.
const (
	storeNameEvents       = "event_store"
	storeNameCoOccurrence = "co_occurrence_index"
	storeNameVectors      = "vector_store"
)

var errTruncated = errors.New("snapshot: unexpected end of data")

// byteWriter assembles the in-memory file image.
type byteWriter struct {
	buf []byte
}

func (w *byteWriter) bytes() []byte { return w.buf }

func (w *byteWriter) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *byteWriter) u32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *byteWriter) u64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *byteWriter) f32(v float32) { w.u32(math.Float32bits(v)) }

func (w *byteWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// byteReader walks the in-memory file image with bounds checking.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) remaining() int { return len(r.buf) - r.pos }

func (r *byteReader) raw(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errTruncated
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *byteReader) u32() (uint32, error) {
	b, err := r.raw(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *byteReader) u64() (uint64, error) {
	b, err := r.raw(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *byteReader) f32() (float32, error) {
	v, err := r.u32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (r *byteReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("snapshot: string length %d exceeds %d", n, maxStringLen)
	}
	b, err := r.raw(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
