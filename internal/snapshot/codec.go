package snapshot

import (
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/nvecd/nvecd/internal/events"
	"github.com/nvecd/nvecd/internal/serverconfig"
	"github.com/nvecd/nvecd/internal/vectors"
)

// Codec reads and writes Version 1 snapshot files for one set of stores.
type Codec struct {
	eventStore *events.Store
	coIndex    *events.CoOccurrenceIndex
	vecStore   *vectors.Store
	cfg        serverconfig.Config
	withStats  bool
	log        *zap.Logger
}

// NewCodec binds a codec to the live stores. The config is serialized into
// every written snapshot for post-mortem inspection; it is not applied on
// load (the running config wins).
func NewCodec(es *events.Store, co *events.CoOccurrenceIndex, vs *vectors.Store, cfg serverconfig.Config, logger *zap.Logger) *Codec {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Codec{
		eventStore: es,
		coIndex:    co,
		vecStore:   vs,
		cfg:        cfg,
		withStats:  true,
		log:        logger,
	}
}

// Write serializes the full in-memory state to path atomically: the image
// is assembled in memory, written to a same-directory temp file with mode
// 0600, fsynced, and renamed over path. Any failure leaves path untouched
// and removes the temp file.
func (c *Codec) Write(path string) error {
	image := c.buildImage(time.Now().Unix())

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: chmod temp: %w", err)
	}
	if _, err := tmp.Write(image); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: rename: %w", err)
	}
	// Sync the directory so the rename itself is durable. Failure here is
	// logged, not fatal: the file is in place.
	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			c.log.Warn("snapshot: dir sync failed", zap.String("dir", dir), zap.Error(err))
		}
		d.Close()
	}

	c.log.Info("snapshot written",
		zap.String("path", path), zap.Int("bytes", len(image)))
	return nil
}

// Read loads a snapshot into the bound stores. The file is fully parsed
// and verified before any store is touched, so a failed load leaves the
// stores in their pre-load state.
func (c *Codec) Read(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	if err := verifyImage(data); err != nil {
		return err
	}

	loaded, err := parseImage(data)
	if err != nil {
		return err
	}

	c.eventStore.Restore(loaded.contexts, loaded.totalEvents, loaded.dedupedEvents, loaded.storedEvents)
	c.coIndex.RestoreMatrix(loaded.matrix)
	c.vecStore.RestoreVectors(loaded.dimension, loaded.vecs)

	c.log.Info("snapshot loaded",
		zap.String("path", path),
		zap.Int("contexts", len(loaded.contexts)),
		zap.Int("vectors", len(loaded.vecs)))
	return nil
}

// Verify checks magic, version, declared size, and the whole-file CRC
// without loading anything.
func Verify(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	return verifyImage(data)
}

// GetInfo reads only the headers and the store count.
func GetInfo(path string) (Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Info{}, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	r := &byteReader{buf: data}
	hdr, err := readHeaders(r)
	if err != nil {
		return Info{}, err
	}

	// Skip config body.
	if err := skipSection(r); err != nil {
		return Info{}, err
	}
	if hdr.flags&FlagStatistics != 0 {
		if err := skipSection(r); err != nil {
			return Info{}, err
		}
	}
	storeCount, err := r.u32()
	if err != nil {
		return Info{}, err
	}

	return Info{
		Version:       hdr.version,
		StoreCount:    storeCount,
		Flags:         hdr.flags,
		FileSize:      int64(len(data)),
		Timestamp:     int64(hdr.timestamp),
		FileCRC32:     hdr.fileCRC,
		HasStatistics: hdr.flags&FlagStatistics != 0,
	}, nil
}

//
// Image assembly
//

func (c *Codec) buildImage(timestamp int64) []byte {
	w := &byteWriter{}
	w.raw([]byte(Magic))
	w.u32(Version1)

	flags := uint32(0)
	if c.withStats {
		flags |= FlagStatistics
	}

	// V1 header: sizes and CRC are placeholders until the image is complete.
	const reserved = ""
	headerSize := uint32(4 + 4 + 8 + 8 + 4 + 4 + len(reserved))
	w.u32(headerSize)
	w.u32(flags)
	w.u64(uint64(timestamp))
	w.u64(0) // total_file_size, patched below
	w.u32(0) // file_crc32, patched below
	w.str(reserved)

	writeSection(w, c.encodeConfig())
	if c.withStats {
		writeSection(w, c.encodeStatistics(timestamp))
	}

	w.u32(3) // store count

	w.str(storeNameEvents)
	if c.withStats {
		writeSection(w, c.encodeEventStoreStats())
	}
	writeSection(w, c.encodeEventStore())

	w.str(storeNameCoOccurrence)
	if c.withStats {
		writeSection(w, c.encodeCoOccurrenceStats())
	}
	writeSection(w, c.encodeCoOccurrence())

	w.str(storeNameVectors)
	if c.withStats {
		writeSection(w, c.encodeVectorStoreStats())
	}
	writeSection(w, c.encodeVectorStore())

	image := w.bytes()
	patchU64(image, 8+4+4+8, uint64(len(image)))
	patchU32(image, fileCRCOffset, fileCRC(image))
	return image
}

// writeSection emits the standard length + CRC32 + body framing.
func writeSection(w *byteWriter, body []byte) {
	w.u32(uint32(len(body)))
	w.u32(crc32.ChecksumIEEE(body))
	w.raw(body)
}

func (c *Codec) encodeConfig() []byte {
	// Named string pairs: forward-safe (unknown names are skipped on read)
	// and human-inspectable with strings(1).
	pairs := [][2]string{
		{"events.ctx_buffer_size", fmt.Sprint(c.cfg.Events.CtxBufferSize)},
		{"events.dedup_window_sec", fmt.Sprint(c.cfg.Events.DedupWindowSec)},
		{"events.decay_alpha", fmt.Sprint(c.cfg.Events.DecayAlpha)},
		{"vectors.default_dimension", fmt.Sprint(c.cfg.Vectors.DefaultDimension)},
		{"vectors.distance_metric", c.cfg.Vectors.DistanceMetric},
		{"similarity.max_top_k", fmt.Sprint(c.cfg.Similarity.MaxTopK)},
	}
	w := &byteWriter{}
	w.u32(uint32(len(pairs)))
	for _, p := range pairs {
		w.str(p[0])
		w.str(p[1])
	}
	return w.bytes()
}

func (c *Codec) encodeStatistics(timestamp int64) []byte {
	es := c.eventStore.Statistics()
	cs := c.coIndex.Statistics()
	w := &byteWriter{}
	w.u64(uint64(timestamp))
	w.u32(uint32(es.ActiveContexts))
	w.u64(es.TotalEvents)
	w.u64(es.DedupedEvents)
	w.u64(es.StoredEvents)
	w.u32(uint32(cs.TrackedIDs))
	w.u64(uint64(cs.CoPairs))
	w.u32(uint32(c.vecStore.GetVectorCount()))
	return w.bytes()
}

func (c *Codec) encodeEventStoreStats() []byte {
	es := c.eventStore.Statistics()
	w := &byteWriter{}
	w.u64(uint64(es.ActiveContexts))
	w.u64(uint64(es.MemoryBytes))
	return w.bytes()
}

func (c *Codec) encodeCoOccurrenceStats() []byte {
	cs := c.coIndex.Statistics()
	w := &byteWriter{}
	w.u64(uint64(cs.TrackedIDs))
	w.u64(uint64(cs.MemoryBytes))
	return w.bytes()
}

func (c *Codec) encodeVectorStoreStats() []byte {
	w := &byteWriter{}
	w.u64(uint64(c.vecStore.GetVectorCount()))
	w.u64(uint64(c.vecStore.Dimension()))
	return w.bytes()
}

func (c *Codec) encodeEventStore() []byte {
	contexts := c.eventStore.DumpContexts()
	total, deduped, stored := c.eventStore.Counters()

	w := &byteWriter{}
	w.u64(total)
	w.u64(deduped)
	w.u64(stored)
	w.u32(uint32(len(contexts)))
	for ctx, evs := range contexts {
		w.str(ctx)
		w.u32(uint32(len(evs)))
		for _, ev := range evs {
			w.str(ev.ItemID)
			w.u64(uint64(ev.Score))
			w.u64(uint64(ev.Timestamp))
		}
	}
	return w.bytes()
}

func (c *Codec) encodeCoOccurrence() []byte {
	matrix := c.coIndex.DumpMatrix()
	w := &byteWriter{}
	w.u32(uint32(len(matrix)))
	for id, row := range matrix {
		w.str(id)
		w.u32(uint32(len(row)))
		for other, score := range row {
			w.str(other)
			w.f32(score)
		}
	}
	return w.bytes()
}

func (c *Codec) encodeVectorStore() []byte {
	dim, vecs := c.vecStore.DumpVectors()
	w := &byteWriter{}
	w.u32(uint32(dim))
	w.u32(uint32(len(vecs)))
	for id, v := range vecs {
		w.str(id)
		for _, x := range v {
			w.f32(x)
		}
	}
	return w.bytes()
}

//
// Image parsing
//

type headerV1 struct {
	version       uint32
	headerSize    uint32
	flags         uint32
	timestamp     uint64
	totalFileSize uint64
	fileCRC       uint32
}

func readHeaders(r *byteReader) (headerV1, error) {
	var hdr headerV1
	magic, err := r.raw(4)
	if err != nil {
		return hdr, &IntegrityError{Type: CRCFile, Message: "file too short for magic"}
	}
	if string(magic) != Magic {
		return hdr, &IntegrityError{Type: CRCFile, Message: fmt.Sprintf("bad magic %q", magic)}
	}
	if hdr.version, err = r.u32(); err != nil {
		return hdr, &IntegrityError{Type: CRCFile, Message: "truncated version"}
	}
	if hdr.version < VersionMin || hdr.version > VersionMax {
		return hdr, &IntegrityError{Type: CRCFile,
			Message: fmt.Sprintf("unsupported version %d (supported %d..%d)", hdr.version, VersionMin, VersionMax)}
	}
	if hdr.headerSize, err = r.u32(); err != nil {
		return hdr, &IntegrityError{Type: CRCFile, Message: "truncated header"}
	}
	if hdr.flags, err = r.u32(); err != nil {
		return hdr, &IntegrityError{Type: CRCFile, Message: "truncated header"}
	}
	if hdr.timestamp, err = r.u64(); err != nil {
		return hdr, &IntegrityError{Type: CRCFile, Message: "truncated header"}
	}
	if hdr.totalFileSize, err = r.u64(); err != nil {
		return hdr, &IntegrityError{Type: CRCFile, Message: "truncated header"}
	}
	if hdr.fileCRC, err = r.u32(); err != nil {
		return hdr, &IntegrityError{Type: CRCFile, Message: "truncated header"}
	}
	if _, err = r.str(); err != nil { // reserved
		return hdr, &IntegrityError{Type: CRCFile, Message: "truncated reserved field"}
	}
	return hdr, nil
}

func verifyImage(data []byte) error {
	r := &byteReader{buf: data}
	hdr, err := readHeaders(r)
	if err != nil {
		return err
	}
	if hdr.totalFileSize != uint64(len(data)) {
		return &IntegrityError{Type: CRCFile,
			Message: fmt.Sprintf("file size %d does not match declared %d", len(data), hdr.totalFileSize)}
	}
	if got := fileCRC(data); got != hdr.fileCRC {
		return &IntegrityError{Type: CRCFile,
			Message: fmt.Sprintf("file CRC mismatch: computed %08x, stored %08x", got, hdr.fileCRC)}
	}
	return nil
}

// fileCRC computes the whole-file CRC32 with the stored CRC field zeroed.
func fileCRC(data []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(data[:fileCRCOffset])
	h.Write([]byte{0, 0, 0, 0})
	h.Write(data[fileCRCOffset+4:])
	return h.Sum32()
}

func patchU32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}

func patchU64(buf []byte, off int, v uint64) {
	patchU32(buf, off, uint32(v))
	patchU32(buf, off+4, uint32(v>>32))
}

// readSection verifies the length + CRC framing and returns the body.
func readSection(r *byteReader, errType CRCErrorType, store string) ([]byte, error) {
	length, err := r.u32()
	if err != nil {
		return nil, &IntegrityError{Type: errType, Store: store, Message: "truncated section length"}
	}
	want, err := r.u32()
	if err != nil {
		return nil, &IntegrityError{Type: errType, Store: store, Message: "truncated section CRC"}
	}
	body, err := r.raw(int(length))
	if err != nil {
		return nil, &IntegrityError{Type: errType, Store: store, Message: "truncated section body"}
	}
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, &IntegrityError{Type: errType, Store: store,
			Message: fmt.Sprintf("section CRC mismatch: computed %08x, stored %08x", got, want)}
	}
	return body, nil
}

func skipSection(r *byteReader) error {
	length, err := r.u32()
	if err != nil {
		return err
	}
	if _, err := r.u32(); err != nil {
		return err
	}
	_, err = r.raw(int(length))
	return err
}

// loadedState stages everything parsed from a snapshot before any store is
// mutated.
type loadedState struct {
	contexts      map[string][]events.Event
	totalEvents   uint64
	dedupedEvents uint64
	storedEvents  uint64
	matrix        map[string]map[string]float32
	dimension     int
	vecs          map[string][]float32
}

func parseImage(data []byte) (*loadedState, error) {
	r := &byteReader{buf: data}
	hdr, err := readHeaders(r)
	if err != nil {
		return nil, err
	}

	if _, err := readSection(r, CRCConfig, ""); err != nil {
		return nil, err
	}
	if hdr.flags&FlagStatistics != 0 {
		if _, err := readSection(r, CRCStats, ""); err != nil {
			return nil, err
		}
	}

	storeCount, err := r.u32()
	if err != nil {
		return nil, &IntegrityError{Type: CRCFile, Message: "truncated store count"}
	}

	out := &loadedState{
		contexts: make(map[string][]events.Event),
		matrix:   make(map[string]map[string]float32),
		vecs:     make(map[string][]float32),
	}

	for i := uint32(0); i < storeCount; i++ {
		name, err := r.str()
		if err != nil {
			return nil, &IntegrityError{Type: CRCFile, Message: "truncated store name"}
		}
		bodyErrType := storeErrType(name)
		if hdr.flags&FlagStatistics != 0 {
			if _, err := readSection(r, CRCStoreStats, name); err != nil {
				return nil, err
			}
		}
		body, err := readSection(r, bodyErrType, name)
		if err != nil {
			return nil, err
		}

		switch name {
		case storeNameEvents:
			if err := parseEventStore(body, out); err != nil {
				return nil, &IntegrityError{Type: CRCEventStore, Store: name, Message: err.Error()}
			}
		case storeNameCoOccurrence:
			if err := parseCoOccurrence(body, out); err != nil {
				return nil, &IntegrityError{Type: CRCCoOccurrence, Store: name, Message: err.Error()}
			}
		case storeNameVectors:
			if err := parseVectorStore(body, out); err != nil {
				return nil, &IntegrityError{Type: CRCVectorStore, Store: name, Message: err.Error()}
			}
		default:
			// Unknown store from a newer minor revision: already CRC-checked,
			// skip its body.
		}
	}
	return out, nil
}

func storeErrType(name string) CRCErrorType {
	switch name {
	case storeNameEvents:
		return CRCEventStore
	case storeNameCoOccurrence:
		return CRCCoOccurrence
	case storeNameVectors:
		return CRCVectorStore
	default:
		return CRCFile
	}
}

func parseEventStore(body []byte, out *loadedState) error {
	r := &byteReader{buf: body}
	var err error
	if out.totalEvents, err = r.u64(); err != nil {
		return err
	}
	if out.dedupedEvents, err = r.u64(); err != nil {
		return err
	}
	if out.storedEvents, err = r.u64(); err != nil {
		return err
	}
	ctxCount, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < ctxCount; i++ {
		ctx, err := r.str()
		if err != nil {
			return err
		}
		evCount, err := r.u32()
		if err != nil {
			return err
		}
		evs := make([]events.Event, 0, evCount)
		for j := uint32(0); j < evCount; j++ {
			id, err := r.str()
			if err != nil {
				return err
			}
			score, err := r.u64()
			if err != nil {
				return err
			}
			ts, err := r.u64()
			if err != nil {
				return err
			}
			evs = append(evs, events.Event{ItemID: id, Score: int64(score), Timestamp: int64(ts)})
		}
		out.contexts[ctx] = evs
	}
	return nil
}

func parseCoOccurrence(body []byte, out *loadedState) error {
	r := &byteReader{buf: body}
	rowCount, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < rowCount; i++ {
		id, err := r.str()
		if err != nil {
			return err
		}
		neighborCount, err := r.u32()
		if err != nil {
			return err
		}
		row := make(map[string]float32, neighborCount)
		for j := uint32(0); j < neighborCount; j++ {
			other, err := r.str()
			if err != nil {
				return err
			}
			score, err := r.f32()
			if err != nil {
				return err
			}
			row[other] = score
		}
		out.matrix[id] = row
	}
	return nil
}

func parseVectorStore(body []byte, out *loadedState) error {
	r := &byteReader{buf: body}
	dim, err := r.u32()
	if err != nil {
		return err
	}
	out.dimension = int(dim)
	count, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		id, err := r.str()
		if err != nil {
			return err
		}
		v := make([]float32, dim)
		for j := range v {
			if v[j], err = r.f32(); err != nil {
				return err
			}
		}
		out.vecs[id] = v
	}
	return nil
}
