// Snapshot retention bookkeeping: a Badger-backed local index of written
// snapshots (path, timestamp, size, CRC) that enforces snapshot.retain by
// pruning the oldest dumps after each successful save. Only the retention
// metadata lives in Badger; the data-plane state itself is never durable
// between snapshots.
//
// © 2025 nvecd authors. MIT License.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// RetentionRecord describes one tracked snapshot file.
type RetentionRecord struct {
	Name      string // base filename inside the snapshot dir
	Timestamp int64
	Size      int64
	CRC32     uint32
}

// RetentionIndex tracks written snapshots and prunes beyond the configured
// retain count. retain = 0 disables pruning (keep everything).
type RetentionIndex struct {
	db     *badger.DB
	dir    string
	retain int
	log    *zap.Logger
}

// OpenRetentionIndex opens (or creates) the index under dir/.retention.
func OpenRetentionIndex(dir string, retain int, logger *zap.Logger) (*RetentionIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(filepath.Join(dir, ".retention")).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open retention index: %w", err)
	}
	return &RetentionIndex{db: db, dir: dir, retain: retain, log: logger}, nil
}

// Close releases the underlying Badger store.
func (ri *RetentionIndex) Close() error { return ri.db.Close() }

// Record registers a freshly written snapshot and prunes older dumps beyond
// the retain count. Pruning failures are logged and do not fail the save.
func (ri *RetentionIndex) Record(rec RetentionRecord) error {
	err := ri.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(rec.Name), encodeRetentionRecord(rec))
	})
	if err != nil {
		return fmt.Errorf("snapshot: record retention entry: %w", err)
	}
	ri.prune()
	return nil
}

// List returns every tracked snapshot, newest first.
func (ri *RetentionIndex) List() ([]RetentionRecord, error) {
	var out []RetentionRecord
	err := ri.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := string(item.Key())
			if err := item.Value(func(val []byte) error {
				rec, ok := decodeRetentionRecord(name, val)
				if ok {
					out = append(out, rec)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// prune deletes snapshot files (and their index entries) beyond the retain
// count, oldest first.
func (ri *RetentionIndex) prune() {
	if ri.retain <= 0 {
		return
	}
	recs, err := ri.List()
	if err != nil {
		ri.log.Warn("snapshot: retention list failed", zap.Error(err))
		return
	}
	if len(recs) <= ri.retain {
		return
	}
	for _, victim := range recs[ri.retain:] {
		path := filepath.Join(ri.dir, victim.Name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			ri.log.Warn("snapshot: prune remove failed",
				zap.String("path", path), zap.Error(err))
			continue
		}
		if err := ri.db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(victim.Name))
		}); err != nil {
			ri.log.Warn("snapshot: prune index delete failed",
				zap.String("name", victim.Name), zap.Error(err))
			continue
		}
		ri.log.Info("snapshot pruned",
			zap.String("path", path), zap.Int64("timestamp", victim.Timestamp))
	}
}

func encodeRetentionRecord(rec RetentionRecord) []byte {
	buf := make([]byte, 8+8+4)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(rec.Timestamp))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(rec.Size))
	binary.LittleEndian.PutUint32(buf[16:20], rec.CRC32)
	return buf
}

func decodeRetentionRecord(name string, val []byte) (RetentionRecord, bool) {
	if len(val) < 20 {
		return RetentionRecord{}, false
	}
	return RetentionRecord{
		Name:      name,
		Timestamp: int64(binary.LittleEndian.Uint64(val[0:8])),
		Size:      int64(binary.LittleEndian.Uint64(val[8:16])),
		CRC32:     binary.LittleEndian.Uint32(val[16:20]),
	}, true
}
