package wal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chrondb/chrondb/pkg/lockfile"
	"github.com/chrondb/chrondb/pkg/log"
	"github.com/chrondb/chrondb/pkg/metrics"
	"github.com/chrondb/chrondb/pkg/types"
)

// Op is the operation kind recorded in the log.
type Op string

const (
	OpSave   Op = "save"
	OpDelete Op = "delete"
)

// Record is one durable intent. Payload carries the serialized document
// for saves and is empty for deletes.
type Record struct {
	Seq     uint64 `json:"seq"`
	TxID    string `json:"tx_id"`
	Op      Op     `json:"op"`
	Branch  string `json:"branch"`
	DocID   string `json:"doc_id"`
	Payload []byte `json:"payload,omitempty"`
}

const (
	segmentPrefix  = "segment-"
	segmentSuffix  = ".wal"
	checkpointFile = "checkpoint"
	lockFile       = "wal.lock"

	// maxSegmentSize rotates the active segment once it grows past
	// this many bytes.
	maxSegmentSize = 4 << 20
)

// WAL is an append-only sequence of checksummed records across numbered
// segment files. One writer; readers only during recovery.
type WAL struct {
	mu sync.Mutex

	dir        string
	active     *os.File
	activeIdx  uint64
	activeSize int64

	seq        uint64 // last assigned sequence number
	checkpoint uint64 // highest checkpointed sequence number

	guard  *lockfile.Guard
	logger zerolog.Logger
}

// Open opens (creating if needed) the WAL under dir, reclaims stale
// locks, and positions the writer after the last record.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewIoError("wal open", err)
	}
	lockfile.ReclaimStale(dir)

	guard, err := lockfile.Acquire(filepath.Join(dir, lockFile), 5*time.Second)
	if err != nil {
		return nil, types.NewIoError("wal lock", err)
	}

	w := &WAL{
		dir:    dir,
		guard:  guard,
		logger: log.WithComponent("wal"),
	}

	if err := w.loadCheckpoint(); err != nil {
		guard.Release()
		return nil, err
	}

	segments, err := w.segmentIndexes()
	if err != nil {
		guard.Release()
		return nil, err
	}

	// Find the last sequence number by scanning the newest segment.
	for i := len(segments) - 1; i >= 0 && w.seq == 0; i-- {
		records, err := readSegment(w.segmentPath(segments[i]))
		if err != nil {
			guard.Release()
			return nil, err
		}
		if len(records) > 0 {
			w.seq = records[len(records)-1].Seq
		}
	}
	if w.seq < w.checkpoint {
		w.seq = w.checkpoint
	}

	w.activeIdx = 1
	if len(segments) > 0 {
		w.activeIdx = segments[len(segments)-1]
	}
	if err := w.openActive(); err != nil {
		guard.Release()
		return nil, err
	}
	return w, nil
}

// Close releases the writer and its lock file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active != nil {
		w.active.Close()
		w.active = nil
	}
	return w.guard.Release()
}

// Append durably writes one record and returns its sequence number.
// The record reaches stable storage before Append returns; the caller
// only then attempts the ref update.
func (w *WAL) Append(rec Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	rec.Seq = w.seq

	frame, err := encodeRecord(rec)
	if err != nil {
		w.seq--
		return 0, err
	}

	if w.activeSize+int64(len(frame)) > maxSegmentSize && w.activeSize > 0 {
		if err := w.rotate(); err != nil {
			w.seq--
			return 0, err
		}
	}

	if _, err := w.active.Write(frame); err != nil {
		w.seq--
		return 0, types.NewIoError("wal append", err)
	}
	if err := w.active.Sync(); err != nil {
		return 0, types.NewIoError("wal sync", err)
	}
	w.activeSize += int64(len(frame))
	metrics.WALAppendsTotal.Inc()
	return rec.Seq, nil
}

// Checkpoint records that every sequence number up to and including seq
// is reflected in storage and index, then drops fully covered segments.
func (w *WAL) Checkpoint(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seq <= w.checkpoint {
		return nil
	}
	w.checkpoint = seq
	if err := w.storeCheckpoint(); err != nil {
		return err
	}
	metrics.WALCheckpointsTotal.Inc()
	return w.dropCoveredSegments()
}

// Pending returns, in order, every record after the checkpoint. Used
// during recovery; a checksum mismatch terminates the scan with a
// CorruptionError.
func (w *WAL) Pending() ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := w.segmentIndexes()
	if err != nil {
		return nil, err
	}

	var pending []Record
	for _, idx := range segments {
		records, err := readSegment(w.segmentPath(idx))
		for _, rec := range records {
			if rec.Seq > w.checkpoint {
				pending = append(pending, rec)
			}
		}
		if err != nil {
			return pending, err
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	return pending, nil
}

// LastSeq returns the last assigned sequence number.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *WAL) rotate() error {
	if err := w.active.Close(); err != nil {
		return types.NewIoError("wal rotate", err)
	}
	w.activeIdx++
	return w.openActive()
}

func (w *WAL) openActive() error {
	f, err := os.OpenFile(w.segmentPath(w.activeIdx), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return types.NewIoError("wal open segment", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return types.NewIoError("wal open segment", err)
	}
	w.active = f
	w.activeSize = info.Size()
	return nil
}

func (w *WAL) segmentPath(idx uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s%08d%s", segmentPrefix, idx, segmentSuffix))
}

func (w *WAL) segmentIndexes() ([]uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, types.NewIoError("wal scan", err)
	}
	var out []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (w *WAL) dropCoveredSegments() error {
	segments, err := w.segmentIndexes()
	if err != nil {
		return err
	}
	for _, idx := range segments {
		if idx == w.activeIdx {
			continue
		}
		records, err := readSegment(w.segmentPath(idx))
		if err != nil {
			return err
		}
		covered := true
		for _, rec := range records {
			if rec.Seq > w.checkpoint {
				covered = false
				break
			}
		}
		if covered {
			if err := os.Remove(w.segmentPath(idx)); err != nil {
				return types.NewIoError("wal truncate", err)
			}
			w.logger.Debug().Uint64("segment", idx).Msg("dropped checkpointed segment")
		}
	}
	return nil
}

func (w *WAL) loadCheckpoint() error {
	data, err := os.ReadFile(filepath.Join(w.dir, checkpointFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return types.NewIoError("wal checkpoint read", err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return &types.CorruptionError{Resource: "wal", Detail: "unreadable checkpoint marker"}
	}
	w.checkpoint = n
	return nil
}

func (w *WAL) storeCheckpoint() error {
	path := filepath.Join(w.dir, checkpointFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(w.checkpoint, 10)), 0o644); err != nil {
		return types.NewIoError("wal checkpoint write", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return types.NewIoError("wal checkpoint write", err)
	}
	return nil
}

// Record framing: u32 body length, body, u32 IEEE crc of the body. The
// body itself is canonical JSON of the record.
func encodeRecord(rec Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, types.NewIoError("wal encode", err)
	}
	frame := make([]byte, 4+len(body)+4)
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	binary.BigEndian.PutUint32(frame[4+len(body):], crc32.ChecksumIEEE(body))
	return frame, nil
}

func readSegment(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewIoError("wal read", err)
	}
	defer f.Close()

	var records []Record
	var header [4]byte
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if err == io.EOF {
				return records, nil
			}
			// A torn final frame means the process died mid-append;
			// everything before it is intact.
			if err == io.ErrUnexpectedEOF {
				return records, nil
			}
			return records, types.NewIoError("wal read", err)
		}
		size := binary.BigEndian.Uint32(header[:])
		body := make([]byte, size)
		if _, err := io.ReadFull(f, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return records, nil
			}
			return records, types.NewIoError("wal read", err)
		}
		var crc [4]byte
		if _, err := io.ReadFull(f, crc[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return records, nil
			}
			return records, types.NewIoError("wal read", err)
		}
		if binary.BigEndian.Uint32(crc[:]) != crc32.ChecksumIEEE(body) {
			return records, &types.CorruptionError{
				Resource: filepath.Base(path),
				Detail:   "record checksum mismatch",
			}
		}
		var rec Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return records, &types.CorruptionError{
				Resource: filepath.Base(path),
				Detail:   "unreadable record body",
			}
		}
		records = append(records, rec)
	}
}
