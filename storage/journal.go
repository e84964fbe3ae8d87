package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
)

const (
	journalHeaderSize = 16
	// maxJournalRecord bounds a single encoded record. Longer lengths in a
	// header can only come from corruption.
	maxJournalRecord = 1 << 20
)

var (
	errJournalClosed  = errors.New("journal closed")
	errRecordTooLarge = errors.New("journal record too large")
	crcTable          = crc32.MakeTable(crc32.Castagnoli)

	syncDirFn = syncDir
)

type journalConfig struct {
	path      string
	syncEvery int
	logger    *log.Logger
}

// journalRecord is one upsert. Replaying the journal in order rebuilds the
// latest version of every task.
type journalRecord struct {
	Seq  uint64      `json:"seq"`
	Task domain.Task `json:"task"`
	At   time.Time   `json:"at"`
}

type journal struct {
	cfg         journalConfig
	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	size        int64
	nextSeq     uint64
	pendingSync int
	closed      bool
}

func openJournal(cfg journalConfig) (*journal, []*journalRecord, error) {
	if cfg.path == "" {
		return nil, nil, fmt.Errorf("journal path required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(cfg.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	j := &journal{cfg: cfg, file: f, nextSeq: 1}
	records, err := j.load()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	if _, err := f.Seek(j.size, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}
	j.writer = bufio.NewWriterSize(f, 64*1024)
	return j, records, nil
}

// load reads every intact record. A torn or corrupt tail is cut off so the
// next append starts on a record boundary.
func (j *journal) load() ([]*journalRecord, error) {
	reader := bufio.NewReaderSize(j.file, 64*1024)
	records := make([]*journalRecord, 0)
	var pos int64
	for {
		hdr := make([]byte, journalHeaderSize)
		start := pos
		n, err := io.ReadFull(reader, hdr)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if err := j.truncateTail(start); err != nil {
					return nil, err
				}
				pos = start
				break
			}
			return nil, err
		}

		length := binary.LittleEndian.Uint32(hdr[0:4])
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		seq := binary.LittleEndian.Uint64(hdr[8:16])
		if length == 0 {
			continue
		}
		if length > maxJournalRecord {
			if err := j.truncateTail(start); err != nil {
				return nil, err
			}
			pos = start
			break
		}
		buf := make([]byte, length)
		n, err = io.ReadFull(reader, buf)
		pos += int64(n)
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				if err := j.truncateTail(start); err != nil {
					return nil, err
				}
				pos = start
				break
			}
			return nil, err
		}

		var rec journalRecord
		if crc32.Checksum(buf, crcTable) != crc || jsonUnmarshal(buf, &rec) != nil || rec.Seq != seq {
			if err := j.truncateTail(start); err != nil {
				return nil, err
			}
			pos = start
			break
		}
		if rec.Seq >= j.nextSeq {
			j.nextSeq = rec.Seq + 1
		}
		records = append(records, &rec)
	}
	j.size = pos
	return records, nil
}

func (j *journal) truncateTail(at int64) error {
	if j.cfg.logger != nil {
		j.cfg.logger.WithField("offset", at).Warn("truncating damaged journal tail")
	}
	return j.file.Truncate(at)
}

func encodeRecord(rec *journalRecord) ([]byte, error) {
	payload, err := jsonMarshal(rec)
	if err != nil {
		return nil, err
	}
	if len(payload) > maxJournalRecord {
		return nil, errRecordTooLarge
	}
	out := make([]byte, journalHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(out[4:8], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint64(out[8:16], rec.Seq)
	copy(out[journalHeaderSize:], payload)
	return out, nil
}

func (j *journal) append(task domain.Task) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errJournalClosed
	}
	rec := &journalRecord{Seq: j.nextSeq, Task: task, At: time.Now().UTC()}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := j.writer.Write(data); err != nil {
		return j.rollbackLocked(err)
	}
	if err := j.writer.Flush(); err != nil {
		return j.rollbackLocked(err)
	}
	j.nextSeq++
	j.size += int64(len(data))
	j.pendingSync++
	if j.cfg.syncEvery <= 1 || j.pendingSync >= j.cfg.syncEvery {
		return j.syncLocked()
	}
	return nil
}

// rollbackLocked drops a partially written record so later appends are not
// hidden behind it on replay.
func (j *journal) rollbackLocked(cause error) error {
	if err := j.file.Truncate(j.size); err != nil {
		return errors.Join(cause, err)
	}
	if _, err := j.file.Seek(j.size, io.SeekStart); err != nil {
		return errors.Join(cause, err)
	}
	j.writer = bufio.NewWriterSize(j.file, 64*1024)
	return cause
}

func (j *journal) syncLocked() error {
	if j.closed {
		return errJournalClosed
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	if err := j.file.Sync(); err != nil {
		return err
	}
	j.pendingSync = 0
	return nil
}

func (j *journal) sizeBytes() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// compact rewrites the journal with one record per task and swaps it in
// atomically.
func (j *journal) compact(tasks []domain.Task) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errJournalClosed
	}

	tmp := j.cfg.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(f, 64*1024)
	var size int64
	seq := uint64(1)
	now := time.Now().UTC()
	for _, t := range tasks {
		data, err := encodeRecord(&journalRecord{Seq: seq, Task: t, At: now})
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := w.Write(data); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		size += int64(len(data))
		seq++
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, j.cfg.path); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}

	// The renamed file is the journal now; appends must go to it even if the
	// directory entry is not yet durable.
	if err := j.writer.Flush(); err != nil && j.cfg.logger != nil {
		j.cfg.logger.WithError(err).Warn("flush before journal swap")
	}
	j.file.Close()
	j.file = f
	j.size = size
	j.nextSeq = seq
	j.pendingSync = 0
	if _, err := f.Seek(size, io.SeekStart); err != nil {
		f.Close()
		j.closed = true
		return err
	}
	j.writer = bufio.NewWriterSize(f, 64*1024)

	if err := syncDirFn(filepath.Dir(j.cfg.path)); err != nil {
		return fmt.Errorf("sync journal directory: %w", err)
	}
	return nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.writer.Flush(); err != nil {
		j.file.Close()
		return err
	}
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

func jsonMarshal(v interface{}) ([]byte, error) {
	return sonic.ConfigStd.Marshal(v)
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return sonic.ConfigStd.Unmarshal(data, v)
}
