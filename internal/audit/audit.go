// Package audit implements the AuditSink egress interface of spec.md §6: a
// per-transaction record sink that must never block a transaction. The
// rotating-file writer is grounded on loopnestdev-icap-logger/logger.go's
// rotatingWriter; records are encoded with goccy/go-json (ryanbekhen-ngebut's
// dependency) instead of encoding/json for the hot audit-write path.
package audit

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// Record is one per-transaction audit entry (spec.md §6).
type Record struct {
	RemoteAddr string        `json:"remote_addr"`
	Method     string        `json:"method"`
	Service    string        `json:"service"`
	BytesIn    int64         `json:"bytes_in"`
	BytesOut   int64         `json:"bytes_out"`
	Verdict    string        `json:"verdict"`
	Status     int           `json:"status"`
	Duration   time.Duration `json:"duration_ns"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Sink accepts audit records. Implementations must not block the caller;
// Record degrades to a drop (and a DroppedCount increment) under backpressure.
type Sink interface {
	Record(r Record)
	DroppedCount() uint64
	Close() error
}

// NopSink discards every record. Used when no audit_path is configured.
type NopSink struct{}

func (NopSink) Record(Record)        {}
func (NopSink) DroppedCount() uint64 { return 0 }
func (NopSink) Close() error         { return nil }

// FileSink is a non-blocking, channel-backed JSON-lines audit sink writing
// through a size-rotated file, in loopnestdev-icap-logger's rotatingWriter
// style.
type FileSink struct {
	records chan Record
	dropped uint64
	done    chan struct{}
	writer  *rotatingWriter
}

// NewFileSink opens path (rotating at maxSizeMB) and starts the background
// writer goroutine. queueSize bounds how many records may be in flight
// before new records are dropped rather than blocking the transaction that
// produced them.
func NewFileSink(path string, maxSizeMB int64, queueSize int) (*FileSink, error) {
	w, err := newRotatingWriter(path, maxSizeMB)
	if err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	s := &FileSink{
		records: make(chan Record, queueSize),
		done:    make(chan struct{}),
		writer:  w,
	}
	go s.run()
	return s, nil
}

// Record enqueues r without blocking; a full queue drops it.
func (s *FileSink) Record(r Record) {
	select {
	case s.records <- r:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// DroppedCount reports how many records have been dropped since start.
func (s *FileSink) DroppedCount() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

func (s *FileSink) run() {
	enc := json.NewEncoder(s.writer)
	for {
		select {
		case r, ok := <-s.records:
			if !ok {
				close(s.done)
				return
			}
			_ = enc.Encode(r)
		}
	}
}

// Close drains the queue and closes the underlying file.
func (s *FileSink) Close() error {
	close(s.records)
	<-s.done
	return s.writer.Close()
}

// rotatingWriter rotates the audit log when it exceeds maxSize bytes,
// renaming the old file with a timestamp suffix — adapted from
// loopnestdev-icap-logger/logger.go's rotatingWriter.
type rotatingWriter struct {
	mu       sync.Mutex
	filename string
	maxSize  int64
	file     *os.File
	size     int64
}

func newRotatingWriter(filename string, maxSizeMB int64) (*rotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	w := &rotatingWriter{
		filename: filename,
		maxSize:  maxSizeMB * 1024 * 1024,
	}
	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) openFile() error {
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.size = fi.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	newName := w.filename + "." + time.Now().Format("20060102-150405")
	_ = os.Rename(w.filename, newName)
	return w.openFile()
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
