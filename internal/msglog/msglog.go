// Package msglog implements the durable per-project message log: an
// append-only sequence of JSON lines split into size-capped segment files.
//
// Layout inside a project's log directory:
//
//	000001.jsonl
//	000002.jsonl
//	...
//
// Each line is one compact JSON object {"t":<nanos>,"d":"client"|"agent",
// "m":<payload>}. Segments are totally ordered by sequence number; entries
// within a segment by file position.
//
// # Design: single-writer goroutine
//
// All writes for a log go through one goroutine. Appenders enqueue a request
// and wait for the acknowledgement, which is sent after the line has been
// written through to the file. From that point on any Scan call observes
// the entry. fsync is batched on a short ticker to amortize its cost; a crash
// may therefore lose the tail of recently acknowledged entries but can never
// interleave or corrupt earlier ones. Recovery at open truncates at most one
// incomplete trailing line in the newest segment.
package msglog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Direction tags who produced a log entry.
type Direction string

const (
	// DirectionClient marks prompts sent by clients.
	DirectionClient Direction = "client"

	// DirectionAgent marks events emitted by the agent CLI.
	DirectionAgent Direction = "agent"
)

// Entry is one log record. M holds the payload verbatim: a JSON object for
// parsed agent events, a JSON string for prompts and unparseable raw lines.
type Entry struct {
	T int64           `json:"t"`
	D Direction       `json:"d"`
	M json.RawMessage `json:"m"`
}

// Options tunes a Log. Zero values fall back to the defaults below.
type Options struct {
	// SegmentMaxBytes is the size cap per segment file. When an append would
	// push the current segment past the cap, a new segment is started first.
	SegmentMaxBytes int64

	// FlushInterval is the fsync batching interval.
	FlushInterval time.Duration
}

const (
	// DefaultSegmentMaxBytes is 1 GiB per segment.
	DefaultSegmentMaxBytes = 1 << 30

	// DefaultFlushInterval batches fsync calls at 100ms.
	DefaultFlushInterval = 100 * time.Millisecond

	segmentSuffix = ".jsonl"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("msglog: log is closed")

type appendReq struct {
	d    Direction
	m    json.RawMessage
	done chan error
}

// Log is the append-only message log for one project.
// Create instances with Open; the zero value is not usable.
type Log struct {
	dir    string
	opts   Options
	logger *zap.Logger

	requests chan appendReq

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	// Writer-goroutine state. Only the writer loop touches these after Open.
	file  *os.File
	buf   *bufio.Writer
	seq   int
	size  int64
	lastT int64
	dirty bool
}

// Open creates or recovers the log stored in dir. The directory is created
// if missing. Recovery scans existing segments, truncates a partial trailing
// line in the newest one, and resumes appending to it.
func Open(dir string, opts Options, logger *zap.Logger) (*Log, error) {
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = DefaultSegmentMaxBytes
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("msglog: failed to create log directory: %w", err)
	}

	l := &Log{
		dir:      dir,
		opts:     opts,
		logger:   logger,
		requests: make(chan appendReq, 64),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	if err := l.recover(); err != nil {
		return nil, err
	}

	go l.writeLoop()
	return l, nil
}

// recover prepares the newest segment for appending. A file that does not
// end in a newline is truncated back to the last complete line, the one
// incomplete tail a crash mid-write can leave behind.
func (l *Log) recover() error {
	segments, err := l.segments()
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		l.seq = 1
		return l.openSegment()
	}

	last := segments[len(segments)-1]
	l.seq = last.seq

	path := filepath.Join(l.dir, last.name)
	if err := truncatePartialLine(path); err != nil {
		return fmt.Errorf("msglog: recovery of %s failed: %w", last.name, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("msglog: failed to open segment for append: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("msglog: failed to stat segment: %w", err)
	}

	l.file = f
	l.size = info.Size()
	l.buf = bufio.NewWriter(f)
	l.lastT = lastTimestamp(path)
	return nil
}

// truncatePartialLine trims the file back to the last newline. A file with
// no newline at all is truncated to empty.
func truncatePartialLine(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	cut := int64(0)
	if idx := strings.LastIndexByte(string(data), '\n'); idx >= 0 {
		cut = int64(idx + 1)
	}
	return os.Truncate(path, cut)
}

// lastTimestamp returns the timestamp of the final complete entry in the
// segment, or 0 if the segment is empty or unreadable. Used so timestamps
// stay monotonic across a restart.
func lastTimestamp(path string) int64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var e Entry
		if json.Unmarshal(scanner.Bytes(), &e) == nil {
			last = e.T
		}
	}
	return last
}

// Append writes one entry and waits until it is visible to readers. The
// entry's timestamp is assigned by the writer goroutine in append order, so
// timestamps are strictly monotonic within a project.
func (l *Log) Append(ctx context.Context, d Direction, payload json.RawMessage) error {
	req := appendReq{d: d, m: payload, done: make(chan error, 1)}

	select {
	case l.requests <- req:
	case <-l.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AppendString is a convenience for plain-text payloads (prompts, error
// notes, unparseable agent output). The string is stored as a JSON string.
func (l *Log) AppendString(ctx context.Context, d Direction, s string) error {
	m, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return l.Append(ctx, d, m)
}

// writeLoop is the single writer goroutine. It serializes appends, rotates
// segments at the size cap, and batches fsync on the flush ticker.
func (l *Log) writeLoop() {
	defer close(l.done)

	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-l.requests:
			req.done <- l.write(req)

		case <-ticker.C:
			l.sync()

		case <-l.closing:
			// Drain anything already enqueued before shutting down.
			for {
				select {
				case req := <-l.requests:
					req.done <- l.write(req)
				default:
					l.sync()
					l.file.Close()
					return
				}
			}
		}
	}
}

func (l *Log) write(req appendReq) error {
	t := time.Now().UnixNano()
	if t <= l.lastT {
		t = l.lastT + 1
	}
	l.lastT = t

	line, err := json.Marshal(Entry{T: t, D: req.d, M: req.m})
	if err != nil {
		return fmt.Errorf("msglog: failed to encode entry: %w", err)
	}
	line = append(line, '\n')

	if l.size > 0 && l.size+int64(len(line)) > l.opts.SegmentMaxBytes {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	if _, err := l.buf.Write(line); err != nil {
		return fmt.Errorf("msglog: write failed: %w", err)
	}
	// Flush through to the file so concurrent Scan calls see the entry.
	// Durability (fsync) is batched on the ticker.
	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("msglog: flush failed: %w", err)
	}

	l.size += int64(len(line))
	l.dirty = true
	return nil
}

func (l *Log) rotate() error {
	l.buf.Flush()
	l.file.Sync()
	l.file.Close()

	l.seq++
	if err := l.openSegment(); err != nil {
		return err
	}
	l.logger.Debug("rotated log segment",
		zap.String("dir", l.dir),
		zap.Int("seq", l.seq),
	)
	return nil
}

func (l *Log) openSegment() error {
	path := filepath.Join(l.dir, segmentName(l.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("msglog: failed to create segment: %w", err)
	}
	l.file = f
	l.buf = bufio.NewWriter(f)
	l.size = 0
	return nil
}

func (l *Log) sync() {
	if !l.dirty {
		return
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("log fsync failed", zap.String("dir", l.dir), zap.Error(err))
		return
	}
	l.dirty = false
}

// Close stops the writer after draining pending appends and closes the
// current segment. Append after Close returns ErrClosed.
func (l *Log) Close() error {
	l.closeOnce.Do(func() { close(l.closing) })
	<-l.done
	return nil
}

// Dir returns the log directory. Used by retention and tests.
func (l *Log) Dir() string { return l.dir }

type segmentInfo struct {
	name string
	seq  int
}

// segments lists the segment files in ascending sequence order. Files that
// do not match the NNNNNN.jsonl pattern are ignored.
func (l *Log) segments() ([]segmentInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("msglog: failed to list segments: %w", err)
	}

	var segs []segmentInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentSuffix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSuffix(e.Name(), segmentSuffix))
		if err != nil {
			continue
		}
		segs = append(segs, segmentInfo{name: e.Name(), seq: seq})
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].seq < segs[j].seq })
	return segs, nil
}

func segmentName(seq int) string {
	return fmt.Sprintf("%06d%s", seq, segmentSuffix)
}
