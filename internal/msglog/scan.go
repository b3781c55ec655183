package msglog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// maxLineBytes bounds a single log line during scans. Agent events can carry
// large tool output, so this is generous; anything bigger is skipped.
const maxLineBytes = 16 << 20

// Scan returns up to limit entries with timestamp strictly greater than
// since, oldest first. It is safe to call concurrently with appends: the
// writer flushes each line through to the file before acknowledging it.
//
// The start segment is located by comparing each segment's first entry
// timestamp against since, so segments entirely before the cursor are never
// read line by line.
func (l *Log) Scan(since int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	segments, err := l.segments()
	if err != nil {
		return nil, err
	}

	// Find the last segment whose first entry is <= since. Entries matching
	// the cursor can only appear from that segment onward.
	start := 0
	for i, seg := range segments {
		first, ok := l.firstTimestamp(filepath.Join(l.dir, seg.name))
		if !ok {
			continue
		}
		if first <= since {
			start = i
		} else {
			break
		}
	}

	var out []Entry
	for _, seg := range segments[start:] {
		done, err := l.scanSegment(filepath.Join(l.dir, seg.name), since, limit, &out)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	return out, nil
}

func (l *Log) scanSegment(path string, since int64, limit int, out *[]Entry) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Removed by retention between listing and open.
			return false, nil
		}
		return false, fmt.Errorf("msglog: failed to open segment: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			// A torn tail can only exist in the newest segment while the
			// process that wrote it is gone; skip rather than fail the scan.
			l.logger.Warn("skipping unparseable log line", zap.String("segment", path))
			continue
		}
		if e.T <= since {
			continue
		}
		*out = append(*out, e)
		if len(*out) >= limit {
			return true, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("msglog: scan of %s failed: %w", path, err)
	}
	return false, nil
}

// firstTimestamp reads the first complete entry of a segment. The bool is
// false for empty or unreadable segments.
func (l *Log) firstTimestamp(path string) (int64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var e Entry
		if json.Unmarshal(scanner.Bytes(), &e) == nil {
			return e.T, true
		}
	}
	return 0, false
}

// Sweep removes sealed segments whose last modification is older than
// maxAge. The newest segment is never removed, it is the writer's live file.
// Returns the number of segments deleted.
func (l *Log) Sweep(maxAge time.Duration) (int, error) {
	segments, err := l.segments()
	if err != nil {
		return 0, err
	}
	if len(segments) <= 1 {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, seg := range segments[:len(segments)-1] {
		path := filepath.Join(l.dir, seg.name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			l.logger.Warn("failed to remove expired segment",
				zap.String("segment", path), zap.Error(err))
			continue
		}
		removed++
	}

	if removed > 0 {
		l.logger.Info("expired log segments removed",
			zap.String("dir", l.dir), zap.Int("count", removed))
	}
	return removed, nil
}
