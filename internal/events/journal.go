package events

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Journal appends encoded events to hourly zstd-compressed JSONL files
// named <prefix>-YYYY-MM-DD-HH-<run>.jsonl.zst. The run id is fixed per
// Journal, so a restart within the hour starts a new file instead of
// reusing one that may already have been shipped and removed.
type Journal struct {
	dir    string
	prefix string
	run    string
	now    func() time.Time
	// OnClose, when set, is called with the path of each hour file after
	// it is closed, on rotation and on Close.
	OnClose func(path string)

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// lastRun keeps run ids strictly increasing within the process.
var lastRun atomic.Int64

func nextRunID() string {
	for {
		prev := lastRun.Load()
		id := time.Now().UnixNano()
		if id <= prev {
			id = prev + 1
		}
		if lastRun.CompareAndSwap(prev, id) {
			return fmt.Sprintf("%019d", id)
		}
	}
}

func NewJournal(dir string) *Journal {
	return &Journal{dir: dir, prefix: "events", run: nextRunID(), now: time.Now}
}

func (j *Journal) Append(line []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	hour := j.now().UTC().Format("2006-01-02-15")
	if hour != j.curHour || j.w == nil {
		if err := j.rotateLocked(hour); err != nil {
			return err
		}
	}
	if _, err := j.w.Write(line); err != nil {
		return err
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := j.w.Flush(); err != nil {
		return err
	}
	// Emit a complete block so readers see the line without waiting for Close.
	return j.enc.Flush()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *Journal) rotateLocked(hour string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.PathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f = f
	j.enc = enc
	j.w = bufio.NewWriterSize(enc, 64*1024)
	j.curHour = hour
	return nil
}

func (j *Journal) closeLocked() error {
	var err error
	closed := ""
	if j.f != nil {
		closed = j.f.Name()
	}
	if j.w != nil {
		_ = j.w.Flush()
	}
	if j.enc != nil {
		err = j.enc.Close()
		j.enc = nil
	}
	if j.f != nil {
		_ = j.f.Close()
		j.f = nil
	}
	j.w = nil
	j.curHour = ""
	if closed != "" && j.OnClose != nil {
		j.OnClose(closed)
	}
	return err
}

func (j *Journal) PathForHour(hour string) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s-%s-%s.jsonl.zst", j.prefix, hour, j.run))
}

// ReadJournal calls fn for each line of a journal stream. Concatenated
// frames decode as one stream.
func ReadJournal(r io.Reader, fn func(line []byte) error) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("open zstd reader: %w", err)
	}
	defer dec.Close()
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}
