// Package statelog persists every emitted State as one JSON line per record
// so a game can be replayed offline.
package statelog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/caesar-terminal/courtside/internal/merger"
)

// Sentinel errors.
var (
	ErrClosed  = errors.New("statelog: closed")
	ErrCorrupt = errors.New("statelog: corrupt record")
)

// Log is an append-only JSONL file of States. Each record is written with a
// single write call, so a crash can at worst leave a torn final line that
// ReadAll skips. The first write error is sticky.
type Log struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	count int
	err   error
}

// Path returns the file for gameID under dir.
func Path(dir, gameID string) string {
	return filepath.Join(dir, gameID+".jsonl")
}

// Open creates dir if needed and opens <dir>/<gameID>.jsonl for appending.
func Open(dir, gameID string) (*Log, error) {
	if gameID == "" || strings.ContainsAny(gameID, `/\`) || gameID == "." || gameID == ".." {
		return nil, fmt.Errorf("statelog: invalid game id %q", gameID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("statelog: create dir: %w", err)
	}
	path := Path(dir, gameID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("statelog: open %s: %w", path, err)
	}
	return &Log{path: path, file: f}, nil
}

// Path is the file being written.
func (l *Log) Path() string { return l.path }

// Append writes one record.
func (l *Log) Append(st merger.State) error {
	line, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("statelog: encode: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if l.file == nil {
		return ErrClosed
	}
	if _, err := l.file.Write(line); err != nil {
		l.err = fmt.Errorf("statelog: write %s: %w", l.path, err)
		return l.err
	}
	l.count++
	return nil
}

// Count is the number of records appended through this Log.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Flush syncs written records to stable storage.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flush()
}

func (l *Log) flush() error {
	if l.err != nil {
		return l.err
	}
	if l.file == nil {
		return ErrClosed
	}
	if err := l.file.Sync(); err != nil {
		l.err = fmt.Errorf("statelog: sync %s: %w", l.path, err)
		return l.err
	}
	return nil
}

// Close flushes and closes the file. It reports any earlier write error.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return l.err
	}
	err := l.flush()
	if cerr := l.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("statelog: close %s: %w", l.path, cerr)
	}
	l.file = nil
	return err
}

// Reader decodes records in order.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader reads records from r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	return &Reader{sc: sc}
}

// Next returns the next record or io.EOF. A final line that does not decode
// is treated as a torn write and ends the stream; an undecodable line
// followed by more data is ErrCorrupt.
func (r *Reader) Next() (merger.State, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var st merger.State
		if err := json.Unmarshal(line, &st); err != nil {
			if !r.sc.Scan() && r.sc.Err() == nil {
				return merger.State{}, io.EOF
			}
			return merger.State{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return st, nil
	}
	if err := r.sc.Err(); err != nil {
		return merger.State{}, fmt.Errorf("statelog: read: %w", err)
	}
	return merger.State{}, io.EOF
}

// ReadAll loads every record from path.
func ReadAll(path string) ([]merger.State, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("statelog: open %s: %w", path, err)
	}
	defer f.Close()

	var out []merger.State
	r := NewReader(f)
	for {
		st, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, st)
	}
}
