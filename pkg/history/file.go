package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileBackend stores records as JSON lines. Appends use O_APPEND; Save
// writes a temp file and renames it over the log.
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend for the JSONL file at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the log file location.
func (f *FileBackend) Path() string { return f.path }

// Load reads all records. A torn final line from an interrupted append is
// cut from the file, and a final record missing its newline gets one, so the
// next append always starts on a fresh line. Corruption anywhere else is an
// error.
func (f *FileBackend) Load(ctx context.Context) ([]Record, error) {
	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history: %w", err)
	}

	records, good, end, err := readRecords(ctx, file)
	file.Close()
	if err != nil {
		return nil, err
	}
	switch end {
	case tailTorn:
		if err := os.Truncate(f.path, good); err != nil {
			return nil, fmt.Errorf("truncate torn history tail: %w", err)
		}
	case tailUnterminated:
		if err := f.write([]byte{'\n'}); err != nil {
			return nil, err
		}
	}
	return records, nil
}

type tail int

const (
	tailClean tail = iota
	tailTorn
	tailUnterminated
)

// readRecords decodes JSON lines from r. good is the byte length of the
// lines that decoded.
func readRecords(ctx context.Context, r io.Reader) ([]Record, int64, tail, error) {
	reader := bufio.NewReader(r)
	var (
		records []Record
		good    int64
	)
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return nil, 0, tailClean, err
		}
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, 0, tailClean, fmt.Errorf("read history: %w", readErr)
		}
		if len(line) == 0 {
			return records, good, tailClean, nil
		}
		complete := readErr == nil
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var rec Record
			if err := json.Unmarshal(trimmed, &rec); err != nil {
				if !complete {
					return records, good, tailTorn, nil
				}
				return nil, 0, tailClean, fmt.Errorf("decode history line %d: %w", lineNo, err)
			}
			records = append(records, rec)
		}
		good += int64(len(line))
		if !complete {
			if len(trimmed) == 0 {
				return records, good, tailClean, nil
			}
			return records, good, tailUnterminated, nil
		}
	}
}

// Append writes one record line.
func (f *FileBackend) Append(_ context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	return f.write(append(data, '\n'))
}

func (f *FileBackend) write(data []byte) error {
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("append history: %w", err)
	}
	return file.Close()
}

// Save atomically rewrites the log.
func (f *FileBackend) Save(_ context.Context, records []Record) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			tmp.Close()
			return fmt.Errorf("encode record %d: %w", r.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp history: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp history: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

func (f *FileBackend) Close() error { return nil }
