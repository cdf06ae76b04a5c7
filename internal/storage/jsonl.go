package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// AppendJSONL appends one record to a JSON-lines file, creating the file and
// its directory on first use. Appends are O_APPEND single writes so
// concurrent appenders interleave whole lines.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return nil
}

// ReadJSONL streams each line of a JSON-lines file into fn. Lines that fail
// to parse are skipped; a missing file reads as empty.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// UnmarshalLine decodes one JSONL line into v using the shared codec.
func UnmarshalLine(line []byte, v any) error {
	return json.Unmarshal(line, v)
}
