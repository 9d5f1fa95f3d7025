package atomicio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileAtomic writes data to path via temp file + rename, creating the
// parent directory if needed.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// WriteLinesAtomic writes one string per line atomically. Used for the
// symbol manifest, which downstream tooling diffs line by line.
func WriteLinesAtomic(path string, lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return WriteFileAtomic(path, []byte(sb.String()))
}
