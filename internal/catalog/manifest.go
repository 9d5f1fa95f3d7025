// Package catalog owns the symbol manifest: the append-only set of every
// USDT-margined perpetual contract the pipeline has ever seen, plus the
// metadata client that discovers new listings.
package catalog

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/futvision/klinewatch/internal/atomicio"
	"github.com/futvision/klinewatch/internal/model"
)

// Load reads the manifest: one symbol per line, # comments and blank lines
// allowed, output sorted and deduplicated. A missing file is an empty
// catalog, not an error - discovery populates it on the first run.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open symbol manifest: %w", err)
	}
	defer f.Close()

	seen := make(map[string]struct{})
	var symbols []string

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		s := strings.TrimSpace(scanner.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		if err := model.CheckSymbol(s); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read symbol manifest: %w", err)
	}

	sort.Strings(symbols)
	return symbols, nil
}

// Save rewrites the manifest atomically, sorted.
func Save(path string, symbols []string) error {
	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	if err := atomicio.WriteLinesAtomic(path, sorted); err != nil {
		return fmt.Errorf("failed to write symbol manifest: %w", err)
	}
	return nil
}

// Merge folds the live set into the catalog. Additive only: symbols that
// left the live set stay in the catalog because they encode history.
func Merge(current, live []string) (merged, added []string) {
	seen := make(map[string]struct{}, len(current))
	merged = append([]string(nil), current...)
	for _, s := range current {
		seen[s] = struct{}{}
	}
	for _, s := range live {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		merged = append(merged, s)
		added = append(added, s)
	}
	sort.Strings(merged)
	sort.Strings(added)
	return merged, added
}
