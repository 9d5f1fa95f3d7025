package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Descriptor is the canonical column list, persisted as a JSON manifest in
// the repo so schema changes show up in review, not in production.
type Descriptor struct {
	Table   string       `json:"table"`
	Columns []ColumnSpec `json:"columns"`
}

type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// LoadDescriptor reads and sanity-checks a descriptor manifest.
func LoadDescriptor(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read schema descriptor: %w", err)
	}
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse schema descriptor %s: %w", path, err)
	}
	if desc.Table == "" || len(desc.Columns) == 0 {
		return Descriptor{}, fmt.Errorf("schema descriptor %s is incomplete", path)
	}
	return desc, nil
}

// MismatchKind labels one way the live schema can disagree with the
// descriptor.
type MismatchKind string

const (
	MismatchMissing    MismatchKind = "missing column"
	MismatchUnexpected MismatchKind = "unexpected column"
	MismatchType       MismatchKind = "type mismatch"
	MismatchCount      MismatchKind = "column count mismatch"
)

type Mismatch struct {
	Kind   MismatchKind
	Column string
	Want   string
	Got    string
}

func (m Mismatch) String() string {
	switch m.Kind {
	case MismatchCount:
		return fmt.Sprintf("%s: want %s, got %s", m.Kind, m.Want, m.Got)
	case MismatchType:
		return fmt.Sprintf("%s on %s: want %s, got %s", m.Kind, m.Column, m.Want, m.Got)
	default:
		return fmt.Sprintf("%s: %s", m.Kind, m.Column)
	}
}

// DriftError is terminal: the pipeline aborts before any mutation.
type DriftError struct {
	Table      string
	Mismatches []Mismatch
}

func (e *DriftError) Error() string {
	parts := make([]string, len(e.Mismatches))
	for i, m := range e.Mismatches {
		parts[i] = m.String()
	}
	return fmt.Sprintf("schema drift on %s: %s", e.Table, strings.Join(parts, "; "))
}

type liveColumn struct {
	Name     string `db:"column_name"`
	DataType string `db:"data_type"`
	Nullable string `db:"is_nullable"`
}

// CheckSchema compares the live table against the descriptor and returns a
// DriftError enumerating every mismatch, or nil when they agree.
func (s *Store) CheckSchema(ctx context.Context, desc Descriptor) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var live []liveColumn
	err := s.db.SelectContext(ctx, &live,
		`SELECT column_name, data_type, is_nullable FROM information_schema.columns
	WHERE table_name = ? ORDER BY ordinal_position`, desc.Table)
	if err != nil {
		return fmt.Errorf("failed to read information schema: %w", err)
	}

	var mismatches []Mismatch
	if len(live) != len(desc.Columns) {
		mismatches = append(mismatches, Mismatch{
			Kind: MismatchCount,
			Want: fmt.Sprintf("%d", len(desc.Columns)),
			Got:  fmt.Sprintf("%d", len(live)),
		})
	}

	liveByName := make(map[string]liveColumn, len(live))
	for _, col := range live {
		liveByName[col.Name] = col
	}

	for _, want := range desc.Columns {
		got, ok := liveByName[want.Name]
		if !ok {
			mismatches = append(mismatches, Mismatch{Kind: MismatchMissing, Column: want.Name})
			continue
		}
		if !strings.EqualFold(got.DataType, want.Type) || nullable(got.Nullable) != want.Nullable {
			mismatches = append(mismatches, Mismatch{
				Kind:   MismatchType,
				Column: want.Name,
				Want:   columnSignature(want.Type, want.Nullable),
				Got:    columnSignature(got.DataType, nullable(got.Nullable)),
			})
		}
	}

	wanted := make(map[string]struct{}, len(desc.Columns))
	for _, want := range desc.Columns {
		wanted[want.Name] = struct{}{}
	}
	for _, col := range live {
		if _, ok := wanted[col.Name]; !ok {
			mismatches = append(mismatches, Mismatch{Kind: MismatchUnexpected, Column: col.Name})
		}
	}

	if len(mismatches) > 0 {
		return &DriftError{Table: desc.Table, Mismatches: mismatches}
	}
	return nil
}

func nullable(isNullable string) bool {
	return strings.EqualFold(isNullable, "YES")
}

func columnSignature(typ string, nullable bool) string {
	if nullable {
		return strings.ToUpper(typ)
	}
	return strings.ToUpper(typ) + " NOT NULL"
}
