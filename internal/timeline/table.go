package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
)

const partPrefix = "part"

// ErrMissingTimingEntry matches every *MissingEntryError.
var ErrMissingTimingEntry = errors.New("missing timing entry")

// ErrOverlappingTiming is returned for a table whose entries are not in
// index order on the audio timeline.
var ErrOverlappingTiming = errors.New("overlapping timing entries")

// MissingEntryError reports a line index the timing table has no entry for.
type MissingEntryError struct {
	Index int
}

func (e *MissingEntryError) Error() string {
	return fmt.Sprintf("%s for %s", ErrMissingTimingEntry, PartKey(e.Index))
}

func (e *MissingEntryError) Unwrap() error {
	return ErrMissingTimingEntry
}

// PartKey is the table key for line index.
func PartKey(index int) string {
	return partPrefix + strconv.Itoa(index)
}

type span struct {
	begin int64
	end   int64
}

// Table maps line indexes to absolute [begin, end] offsets.
type Table struct {
	spans map[int]span
}

type tableFile struct {
	Sprite map[string][]float64 `json:"sprite"`
}

// LoadTable reads a timing file of the form {"sprite": {"part0": [0, 1500]}}.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTable(data)
}

func ParseTable(data []byte) (*Table, error) {
	var raw tableFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse timing table: %w", err)
	}
	if raw.Sprite == nil {
		return nil, errors.New("parse timing table: sprite field missing")
	}
	t := &Table{spans: make(map[int]span, len(raw.Sprite))}
	for key, pair := range raw.Sprite {
		if !strings.HasPrefix(key, partPrefix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(key, partPrefix))
		if err != nil || index < 0 {
			return nil, fmt.Errorf("parse timing table: bad key %q", key)
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("parse timing table: %s needs [begin, end], got %d values", key, len(pair))
		}
		s := span{begin: int64(pair[0]), end: int64(pair[1])}
		if s.begin < 0 || s.end < s.begin {
			return nil, fmt.Errorf("parse timing table: %s has invalid range [%d, %d]", key, s.begin, s.end)
		}
		t.spans[index] = s
	}
	if err := t.checkOrder(); err != nil {
		return nil, fmt.Errorf("parse timing table: %w", err)
	}
	return t, nil
}

// checkOrder requires every entry to begin no earlier than the entry with the
// next lower index ends. Gaps in the index are left to Validate.
func (t *Table) checkOrder() error {
	indices := slices.Sorted(maps.Keys(t.spans))
	for k := 1; k < len(indices); k++ {
		prev, cur := t.spans[indices[k-1]], t.spans[indices[k]]
		if cur.begin < prev.end {
			return fmt.Errorf("%w: %s begins at %d before %s ends at %d",
				ErrOverlappingTiming, PartKey(indices[k]), cur.begin, PartKey(indices[k-1]), prev.end)
		}
	}
	return nil
}

// NewTable builds a table from explicit [begin, end] pairs in index order.
func NewTable(pairs ...[2]int64) *Table {
	t := &Table{spans: make(map[int]span, len(pairs))}
	for i, p := range pairs {
		t.spans[i] = span{begin: p[0], end: p[1]}
	}
	return t
}

func (t *Table) Len() int {
	return len(t.spans)
}

// Lookup returns the [begin, end] pair for index.
func (t *Table) Lookup(index int) (begin, end int64, err error) {
	s, ok := t.spans[index]
	if !ok {
		return 0, 0, &MissingEntryError{Index: index}
	}
	return s.begin, s.end, nil
}

// Validate fails on the first of the n leading indexes that has no entry.
func (t *Table) Validate(n int) error {
	for i := 0; i < n; i++ {
		if _, ok := t.spans[i]; !ok {
			return &MissingEntryError{Index: i}
		}
	}
	return t.checkOrder()
}

// AuthoritativeSource resolves timing by direct table lookup.
type AuthoritativeSource struct {
	table *Table
}

func NewAuthoritative(table *Table) *AuthoritativeSource {
	return &AuthoritativeSource{table: table}
}

func (a *AuthoritativeSource) Mode() Mode {
	return Authoritative
}

func (a *AuthoritativeSource) Table() *Table {
	return a.table
}

func (a *AuthoritativeSource) Resolve(index int, text string) (Entry, error) {
	begin, end, err := a.table.Lookup(index)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Index: index, Text: text, BeginMs: begin, EndMs: end}, nil
}
