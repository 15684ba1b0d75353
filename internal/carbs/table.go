package carbs

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"meal-mate/backend/internal/store"
)

//go:embed default_table.json
var defaultTable []byte

// ErrNotFound is returned when a label has no carbohydrate entry.
var ErrNotFound = errors.New("food not found in carb table")

// Entry is a single label and its grams of carbohydrate per portion.
type Entry struct {
	Label string  `json:"label"`
	Carbs float64 `json:"carbs"`
}

// Table maps food labels to grams of carbohydrate per standard portion.
// It is immutable once constructed and safe for concurrent readers.
type Table struct {
	entries map[string]float64
}

// NewTable validates and copies the supplied mapping.
func NewTable(entries map[string]float64) (*Table, error) {
	copied := make(map[string]float64, len(entries))
	for label, grams := range entries {
		key := strings.TrimSpace(label)
		if key == "" {
			return nil, errors.New("carb table: empty food label")
		}
		if math.IsNaN(grams) || math.IsInf(grams, 0) || grams < 0 {
			return nil, fmt.Errorf("carb table: invalid carbs %v for %q", grams, key)
		}
		if _, dup := copied[key]; dup {
			return nil, fmt.Errorf("carb table: duplicate label %q", key)
		}
		copied[key] = grams
	}
	return &Table{entries: copied}, nil
}

// Lookup returns the carbohydrate estimate for label.
func (t *Table) Lookup(label string) (float64, error) {
	if t == nil {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	grams, ok := t.entries[label]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, label)
	}
	return grams, nil
}

// Len reports the number of labels in the table.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// Entries returns the table contents sorted by label.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, 0, len(t.entries))
	for label, grams := range t.entries {
		out = append(out, Entry{Label: label, Carbs: grams})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Parse decodes a JSON object of label to grams.
func Parse(data []byte) (*Table, error) {
	var raw map[string]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal carb table: %w", err)
	}
	return NewTable(raw)
}

// LoadFile reads a JSON carb table from disk.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read carb table: %w", err)
	}
	return Parse(data)
}

// Default returns the table compiled into the binary.
func Default() *Table {
	table, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded carb table: %v", err))
	}
	return table
}

// FromStore hydrates a table from the food catalog.
func FromStore(db *store.Database) (*Table, error) {
	rows, err := db.ListFoodCarbs()
	if err != nil {
		return nil, fmt.Errorf("list food carbs: %w", err)
	}
	entries := make(map[string]float64, len(rows))
	for _, row := range rows {
		entries[row.Label] = row.Carbs
	}
	return NewTable(entries)
}

// ToRows converts table entries into catalog rows.
func ToRows(t *Table) []store.FoodCarb {
	entries := t.Entries()
	rows := make([]store.FoodCarb, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, store.FoodCarb{Label: e.Label, Carbs: e.Carbs})
	}
	return rows
}
