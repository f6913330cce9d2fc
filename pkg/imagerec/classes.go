package imagerec

import (
	"fmt"

	"github.com/pkg/errors"
)

// ClassIndexTable maps the class index of a model output to the class name.
// It is built once from the assignment of the training data loader and not changed afterwards.
type ClassIndexTable []string

// NewClassIndexTable builds the table from the class name to index assignment of a data loader.
// The indices must be exactly 0 to len(classIndices)-1.
func NewClassIndexTable(classIndices map[string]int) (ClassIndexTable, error) {
	table := make(ClassIndexTable, len(classIndices))
	assigned := make([]bool, len(classIndices))
	for name, idx := range classIndices {
		if idx < 0 || idx >= len(table) {
			return nil, errors.Errorf("class %q has index %d, out of range for %d classes", name, idx, len(table))
		}
		if assigned[idx] {
			return nil, errors.Errorf("class index %d assigned to both %q and %q", idx, table[idx], name)
		}
		table[idx] = name
		assigned[idx] = true
	}
	return table, nil
}

// Len returns the number of classes.
func (t ClassIndexTable) Len() int { return len(t) }

// Name returns the class name for the index. Indices out of range return a placeholder name.
func (t ClassIndexTable) Name(idx int) string {
	if idx < 0 || idx >= len(t) {
		return fmt.Sprintf("#%d", idx)
	}
	return t[idx]
}

// Index returns the index of the class name, or -1 if unknown.
func (t ClassIndexTable) Index(name string) int {
	for idx, n := range t {
		if n == name {
			return idx
		}
	}
	return -1
}
