// Package intern implements the symbol and exchange id interning tables
// referenced throughout the frame types. Tables are built once at startup
// from the engine config and are read-only for the rest of the process
// lifetime (spec.md §3 invariants, §9 "global state").
package intern

import "fmt"

// Table maps strings to stable, dense 16-bit ids and back. Not safe for
// concurrent writes — callers must finish Register calls before any
// worker goroutine starts reading.
type Table struct {
	byName map[string]uint16
	byID   []string
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{byName: make(map[string]uint16)}
}

// Register interns name, assigning it the next dense id if unseen.
// Returns the same id on repeated registration of the same name.
func (t *Table) Register(name string) uint16 {
	if id, ok := t.byName[name]; ok {
		return id
	}
	id := uint16(len(t.byID))
	t.byName[name] = id
	t.byID = append(t.byID, name)
	return id
}

// ID returns the id for name and whether it was found.
func (t *Table) ID(name string) (uint16, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// MustID returns the id for name or panics. Used only during startup wiring
// where an unregistered symbol/exchange is a configuration error.
func (t *Table) MustID(name string) uint16 {
	id, ok := t.byName[name]
	if !ok {
		panic(fmt.Sprintf("intern: %q was never registered", name))
	}
	return id
}

// Name returns the interned string for id, or "" if out of range.
func (t *Table) Name(id uint16) string {
	if int(id) >= len(t.byID) {
		return ""
	}
	return t.byID[id]
}

// Len returns the number of interned entries.
func (t *Table) Len() int { return len(t.byID) }
