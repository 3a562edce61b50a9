// Package conntable holds the open connections of one role in a dense,
// index-addressed table.
//
// Remove compacts the table, so an index held across a removal may point at a
// different connection afterwards. Every entry also gets a ConnID that is never
// reused; holders that outlive a single loop iteration keep the ConnID and
// re-resolve the index with IndexOf.
package conntable

import (
	"errors"
	"fmt"
	"net"
)

// DefaultCapacity mirrors the usual FD_SETSIZE limit of a select() set.
const DefaultCapacity = 1024

var (
	ErrIndexOutOfRange = errors.New("conntable: index out of range")
	ErrTableFull       = errors.New("conntable: capacity exceeded")
)

// ConnID is a stable identifier for one table entry. Zero is never assigned.
type ConnID uint64

// Entry is one open connection.
type Entry struct {
	ID   ConnID
	Conn net.Conn
}

// Table is not safe for concurrent use; the owning role serializes access.
type Table struct {
	entries  []Entry
	capacity int
	nextID   ConnID
}

// New creates an empty table. A non-positive capacity selects DefaultCapacity.
func New(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{capacity: capacity}
}

// Add appends conn and returns its index (always the new last index) and ID.
func (t *Table) Add(conn net.Conn) (int, ConnID, error) {
	if len(t.entries) >= t.capacity {
		return 0, 0, fmt.Errorf("%w: %d", ErrTableFull, t.capacity)
	}
	t.nextID++
	t.entries = append(t.entries, Entry{ID: t.nextID, Conn: conn})
	return len(t.entries) - 1, t.nextID, nil
}

// Get returns the connection at index.
func (t *Table) Get(index int) (net.Conn, error) {
	if index < 0 || index >= len(t.entries) {
		return nil, fmt.Errorf("%w: %d (size %d)", ErrIndexOutOfRange, index, len(t.entries))
	}
	return t.entries[index].Conn, nil
}

// ID returns the ConnID of the entry at index.
func (t *Table) ID(index int) (ConnID, error) {
	if index < 0 || index >= len(t.entries) {
		return 0, fmt.Errorf("%w: %d (size %d)", ErrIndexOutOfRange, index, len(t.entries))
	}
	return t.entries[index].ID, nil
}

// IndexOf returns the current index of id.
func (t *Table) IndexOf(id ConnID) (int, bool) {
	for i, e := range t.entries {
		if e.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Lookup returns the connection registered under id.
func (t *Table) Lookup(id ConnID) (net.Conn, bool) {
	i, ok := t.IndexOf(id)
	if !ok {
		return nil, false
	}
	return t.entries[i].Conn, true
}

// Remove closes the connection at index and shifts every later entry down by
// one. The close error, if any, is returned after the entry is gone.
func (t *Table) Remove(index int) error {
	if index < 0 || index >= len(t.entries) {
		return fmt.Errorf("%w: %d (size %d)", ErrIndexOutOfRange, index, len(t.entries))
	}
	conn := t.entries[index].Conn

	copy(t.entries[index:], t.entries[index+1:])
	t.entries[len(t.entries)-1] = Entry{}
	t.entries = t.entries[:len(t.entries)-1]

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Size returns the number of open entries.
func (t *Table) Size() int {
	return len(t.entries)
}

// Capacity returns the maximum number of entries.
func (t *Table) Capacity() int {
	return t.capacity
}

// Snapshot returns a copy of the current entries in index order.
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// CloseAll closes and removes every entry.
func (t *Table) CloseAll() error {
	var errs []error
	for _, e := range t.entries {
		if e.Conn == nil {
			continue
		}
		if err := e.Conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	clear(t.entries)
	t.entries = t.entries[:0]
	return errors.Join(errs...)
}
