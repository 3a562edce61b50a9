package protocol

import (
	"errors"
	"fmt"
	"slices"
)

// GuidListCapacity is the default maximum length of a GuidList.
const GuidListCapacity = 32

var ErrGuidListFull = errors.New("protocol: guid list capacity exceeded")

// GuidList is an ordered set of GUIDs used to deduplicate forwarded messages.
// The zero value is an empty list with GuidListCapacity.
type GuidList struct {
	guids    []GUID
	capacity int
}

// NewGuidList creates an empty list holding at most capacity GUIDs.
func NewGuidList(capacity int) *GuidList {
	return &GuidList{capacity: capacity}
}

// Capacity returns the maximum number of GUIDs.
func (l *GuidList) Capacity() int {
	if l.capacity <= 0 {
		return GuidListCapacity
	}
	return l.capacity
}

// Add appends g unless already present. It fails once the list is full.
func (l *GuidList) Add(g GUID) error {
	if l.Contains(g) {
		return nil
	}
	if len(l.guids) >= l.Capacity() {
		return fmt.Errorf("%w: %d", ErrGuidListFull, l.Capacity())
	}
	l.guids = append(l.guids, g)
	return nil
}

// Contains reports whether g was already added.
func (l *GuidList) Contains(g GUID) bool {
	return slices.Contains(l.guids, g)
}

func (l *GuidList) Len() int { return len(l.guids) }

// At returns the i-th GUID in insertion order.
func (l *GuidList) At(i int) GUID { return l.guids[i] }

// GUIDs returns a copy of the list.
func (l *GuidList) GUIDs() []GUID { return slices.Clone(l.guids) }

// Clone returns an independent copy with the same capacity.
func (l *GuidList) Clone() GuidList {
	return GuidList{guids: slices.Clone(l.guids), capacity: l.capacity}
}
