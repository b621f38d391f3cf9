package stream

import (
	"fmt"
	"sync"

	"golang.org/x/net/http2"
)

// PriorityTree tracks the dependency/weight relationships PRIORITY frames
// and HEADERS priority fields describe. Nothing in this package reads it
// to reorder scheduling — the bytes are accepted and otherwise unused —
// it exists so a future scheduler has somewhere to look.
type PriorityTree struct {
	mu           sync.RWMutex
	priorities   map[uint32]*Priority
	dependencies map[uint32][]uint32
}

// NewPriorityTree creates an empty tree.
func NewPriorityTree() *PriorityTree {
	return &PriorityTree{
		priorities:   make(map[uint32]*Priority),
		dependencies: make(map[uint32][]uint32),
	}
}

// SetPriority assigns or updates dependency/weight info for streamID.
// Callers must reject streamID == priority.StreamDependency before calling
// this (PROTOCOL_ERROR per RFC 7540 Section 5.3.1); SetPriority does not
// silently correct a self-dependency.
func (pt *PriorityTree) SetPriority(streamID uint32, priority Priority) error {
	if priority.StreamDependency == streamID {
		return fmt.Errorf("stream %d: cannot depend on itself", streamID)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	if oldPriority, ok := pt.priorities[streamID]; ok {
		pt.removeDependency(streamID, oldPriority.StreamDependency)
	}

	if priority.Exclusive && priority.StreamDependency != 0 {
		if children, ok := pt.dependencies[priority.StreamDependency]; ok {
			for _, childID := range children {
				if childPriority, exists := pt.priorities[childID]; exists {
					childPriority.StreamDependency = streamID
				}
			}
			pt.dependencies[streamID] = children
			pt.dependencies[priority.StreamDependency] = []uint32{streamID}
		}
	}

	p := priority
	pt.priorities[streamID] = &p

	if priority.StreamDependency != 0 {
		pt.dependencies[priority.StreamDependency] = append(
			pt.dependencies[priority.StreamDependency],
			streamID,
		)
	}
	return nil
}

// GetPriority retrieves dependency/weight info for streamID.
func (pt *PriorityTree) GetPriority(streamID uint32) (Priority, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p, ok := pt.priorities[streamID]
	if !ok {
		return Priority{}, false
	}
	return *p, true
}

// RemoveStream drops streamID from the tree and reparents its children
// onto its own former parent, keeping the tree connected.
func (pt *PriorityTree) RemoveStream(streamID uint32) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	priority, ok := pt.priorities[streamID]
	if !ok {
		return
	}
	pt.removeDependency(streamID, priority.StreamDependency)

	if children, ok := pt.dependencies[streamID]; ok {
		for _, childID := range children {
			if childPriority, exists := pt.priorities[childID]; exists {
				childPriority.StreamDependency = priority.StreamDependency
				if priority.StreamDependency != 0 {
					pt.dependencies[priority.StreamDependency] = append(
						pt.dependencies[priority.StreamDependency],
						childID,
					)
				}
			}
		}
	}

	delete(pt.priorities, streamID)
	delete(pt.dependencies, streamID)
}

func (pt *PriorityTree) removeDependency(streamID, parentID uint32) {
	if children, ok := pt.dependencies[parentID]; ok {
		for i, childID := range children {
			if childID == streamID {
				pt.dependencies[parentID] = append(children[:i], children[i+1:]...)
				break
			}
		}
	}
}

// Children returns the streams currently depending on streamID.
func (pt *PriorityTree) Children(streamID uint32) []uint32 {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	children := pt.dependencies[streamID]
	if len(children) == 0 {
		return nil
	}
	out := make([]uint32, len(children))
	copy(out, children)
	return out
}

// UpdateFromFrame applies a standalone PRIORITY frame's fields.
func UpdateFromFrame(pt *PriorityTree, streamID, dependency uint32, weight uint8, exclusive bool) error {
	return pt.SetPriority(streamID, Priority{StreamDependency: dependency, Weight: weight, Exclusive: exclusive})
}

// ParsePriorityFromHeaders extracts the optional priority field carried on
// a HEADERS frame.
func ParsePriorityFromHeaders(f *http2.HeadersFrame) (p Priority, hasPriority bool) {
	if !f.HasPriority() {
		return Priority{Weight: DefaultWeight}, false
	}
	pr := f.Priority
	return Priority{StreamDependency: pr.StreamDep, Weight: pr.Weight, Exclusive: pr.Exclusive}, true
}
