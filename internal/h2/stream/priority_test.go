package stream

import "testing"

func TestSetPriorityRejectsSelfDependency(t *testing.T) {
	pt := NewPriorityTree()
	if err := pt.SetPriority(3, Priority{StreamDependency: 3, Weight: 16}); err == nil {
		t.Fatalf("expected error for self-dependency")
	}
}

func TestSetAndGetPriority(t *testing.T) {
	pt := NewPriorityTree()
	if err := pt.SetPriority(3, Priority{StreamDependency: 1, Weight: 200}); err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	got, ok := pt.GetPriority(3)
	if !ok || got.StreamDependency != 1 || got.Weight != 200 {
		t.Fatalf("GetPriority = %+v, %v", got, ok)
	}
}

func TestChildrenReflectsDependency(t *testing.T) {
	pt := NewPriorityTree()
	pt.SetPriority(3, Priority{StreamDependency: 1, Weight: 16})
	pt.SetPriority(5, Priority{StreamDependency: 1, Weight: 16})

	children := pt.Children(1)
	if len(children) != 2 {
		t.Fatalf("Children(1) = %v, want 2 entries", children)
	}
}

func TestRemoveStreamReparentsChildren(t *testing.T) {
	pt := NewPriorityTree()
	pt.SetPriority(1, Priority{StreamDependency: 0, Weight: 16})
	pt.SetPriority(3, Priority{StreamDependency: 1, Weight: 16})

	pt.RemoveStream(1)

	got, ok := pt.GetPriority(3)
	if !ok {
		t.Fatalf("expected stream 3 to remain")
	}
	if got.StreamDependency != 0 {
		t.Fatalf("expected stream 3 reparented to root, got dependency %d", got.StreamDependency)
	}
}
