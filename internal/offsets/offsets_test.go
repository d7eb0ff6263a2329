package offsets

import "testing"

func TestStore_LoadMissingReturnsNil(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	off, err := s.Load("hippo.encode", "episodic")
	if err != nil {
		t.Fatal(err)
	}
	if off != nil {
		t.Errorf("expected nil offset for missing group, got %+v", off)
	}
}

func TestStore_CommitThenLoad(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit("hippo.encode", "episodic", 42, 1); err != nil {
		t.Fatal(err)
	}
	off, err := s.Load("hippo.encode", "episodic")
	if err != nil {
		t.Fatal(err)
	}
	if off == nil {
		t.Fatal("expected offset to be present after commit")
	}
	if off.Committed != 42 || off.Segment != 1 {
		t.Errorf("got %+v, want Committed=42 Segment=1", off)
	}
}

func TestStore_CommitOverwritesPrevious(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.Commit("t", "g", 1, 0)
	s.Commit("t", "g", 2, 0)

	off, err := s.Load("t", "g")
	if err != nil {
		t.Fatal(err)
	}
	if off.Committed != 2 {
		t.Errorf("Committed = %d, want 2", off.Committed)
	}
}

func TestStore_IndependentGroups(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s.Commit("t", "group-a", 5, 0)
	s.Commit("t", "group-b", 9, 0)

	a, _ := s.Load("t", "group-a")
	b, _ := s.Load("t", "group-b")
	if a.Committed != 5 {
		t.Errorf("group-a Committed = %d, want 5", a.Committed)
	}
	if b.Committed != 9 {
		t.Errorf("group-b Committed = %d, want 9", b.Committed)
	}
}
