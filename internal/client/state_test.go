package client

import (
	"testing"

	"github.com/codesync/codesync/internal/tree"
)

func snapshot() tree.Tree {
	return tree.Tree{
		"src": {Type: tree.KindFolder, Children: tree.Tree{
			"index.js": {Type: tree.KindFile, Content: "v1"},
			"util.js":  {Type: tree.KindFile, Content: "u1"},
		}},
	}
}

func TestApplyInitAutoSelectsFirstFile(t *testing.T) {
	s := NewState()
	s.ApplyInit(snapshot())

	active := s.Active()
	if active.Path != "src/index.js" {
		t.Fatalf("expected src/index.js selected, got %q", active.Path)
	}
	if active.Content != "v1" {
		t.Errorf("expected content v1, got %q", active.Content)
	}
}

func TestApplyInitEmptyTree(t *testing.T) {
	s := NewState()
	s.ApplyInit(tree.Tree{})
	if active := s.Active(); active.Path != "" {
		t.Errorf("expected empty selection, got %q", active.Path)
	}
}

func TestSnapshotRefreshesActiveFile(t *testing.T) {
	s := NewState()
	s.ApplyInit(snapshot())

	next, err := tree.SetContent(snapshot(), "src/index.js", "v2")
	if err != nil {
		t.Fatal(err)
	}
	s.ApplySnapshot(next)

	active := s.Active()
	if active.Path != "src/index.js" {
		t.Fatalf("selection should survive, got %q", active.Path)
	}
	if active.Content != "v2" {
		t.Errorf("remote edit should appear live, got %q", active.Content)
	}
}

func TestSnapshotClearsDeletedActiveFile(t *testing.T) {
	s := NewState()
	s.ApplyInit(snapshot())

	next, err := tree.Delete(snapshot(), "src/index.js")
	if err != nil {
		t.Fatal(err)
	}
	s.ApplySnapshot(next)

	if active := s.Active(); active.Path != "" || active.Content != "" {
		t.Errorf("deleted selection must transition to empty, got %+v", active)
	}
}

func TestSnapshotClearsActiveFileReplacedByFolder(t *testing.T) {
	s := NewState()
	s.ApplyInit(snapshot())

	// The path still resolves, but no longer to a file.
	next := tree.Tree{
		"src": {Type: tree.KindFolder, Children: tree.Tree{
			"index.js": {Type: tree.KindFolder, Children: tree.Tree{}},
		}},
	}
	s.ApplySnapshot(next)
	if active := s.Active(); active.Path != "" {
		t.Errorf("selection must clear when path stops being a file, got %q", active.Path)
	}
}

func TestSelect(t *testing.T) {
	s := NewState()
	s.ApplyInit(snapshot())

	if err := s.Select("src/util.js"); err != nil {
		t.Fatal(err)
	}
	if active := s.Active(); active.Path != "src/util.js" || active.Content != "u1" {
		t.Errorf("unexpected selection %+v", active)
	}

	if err := s.Select("src/nope.js"); err == nil {
		t.Error("selecting a missing file must fail")
	}
	if err := s.Select("src"); err == nil {
		t.Error("selecting a folder must fail")
	}
}

func TestOptimisticSetThenAuthoritativeOverwrite(t *testing.T) {
	s := NewState()
	s.ApplyInit(snapshot())

	s.OptimisticSet("src/index.js", "local-edit")
	if active := s.Active(); active.Content != "local-edit" {
		t.Fatalf("optimistic edit not visible, got %q", active.Content)
	}
	node, err := tree.Resolve(s.Replica(), "src/index.js")
	if err != nil {
		t.Fatal(err)
	}
	if node.Content != "local-edit" {
		t.Errorf("optimistic edit missing from replica: %q", node.Content)
	}

	// The broadcast wins even when it disagrees with the local edit.
	next, err := tree.SetContent(snapshot(), "src/index.js", "remote-wins")
	if err != nil {
		t.Fatal(err)
	}
	s.ApplySnapshot(next)
	if active := s.Active(); active.Content != "remote-wins" {
		t.Errorf("authoritative snapshot must overwrite, got %q", active.Content)
	}
}

func TestOptimisticSetOnStaleReplicaIsHarmless(t *testing.T) {
	s := NewState()
	s.ApplyInit(snapshot())

	s.OptimisticSet("src/gone.js", "x")
	if _, err := tree.Resolve(s.Replica(), "src/index.js"); err != nil {
		t.Errorf("replica corrupted by failed optimistic edit: %v", err)
	}
}
