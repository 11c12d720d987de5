// Package client implements the client side of the event channel: a local
// replica of the room tree, reconciliation of authoritative snapshots, and
// local sandboxed execution of the selected file.
package client

import (
	"sort"
	"sync"

	"github.com/codesync/codesync/internal/tree"
)

// ActiveFile is the client's current selection. An empty Path means nothing
// is selected, a valid state.
type ActiveFile struct {
	Path    string
	Content string
}

// State holds the local replica and selection. Reconciliation never merges:
// each authoritative snapshot replaces the replica wholesale, and the
// selection is re-resolved against it.
type State struct {
	mu      sync.Mutex
	replica tree.Tree
	active  ActiveFile
}

// NewState returns an empty client state.
func NewState() *State {
	return &State{}
}

// Replica returns the current replica. Callers must treat it as read-only;
// it is replaced, never mutated, so a returned tree stays consistent.
func (s *State) Replica() tree.Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica
}

// Active returns the current selection.
func (s *State) Active() ActiveFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ApplyInit installs the first snapshot and auto-selects the first file of
// the first top-level folder, the way the editor does on join.
func (s *State) ApplyInit(t tree.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replica = t
	s.active = firstFile(t)
}

// ApplySnapshot replaces the replica with an authoritative snapshot. A
// selection whose path still resolves to a file is refreshed from the new
// tree; one that no longer resolves is cleared rather than left stale.
func (s *State) ApplySnapshot(t tree.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replica = t
	if s.active.Path == "" {
		return
	}
	node, err := tree.Resolve(t, s.active.Path)
	if err != nil || node.Type != tree.KindFile {
		s.active = ActiveFile{}
		return
	}
	s.active.Content = node.Content
}

// Select makes the file at path the active file.
func (s *State) Select(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, err := tree.Resolve(s.replica, path)
	if err != nil {
		return err
	}
	if node.Type != tree.KindFile {
		return tree.ErrFileNotFound
	}
	s.active = ActiveFile{Path: path, Content: node.Content}
	return nil
}

// OptimisticSet applies an edit to the local replica ahead of the round
// trip. The next authoritative snapshot overwrites it unconditionally.
func (s *State) OptimisticSet(path, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := tree.SetContent(s.replica, path, content)
	if err != nil {
		// Replica is behind; the broadcast will correct it.
		return
	}
	s.replica = next
	if s.active.Path == path {
		s.active.Content = content
	}
}

// firstFile picks the first file of the first top-level folder, in sorted
// name order for determinism.
func firstFile(t tree.Tree) ActiveFile {
	for _, rootName := range sortedNames(t) {
		root := t[rootName]
		if root.Type != tree.KindFolder {
			continue
		}
		for _, childName := range sortedNames(root.Children) {
			child := root.Children[childName]
			if child.Type == tree.KindFile {
				return ActiveFile{Path: rootName + "/" + childName, Content: child.Content}
			}
		}
	}
	return ActiveFile{}
}

func sortedNames(t tree.Tree) []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
