// Package tree implements the path-addressed file/folder tree shared by a
// room. All operations are pure: they return a new tree that shares every
// unmodified subtree with the input, so a snapshot handed to a reader stays
// valid while the authoritative tree moves on.
package tree

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Node kinds.
const (
	KindFile   = "file"
	KindFolder = "folder"
)

// Node is a single entry in the tree: a file with content, or a folder with
// named children.
type Node struct {
	Type     string
	Content  string
	Children Tree
}

// Tree maps top-level names to nodes. The tree has no single named root; the
// root is the mapping itself.
type Tree map[string]*Node

type nodeWire struct {
	Type     string  `json:"type"`
	Content  *string `json:"content,omitempty"`
	Children *Tree   `json:"children,omitempty"`
}

// MarshalJSON emits the wire shape the web client expects: files always carry
// "content", folders always carry "children" (an empty object, never null).
func (n *Node) MarshalJSON() ([]byte, error) {
	w := nodeWire{Type: n.Type}
	if n.Type == KindFolder {
		children := n.Children
		if children == nil {
			children = Tree{}
		}
		w.Children = &children
	} else {
		content := n.Content
		w.Content = &content
	}
	return json.Marshal(w)
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var w nodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	n.Type = w.Type
	if w.Children != nil {
		n.Children = *w.Children
	} else {
		n.Children = nil
	}
	if w.Content != nil {
		n.Content = *w.Content
	} else {
		n.Content = ""
	}
	return nil
}

// Seed returns the initial tree for a freshly created room.
func Seed() Tree {
	return Tree{
		"src": {
			Type: KindFolder,
			Children: Tree{
				"index.js": {
					Type:    KindFile,
					Content: "// Welcome to CodeSync 🚀\nconsole.log('Test Running-');",
				},
			},
		},
	}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// ResolveFolder walks the path and returns the children mapping of the folder
// it names. The empty path resolves to the root mapping.
func ResolveFolder(t Tree, path string) (Tree, error) {
	cur := t
	for _, name := range splitPath(path) {
		node, ok := cur[name]
		if !ok {
			return nil, fmt.Errorf("%q: %w", path, ErrPathNotFound)
		}
		if node.Type != KindFolder {
			return nil, fmt.Errorf("%q: %w", path, ErrNotAFolder)
		}
		cur = node.Children
	}
	return cur, nil
}

// Resolve walks the path and returns the node it names.
func Resolve(t Tree, path string) (*Node, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, fmt.Errorf("%q: %w", path, ErrPathNotFound)
	}
	parent, err := ResolveFolder(t, strings.Join(segs[:len(segs)-1], "/"))
	if err != nil {
		return nil, err
	}
	node, ok := parent[segs[len(segs)-1]]
	if !ok {
		return nil, fmt.Errorf("%q: %w", path, ErrPathNotFound)
	}
	return node, nil
}

// SetContent returns a tree with the file at path replaced by one holding
// content. Nodes along the path are copied; siblings are shared.
func SetContent(t Tree, path string, content string) (Tree, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, fmt.Errorf("%q: %w", path, ErrFileNotFound)
	}
	return setContent(t, segs, path, content)
}

func setContent(t Tree, segs []string, path, content string) (Tree, error) {
	name := segs[0]
	node, ok := t[name]
	if len(segs) == 1 {
		if !ok || node.Type != KindFile {
			return nil, fmt.Errorf("%q: %w", path, ErrFileNotFound)
		}
		out := shallowCopy(t)
		out[name] = &Node{Type: KindFile, Content: content}
		return out, nil
	}
	if !ok {
		return nil, fmt.Errorf("%q: %w", path, ErrPathNotFound)
	}
	if node.Type != KindFolder {
		return nil, fmt.Errorf("%q: %w", path, ErrNotAFolder)
	}
	children, err := setContent(node.Children, segs[1:], path, content)
	if err != nil {
		return nil, err
	}
	out := shallowCopy(t)
	out[name] = &Node{Type: KindFolder, Children: children}
	return out, nil
}

// Create returns a tree with a new empty entry named name under parentPath.
// An existing entry with that name is a collision, not an overwrite.
func Create(t Tree, parentPath, name, kind string) (Tree, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	if kind != KindFile && kind != KindFolder {
		return nil, fmt.Errorf("node kind %q: %w", kind, ErrInvalidName)
	}
	return create(t, splitPath(parentPath), parentPath, name, kind)
}

func create(t Tree, segs []string, parentPath, name, kind string) (Tree, error) {
	if len(segs) == 0 {
		if _, exists := t[name]; exists {
			return nil, fmt.Errorf("%q: %w", name, ErrNameCollision)
		}
		out := shallowCopy(t)
		if kind == KindFolder {
			out[name] = &Node{Type: KindFolder, Children: Tree{}}
		} else {
			out[name] = &Node{Type: KindFile}
		}
		return out, nil
	}
	node, ok := t[segs[0]]
	if !ok {
		return nil, fmt.Errorf("%q: %w", parentPath, ErrPathNotFound)
	}
	if node.Type != KindFolder {
		return nil, fmt.Errorf("%q: %w", parentPath, ErrNotAFolder)
	}
	children, err := create(node.Children, segs[1:], parentPath, name, kind)
	if err != nil {
		return nil, err
	}
	out := shallowCopy(t)
	out[segs[0]] = &Node{Type: KindFolder, Children: children}
	return out, nil
}

// Delete returns a tree without the entry at path. Deleting a folder drops
// its whole subtree.
func Delete(t Tree, path string) (Tree, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, fmt.Errorf("%q: %w", path, ErrPathNotFound)
	}
	return deleteAt(t, segs, path)
}

func deleteAt(t Tree, segs []string, path string) (Tree, error) {
	name := segs[0]
	node, ok := t[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", path, ErrPathNotFound)
	}
	if len(segs) == 1 {
		out := shallowCopy(t)
		delete(out, name)
		return out, nil
	}
	if node.Type != KindFolder {
		return nil, fmt.Errorf("%q: %w", path, ErrNotAFolder)
	}
	children, err := deleteAt(node.Children, segs[1:], path)
	if err != nil {
		return nil, err
	}
	out := shallowCopy(t)
	out[name] = &Node{Type: KindFolder, Children: children}
	return out, nil
}

// Clone returns a deep copy sharing nothing with the input. Used when a
// snapshot crosses an ownership boundary (registry to client replica).
func Clone(t Tree) Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for name, node := range t {
		out[name] = &Node{
			Type:     node.Type,
			Content:  node.Content,
			Children: Clone(node.Children),
		}
	}
	return out
}

// Count returns the number of nodes in the tree.
func Count(t Tree) int {
	n := 0
	for _, node := range t {
		n++
		if node.Type == KindFolder {
			n += Count(node.Children)
		}
	}
	return n
}

// Validate checks that every node has a known kind and every name is a legal
// path segment. Client-supplied replacement trees go through this before they
// become authoritative.
func Validate(t Tree) error {
	for name, node := range t {
		if name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("%q: %w", name, ErrInvalidName)
		}
		if node == nil {
			return fmt.Errorf("%q: %w", name, ErrInvalidName)
		}
		switch node.Type {
		case KindFile:
		case KindFolder:
			if err := Validate(node.Children); err != nil {
				return err
			}
		default:
			return fmt.Errorf("node kind %q: %w", node.Type, ErrInvalidName)
		}
	}
	return nil
}

func shallowCopy(t Tree) Tree {
	out := make(Tree, len(t))
	for name, node := range t {
		out[name] = node
	}
	return out
}
