// Package filetree caches the known part of the remote file system.
//
// Nodes live in an arena keyed by canonical path. Callers hold Refs, which
// pair a path with the stamp the node had when the ref was taken; a ref
// whose node has since been removed or replaced reads as non-extant. A Tree
// is owned by the reactor goroutine and is not safe for concurrent use.
package filetree

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/logging"
	"github.com/fruitsalade/agavesync/internal/metrics"
)

// Kind is the type of a node.
type Kind int

const (
	Invalid Kind = iota
	File
	Dir
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Dir:
		return "dir"
	}
	return "invalid"
}

// ListState tracks whether a folder's children are known.
type ListState int

const (
	NotLoaded ListState = iota
	ListingInFlight
	Loaded
)

func (s ListState) String() string {
	switch s {
	case NotLoaded:
		return "NOT_LOADED"
	case ListingInFlight:
		return "LISTING_IN_FLIGHT"
	case Loaded:
		return "LOADED"
	}
	return "UNKNOWN"
}

// Entry is one child reported by a listing.
type Entry struct {
	Name     string
	Kind     Kind
	Size     int64
	Modified time.Time
}

// Info is a snapshot of a node.
type Info struct {
	Path        string
	Name        string
	Kind        Kind
	Size        int64
	Modified    time.Time
	ListState   ListState
	HasBuffer   bool
	Fetching    bool
	Provisional bool
}

// Ref is a handle on a node. The zero Ref is nil.
type Ref struct {
	Path  string
	Stamp uint64
}

// IsNil reports whether r refers to nothing.
func (r Ref) IsNil() bool { return r.Stamp == 0 }

type node struct {
	path     string
	name     string
	kind     Kind
	size     int64
	modified time.Time

	listState ListState
	children  map[string]struct{}

	buffer      []byte
	hasBuffer   bool
	fetching    bool
	provisional bool

	stamp uint64
}

func (n *node) ref() Ref { return Ref{Path: n.path, Stamp: n.stamp} }

func (n *node) info() Info {
	return Info{
		Path:        n.path,
		Name:        n.name,
		Kind:        n.kind,
		Size:        n.size,
		Modified:    n.modified,
		ListState:   n.listState,
		HasBuffer:   n.hasBuffer,
		Fetching:    n.fetching,
		Provisional: n.provisional,
	}
}

// Tree is the arena of known remote nodes below a root folder.
type Tree struct {
	root      string
	nodes     map[string]*node
	nextStamp uint64
	log       *zap.Logger

	observers map[int]func(Change)
	nextObs   int
	queue     []Change
	notifying bool
}

// New creates a tree holding only the root folder, not yet listed.
func New(rootPath string) *Tree {
	t := &Tree{
		observers: make(map[int]func(Change)),
		log:       logging.Named("filetree"),
	}
	t.reset(rootPath)
	return t
}

// Reset discards every node and starts over at rootPath. Outstanding refs
// become stale.
func (t *Tree) Reset(rootPath string) Ref {
	old := t.Root()
	t.reset(rootPath)
	t.notify(Change{Type: Removed, Ref: old})
	return t.Root()
}

func (t *Tree) reset(rootPath string) {
	t.root = Clean(rootPath)
	t.nodes = make(map[string]*node)
	t.insert(t.root, Dir, false)
	t.updateGauge()
}

func (t *Tree) insert(p string, kind Kind, provisional bool) *node {
	t.nextStamp++
	n := &node{
		path:        p,
		name:        Base(p),
		kind:        kind,
		provisional: provisional,
		stamp:       t.nextStamp,
	}
	if kind == Dir {
		n.children = make(map[string]struct{})
	}
	t.nodes[p] = n
	if p != t.root {
		if parent := t.nodes[Parent(p)]; parent != nil && parent.children != nil {
			parent.children[n.name] = struct{}{}
		}
	}
	return n
}

// removeSubtree deletes p and everything below it.
func (t *Tree) removeSubtree(p string) {
	n := t.nodes[p]
	if n == nil {
		return
	}
	for name := range n.children {
		t.removeSubtree(Join(p, name))
	}
	delete(t.nodes, p)
	if p != t.root {
		if parent := t.nodes[Parent(p)]; parent != nil {
			delete(parent.children, n.name)
		}
	}
}

func (t *Tree) updateGauge() {
	metrics.SetTreeNodes(len(t.nodes))
}

// lookup returns the node behind r if it is still the same node.
func (t *Tree) lookup(r Ref) *node {
	if r.IsNil() {
		return nil
	}
	n := t.nodes[r.Path]
	if n == nil || n.stamp != r.Stamp {
		return nil
	}
	return n
}

// Root returns the root folder.
func (t *Tree) Root() Ref {
	return t.nodes[t.root].ref()
}

// RootPath returns the path of the root folder.
func (t *Tree) RootPath() string { return t.root }

// Len returns the number of known nodes.
func (t *Tree) Len() int { return len(t.nodes) }

// Resolve returns the node at path, or a nil Ref.
func (t *Tree) Resolve(p string) Ref {
	if n := t.nodes[Clean(p)]; n != nil {
		return n.ref()
	}
	return Ref{}
}

// ClosestKnownAncestor returns the deepest known node on the way to p,
// which may be p itself. Paths outside the root return a nil Ref.
func (t *Tree) ClosestKnownAncestor(p string) Ref {
	p = Clean(p)
	if !Within(t.root, p) {
		return Ref{}
	}
	for {
		if n := t.nodes[p]; n != nil {
			return n.ref()
		}
		if p == t.root || p == "/" {
			return t.Root()
		}
		p = Parent(p)
	}
}

// Extant reports whether r still names a live node.
func (t *Tree) Extant(r Ref) bool { return t.lookup(r) != nil }

// Info returns a snapshot of the node behind r.
func (t *Tree) Info(r Ref) (Info, bool) {
	n := t.lookup(r)
	if n == nil {
		return Info{}, false
	}
	return n.info(), true
}

// Kind returns the kind of r, or Invalid for a stale ref.
func (t *Tree) Kind(r Ref) Kind {
	if n := t.lookup(r); n != nil {
		return n.kind
	}
	return Invalid
}

// ListState returns the listing state of r.
func (t *Tree) ListState(r Ref) ListState {
	if n := t.lookup(r); n != nil {
		return n.listState
	}
	return NotLoaded
}

// Child returns the child of r named name.
func (t *Tree) Child(r Ref, name string) Ref {
	n := t.lookup(r)
	if n == nil {
		return Ref{}
	}
	if _, ok := n.children[name]; !ok {
		return Ref{}
	}
	return t.nodes[Join(n.path, name)].ref()
}

// Children returns the children of r sorted by name.
func (t *Tree) Children(r Ref) []Ref {
	n := t.lookup(r)
	if n == nil {
		return nil
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	refs := make([]Ref, 0, len(names))
	for _, name := range names {
		refs = append(refs, t.nodes[Join(n.path, name)].ref())
	}
	return refs
}

// Parent returns the parent of r. The root has no parent.
func (t *Tree) Parent(r Ref) Ref {
	n := t.lookup(r)
	if n == nil || n.path == t.root {
		return Ref{}
	}
	if p := t.nodes[Parent(n.path)]; p != nil {
		return p.ref()
	}
	return Ref{}
}

// IsRoot reports whether r is the live root node.
func (t *Tree) IsRoot(r Ref) bool {
	n := t.lookup(r)
	return n != nil && n.path == t.root
}

// IsAncestorOf reports whether ancestor lies strictly above child. Stale
// refs are never related.
func (t *Tree) IsAncestorOf(ancestor, child Ref) bool {
	a, c := t.lookup(ancestor), t.lookup(child)
	if a == nil || c == nil || a == c {
		return false
	}
	return Within(a.path, c.path)
}

// BeginListing marks r as being listed. It returns false if r is stale,
// not a folder, or already has a listing in flight.
func (t *Tree) BeginListing(r Ref) bool {
	n := t.lookup(r)
	if n == nil || n.kind != Dir || n.listState == ListingInFlight {
		return false
	}
	n.listState = ListingInFlight
	return true
}

// ApplyListing replaces the children of the folder at p with entries.
// Children that are no longer listed are removed with their subtrees,
// matching children are updated in place and keep their refs, and a child
// whose kind changed is replaced. It returns false if p is not a known
// folder.
func (t *Tree) ApplyListing(p string, entries []Entry) bool {
	p = Clean(p)
	n := t.nodes[p]
	if n == nil || n.kind != Dir {
		t.log.Debug("listing for unknown folder dropped", zap.String("path", p))
		return false
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.Name == "." || e.Name == ".." || e.Kind == Invalid {
			continue
		}
		seen[e.Name] = struct{}{}
		cp := Join(p, e.Name)

		child := t.nodes[cp]
		if child != nil && child.kind != e.Kind {
			t.removeSubtree(cp)
			child = nil
		}
		if child == nil {
			child = t.insert(cp, e.Kind, false)
		}
		// A file changed remotely invalidates its cached contents.
		if child.hasBuffer && !child.modified.IsZero() && !child.modified.Equal(e.Modified) {
			child.buffer, child.hasBuffer = nil, false
		}
		child.provisional = false
		child.size = e.Size
		child.modified = e.Modified
	}
	for name := range n.children {
		if _, ok := seen[name]; !ok {
			t.removeSubtree(Join(p, name))
		}
	}

	n.listState = Loaded
	n.provisional = false
	t.updateGauge()
	metrics.RecordListingApplied()
	t.log.Debug("listing applied", zap.String("path", p), zap.Int("children", len(n.children)))
	t.notify(Change{Type: Listed, Ref: n.ref()})
	return true
}

// ListingFailed returns the folder at p to NOT_LOADED.
func (t *Tree) ListingFailed(p string) {
	n := t.nodes[Clean(p)]
	if n == nil {
		return
	}
	if n.listState == ListingInFlight {
		n.listState = NotLoaded
	}
	t.notify(Change{Type: ListFailed, Ref: n.ref()})
}

// ClearContents forgets the children of a folder so the next listing
// starts from scratch.
func (t *Tree) ClearContents(r Ref) {
	n := t.lookup(r)
	if n == nil || n.kind != Dir {
		return
	}
	for name := range n.children {
		t.removeSubtree(Join(n.path, name))
	}
	if n.listState == Loaded {
		n.listState = NotLoaded
	}
	t.updateGauge()
	t.notify(Change{Type: Listed, Ref: n.ref()})
}

// BeginFetch marks a file's buffer as being fetched. It returns false if
// r is stale, not a file, or a fetch is already in flight.
func (t *Tree) BeginFetch(r Ref) bool {
	n := t.lookup(r)
	if n == nil || n.kind != File || n.fetching {
		return false
	}
	n.fetching = true
	return true
}

// SetBuffer stores the contents of the file at p.
func (t *Tree) SetBuffer(p string, data []byte) bool {
	n := t.nodes[Clean(p)]
	if n == nil || n.kind != File {
		return false
	}
	n.fetching = false
	n.buffer = data
	n.hasBuffer = true
	n.size = int64(len(data))
	t.notify(Change{Type: BufferSet, Ref: n.ref()})
	return true
}

// FetchFailed clears the fetch flag of the file at p.
func (t *Tree) FetchFailed(p string) {
	n := t.nodes[Clean(p)]
	if n == nil {
		return
	}
	n.fetching = false
	t.notify(Change{Type: BufferFailed, Ref: n.ref()})
}

// DropBuffer forgets the cached contents of r.
func (t *Tree) DropBuffer(r Ref) {
	if n := t.lookup(r); n != nil {
		n.buffer, n.hasBuffer = nil, false
	}
}

// Buffer returns the cached contents of r.
func (t *Tree) Buffer(r Ref) ([]byte, bool) {
	n := t.lookup(r)
	if n == nil || !n.hasBuffer {
		return nil, false
	}
	return n.buffer, true
}

// AddProvisional inserts a guessed child of parent. An existing child is
// returned unchanged. Provisional nodes become real once a listing of
// their parent confirms them, or vanish when it does not.
func (t *Tree) AddProvisional(parent Ref, name string, kind Kind) Ref {
	n := t.lookup(parent)
	if n == nil || n.kind != Dir || name == "" || kind == Invalid {
		return Ref{}
	}
	cp := Join(n.path, name)
	if child := t.nodes[cp]; child != nil {
		return child.ref()
	}
	child := t.insert(cp, kind, true)
	t.updateGauge()
	t.notify(Change{Type: Added, Ref: child.ref()})
	return child.ref()
}
