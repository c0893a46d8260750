// Package fileop runs user-level file operations against the remote
// storage and keeps the file tree in step with them.
//
// An Operator runs at most one user operation at a time. Listings and
// buffer fetches are not gated and may overlap with it. All methods must be
// called on the reactor goroutine.
package fileop

import (
	"slices"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/agave"
	"github.com/fruitsalade/agavesync/internal/events"
	"github.com/fruitsalade/agavesync/internal/filetree"
	"github.com/fruitsalade/agavesync/internal/logging"
	"github.com/fruitsalade/agavesync/internal/metrics"
	"github.com/fruitsalade/agavesync/internal/reply"
)

// State is the operator's activity.
type State int

const (
	Idle State = iota
	Active
	RecDownload
	RecUpload
	RecUploadActive
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Active:
		return "ACTIVE"
	case RecDownload:
		return "REC_DOWNLOAD"
	case RecUpload:
		return "REC_UPLOAD"
	case RecUploadActive:
		return "REC_UPLOAD_ACTIVE"
	}
	return "UNKNOWN"
}

// Remote is the part of the dispatcher the operator uses.
type Remote interface {
	RemoteLS(dirPath string) *reply.Reply
	DeleteFile(toDelete string) *reply.Reply
	MoveFile(from, to string) *reply.Reply
	CopyFile(from, to string) *reply.Reply
	RenameFile(fullName, newName string) *reply.Reply
	MkRemoteDir(location, newName string) *reply.Reply
	UploadFile(location, localFile string) *reply.Reply
	UploadBuffer(location string, data []byte, fileName string) *reply.Reply
	DownloadFile(localDest, remoteName string) *reply.Reply
	DownloadBuffer(remoteName string) *reply.Reply
	RunRemoteJob(appID string, params map[string]string, workingDir, jobName, archivePath string) *reply.Reply
}

// Config holds the operator's collaborators.
type Config struct {
	Remote     Remote
	Fs         afero.Fs
	Events     *events.Broadcaster
	Logger     *zap.Logger
	RootFolder string
}

// Operator owns the file tree and the user operation in progress.
type Operator struct {
	remote Remote
	tree   *filetree.Tree
	fs     afero.Fs
	events *events.Broadcaster
	log    *zap.Logger

	state     State
	listeners []func(reply.State, string)

	rec        *transfer
	retrying   bool
	retryAgain bool
}

// New creates an operator with a tree rooted at cfg.RootFolder. Nothing is
// listed until Reset or RefreshFolder is called.
func New(cfg Config) *Operator {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Named("fileop")
	}
	root := cfg.RootFolder
	if root == "" {
		root = "/"
	}
	o := &Operator{
		remote: cfg.Remote,
		tree:   filetree.New(root),
		fs:     cfg.Fs,
		events: cfg.Events,
		log:    cfg.Logger,
	}
	o.tree.Subscribe(o.onTreeChange)
	return o
}

// State returns the current activity.
func (o *Operator) State() State { return o.state }

// Busy reports whether a user operation is in progress.
func (o *Operator) Busy() bool { return o.state != Idle }

// PerformingRecursiveDownload reports whether a folder download runs.
func (o *Operator) PerformingRecursiveDownload() bool { return o.state == RecDownload }

// PerformingRecursiveUpload reports whether a folder upload runs.
func (o *Operator) PerformingRecursiveUpload() bool {
	return o.state == RecUpload || o.state == RecUploadActive
}

// OnOpDone registers fn for every finished user operation.
func (o *Operator) OnOpDone(fn func(reply.State, string)) {
	o.listeners = append(o.listeners, fn)
}

// Tree exposes the underlying tree for read access.
func (o *Operator) Tree() *filetree.Tree { return o.tree }

// Reset discards the tree, abandons any operation and lists the new root.
func (o *Operator) Reset(rootPath string) filetree.Ref {
	o.state = Idle
	o.rec = nil
	root := o.tree.Reset(rootPath)
	o.log.Debug("tree reset", zap.String("root", o.tree.RootPath()))
	o.RefreshFolder(root, false)
	return root
}

func (o *Operator) started(op, path string) {
	o.log.Debug("file operation started", zap.String("op", op), zap.String("path", path))
	o.events.Publish(events.Event{Type: events.EventOpStarted, Path: path, Message: op})
}

func (o *Operator) done(path string, state reply.State, msg string) {
	if state == reply.Good {
		o.log.Info(msg)
	} else {
		o.log.Warn("file operation failed", zap.String("state", state.String()), zap.String("message", msg))
	}
	o.events.Publish(events.Event{Type: events.EventOpDone, Path: path, State: state.String(), Message: msg})
	listeners := slices.Clone(o.listeners)
	for _, fn := range listeners {
		fn(state, msg)
	}
}

func stdErr(what string, s reply.State) string {
	return what + ": " + s.Message()
}

func (o *Operator) onTreeChange(c filetree.Change) {
	o.events.Publish(events.Event{Type: events.EventTreeChange, Path: c.Ref.Path, State: c.Type.String()})
	if o.PerformingRecursiveDownload() || o.state == RecUpload {
		o.retry()
	}
}

// RefreshFolder lists ref. With clear the known children are dropped
// first. A listing already in flight is not repeated.
func (o *Operator) RefreshFolder(ref filetree.Ref, clear bool) {
	if !o.tree.Extant(ref) {
		return
	}
	if clear {
		o.tree.ClearContents(ref)
	}
	if !o.tree.BeginListing(ref) {
		return
	}
	p := ref.Path
	o.log.Debug("folder needs refresh", zap.String("path", p))
	o.remote.RemoteLS(p).OnComplete(func(out reply.Outcome) {
		o.onListing(p, out)
	})
}

func (o *Operator) onListing(p string, out reply.Outcome) {
	if !out.OK() {
		o.log.Debug("listing failed", zap.String("path", p), zap.String("state", out.State.String()))
		o.failTransfer(p, "list remote folder", out.State)
		o.tree.ListingFailed(p)
		return
	}
	list, _ := out.Value.([]agave.FileEntry)
	o.tree.ApplyListing(p, toEntries(list))
}

// LsClosestNode refreshes the deepest known folder on the way to p.
func (o *Operator) LsClosestNode(p string, clear bool) {
	ref := o.tree.ClosestKnownAncestor(p)
	if ref.IsNil() {
		return
	}
	if o.tree.Kind(ref) != filetree.Dir {
		ref = o.tree.Parent(ref)
	}
	o.RefreshFolder(ref, clear)
}

// LsClosestNodeToParent refreshes the folder containing p if p is known,
// and otherwise the closest known ancestor.
func (o *Operator) LsClosestNodeToParent(p string, clear bool) {
	ref := o.tree.Resolve(p)
	if ref.IsNil() {
		o.LsClosestNode(p, false)
		return
	}
	if !o.tree.IsRoot(ref) {
		ref = o.tree.Parent(ref)
	}
	o.RefreshFolder(ref, clear)
}

// DownloadBuffer fetches the contents of a file into the tree. It is not
// gated by the operator state and a fetch already in flight is not
// repeated.
func (o *Operator) DownloadBuffer(ref filetree.Ref) bool {
	if !o.tree.BeginFetch(ref) {
		return false
	}
	p := ref.Path
	o.log.Debug("fetching file buffer", zap.String("path", p))
	o.remote.DownloadBuffer(p).OnComplete(func(out reply.Outcome) {
		if !out.OK() {
			o.failTransfer(p, "download file", out.State)
			o.tree.FetchFailed(p)
			return
		}
		o.tree.SetBuffer(p, out.Raw)
	})
	return true
}

// Root returns the root folder.
func (o *Operator) Root() filetree.Ref { return o.tree.Root() }

// Resolve returns the node at p.
func (o *Operator) Resolve(p string) filetree.Ref { return o.tree.Resolve(p) }

// ChildWithName returns the named child of ref.
func (o *Operator) ChildWithName(ref filetree.Ref, name string) filetree.Ref {
	return o.tree.Child(ref, name)
}

// FileBuffer returns the cached contents of ref.
func (o *Operator) FileBuffer(ref filetree.Ref) ([]byte, bool) { return o.tree.Buffer(ref) }

// SetFileBuffer stores data as the contents of ref.
func (o *Operator) SetFileBuffer(ref filetree.Ref, data []byte) bool {
	if !o.tree.Extant(ref) {
		return false
	}
	return o.tree.SetBuffer(ref.Path, data)
}

// IsAncestorOf reports whether parent lies above child.
func (o *Operator) IsAncestorOf(parent, child filetree.Ref) bool {
	return o.tree.IsAncestorOf(parent, child)
}

func toEntries(list []agave.FileEntry) []filetree.Entry {
	entries := make([]filetree.Entry, 0, len(list))
	for _, f := range list {
		var kind filetree.Kind
		switch f.Type {
		case agave.TypeDir:
			kind = filetree.Dir
		case agave.TypeFile:
			kind = filetree.File
		default:
			continue
		}
		entries = append(entries, filetree.Entry{
			Name:     f.Name,
			Kind:     kind,
			Size:     f.Size,
			Modified: f.Modified,
		})
	}
	return entries
}

func recordOp(op string, s reply.State) {
	metrics.RecordFileOp(op, s.String())
}
