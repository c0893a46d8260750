package fileop

import (
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/filetree"
	"github.com/fruitsalade/agavesync/internal/metrics"
	"github.com/fruitsalade/agavesync/internal/reply"
)

const (
	kindDownload = "download"
	kindUpload   = "upload"
)

// transfer is the state of a recursive download or upload.
type transfer struct {
	kind string
	// remoteHead is the folder being downloaded, or the folder the upload
	// is placed into.
	remoteHead filetree.Ref
	// localHead is the local folder created for a download, or the local
	// folder being uploaded.
	localHead string
	name      string
}

func (t *transfer) label() string {
	if t.kind == kindDownload {
		return "Folder download"
	}
	return "Folder upload"
}

// retry re-walks the transfer after every tree change. Changes raised while
// a walk is running trigger one more walk once it returns.
func (o *Operator) retry() {
	if o.retrying {
		o.retryAgain = true
		return
	}
	o.retrying = true
	defer func() { o.retrying = false }()

	for {
		o.retryAgain = false
		switch o.state {
		case RecDownload:
			o.downloadStep()
		case RecUpload:
			o.uploadStep()
		default:
			return
		}
		if !o.retryAgain {
			return
		}
	}
}

// finishTransfer ends the recursive transfer with state and msg. A transfer
// with a sub-request in flight goes to ACTIVE until that reply arrives.
func (o *Operator) finishTransfer(state reply.State, msg string) {
	t := o.rec
	o.rec = nil
	if o.state == RecUploadActive {
		o.state = Active
	} else {
		o.state = Idle
	}

	path, kind := "", "unknown"
	if t != nil {
		path, kind = t.remoteHead.Path, t.kind
	}
	metrics.RecordRecursiveTransfer(kind, state.String())
	o.done(path, state, msg)
}

// failTransfer aborts a running transfer when a listing or fetch inside
// its remote subtree fails.
func (o *Operator) failTransfer(p, what string, s reply.State) {
	if o.rec == nil || !(o.PerformingRecursiveDownload() || o.PerformingRecursiveUpload()) {
		return
	}
	if !filetree.Within(o.rec.remoteHead.Path, p) {
		return
	}
	o.log.Warn("recursive transfer aborted",
		zap.String("kind", o.rec.kind),
		zap.String("path", p),
		zap.String("state", s.String()))
	o.finishTransfer(s, stdErr(o.rec.label()+" failed to "+what, s))
}

// Abort stops a recursive transfer. Replies still in flight are ignored.
func (o *Operator) Abort() bool {
	var msg string
	switch {
	case o.PerformingRecursiveDownload():
		msg = "Folder download stopped by user."
	case o.PerformingRecursiveUpload():
		msg = "Folder upload stopped by user."
	default:
		return false
	}
	o.finishTransfer(reply.StoppedByUser, msg)
	return true
}
