package fileop

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/filetree"
	"github.com/fruitsalade/agavesync/internal/reply"
)

// errPending means the walk stopped to wait for a request it issued.
var errPending = errors.New("waiting for remote")

func baseName(local string) string {
	name := filepath.Base(filepath.Clean(local))
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// RecursiveUpload copies the local folder localFolder into the remote
// folder dest. It returns false without doing anything if another
// operation is running or dest is stale; a rejected precondition is
// reported through the usual completion.
func (o *Operator) RecursiveUpload(dest filetree.Ref, localFolder string) bool {
	if o.state != Idle || !o.tree.Extant(dest) {
		return false
	}

	if ok, _ := afero.DirExists(o.fs, localFolder); !ok {
		o.done(dest.Path, reply.InvalidParam, "ERROR: The folder to upload does not exist.")
		return true
	}
	if _, err := afero.ReadDir(o.fs, localFolder); err != nil {
		o.log.Warn("cannot read upload folder", zap.String("path", localFolder), zap.Error(err))
		o.done(dest.Path, reply.LocalFileError, "ERROR: Unable to read from local folder to upload, please check that you have permissions to read the specified folder.")
		return true
	}
	name := baseName(localFolder)
	if name == "" {
		o.done(dest.Path, reply.InvalidParam, "ERROR: Cannot upload unnamed or root folders.")
		return true
	}
	if o.tree.Kind(dest) != filetree.Dir {
		o.done(dest.Path, reply.InvalidParam, "ERROR: The destination for an upload must be a folder.")
		return true
	}
	if o.tree.ListState(dest) != filetree.Loaded {
		o.done(dest.Path, reply.InvalidParam, "ERROR: The destination for an upload must be fully loaded.")
		return true
	}
	if !o.tree.Child(dest, name).IsNil() {
		o.done(dest.Path, reply.InvalidParam, "ERROR: The destination for the upload is already occupied.")
		return true
	}

	o.rec = &transfer{kind: kindUpload, remoteHead: dest, localHead: filepath.Clean(localFolder), name: name}
	o.state = RecUpload
	o.started("recursive_upload", dest.Path)
	o.retry()
	return true
}

func (o *Operator) uploadStep() {
	t := o.rec
	if !o.tree.Extant(t.remoteHead) {
		o.finishTransfer(reply.Unclassified, uploadErrText(errLostFile))
		return
	}
	head := o.tree.Child(t.remoteHead, t.name)
	if head.IsNil() {
		o.sendRecursiveMkdir(t.remoteHead.Path, t.name)
		return
	}

	err := o.uploadWalk(head, t.localHead)
	switch {
	case err == nil:
		o.finishTransfer(reply.Good, "Folder uploaded.")
	case errors.Is(err, errPending):
	default:
		o.log.Warn("recursive upload failed", zap.String("path", head.Path), zap.Error(err))
		o.finishTransfer(reply.Unclassified, uploadErrText(err))
	}
}

// uploadWalk compares the local folder with its remote counterpart and
// issues at most one request for the first difference found.
func (o *Operator) uploadWalk(remote filetree.Ref, local string) error {
	if o.tree.Kind(remote) != filetree.Dir {
		return errTypeMismatch
	}
	if o.tree.ListState(remote) != filetree.Loaded {
		o.RefreshFolder(remote, false)
		return errPending
	}

	entries, err := afero.ReadDir(o.fs, local)
	if err != nil {
		return errWrite
	}
	for _, e := range entries {
		if e.Mode()&os.ModeSymlink != 0 {
			continue
		}
		child := o.tree.Child(remote, e.Name())
		switch {
		case e.IsDir():
			if child.IsNil() {
				o.sendRecursiveMkdir(remote.Path, e.Name())
				return errPending
			}
			if err := o.uploadWalk(child, filepath.Join(local, e.Name())); err != nil {
				return err
			}
		case e.Mode().IsRegular():
			if child.IsNil() {
				o.sendRecursiveUpload(remote.Path, filepath.Join(local, e.Name()))
				return errPending
			}
			if o.tree.Kind(child) != filetree.File {
				return errTypeMismatch
			}
		}
	}
	return nil
}

func (o *Operator) sendRecursiveMkdir(location, name string) {
	if o.state != RecUpload {
		return
	}
	o.log.Debug("recursive mkdir", zap.String("location", location), zap.String("name", name))
	o.state = RecUploadActive
	o.remote.MkRemoteDir(location, name).OnComplete(func(out reply.Outcome) {
		if !o.subReplyActive() {
			return
		}
		if !out.OK() {
			o.finishTransfer(out.State, stdErr("Folder upload failed to create new remote folder", out.State))
			return
		}
		o.LsClosestNode(location, false)
	})
}

func (o *Operator) sendRecursiveUpload(location, localFile string) {
	if o.state != RecUpload {
		return
	}
	o.log.Debug("recursive upload", zap.String("location", location), zap.String("file", localFile))
	o.state = RecUploadActive
	o.remote.UploadFile(location, localFile).OnComplete(func(out reply.Outcome) {
		if !o.subReplyActive() {
			return
		}
		if !out.OK() {
			o.finishTransfer(out.State, stdErr("Folder upload failed to upload file", out.State))
			return
		}
		o.LsClosestNodeToParent(resultPath(out, filetree.Join(location, baseName(localFile))), false)
	})
}

// subReplyActive moves a transfer waiting on a sub-request back to
// REC_UPLOAD. A reply arriving after the transfer ended releases the
// operator and is otherwise ignored.
func (o *Operator) subReplyActive() bool {
	if o.state != RecUploadActive {
		if o.state == Active && o.rec == nil {
			o.state = Idle
		}
		return false
	}
	o.state = RecUpload
	return true
}

func uploadErrText(err error) string {
	if errors.Is(err, errTypeMismatch) {
		return "Internal error. File type mismatch. Remote files may be being accessed outside of this program."
	}
	if errors.Is(err, errLostFile) {
		return "Internal error. Upload destination no longer exists. Remote files may be being accessed outside of this program."
	}
	return "File upload operation failed during recursive upload. Check your network connection and try again."
}
