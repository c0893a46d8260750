package fileop

import (
	"errors"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/filetree"
	"github.com/fruitsalade/agavesync/internal/reply"
)

var (
	errLostFile     = errors.New("lost file")
	errTypeMismatch = errors.New("type mismatch")
	errWrite        = errors.New("write failed")
)

const msgLocalDestination = "ERROR: Unable to create local destination for download, please check that you have permissions to write to the specified folder."

// RecursiveDownload copies the remote folder ref into a new folder of the
// same name inside localParent. It returns false without doing anything if
// another operation is running or ref is stale; a rejected precondition is
// reported through the usual completion.
func (o *Operator) RecursiveDownload(ref filetree.Ref, localParent string) bool {
	if o.state != Idle || !o.tree.Extant(ref) {
		return false
	}
	info, _ := o.tree.Info(ref)

	if info.Kind != filetree.Dir {
		o.done(ref.Path, reply.InvalidParam, "ERROR: Only folders can be downloaded recursively.")
		return true
	}
	if ok, _ := afero.DirExists(o.fs, localParent); !ok {
		o.done(ref.Path, reply.LocalFileError, "ERROR: Download destination does not exist.")
		return true
	}
	local := filepath.Join(localParent, info.Name)
	if ok, _ := afero.Exists(o.fs, local); ok {
		o.done(ref.Path, reply.LocalFileError, "ERROR: Download destination already occupied.")
		return true
	}
	if err := o.fs.Mkdir(local, 0o755); err != nil {
		o.log.Warn("cannot create download folder", zap.String("path", local), zap.Error(err))
		o.done(ref.Path, reply.LocalFileError, msgLocalDestination)
		return true
	}

	o.rec = &transfer{kind: kindDownload, remoteHead: ref, localHead: local, name: info.Name}
	o.state = RecDownload
	o.started("recursive_download", ref.Path)
	o.retry()
	return true
}

func (o *Operator) downloadStep() {
	t := o.rec
	if !o.tree.Extant(t.remoteHead) {
		o.finishTransfer(reply.Unclassified, downloadErrText(errLostFile))
		return
	}
	if !o.retrieve(t.remoteHead) {
		return
	}
	// retrieve may have ended the transfer through a synchronous failure.
	if o.state != RecDownload {
		return
	}

	if err := o.writeFolder(t.localHead, t.remoteHead); err != nil {
		o.log.Warn("recursive download write failed", zap.String("path", t.localHead), zap.Error(err))
		o.finishTransfer(reply.Unclassified, downloadErrText(err))
		return
	}
	o.finishTransfer(reply.Good, "Remote folder downloaded")
}

// retrieve requests every missing listing and buffer below ref and reports
// whether the whole subtree is already present.
func (o *Operator) retrieve(ref filetree.Ref) bool {
	info, ok := o.tree.Info(ref)
	if !ok {
		return false
	}
	switch info.Kind {
	case filetree.File:
		if info.HasBuffer {
			return true
		}
		o.DownloadBuffer(ref)
		return false
	case filetree.Dir:
	default:
		return true
	}

	complete := true
	if info.ListState != filetree.Loaded {
		complete = false
		o.RefreshFolder(ref, false)
	}
	for _, child := range o.tree.Children(ref) {
		if !o.retrieve(child) {
			complete = false
		}
	}
	return complete
}

func (o *Operator) writeFolder(local string, ref filetree.Ref) error {
	if o.tree.Kind(ref) != filetree.Dir {
		return errTypeMismatch
	}
	if ok, _ := afero.DirExists(o.fs, local); !ok {
		return errLostFile
	}
	for _, child := range o.tree.Children(ref) {
		info, _ := o.tree.Info(child)
		target := filepath.Join(local, info.Name)
		switch info.Kind {
		case filetree.Dir:
			if err := o.fs.Mkdir(target, 0o755); err != nil {
				return errWrite
			}
			if err := o.writeFolder(target, child); err != nil {
				return err
			}
		case filetree.File:
			if err := o.writeFile(local, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Operator) writeFile(localDir string, ref filetree.Ref) error {
	info, _ := o.tree.Info(ref)
	if info.Kind != filetree.File {
		return errTypeMismatch
	}
	if ok, _ := afero.DirExists(o.fs, localDir); !ok {
		return errLostFile
	}
	target := filepath.Join(localDir, info.Name)
	if ok, _ := afero.Exists(o.fs, target); ok {
		return errWrite
	}
	data, ok := o.tree.Buffer(ref)
	if !ok {
		return errWrite
	}
	if err := afero.WriteFile(o.fs, target, data, 0o644); err != nil {
		return errWrite
	}
	return nil
}

func downloadErrText(err error) string {
	switch {
	case errors.Is(err, errLostFile):
		return "Internal Error: File entry missing in downloaded data. Files may have changed outside of program."
	case errors.Is(err, errTypeMismatch):
		return "Internal Error: Type Mismatch in downloaded data. Files may have changed outside of program."
	}
	return "Unable to write local files for download, please check that you have permissions to write to the specified folder."
}
