package fileop

import (
	"fmt"

	"github.com/fruitsalade/agavesync/internal/agave"
	"github.com/fruitsalade/agavesync/internal/filetree"
	"github.com/fruitsalade/agavesync/internal/reply"
)

// begin claims the operator for a simple operation on ref.
func (o *Operator) begin(op string, ref filetree.Ref) bool {
	if o.state != Idle || !o.tree.Extant(ref) {
		return false
	}
	o.state = Active
	o.started(op, ref.Path)
	return true
}

// run attaches the completion for a simple operation. onGood returns the
// success message; failures are reported with failWhat.
func (o *Operator) run(op, path string, r *reply.Reply, failWhat string, onGood func(reply.Outcome) string) {
	r.OnComplete(func(out reply.Outcome) {
		o.state = Idle
		recordOp(op, out.State)
		if !out.OK() {
			o.done(path, out.State, stdErr(failWhat, out.State))
			return
		}
		o.done(path, reply.Good, onGood(out))
	})
}

func resultPath(out reply.Outcome, fallback string) string {
	if e, ok := out.Value.(agave.FileEntry); ok && e.Path != "" {
		return e.Path
	}
	return fallback
}

// Delete removes the remote file or folder behind ref.
func (o *Operator) Delete(ref filetree.Ref) bool {
	if !o.begin("delete", ref) {
		return false
	}
	target := ref.Path
	o.run("delete", target, o.remote.DeleteFile(target), "Unable to delete file", func(reply.Outcome) string {
		o.LsClosestNodeToParent(target, false)
		return "File successfully deleted: " + target
	})
	return true
}

// Move moves ref to the full remote path to.
func (o *Operator) Move(ref filetree.Ref, to string) bool {
	if !o.begin("move", ref) {
		return false
	}
	from := ref.Path
	o.run("move", from, o.remote.MoveFile(from, to), "Unable to move file", func(out reply.Outcome) string {
		dest := resultPath(out, to)
		o.LsClosestNodeToParent(from, false)
		o.LsClosestNode(dest, false)
		return fmt.Sprintf("File successfully moved from: %s to: %s", from, dest)
	})
	return true
}

// Copy copies ref to the full remote path to.
func (o *Operator) Copy(ref filetree.Ref, to string) bool {
	if !o.begin("copy", ref) {
		return false
	}
	from := ref.Path
	o.run("copy", from, o.remote.CopyFile(from, to), "Unable to copy file", func(out reply.Outcome) string {
		dest := resultPath(out, to)
		o.LsClosestNode(dest, false)
		return "File successfully copied: " + dest
	})
	return true
}

// Rename gives ref the base name newName.
func (o *Operator) Rename(ref filetree.Ref, newName string) bool {
	if !o.begin("rename", ref) {
		return false
	}
	old := ref.Path
	o.run("rename", old, o.remote.RenameFile(old, newName), "Unable to rename file", func(out reply.Outcome) string {
		dest := resultPath(out, filetree.Join(filetree.Parent(old), newName))
		o.LsClosestNodeToParent(old, false)
		o.LsClosestNodeToParent(dest, false)
		return fmt.Sprintf("File successfully renamed from %s to %s", old, dest)
	})
	return true
}

// Mkdir creates newName inside the folder ref.
func (o *Operator) Mkdir(ref filetree.Ref, newName string) bool {
	if !o.begin("mkdir", ref) {
		return false
	}
	location := ref.Path
	o.run("mkdir", location, o.remote.MkRemoteDir(location, newName), "Unable to create remote folder", func(out reply.Outcome) string {
		dest := resultPath(out, filetree.Join(location, newName))
		o.LsClosestNode(filetree.Parent(dest), false)
		return "New Folder Created at " + dest
	})
	return true
}

// Upload sends localFile into the folder ref.
func (o *Operator) Upload(ref filetree.Ref, localFile string) bool {
	if !o.begin("upload", ref) {
		return false
	}
	o.runUpload(ref.Path, o.remote.UploadFile(ref.Path, localFile), baseName(localFile))
	return true
}

// UploadBuffer sends data as newName into the folder ref.
func (o *Operator) UploadBuffer(ref filetree.Ref, data []byte, newName string) bool {
	if !o.begin("upload", ref) {
		return false
	}
	o.runUpload(ref.Path, o.remote.UploadBuffer(ref.Path, data, newName), newName)
	return true
}

func (o *Operator) runUpload(location string, r *reply.Reply, name string) {
	o.run("upload", location, r, "Unable to upload file", func(out reply.Outcome) string {
		dest := resultPath(out, filetree.Join(location, name))
		o.LsClosestNodeToParent(dest, false)
		return "File successfully uploaded to " + dest
	})
}

// Download writes the remote file ref to localDest.
func (o *Operator) Download(ref filetree.Ref, localDest string) bool {
	if !o.begin("download", ref) {
		return false
	}
	o.run("download", ref.Path, o.remote.DownloadFile(localDest, ref.Path), "Unable to download requested file", func(reply.Outcome) string {
		return "Download complete to " + localDest
	})
	return true
}

// Compress starts the compress app on the folder ref.
func (o *Operator) Compress(ref filetree.Ref) bool {
	if o.tree.Kind(ref) != filetree.Dir {
		return false
	}
	if !o.begin("compress", ref) {
		return false
	}
	r := o.remote.RunRemoteJob("compress", map[string]string{"compression_type": "tgz"}, ref.Path, "", "")
	o.run("compress", ref.Path, r, "Unable to start compress job", func(out reply.Outcome) string {
		return jobMessage("compress enacted", out)
	})
	return true
}

// Decompress starts the extract app on the archive ref.
func (o *Operator) Decompress(ref filetree.Ref) bool {
	if o.tree.Kind(ref) != filetree.File {
		return false
	}
	if !o.begin("decompress", ref) {
		return false
	}
	r := o.remote.RunRemoteJob("extract", map[string]string{"inputFile": ref.Path}, "", "", "")
	o.run("decompress", ref.Path, r, "Unable to start extract job", func(out reply.Outcome) string {
		return jobMessage("decompress enacted", out)
	})
	return true
}

func jobMessage(msg string, out reply.Outcome) string {
	if out.JobID == "" {
		return msg
	}
	return msg + ": job " + out.JobID
}
