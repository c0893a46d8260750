package dispatch

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/agave"
	"github.com/fruitsalade/agavesync/internal/reply"
	"github.com/fruitsalade/agavesync/internal/taskguide"
)

// RemoteLS lists a remote folder. The outcome value is []agave.FileEntry.
func (d *Dispatcher) RemoteLS(dirPath string) *reply.Reply {
	return d.Dispatch(taskguide.DirListing, map[string]string{"dirPath": dirPath})
}

// DeleteFile deletes a remote file or folder.
func (d *Dispatcher) DeleteFile(toDelete string) *reply.Reply {
	return d.Dispatch(taskguide.FileDelete, map[string]string{"toDelete": toDelete})
}

// MoveFile moves from to the full path to. The outcome value is the moved
// agave.FileEntry.
func (d *Dispatcher) MoveFile(from, to string) *reply.Reply {
	return d.Dispatch(taskguide.FileMove, map[string]string{"from": from, "to": to})
}

// CopyFile copies from to the full path to.
func (d *Dispatcher) CopyFile(from, to string) *reply.Reply {
	return d.Dispatch(taskguide.FileCopy, map[string]string{"from": from, "to": to})
}

// RenameFile gives fullName the new base name newName.
func (d *Dispatcher) RenameFile(fullName, newName string) *reply.Reply {
	return d.Dispatch(taskguide.RenameFile, map[string]string{"fullName": fullName, "newName": newName})
}

// MkRemoteDir creates newName inside location.
func (d *Dispatcher) MkRemoteDir(location, newName string) *reply.Reply {
	return d.Dispatch(taskguide.NewFolder, map[string]string{"location": location, "newName": newName})
}

// UploadFile uploads a local file into the remote folder location.
func (d *Dispatcher) UploadFile(location, localFile string) *reply.Reply {
	return d.Dispatch(taskguide.FileUpload, map[string]string{"location": location, "localFile": localFile})
}

// UploadBuffer uploads data as fileName into the remote folder location.
func (d *Dispatcher) UploadBuffer(location string, data []byte, fileName string) *reply.Reply {
	return d.Dispatch(taskguide.FilePipeUpload, map[string]string{
		"location": location,
		"fileData": string(data),
		"fileName": fileName,
	})
}

// DownloadFile writes remoteName to localDest, which must not exist.
func (d *Dispatcher) DownloadFile(localDest, remoteName string) *reply.Reply {
	return d.Dispatch(taskguide.FileDownload, map[string]string{"localDest": localDest, "remoteName": remoteName})
}

// DownloadBuffer fetches remoteName into memory. The outcome carries the
// bytes in Raw.
func (d *Dispatcher) DownloadBuffer(remoteName string) *reply.Reply {
	return d.Dispatch(taskguide.FilePipeDownload, map[string]string{"remoteName": remoteName})
}

// GetAgaveAppList lists the app catalogue as []agave.App.
func (d *Dispatcher) GetAgaveAppList() *reply.Reply {
	return d.Dispatch(taskguide.GetAgaveList, nil)
}

// GetListOfJobs lists the user's jobs as []agave.Job.
func (d *Dispatcher) GetListOfJobs() *reply.Reply {
	return d.Dispatch(taskguide.GetJobList, nil)
}

// GetJobDetails fetches one job with its inputs and parameters.
func (d *Dispatcher) GetJobDetails(jobID string) *reply.Reply {
	return d.Dispatch(taskguide.GetJobDetails, map[string]string{"IDstr": jobID})
}

// StopJob asks the job service to stop a job.
func (d *Dispatcher) StopJob(jobID string) *reply.Reply {
	return d.Dispatch(taskguide.StopJob, map[string]string{"IDstr": jobID})
}

// DeleteJob removes a job from the job history.
func (d *Dispatcher) DeleteJob(jobID string) *reply.Reply {
	return d.Dispatch(taskguide.DeleteJob, map[string]string{"IDstr": jobID})
}

// RunRemoteJob submits a job for a registered app. Every key of params must
// be a declared parameter or input of the app. The working directory, if
// given, fills the app's working-directory parameter. On GOOD the outcome's
// JobID names the new job.
func (d *Dispatcher) RunRemoteJob(appID string, params map[string]string, workingDir, jobName, archivePath string) *reply.Reply {
	taskParams := map[string]string{"jobName": appID}
	if d.session.State != Connected {
		return reply.Failed(taskguide.AgaveAppStart, taskParams, reply.InvalidState)
	}

	g, ok := d.registry.Lookup(appID)
	if !ok || g.Type != taskguide.App || g.App == nil {
		d.log.Warn("app not registered", zap.String("app", appID))
		return reply.Failed(taskguide.AgaveAppStart, taskParams, reply.UnknownTask)
	}
	app := g.App
	if app.FullName == "" {
		d.log.Error("app has no full name", zap.String("app", appID))
		return reply.Failed(taskguide.AgaveAppStart, taskParams, reply.InternalError)
	}

	req := agave.JobRequest{
		AppID:       app.FullName,
		Name:        jobName,
		ArchivePath: archivePath,
		Inputs:      map[string]string{},
		Parameters:  map[string]string{},
	}
	if req.Name == "" {
		req.Name = app.FullName + "-run"
	}

	values := make(map[string]string, len(params)+1)
	for k, v := range params {
		values[k] = v
	}
	if app.WorkingDirParam != "" && workingDir != "" {
		values[app.WorkingDirParam] = workingDir
		taskParams["remoteWorkingDir"] = workingDir
	}
	for k, v := range values {
		switch {
		case app.IsParam(k):
			req.Parameters[k] = v
		case app.IsInput(k):
			req.Inputs[k] = v
		default:
			d.log.Warn("app given undeclared parameter", zap.String("app", appID), zap.String("param", k))
			return reply.Failed(taskguide.AgaveAppStart, taskParams, reply.InvalidParam)
		}
	}

	body, err := req.Marshal()
	if err != nil {
		return reply.Failed(taskguide.AgaveAppStart, taskParams, reply.InternalError)
	}
	return d.submitJob(body, taskParams)
}

// RunAgaveJob submits a raw JSON job description.
func (d *Dispatcher) RunAgaveJob(raw []byte) *reply.Reply {
	if d.session.State != Connected {
		return reply.Failed(taskguide.AgaveAppStart, nil, reply.InvalidState)
	}
	if !json.Valid(raw) {
		return reply.Failed(taskguide.AgaveAppStart, nil, reply.InvalidParam)
	}
	return d.submitJob(raw, map[string]string{})
}

func (d *Dispatcher) submitJob(body []byte, params map[string]string) *reply.Reply {
	params["fileData"] = string(body)
	params["fileName"] = "job.json"
	d.log.Debug("submitting job", zap.ByteString("body", body))
	return d.Dispatch(taskguide.AgaveAppStart, params)
}
