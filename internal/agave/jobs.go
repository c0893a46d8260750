package agave

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is a remote job as reported by the job service.
type Job struct {
	ID      string
	Name    string
	AppID   string
	Created time.Time
	Status  string
	Inputs  map[string]string
	Params  map[string]string

	// DetailsLoaded is set once Inputs and Params came from a details reply.
	DetailsLoaded bool
}

// Terminal reports whether the job will not change state again.
func (j Job) Terminal() bool {
	switch j.Status {
	case "FINISHED", "FAILED", "STOPPED":
		return true
	}
	return false
}

// ParseAgaveTime parses timestamps such as 2017-03-29T15:14:00.000-05:00
// into local time. Timestamps without an offset are read as local time.
func ParseAgaveTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.Local(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.000", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid agave time %q", s)
}

// DecodeJob decodes one job object. With details, inputs and parameters are
// required too.
func DecodeJob(raw json.RawMessage, details bool) (Job, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Job{}, missing("job: %v", err)
	}
	required := []string{"id", "name", "appId", "created", "status"}
	if details {
		required = append(required, "inputs", "parameters")
	}
	for _, key := range required {
		if _, ok := fields[key]; !ok {
			return Job{}, missing("job has no %s", key)
		}
	}

	created, err := ParseAgaveTime(stringify(fields["created"]))
	if err != nil {
		return Job{}, missing("job created: %v", err)
	}

	job := Job{
		ID:      stringify(fields["id"]),
		Name:    stringify(fields["name"]),
		AppID:   stringify(fields["appId"]),
		Created: created,
		Status:  stringify(fields["status"]),
	}
	if details {
		if job.Inputs, err = stringMap(fields["inputs"]); err != nil {
			return Job{}, missing("job inputs: %v", err)
		}
		if job.Params, err = stringMap(fields["parameters"]); err != nil {
			return Job{}, missing("job parameters: %v", err)
		}
		job.DetailsLoaded = true
	}
	return job, nil
}

// DecodeJobList decodes the result array of a job listing. Entries missing
// required keys are skipped.
func DecodeJobList(d *Document) ([]Job, error) {
	raw, ok := d.Result()
	if !ok {
		return nil, missing("job list has no result")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, missing("job list result is not an array")
	}
	jobs := make([]Job, 0, len(items))
	for _, item := range items {
		job, err := DecodeJob(item, false)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DecodeJobDetails decodes the result of a job details reply.
func DecodeJobDetails(d *Document) (Job, error) {
	raw, ok := d.Result()
	if !ok {
		return Job{}, missing("job details have no result")
	}
	return DecodeJob(raw, true)
}

// DecodeJobSubmission returns the id of a newly submitted job.
func DecodeJobSubmission(d *Document) (string, error) {
	raw, ok := d.Result()
	if !ok {
		return "", missing("job submission has no result")
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || res.ID == "" {
		return "", missing("job submission has no id")
	}
	return res.ID, nil
}

// JobRequest is the body posted to start a job.
type JobRequest struct {
	AppID       string            `json:"appId" yaml:"appId"`
	Name        string            `json:"name" yaml:"name"`
	ArchivePath string            `json:"archivePath,omitempty" yaml:"archivePath,omitempty"`
	Inputs      map[string]string `json:"inputs" yaml:"inputs"`
	Parameters  map[string]string `json:"parameters" yaml:"parameters"`
}

// Marshal renders the request, filling empty maps so the service always
// sees both objects.
func (r JobRequest) Marshal() ([]byte, error) {
	if r.Inputs == nil {
		r.Inputs = map[string]string{}
	}
	if r.Parameters == nil {
		r.Parameters = map[string]string{}
	}
	return json.Marshal(r)
}

func stringMap(raw json.RawMessage) (map[string]string, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = stringify(v)
	}
	return out, nil
}
