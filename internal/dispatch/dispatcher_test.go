package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/agave"
	"github.com/fruitsalade/agavesync/internal/reactor"
	"github.com/fruitsalade/agavesync/internal/reply"
	"github.com/fruitsalade/agavesync/internal/taskguide"
	"github.com/fruitsalade/agavesync/internal/transport"
)

const (
	testTenant  = "http://agave.test"
	testClient  = "agavesync_test"
	testStorage = "designsafe.storage.default"
	successBody = `{"status":"success","result":{}}`
)

type call struct {
	req  *transport.Request
	done func(*transport.Response)
}

// scriptedTransport records requests; tests answer them explicitly.
type scriptedTransport struct {
	calls []*call
}

func (s *scriptedTransport) Send(_ context.Context, req *transport.Request, done func(*transport.Response)) {
	s.calls = append(s.calls, &call{req: req, done: done})
}

type harness struct {
	t     *testing.T
	d     *Dispatcher
	loop  *reactor.Loop
	fake  *scriptedTransport
	fs    afero.Fs
	state []State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		loop: reactor.New(),
		fake: &scriptedTransport{},
		fs:   afero.NewMemMapFs(),
	}
	h.d = New(Config{
		Loop:      h.loop,
		Transport: h.fake,
		Fs:        h.fs,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, h.d.SetConnectionParams(testTenant+"/", testClient, testStorage))
	h.d.OnStateChange(func(s State) { h.state = append(h.state, s) })
	return h
}

// respond answers call i and runs the loop until idle.
func (h *harness) respond(i, status int, body string) {
	h.t.Helper()
	require.Less(h.t, i, len(h.fake.calls), "no call %d", i)
	c := h.fake.calls[i]
	resp := &transport.Response{RequestID: c.req.ID, StatusCode: status}
	if c.req.Sink != nil {
		if status/100 == 2 {
			n, _ := io.Copy(c.req.Sink, strings.NewReader(body))
			resp.Written = n
		}
		c.req.Sink.Close()
	} else {
		resp.Body = []byte(body)
	}
	if c.req.Upload != nil {
		io.Copy(io.Discard, c.req.Upload.Body)
		c.req.Upload.Body.Close()
	}
	c.done(resp)
	h.loop.RunPending()
}

func (h *harness) fail(i int, err error) {
	h.t.Helper()
	c := h.fake.calls[i]
	c.done(&transport.Response{RequestID: c.req.ID, Err: err})
	h.loop.RunPending()
}

func (h *harness) connect() {
	h.t.Helper()
	var got reply.Outcome
	n := len(h.fake.calls)
	h.d.PerformAuth("alice", "secret").OnComplete(func(o reply.Outcome) { got = o })

	h.respond(n, 400, `{"status":"error","message":"Application not found"}`)
	h.respond(n+1, 200, `{"status":"success","result":{"consumerKey":"ck","consumerSecret":"cs"}}`)
	h.respond(n+2, 200, `{"access_token":"tok","refresh_token":"ref","expires_in":3600}`)

	require.Equal(h.t, reply.Good, got.State, got.Text())
	require.Equal(h.t, Connected, h.d.State())
}

func capture(r *reply.Reply) *reply.Outcome {
	o := &reply.Outcome{State: reply.Pending}
	r.OnComplete(func(got reply.Outcome) { *o = got })
	return o
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestSetConnectionParamsOnlyOnce(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, Ready, h.d.State())
	assert.ErrorIs(t, h.d.SetConnectionParams(testTenant, testClient, testStorage), ErrAlreadyConfigured)
}

func TestUnknownTaskInEveryState(t *testing.T) {
	d := New(Config{Loop: reactor.New(), Transport: &scriptedTransport{}, Logger: zap.NewNop()})
	o := capture(d.Dispatch("noSuchTask", nil))
	assert.Equal(t, reply.UnknownTask, o.State, "uninitialized")

	h := newHarness(t)
	o = capture(h.d.Dispatch("noSuchTask", nil))
	assert.Equal(t, reply.UnknownTask, o.State, "ready")

	h.connect()
	o = capture(h.d.Dispatch("noSuchTask", nil))
	assert.Equal(t, reply.UnknownTask, o.State, "connected")

	h.d.CloseAllConnections()
	o = capture(h.d.Dispatch("noSuchTask", nil))
	assert.Equal(t, reply.UnknownTask, o.State, "disconnecting")
}

func TestTokenTasksRequireConnection(t *testing.T) {
	h := newHarness(t)

	replies := []*reply.Reply{
		h.d.RemoteLS("/alice"),
		h.d.DeleteFile("/alice/x"),
		h.d.MkRemoteDir("/alice", "new"),
		h.d.DownloadBuffer("/alice/f"),
		h.d.GetListOfJobs(),
		h.d.StopJob("1-007"),
		h.d.RunRemoteJob("compress", nil, "/alice", "", ""),
	}
	for _, r := range replies {
		assert.Equal(t, reply.InvalidState, capture(r).State, r.TaskID())
	}
	assert.Empty(t, h.fake.calls, "transport must not be called")
}

func TestSessionTasksCannotBeDispatchedDirectly(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"authStep1", "authRevoke", "fullAuth", "waitAll"} {
		assert.Equal(t, reply.InvalidState, capture(h.d.Dispatch(id, nil)).State, id)
	}
	assert.Empty(t, h.fake.calls)
}

func TestChangeDirPassthrough(t *testing.T) {
	h := newHarness(t)
	r := h.d.Dispatch("changeDir", map[string]string{"dirPath": "/alice"})
	assert.False(t, r.Done(), "not started before a continuation is attached")
	assert.Equal(t, reply.Good, capture(r).State)
	assert.Empty(t, h.fake.calls)
}

func TestAuthRecreatesExistingClient(t *testing.T) {
	h := newHarness(t)
	o := capture(h.d.PerformAuth("alice", "secret"))
	assert.Equal(t, Authenticating, h.d.State())

	probe := h.fake.calls[0].req
	assert.Equal(t, "GET", probe.Method)
	assert.Equal(t, testTenant+"/clients/v2/"+testClient, probe.URL)
	assert.Equal(t, basic("alice", "secret"), probe.Header.Get("Authorization"))

	h.respond(0, 200, successBody)
	require.Len(t, h.fake.calls, 2)
	assert.Equal(t, "DELETE", h.fake.calls[1].req.Method, "existing client is deleted first")

	h.respond(1, 200, successBody)
	require.Len(t, h.fake.calls, 3)
	create := h.fake.calls[2].req
	assert.Equal(t, "POST", create.Method)
	assert.Equal(t, testTenant+"/clients/v2/", create.URL)
	assert.Contains(t, string(create.Body), "clientName="+testClient)

	h.respond(2, 200, `{"status":"success","result":{"consumerKey":"ck","consumerSecret":"cs"}}`)
	require.Len(t, h.fake.calls, 4)
	token := h.fake.calls[3].req
	assert.Equal(t, testTenant+"/token", token.URL)
	assert.Equal(t, basic("ck", "cs"), token.Header.Get("Authorization"))
	assert.Equal(t, "username=alice&password=secret&grant_type=password&scope=PRODUCTION", string(token.Body))
	assert.Equal(t, "application/x-www-form-urlencoded", token.Header.Get("Content-Type"))

	h.respond(3, 200, `{"access_token":"tok","refresh_token":"ref","expires_in":3600}`)
	assert.Equal(t, reply.Good, o.State)
	assert.Equal(t, Connected, h.d.State())
	assert.Equal(t, "alice", h.d.UserName())
	assert.False(t, h.d.TokenExpiry().IsZero())
	assert.Equal(t, []State{Authenticating, Connected}, h.state)

	h.d.RemoteLS("/alice").Start()
	assert.Equal(t, "Bearer tok", h.fake.calls[4].req.Header.Get("Authorization"))
}

func TestAuthCreatesMissingClientDirectly(t *testing.T) {
	h := newHarness(t)
	h.connect()
	assert.Len(t, h.fake.calls, 3, "probe, create, token")
	assert.Equal(t, "POST", h.fake.calls[1].req.Method)
}

func TestAuthLoginFailed(t *testing.T) {
	h := newHarness(t)
	o := capture(h.d.PerformAuth("alice", "wrong"))

	h.respond(0, 401, `{"status":"error","message":"Login failed.Please recheck the username and password and try again."}`)

	assert.Equal(t, reply.ExplicitError, o.State)
	assert.Contains(t, o.Text(), "Login failed")
	assert.Equal(t, Ready, h.d.State())
	assert.Equal(t, Session{State: Ready}, h.d.session, "credentials cleared")
	assert.Len(t, h.fake.calls, 1)
}

func TestAuthOtherProbeFailure(t *testing.T) {
	h := newHarness(t)
	o := capture(h.d.PerformAuth("alice", "secret"))
	h.fail(0, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED})

	assert.Equal(t, reply.LostInternet, o.State)
	assert.Equal(t, Session{State: Ready}, h.d.session)
}

func TestAuthMissingClientKeys(t *testing.T) {
	h := newHarness(t)
	o := capture(h.d.PerformAuth("alice", "secret"))
	h.respond(0, 400, `{"status":"error","message":"Application not found"}`)
	h.respond(1, 200, `{"status":"success","result":{"consumerKey":"ck"}}`)

	assert.Equal(t, reply.JSONParseError, o.State)
	assert.Equal(t, Ready, h.d.State())
}

func TestAuthMissingTokens(t *testing.T) {
	h := newHarness(t)
	o := capture(h.d.PerformAuth("alice", "secret"))
	h.respond(0, 400, `{"status":"error","message":"Application not found"}`)
	h.respond(1, 200, `{"status":"success","result":{"consumerKey":"ck","consumerSecret":"cs"}}`)
	h.respond(2, 200, `{"access_token":"tok"}`)

	assert.Equal(t, reply.JSONParseError, o.State)
	assert.Equal(t, Session{State: Ready}, h.d.session)
}

func TestAuthTokenEndpointError(t *testing.T) {
	h := newHarness(t)
	o := capture(h.d.PerformAuth("alice", "secret"))
	h.respond(0, 400, `{"status":"error","message":"Application not found"}`)
	h.respond(1, 200, `{"status":"success","result":{"consumerKey":"ck","consumerSecret":"cs"}}`)
	h.respond(2, 400, `{"error":"invalid_grant","error_description":"Invalid credentials"}`)

	assert.Equal(t, reply.ExplicitError, o.State)
	assert.Equal(t, "Invalid credentials", o.Text())
	assert.Equal(t, Ready, h.d.State())
}

func TestPerformAuthRequiresReady(t *testing.T) {
	h := newHarness(t)
	h.connect()
	assert.Equal(t, reply.InvalidState, capture(h.d.PerformAuth("alice", "secret")).State)
}

func TestRefreshAuthUsesClientCredentials(t *testing.T) {
	h := newHarness(t)
	h.connect()

	got, ok := h.d.authHeader(taskguide.AuthRefreshToken)
	require.True(t, ok)
	assert.Equal(t, basic("ck", "cs"), got)

	g, found := h.d.registry.Lookup(taskguide.AuthRefresh)
	require.True(t, found)
	assert.Equal(t, taskguide.AuthClient, g.Auth)
}

func TestRefreshTokenNotImplemented(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, reply.NotImplemented, capture(h.d.RefreshToken()).State)
}

func TestAllTasksFinishedFiresOnceAfterAll(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	idle := 0
	h.d.OnAllTasksFinished(func() { idle++ })

	const n = 5
	outcomes := make([]*reply.Outcome, n)
	for i := 0; i < n; i++ {
		outcomes[i] = capture(h.d.RemoteLS("/alice"))
	}
	assert.Equal(t, n, h.d.Pending())

	for _, i := range []int{3, 0, 4, 2, 1} {
		assert.Equal(t, 0, idle, "fired before every reply completed")
		h.respond(base+i, 200, `{"status":"success","result":[]}`)
	}
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, h.d.Pending())
	for _, o := range outcomes {
		assert.Equal(t, reply.Good, o.State)
	}
}

func TestIdleListenersRunAfterCompletionHandler(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	var order []string
	h.d.OnAllTasksFinished(func() { order = append(order, "idle") })
	h.d.RemoteLS("/alice").OnComplete(func(reply.Outcome) {
		order = append(order, "done")
		// follow-up request keeps the dispatcher busy
		h.d.RemoteLS("/alice/sub").Start()
	})

	h.respond(base, 200, `{"status":"success","result":[]}`)
	assert.Equal(t, []string{"done"}, order)

	h.respond(base+1, 200, `{"status":"success","result":[]}`)
	assert.Equal(t, []string{"done", "idle"}, order)
}

func TestCloseAllConnectionsWaitsForPending(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	ls := capture(h.d.RemoteLS("/alice"))
	closed := capture(h.d.CloseAllConnections())
	assert.Equal(t, Disconnecting, h.d.State())

	revoke := h.fake.calls[base+1].req
	assert.Equal(t, testTenant+"/revoke", revoke.URL)
	assert.Equal(t, "token=tok", string(revoke.Body))
	assert.Equal(t, basic("ck", "cs"), revoke.Header.Get("Authorization"))

	assert.Equal(t, reply.InvalidState, capture(h.d.RemoteLS("/alice")).State, "new work refused")

	h.respond(base+1, 200, successBody)
	assert.Equal(t, Disconnected, h.d.State())
	assert.Equal(t, reply.Pending, closed.State, "listing still in flight")

	h.respond(base, 200, `{"status":"success","result":[]}`)
	assert.Equal(t, reply.Good, ls.State, "in-flight reply delivered during shutdown")
	assert.Equal(t, reply.Good, closed.State)
	assert.Equal(t, Session{State: Disconnected}, h.d.session)
}

func TestDeleteConfirmedAfterLogoutIsReported(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	del := capture(h.d.DeleteFile("/alice/old.txt"))
	closed := capture(h.d.CloseAllConnections())

	h.respond(base+1, 200, successBody)
	h.respond(base, 200, successBody)

	assert.Equal(t, reply.Good, del.State)
	assert.Equal(t, reply.Good, closed.State)
	assert.Equal(t, Disconnected, h.d.State())
}

func TestCloseAllConnectionsRevokeFailureStillDisconnects(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	closed := capture(h.d.CloseAllConnections())
	h.respond(base, 500, `oops`)

	assert.Equal(t, Disconnected, h.d.State())
	assert.Equal(t, reply.Good, closed.State)
}

func TestCloseAllConnectionsRequiresConnected(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, reply.InvalidState, capture(h.d.CloseAllConnections()).State)
}

func TestCloseAllConnectionsMissingCredentials(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.d.session.Token = ""

	assert.Equal(t, reply.InternalError, capture(h.d.CloseAllConnections()).State)
	assert.Equal(t, Disconnected, h.d.State())
}

func TestReplyClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		err    error
		want   reply.State
	}{
		{"listing ok", 200, `{"status":"success","result":[]}`, nil, reply.Good},
		{"explicit", 404, `{"status":"error","message":"File/folder does not exist"}`, nil, reply.ExplicitError},
		{"html 404", 404, `<html>not found</html>`, nil, reply.FileNotFound},
		{"bad gateway", 502, `<html/>`, nil, reply.JobSystemDown},
		{"server error", 500, ``, nil, reply.RemoteServerError},
		{"bad request", 400, `nope`, nil, reply.BadHTTPRequest},
		{"unavailable", 503, `{"status":"error"}`, nil, reply.ServiceUnavailable},
		{"bad json", 200, `{"status":`, nil, reply.JSONParseError},
		{"no status", 200, `{"result":[]}`, nil, reply.MissingReplyStatus},
		{"bad data", 200, `{"status":"success","result":"x"}`, nil, reply.MissingReplyData},
		{"refused", 0, ``, &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, reply.LostInternet},
		{"dns", 0, ``, &net.DNSError{Err: "no such host", Name: "agave.test"}, reply.LostInternet},
		{"reset", 0, ``, &net.OpError{Op: "read", Err: syscall.ECONNRESET}, reply.DroppedConnection},
		{"eof", 0, ``, io.ErrUnexpectedEOF, reply.DroppedConnection},
		{"other", 0, ``, assert.AnError, reply.GenericNetworkError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.connect()
			base := len(h.fake.calls)

			o := capture(h.d.RemoteLS("/alice"))
			if tc.err != nil {
				h.fail(base, tc.err)
			} else {
				h.respond(base, tc.status, tc.body)
			}
			assert.Equal(t, tc.want, o.State)
		})
	}
}

func TestSignalObjMismatch(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	o := capture(h.d.RemoteLS("/alice"))
	h.fake.calls[base].done(&transport.Response{RequestID: "someone-else", StatusCode: 200})
	h.loop.RunPending()
	assert.Equal(t, reply.SignalObjMismatch, o.State)
}

func TestListingDecoded(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	o := capture(h.d.RemoteLS("/alice/my data"))
	assert.Equal(t, testTenant+"/files/v2/listings/system/"+testStorage+"/alice/my%20data", h.fake.calls[base].req.URL)

	h.respond(base, 200, `{"status":"success","result":[
		{"name":".","path":"/alice/my data","format":"folder","type":"dir"},
		{"name":"f","path":"/alice/my data/f","format":"raw","type":"file","length":3}]}`)
	require.Equal(t, reply.Good, o.State)
	entries := o.Value.([]agave.FileEntry)
	require.Len(t, entries, 2)
	assert.Equal(t, "f", entries[1].Name)
}

func TestUploadFile(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	require.NoError(t, afero.WriteFile(h.fs, "/local/input.json", []byte(`{}`), 0o644))
	o := capture(h.d.UploadFile("/alice/run", "/local/input.json"))

	req := h.fake.calls[base].req
	assert.Equal(t, "POST", req.Method)
	require.NotNil(t, req.Upload)
	assert.Equal(t, "input.json", req.Upload.FileName)

	h.respond(base, 200, `{"status":"success","result":{"name":"input.json","path":"/alice/run/input.json","format":"raw","type":"file"}}`)
	assert.Equal(t, reply.Good, o.State)
}

func TestUploadMissingLocalFile(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	o := capture(h.d.UploadFile("/alice", "/local/missing"))
	assert.Equal(t, reply.LocalFileError, o.State)
	assert.Len(t, h.fake.calls, base)
	assert.Equal(t, 0, h.d.Pending())
}

func TestDownloadFile(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	o := capture(h.d.DownloadFile("/local/out.txt", "/alice/out.txt"))
	h.respond(base, 200, "contents")
	require.Equal(t, reply.Good, o.State)

	data, err := afero.ReadFile(h.fs, "/local/out.txt")
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))
}

func TestDownloadFailureRemovesDestination(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	o := capture(h.d.DownloadFile("/local/out.txt", "/alice/missing"))
	h.respond(base, 404, `not found`)
	assert.Equal(t, reply.FileNotFound, o.State)

	exists, _ := afero.Exists(h.fs, "/local/out.txt")
	assert.False(t, exists)
}

func TestDownloadRefusesExistingDestination(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	require.NoError(t, afero.WriteFile(h.fs, "/local/out.txt", []byte("old"), 0o644))
	o := capture(h.d.DownloadFile("/local/out.txt", "/alice/out.txt"))
	assert.Equal(t, reply.LocalFileError, o.State)
	assert.Len(t, h.fake.calls, base)
}

func TestDownloadBuffer(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	o := capture(h.d.DownloadBuffer("/alice/f"))
	h.respond(base, 200, "raw bytes")
	require.Equal(t, reply.Good, o.State)
	assert.Equal(t, "raw bytes", string(o.Raw))
}

func TestRunRemoteJob(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	o := capture(h.d.RunRemoteJob("compress", map[string]string{"compression_type": "tgz"}, "/alice/data", "", ""))
	req := h.fake.calls[base].req
	assert.Equal(t, testTenant+"/jobs/v2", req.URL)
	require.NotNil(t, req.Upload)

	body, err := io.ReadAll(req.Upload.Body)
	require.NoError(t, err)
	var job agave.JobRequest
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, "compress-0.1u1", job.AppID)
	assert.Equal(t, "compress-0.1u1-run", job.Name)
	assert.Equal(t, map[string]string{"directory": "/alice/data", "compression_type": "tgz"}, job.Parameters)
	assert.Empty(t, job.Inputs)

	h.respond(base, 200, `{"status":"success","result":{"id":"42-007"}}`)
	require.Equal(t, reply.Good, o.State)
	assert.Equal(t, "42-007", o.JobID)
}

func TestRunRemoteJobValidation(t *testing.T) {
	h := newHarness(t)
	h.connect()
	base := len(h.fake.calls)

	assert.Equal(t, reply.InvalidParam,
		capture(h.d.RunRemoteJob("extract", map[string]string{"bogus": "1"}, "", "", "")).State)
	assert.Equal(t, reply.UnknownTask,
		capture(h.d.RunRemoteJob("dirListing", nil, "", "", "")).State)
	assert.Equal(t, reply.UnknownTask,
		capture(h.d.RunRemoteJob("nope", nil, "", "", "")).State)

	require.True(t, h.d.RegisterAgaveAppInfo("nameless", "", nil, nil, ""))
	assert.Equal(t, reply.InternalError,
		capture(h.d.RunRemoteJob("nameless", nil, "", "", "")).State)
	assert.Len(t, h.fake.calls, base)
}

func TestRunAgaveJobRejectsInvalidJSON(t *testing.T) {
	h := newHarness(t)
	h.connect()
	assert.Equal(t, reply.InvalidParam, capture(h.d.RunAgaveJob([]byte("{nope"))).State)
}
