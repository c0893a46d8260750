package fileop

import (
	"path"
	"sort"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/agavesync/internal/agave"
	"github.com/fruitsalade/agavesync/internal/reply"
)

type remoteCall struct {
	op   string
	args []string
	data []byte
	r    *reply.Reply
	done bool
}

// complete answers the call. Completion may issue further calls.
func (c *remoteCall) complete(o reply.Outcome) {
	c.done = true
	c.r.Complete(o)
}

// fakeRemote records every request; tests or a remoteModel answer them.
type fakeRemote struct {
	calls []*remoteCall
}

func (f *fakeRemote) add(op string, data []byte, args ...string) *reply.Reply {
	c := &remoteCall{op: op, args: args, data: data}
	c.r = reply.New(op, nil, func(*reply.Reply) {})
	f.calls = append(f.calls, c)
	return c.r
}

func (f *fakeRemote) open() []*remoteCall {
	var open []*remoteCall
	for _, c := range f.calls {
		if !c.done {
			open = append(open, c)
		}
	}
	return open
}

func (f *fakeRemote) next(t *testing.T, op string) *remoteCall {
	t.Helper()
	for _, c := range f.calls {
		if !c.done && c.op == op {
			return c
		}
	}
	t.Fatalf("no open %s call", op)
	return nil
}

func (f *fakeRemote) count(op string) int {
	n := 0
	for _, c := range f.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (f *fakeRemote) RemoteLS(dirPath string) *reply.Reply { return f.add("ls", nil, dirPath) }
func (f *fakeRemote) DeleteFile(p string) *reply.Reply     { return f.add("delete", nil, p) }
func (f *fakeRemote) MoveFile(from, to string) *reply.Reply {
	return f.add("move", nil, from, to)
}
func (f *fakeRemote) CopyFile(from, to string) *reply.Reply {
	return f.add("copy", nil, from, to)
}
func (f *fakeRemote) RenameFile(fullName, newName string) *reply.Reply {
	return f.add("rename", nil, fullName, newName)
}
func (f *fakeRemote) MkRemoteDir(location, newName string) *reply.Reply {
	return f.add("mkdir", nil, location, newName)
}
func (f *fakeRemote) UploadFile(location, localFile string) *reply.Reply {
	return f.add("upload", nil, location, localFile)
}
func (f *fakeRemote) UploadBuffer(location string, data []byte, fileName string) *reply.Reply {
	return f.add("uploadBuffer", data, location, fileName)
}
func (f *fakeRemote) DownloadFile(localDest, remoteName string) *reply.Reply {
	return f.add("download", nil, localDest, remoteName)
}
func (f *fakeRemote) DownloadBuffer(remoteName string) *reply.Reply {
	return f.add("buffer", nil, remoteName)
}
func (f *fakeRemote) RunRemoteJob(appID string, params map[string]string, workingDir, _, _ string) *reply.Reply {
	args := []string{appID, workingDir}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k+"="+params[k])
	}
	return f.add("job", nil, args...)
}

type remoteNode struct {
	dir  bool
	data []byte
}

// remoteModel is an in-memory remote file system that answers listing,
// mkdir, upload and buffer requests.
type remoteModel struct {
	local afero.Fs
	nodes map[string]*remoteNode
}

func newRemoteModel(local afero.Fs, root string) *remoteModel {
	m := &remoteModel{local: local, nodes: map[string]*remoteNode{}}
	m.mkdirAll(root)
	return m
}

func (m *remoteModel) mkdirAll(p string) {
	for ; p != "/"; p = path.Dir(p) {
		if m.nodes[p] == nil {
			m.nodes[p] = &remoteNode{dir: true}
		}
	}
}

func (m *remoteModel) put(p, data string) {
	m.mkdirAll(path.Dir(p))
	m.nodes[p] = &remoteNode{data: []byte(data)}
}

func (m *remoteModel) entry(p string) agave.FileEntry {
	n := m.nodes[p]
	e := agave.FileEntry{Path: p, Name: path.Base(p), Type: agave.TypeFile, Size: int64(len(n.data))}
	if n.dir {
		e.Type = agave.TypeDir
	}
	return e
}

func (m *remoteModel) children(p string) []string {
	var names []string
	for q := range m.nodes {
		if path.Dir(q) == p && q != p {
			names = append(names, q)
		}
	}
	sort.Strings(names)
	return names
}

func (m *remoteModel) answer(t *testing.T, c *remoteCall) {
	t.Helper()
	switch c.op {
	case "ls":
		p := c.args[0]
		n := m.nodes[p]
		if n == nil || !n.dir {
			c.complete(reply.Failure(reply.FileNotFound))
			return
		}
		list := []agave.FileEntry{{Path: p, Name: ".", Type: agave.TypeDir}}
		for _, q := range m.children(p) {
			list = append(list, m.entry(q))
		}
		c.complete(reply.Success(list))
	case "mkdir":
		p := path.Join(c.args[0], c.args[1])
		if m.nodes[p] != nil {
			c.complete(reply.FailureMsg(reply.ExplicitError, "exists"))
			return
		}
		m.nodes[p] = &remoteNode{dir: true}
		c.complete(reply.Success(m.entry(p)))
	case "upload":
		data, err := afero.ReadFile(m.local, c.args[1])
		require.NoError(t, err)
		p := path.Join(c.args[0], path.Base(c.args[1]))
		m.nodes[p] = &remoteNode{data: data}
		c.complete(reply.Success(m.entry(p)))
	case "buffer":
		n := m.nodes[c.args[0]]
		if n == nil || n.dir {
			c.complete(reply.Failure(reply.FileNotFound))
			return
		}
		c.complete(reply.Outcome{State: reply.Good, Raw: n.data})
	default:
		t.Fatalf("model cannot answer %s", c.op)
	}
}

// drive answers open calls in order until none remain. check runs before
// every answer.
func (m *remoteModel) drive(t *testing.T, f *fakeRemote, check func()) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		open := f.open()
		if len(open) == 0 {
			return
		}
		if check != nil {
			check()
		}
		m.answer(t, open[0])
	}
	t.Fatal("remote did not settle")
}

type opResult struct {
	state reply.State
	msg   string
}

type fixture struct {
	op      *Operator
	remote  *fakeRemote
	local   afero.Fs
	model   *remoteModel
	results []opResult
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{remote: &fakeRemote{}, local: afero.NewMemMapFs()}
	fx.model = newRemoteModel(fx.local, "/alice")
	fx.op = New(Config{
		Remote:     fx.remote,
		Fs:         fx.local,
		Logger:     zap.NewNop(),
		RootFolder: "/alice",
	})
	fx.op.OnOpDone(func(s reply.State, msg string) {
		fx.results = append(fx.results, opResult{s, msg})
	})
	return fx
}

// loadRoot resets the operator and answers the root listing.
func (fx *fixture) loadRoot(t *testing.T) {
	t.Helper()
	fx.op.Reset("/alice")
	fx.model.answer(t, fx.remote.next(t, "ls"))
}

func (fx *fixture) last(t *testing.T) opResult {
	t.Helper()
	require.NotEmpty(t, fx.results, "no operation finished")
	return fx.results[len(fx.results)-1]
}

func hasPrefix(s, prefix string) bool { return strings.HasPrefix(s, prefix) }
