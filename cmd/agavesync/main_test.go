package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mitchellh/go-homedir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/agavesync/internal/config"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"compression_type=tgz", "inputFile=/a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"compression_type": "tgz", "inputFile": "/a=b"}, params)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func TestReadJobFile(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
appId: compress-0.1u1
name: pack data
archivePath: /alice/archive
parameters:
  compression_type: tgz
inputs:
  directory: agave://designsafe.storage.default/alice/data
`), 0o644))
	jf, err := readJobFile(yamlPath)
	require.NoError(t, err)
	require.NotNil(t, jf.request)
	assert.Equal(t, "compress-0.1u1", jf.request.AppID)
	assert.Equal(t, "pack data", jf.request.Name)
	assert.Equal(t, "/alice/archive", jf.request.ArchivePath)
	assert.Equal(t, "tgz", jf.request.Parameters["compression_type"])

	jsonPath := filepath.Join(dir, "job.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"appId":"x"}`), 0o644))
	jf, err = readJobFile(jsonPath)
	require.NoError(t, err)
	assert.Nil(t, jf.request)
	assert.Equal(t, `{"appId":"x"}`, string(jf.raw))

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: no app\n"), 0o644))
	_, err = readJobFile(bad)
	assert.ErrorContains(t, err, "no appId")

	_, err = readJobFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLocalPathExpandsHome(t *testing.T) {
	home, err := homedir.Dir()
	require.NoError(t, err)

	got, err := localPath("~/data")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data"), got)

	got, err = localPath("rel")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
}

func TestCredentialsPrompt(t *testing.T) {
	var stderr bytes.Buffer
	opts := &rootOptions{stdin: strings.NewReader("alice\nsecret\n"), stderr: &stderr}

	user, pass, err := opts.credentials(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "secret", pass)
	assert.Contains(t, stderr.String(), "Username: ")
	assert.Contains(t, stderr.String(), "Password: ")

	opts = &rootOptions{stdin: strings.NewReader(""), stderr: &stderr}
	user, pass, err = opts.credentials(&config.Config{Username: "bob", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "bob", user)
	assert.Equal(t, "pw", pass)

	opts = &rootOptions{stdin: strings.NewReader("\n"), stderr: &stderr}
	_, _, err = opts.credentials(&config.Config{})
	assert.Error(t, err)
}

func TestConfigFlagOverrides(t *testing.T) {
	t.Setenv("AGAVE_TENANT", "https://env.example.org")
	t.Setenv("AGAVE_STORAGE", "env.storage")

	opts := &rootOptions{tenant: "https://flag.example.org/", storage: "flag.storage", rootFolder: "/shared"}
	cfg, err := opts.config()
	require.NoError(t, err)
	assert.Equal(t, "https://flag.example.org", cfg.Tenant)
	assert.Equal(t, "flag.storage", cfg.Storage)
	assert.Equal(t, "/shared", cfg.HomeFolder("alice"))

	opts = &rootOptions{tenant: "not a url"}
	_, err = opts.config()
	assert.Error(t, err)

	t.Setenv("AGAVE_TENANT", "not a url")
	opts = &rootOptions{tenant: "https://flag.example.org"}
	cfg, err = opts.config()
	require.NoError(t, err, "a flag replaces a bad environment value")
	assert.Equal(t, "https://flag.example.org", cfg.Tenant)
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	var out bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cmd := newRootCommand(ctx, strings.NewReader(""), &out, &out)

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"login", "whoami", "ls", "get", "put", "cat", "rm", "mv", "cp", "rename", "mkdir", "compress", "extract", "jobs", "apps"} {
		assert.True(t, names[want], want)
	}
}
