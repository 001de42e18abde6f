package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourneighborhoodchef/nodeping/internal/client"
	"github.com/yourneighborhoodchef/nodeping/internal/inputs"
)

// nodeAPI answers session and ping calls for every proxy.
type nodeAPI struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (n *nodeAPI) factory(proxyURL string, _ time.Duration) (*client.ProxiedClient, error) {
	return &client.ProxiedClient{Doer: doerFunc(func(req *http.Request) (*http.Response, error) {
		n.mu.Lock()
		if n.calls == nil {
			n.calls = map[string][]string{}
		}
		n.calls[req.URL.Path] = append(n.calls[req.URL.Path], proxyURL)
		n.mu.Unlock()

		body := `{"code":0,"data":{"ip_score":90}}`
		if strings.HasSuffix(req.URL.Path, "/session") {
			body = `{"code":0,"data":{"uid":"u-` + req.URL.Host + `"}}`
		}
		return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}, nil
	}), ProxyURL: proxyURL}, nil
}

func (n *nodeAPI) count(path string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls[path])
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func executeCLI(t *testing.T, ctx context.Context, opts *runOptions, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd()
	for _, c := range root.Commands() {
		if c.Name() == "run" {
			root.RemoveCommand(c)
		}
	}
	root.AddCommand(newRunCmdWith(opts))

	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), err
}

func writeLines(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func TestVersionPrintsVersion(t *testing.T) {
	stdout, err := executeCLI(t, context.Background(), &runOptions{}, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}

func TestRunFailsWithoutTokens(t *testing.T) {
	dir := t.TempDir()
	tokens := writeLines(t, dir, "token.txt", "# no tokens yet")
	proxies := writeLines(t, dir, "proxy.txt", "1.2.3.4:8080")

	_, err := executeCLI(t, context.Background(), &runOptions{},
		"run",
		"--env-file", filepath.Join(dir, "absent.env"),
		"--tokens", tokens,
		"--proxies", proxies,
	)
	assert.ErrorIs(t, err, inputs.ErrNoTokens)
}

func TestRunFailsWithMissingProxyFile(t *testing.T) {
	dir := t.TempDir()
	tokens := writeLines(t, dir, "token.txt", "tok1")

	_, err := executeCLI(t, context.Background(), &runOptions{},
		"run",
		"--env-file", filepath.Join(dir, "absent.env"),
		"--tokens", tokens,
		"--proxies", filepath.Join(dir, "proxy.txt"),
	)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()

	for _, limit := range []string{"0", "4"} {
		_, err := executeCLI(t, context.Background(), &runOptions{},
			"run",
			"--env-file", filepath.Join(dir, "absent.env"),
			"--max-per-token", limit,
		)
		require.Error(t, err, "max-per-token=%s", limit)
		assert.Contains(t, err.Error(), "max proxies per token")
	}
}

func TestRunHeartbeatsUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	tokens := writeLines(t, dir, "token.txt", "tok1", "tok2")
	proxies := writeLines(t, dir, "proxy.txt", "p1:8080", "p2:8080", "p3:8080")
	api := &nodeAPI{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := executeCLI(t, ctx, &runOptions{factory: api.factory},
			"run",
			"--env-file", filepath.Join(dir, "absent.env"),
			"--tokens", tokens,
			"--proxies", proxies,
			"--interval", "20ms",
			"--session-cache", filepath.Join(dir, "sessions.toml"),
			"--log-level", "warn",
		)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return api.count("/api/network/ping") >= 6
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	assert.Equal(t, 3, api.count("/api/auth/session"), "one session per proxy")
	assert.FileExists(t, filepath.Join(dir, "sessions.toml"))
}
