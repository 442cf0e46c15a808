package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faultline-systems/faultline/cli/pkg/output"
)

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"groups": false, "send": false, "seed": false, "usage": false, "workflow": false}
	for _, c := range rootCmd.Commands() {
		name := strings.Fields(c.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		assert.True(t, found, "expected command %q to be registered", name)
	}
}

func TestGroupsSubcommands(t *testing.T) {
	var names []string
	for _, c := range groupsCmd.Commands() {
		names = append(names, strings.Fields(c.Use)[0])
	}
	assert.ElementsMatch(t, []string{"list", "show", "stats", "resolve", "ignore", "reopen"}, names)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"api", "checkout"}, splitList(" api, ,checkout "))
	assert.Nil(t, splitList(""))
}

// run executes faultctl with args against server and returns stdout.
func run(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr, prevNoColor := output.Out, output.Err, color.NoColor
	output.Out, output.Err, color.NoColor = &out, &errOut, true
	t.Cleanup(func() { output.Out, output.Err, color.NoColor = prevOut, prevErr, prevNoColor })

	base := []string{"--config", filepath.Join(t.TempDir(), "cli.yaml"), "--server", server.URL, "--project", "shop"}
	rootCmd.SetArgs(append(base, args...))
	resetFlags(rootCmd)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// resetFlags restores defaults between runs of the shared command tree.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func TestSend(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/projects/shop/errors", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "checkout", body["service"])
		assert.Equal(t, "card declined", body["message"])
		assert.Equal(t, map[string]any{"type": "PaymentError", "value": "card declined"}, body["exception"])

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"raw_error_id":"raw-1","workflow_id":"error-processing-raw-1","run_id":"run-1"}`))
	}))
	defer server.Close()

	out, err := run(t, server, "send", "--service", "checkout", "--type", "PaymentError", "--value", "card declined")
	require.NoError(t, err)
	assert.Contains(t, out, "Accepted raw error raw-1")
	assert.Contains(t, out, "error-processing-raw-1")
}

func TestSend_RequiresService(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := run(t, server, "send", "--message", "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service")
}

func TestGroupsList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/projects/shop/groups", r.URL.Path)
		assert.Equal(t, "resolved", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"groups":[{"fingerprint":"9f2c","title":"PaymentError: card declined","service":"checkout","status":"resolved","health":"warning","occurrences":12,"users_affected":3}],"count":1}`))
	}))
	defer server.Close()

	out, err := run(t, server, "groups", "list", "--status", "resolved")
	require.NoError(t, err)
	assert.Contains(t, out, "Fingerprint")
	assert.Contains(t, out, "9f2c")
	assert.Contains(t, out, "PaymentError: card declined")
	assert.Contains(t, out, "warning")

	out, err = run(t, server, "groups", "list", "--status", "resolved", "-o", "json")
	require.NoError(t, err)
	var groups []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &groups))
	require.Len(t, groups, 1)
	assert.Equal(t, float64(12), groups[0]["occurrences"])
}

func TestGroupsResolve_PartialFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPatch, r.Method)
		if strings.HasSuffix(r.URL.Path, "/missing") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"group_not_found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"fingerprint":"abc","status":"resolved"}`))
	}))
	defer server.Close()

	out, err := run(t, server, "groups", "resolve", "abc", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "Resolved abc")
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidOutputFormat(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := run(t, server, "groups", "stats", "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/projects/shop/usage", r.URL.Path)
		_, _ = w.Write([]byte(`{"project_id":"shop","total_reports":42,"reports_last_hour":5,"reports_last_24h":40,"services_today":["api","checkout"],"pending":2}`))
	}))
	defer server.Close()

	out, err := run(t, server, "usage")
	require.NoError(t, err)
	assert.Contains(t, out, "Last 24h")
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "api,checkout")

	out, err = run(t, server, "usage", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "total_reports: 42")
}
