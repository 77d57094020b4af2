package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fcrepo4-archive/benchtool/fedora"
	"github.com/fcrepo4-archive/benchtool/harness"
	"github.com/fcrepo4-archive/benchtool/history"
	"github.com/fcrepo4-archive/benchtool/report"
)

// runViper parses args with the run command's flags and returns the bound
// viper instance.
func runViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()

	a := &app{v: viper.New()}
	cmd := newRunCmd(a)

	require.NoError(t, cmd.ParseFlags(args))
	require.NoError(t, a.v.BindPFlags(cmd.Flags()))

	return a.v
}

func TestLoadRunOptionsDefaults(t *testing.T) {
	opts, err := loadRunOptions(runViper(t))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", opts.FedoraURL)
	assert.Equal(t, harness.ActionCreate, opts.Bench.Action)
	assert.Equal(t, 1, opts.Bench.NumActions)
	assert.Equal(t, int64(1024), opts.Bench.SizeBytes)
	assert.Equal(t, 1, opts.Bench.NumThreads)
	assert.Equal(t, harness.TransactionNone, opts.Bench.Transaction)
	assert.Equal(t, "durations.log", opts.DurationLog)
	assert.Equal(t, fedora.DialectAuto, opts.Dialect)
	assert.Equal(t, report.FormatMarkdown, opts.Format)
	assert.Zero(t, opts.RequestTimeout)
}

func TestLoadRunOptionsFlags(t *testing.T) {
	opts, err := loadRunOptions(runViper(t,
		"-f", "http://fedora:8080/",
		"-a", "INGEST",
		"-n", "500",
		"-s", "10MiB",
		"-t", "8",
		"-u", "fedoraAdmin",
		"-p", "secret",
		"-l", "/tmp/d.log",
		"--dialect", "fcrepo3",
		"--id-prefix", "benchfc4",
		"--seed", "42",
		"--request-timeout", "30s",
		"--format", "yaml",
	))
	require.NoError(t, err)

	assert.Equal(t, "http://fedora:8080", opts.FedoraURL)
	assert.Equal(t, harness.ActionCreate, opts.Bench.Action)
	assert.Equal(t, 500, opts.Bench.NumActions)
	assert.Equal(t, int64(10*1024*1024), opts.Bench.SizeBytes)
	assert.Equal(t, 8, opts.Bench.NumThreads)
	assert.Equal(t, "fedoraAdmin", opts.User)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, "/tmp/d.log", opts.DurationLog)
	assert.Equal(t, fedora.DialectFC3, opts.Dialect)
	assert.Equal(t, "benchfc4", opts.IDPrefix)
	assert.Equal(t, int64(42), opts.Seed)
	assert.Equal(t, 30*time.Second, opts.RequestTimeout)
	assert.Equal(t, report.FormatYAML, opts.Format)
}

func TestLoadRunOptionsRejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown action", []string{"-a", "explode"}, "unknown action"},
		{"bad size", []string{"-s", "lots"}, "invalid size"},
		{"size beyond int64", []string{"-s", "9EiB"}, "exceeds the largest supported size"},
		{"existing create", []string{"--existing"}, "cannot target existing objects"},
		{"no actions", []string{"-n", "0"}, "number of actions"},
		{"no threads", []string{"-t", "0"}, "number of threads"},
		{"bad transaction", []string{"--transaction", "maybe"}, "transaction mode"},
		{"transaction around create_tx", []string{"-a", "create_tx", "--transaction", "commit"}, "cannot wrap"},
		{"bad dialect", []string{"--dialect", "fcrepo5"}, "dialect"},
		{"bad format", []string{"--format", "csv"}, "report format"},
		{"negative timeout", []string{"--request-timeout=-1s"}, "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadRunOptions(runViper(t, tt.args...))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var stderr bytes.Buffer

	logger, closer, err := newLogger(&stderr, logSettings{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Nil(t, closer)

	logger.Debug("hello", "k", 1)

	var line map[string]any
	require.NoError(t, json.Unmarshal(stderr.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "DEBUG", line["level"])

	_, _, err = newLogger(&stderr, logSettings{Level: "loud"})
	assert.Error(t, err)

	_, _, err = newLogger(&stderr, logSettings{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

func TestNewLoggerFile(t *testing.T) {
	var stderr bytes.Buffer

	path := filepath.Join(t.TempDir(), "benchtool.log")

	logger, closer, err := newLogger(&stderr, logSettings{Level: "info", File: path})
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Info("to both")
	logger.Debug("filtered")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Contains(t, string(data), "to both")
	assert.NotContains(t, string(data), "filtered")
	assert.Contains(t, stderr.String(), "to both")
}

const landingPage = `<html><head><title>Fedora Commons Repository 4.0</title></head>
<body>You probably want to visit something a little more interesting, such as:
<a href="/rest">the Fedora REST API endpoint</a></body></html>`

// newFakeFC4 answers every repository call with its success status.
func newFakeFC4(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)

		switch r.Method {
		case http.MethodGet:
			switch r.URL.Path {
			case "/":
				_, _ = io.WriteString(w, landingPage)
			case "/rest":
				w.Header().Set("Content-Type", "application/ld+json")
				_, _ = io.WriteString(w, `[{"@id":"`+"http://"+r.Host+`/rest"}]`)
			case "/rest/objects":
				base := "http://" + r.Host + "/rest/objects"
				w.Header().Set("Content-Type", "application/ld+json")
				_, _ = io.WriteString(w, `[{"@id":"`+base+`","http://www.w3.org/ns/ldp#contains":[`+
					`{"@id":"`+base+`/x1"},{"@id":"`+base+`/x2"}]}]`)
			default:
				_, _ = io.WriteString(w, "content")
			}
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) (string, string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	root := newRootCmd(&stdout, &stderr)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)

	return stdout.String(), stderr.String(), err
}

func TestRunCommand(t *testing.T) {
	srv := newFakeFC4(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "history.db")
	durations := filepath.Join(dir, "durations.log")

	stdout, _, err := execute(t, "run",
		"-f", srv.URL,
		"-a", "create",
		"-n", "6",
		"-t", "3",
		"-s", "2KiB",
		"-l", durations,
		"--format", "json",
		"--history-db", db,
	)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "create", doc["action"])
	assert.Equal(t, float64(6), doc["count"])
	assert.Equal(t, "fcrepo4", doc["dialect"])
	assert.Equal(t, float64(6*2048), doc["total_bytes"])

	data, err := os.ReadFile(durations)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 6)

	store, err := history.Open(context.Background(), db)
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, doc["run_id"], runs[0].ID)
	assert.Equal(t, 6, runs[0].Count)
	assert.False(t, runs[0].Failed())
}

func TestRunCommandOnExistingObjects(t *testing.T) {
	srv := newFakeFC4(t)

	stdout, _, err := execute(t, "run",
		"-f", srv.URL,
		"-a", "read",
		"--existing",
		"-n", "5",
		"-t", "2",
		"-l", filepath.Join(t.TempDir(), "durations.log"),
		"--format", "json",
	)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &doc))
	assert.Equal(t, "read", doc["action"])
	assert.Equal(t, float64(5), doc["count"])

	_, _, err = execute(t, "run",
		"-f", srv.URL,
		"-a", "delete",
		"--existing",
		"-n", "3",
		"-l", filepath.Join(t.TempDir(), "durations.log"),
	)
	assert.ErrorContains(t, err, "need distinct objects")
}

func TestRunCommandConfigFileAndEnv(t *testing.T) {
	srv := newFakeFC4(t)
	dir := t.TempDir()

	cfg := filepath.Join(dir, "bench.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(
		"fedora-url: "+srv.URL+"\n"+
			"action: sparql_insert\n"+
			"num-actions: 4\n"+
			"log: "+filepath.Join(dir, "d.log")+"\n",
	), 0o644))

	t.Setenv("BENCHTOOL_NUM_THREADS", "2")
	t.Setenv("BENCHTOOL_FORMAT", "yaml")

	stdout, _, err := execute(t, "run", "--config", cfg)
	require.NoError(t, err)

	assert.Contains(t, stdout, "action: sparql_insert")
	assert.Contains(t, stdout, "count: 4")
	assert.Contains(t, stdout, "num_threads: 2")
}

func TestRunCommandRecordsFailedRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/" {
			_, _ = io.WriteString(w, landingPage)

			return
		}

		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	db := filepath.Join(dir, "history.db")

	_, _, err := execute(t, "run",
		"-f", srv.URL,
		"-a", "create",
		"-l", filepath.Join(dir, "d.log"),
		"--history-db", db,
	)
	require.Error(t, err)

	stdout, _, err := execute(t, "history", "--history-db", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "failed:")
}

func TestRunCommandInterruptedRollsBack(t *testing.T) {
	var rollbacks atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/":
			_, _ = io.WriteString(w, landingPage)
		case r.Method == http.MethodGet:
			_, _ = io.WriteString(w, `[]`)
		case r.URL.Path == "/rest/fcr:tx":
			w.Header().Set("Location", "http://"+r.Host+"/rest/tx:slow")
			w.WriteHeader(http.StatusCreated)
		case r.URL.Path == "/rest/tx:slow/fcr:tx/fcr:rollback":
			rollbacks.Add(1)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost:
			time.Sleep(200 * time.Millisecond)
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	db := filepath.Join(dir, "history.db")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, _, err := executeContext(t, ctx, "run",
		"-f", srv.URL,
		"-a", "create",
		"-n", "20",
		"--transaction", "commit",
		"-l", filepath.Join(dir, "d.log"),
		"--history-db", db,
	)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), rollbacks.Load())

	stdout, _, err := execute(t, "history", "--history-db", db)
	require.NoError(t, err)
	assert.Contains(t, stdout, "failed:")
}

func TestProbeCommand(t *testing.T) {
	srv := newFakeFC4(t)

	stdout, _, err := execute(t, "probe", "-f", srv.URL)
	require.NoError(t, err)

	assert.Contains(t, stdout, srv.URL+": fcrepo4")
	assert.Contains(t, stdout, "cluster size: 0")
}

func TestProbeUnknownServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>something else</html>")
	}))
	defer srv.Close()

	_, _, err := execute(t, "probe", "-f", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to determine repository version")
}

func TestHistoryRequiresDatabase(t *testing.T) {
	_, _, err := execute(t, "history")
	require.Error(t, err)
}

func TestWriteRuns(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, writeRuns(&buf, []history.Run{
		{
			ID:             "run-a",
			StartedAt:      now.Add(-2 * time.Hour),
			Action:         "create",
			NumActions:     100,
			NumThreads:     4,
			SizeBytes:      1 << 20,
			WallMillis:     1234,
			ThroughputMBps: 80.25,
		},
		{
			ID:         "run-b",
			StartedAt:  now.Add(-time.Minute),
			Action:     "delete",
			NumActions: 10,
			NumThreads: 1,
			Error:      "boom",
		},
	}, now))

	out := buf.String()
	assert.Contains(t, out, "| run-a | 2 hours ago | create | 100 | 4 | 1.0 MiB | 1234ms | 80.25 MB/s | ok |")
	assert.Contains(t, out, "| run-b | 1 minute ago | delete | 10 | 1 | - | 0ms | - | failed: boom |")

	buf.Reset()
	require.NoError(t, writeRuns(&buf, nil, now))
	assert.Equal(t, "No runs recorded.\n", buf.String())
}
