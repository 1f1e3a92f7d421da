package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/artpar/lambdaroll/internal/core/pipeline"
	"github.com/artpar/lambdaroll/internal/shell/events"
	"github.com/artpar/lambdaroll/internal/shell/store"
)

// =============================================================================
// Helpers
// =============================================================================

// syncBuffer is a bytes.Buffer safe for a command writing from another
// goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cliEnv struct {
	config string
	dsn    string
	source string
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newCLIEnv(t *testing.T, extra string) *cliEnv {
	t.Helper()
	clearEnv(t)

	dir := t.TempDir()
	env := &cliEnv{
		config: filepath.Join(dir, "lambdaroll.yaml"),
		dsn:    filepath.Join(dir, "lambdaroll.db"),
		source: filepath.Join(dir, "src"),
	}

	writeFile(t, filepath.Join(env.source, "lambda", "A001", "index.js"), "exports.handler = () => 1;\n")
	writeFile(t, filepath.Join(env.source, "lambda", "A002", "index.js"), "exports.handler = () => 2;\n")
	writeFile(t, filepath.Join(env.source, "lambda-layer", "nodejs", "package.json"), `{}`)
	writeFile(t, filepath.Join(env.source, "fleet.yaml"), "name: fleet-a\n")

	writeFile(t, env.config, fmt.Sprintf(`
database:
  dsn: %q
log:
  level: error
cloud:
  kind: memory
pipeline:
  fleet: fleet-a
  source_dir: %q
  work_dir: %q
  gate_poll_interval: 10ms
%s`, env.dsn, env.source, filepath.Join(dir, "snapshots"), extra))
	return env
}

func (e *cliEnv) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"--config", e.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *cliEnv) store(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(e.dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// waitGate waits for the pending gate of the given stage.
func (e *cliEnv) waitGate(t *testing.T, s store.Store, stage domain.Stage) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		gates, err := s.ListPendingGates(context.Background())
		if err != nil {
			return false
		}
		for _, g := range gates {
			if g.Stage == stage {
				id = g.ID
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)
	return id
}

// startRun runs the foreground pipeline in a goroutine.
func (e *cliEnv) startRun(args ...string) (<-chan int, *syncBuffer) {
	out := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- run(append([]string{"--config", e.config, "run"}, args...), out, &syncBuffer{})
	}()
	return done, out
}

// approveAll approves both gates of the run in progress from separate CLI
// invocations.
func (e *cliEnv) approveAll(t *testing.T, s store.Store) {
	t.Helper()
	for _, stage := range []domain.Stage{domain.StageApproveUnits, domain.StageApproveLayer} {
		gateID := e.waitGate(t, s, stage)
		code, _, stderr := e.run("approve", gateID, "--identity", "alice")
		require.Equal(t, ExitSuccess, code, stderr)
	}
}

func waitExit(t *testing.T, done <-chan int) int {
	t.Helper()
	select {
	case code := <-done:
		return code
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
		return -1
	}
}

// =============================================================================
// Basic Commands
// =============================================================================

func TestVersionCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"version"}, &stdout, &stderr)

	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout.String(), "lambdaroll dev")
}

func TestUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"deploy-everything"}, &stdout, &stderr)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestMissingConfigFile(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	code := run([]string{"--config", "/nonexistent/lambdaroll.yaml", "status"}, &stdout, &stderr)

	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr.String(), "load config")
}

func TestStatus_NoRuns(t *testing.T) {
	env := newCLIEnv(t, "")

	code, stdout, _ := env.run("status")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "no runs")

	code, stdout, _ = env.run("gates")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "no pending gates")

	code, stdout, _ = env.run("layers", "AwsSdkLayer", "-o", "json")
	assert.Equal(t, ExitSuccess, code)
	assert.JSONEq(t, "[]", stdout)
}

func TestStatus_UnknownFormat(t *testing.T) {
	env := newCLIEnv(t, "")

	code, _, stderr := env.run("status", "-o", "xml")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "unknown format")
}

func TestStatus_UnknownRun(t *testing.T) {
	env := newCLIEnv(t, "")

	code, _, stderr := env.run("status", "does-not-exist")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "get run")
}

func TestApprove_UnknownGate(t *testing.T) {
	env := newCLIEnv(t, "")

	code, _, stderr := env.run("approve", "does-not-exist", "--identity", "alice")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "approve")
}

// =============================================================================
// Foreground Runs
// =============================================================================

func TestRunCommand_ApprovedFromAnotherProcess(t *testing.T) {
	env := newCLIEnv(t, "")
	s := env.store(t)

	done, out := env.startRun("--ref", "main@abc123")

	gateID := env.waitGate(t, s, domain.StageApproveUnits)
	code, stdout, stderr := env.run("approve", gateID, "--identity", "alice", "--comment", "ship it")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "approved by alice")

	gateID = env.waitGate(t, s, domain.StageApproveLayer)
	code, _, stderr = env.run("approve", gateID, "--identity", "alice")
	require.Equal(t, ExitSuccess, code, stderr)

	require.Equal(t, ExitSuccess, waitExit(t, done), out.String())

	progress := out.String()
	assert.Contains(t, progress, "UpdateUnits")
	assert.Contains(t, progress, "updated=2 failed=0")
	assert.Contains(t, progress, "version=AwsSdkLayer:1")
	assert.Contains(t, progress, "succeeded")

	runs, err := s.ListRuns(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "main@abc123", runs[0].SourceRef)

	code, stdout, _ = env.run("status", runs[0].ID, "-o", "json")
	require.Equal(t, ExitSuccess, code)
	var got domain.PipelineRun
	require.NoError(t, json.Unmarshal([]byte(stdout), &got))
	assert.Equal(t, domain.RunSucceeded, got.Status)
	require.Len(t, got.Stages, 5)
	assert.Equal(t, "alice", mustGate(t, s, got.Stages[1].GateID).DecidedBy)
	assert.Equal(t, "ship it", mustGate(t, s, got.Stages[1].GateID).Comment)

	code, stdout, _ = env.run("status", runs[0].ID)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "status: succeeded")
	assert.Contains(t, stdout, "AwsSdkLayer:1")

	code, stdout, _ = env.run("layers", "AwsSdkLayer", "-o", "yaml")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "layer_name: AwsSdkLayer")
	assert.Contains(t, stdout, "version: 1")
}

func TestRunCommand_RepeatedDryRunsShareDatabase(t *testing.T) {
	env := newCLIEnv(t, "")
	s := env.store(t)

	for i, want := range []string{"version=AwsSdkLayer:1", "version=AwsSdkLayer:2"} {
		done, out := env.startRun("--ref", fmt.Sprintf("main@%d", i))
		env.approveAll(t, s)

		require.Equal(t, ExitSuccess, waitExit(t, done), out.String())
		assert.Contains(t, out.String(), want)
	}

	versions, err := s.ListLayerVersions(context.Background(), "AwsSdkLayer", store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(2), versions[0].Version)
	assert.Equal(t, int64(1), versions[1].Version)
}

func TestRunCommand_RejectedStopsAtGate(t *testing.T) {
	env := newCLIEnv(t, "auth:\n  approvers: [alice]\n")
	s := env.store(t)

	done, out := env.startRun()

	gateID := env.waitGate(t, s, domain.StageApproveUnits)

	code, _, stderr := env.run("approve", gateID, "--identity", "mallory")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "not an approver")

	code, _, stderr = env.run("reject", gateID, "--identity", "alice", "--comment", "wrong branch")
	require.Equal(t, ExitSuccess, code, stderr)

	assert.Equal(t, ExitRunStopped, waitExit(t, done))
	assert.Contains(t, out.String(), "stopped_at_gate")

	code, stdout, _ := env.run("status")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout, "stopped_at_gate")
}

func TestRunCommand_NoSourceDir(t *testing.T) {
	env := newCLIEnv(t, "")
	writeFile(t, env.config, fmt.Sprintf("database:\n  dsn: %q\n", env.dsn))

	code, _, stderr := env.run("run")
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr, "no source dir")
}

func TestCancelCommand_PendingRun(t *testing.T) {
	env := newCLIEnv(t, "")
	s := env.store(t)

	run := domain.NewPipelineRun("fleet-a", "main@abc", env.source, pipeline.StageOrder())
	require.NoError(t, s.CreateRun(context.Background(), run))

	code, stdout, stderr := env.run("cancel", run.ID, "--reason", "superseded")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "stopped_at_gate")

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStoppedAtGate, got.Status)
	assert.Equal(t, "superseded", got.ErrorMessage)
}

func TestCancelCommand_RunWaitingAtGate(t *testing.T) {
	env := newCLIEnv(t, "")
	s := env.store(t)

	done, out := env.startRun()
	env.waitGate(t, s, domain.StageApproveUnits)

	runs, err := s.ListRuns(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, runs, 1)

	code, stdout, stderr := env.run("cancel", runs[0].ID, "--reason", "superseded")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stdout, "run "+runs[0].ID+" stopped_at_gate")

	assert.Equal(t, ExitRunStopped, waitExit(t, done), out.String())

	got, err := s.GetRun(context.Background(), runs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStoppedAtGate, got.Status)
	approve, err := got.Stage(domain.StageApproveUnits)
	require.NoError(t, err)
	assert.Equal(t, domain.KindGateAbandoned, approve.ErrorKind)
}

func mustGate(t *testing.T, s store.Store, id string) *domain.Gate {
	t.Helper()
	g, err := s.GetGate(context.Background(), id)
	require.NoError(t, err)
	return g
}

// =============================================================================
// Progress Printer
// =============================================================================

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf)

	p.Publish(events.Event{Type: events.TypeStageCompleted, Payload: domain.StageReport{
		Stage:  domain.StageUpdateUnits,
		Status: domain.StageFailed,
		Report: domain.Report{
			Updated: []string{"A001Function"},
			Failed:  []domain.UnitFailure{{Unit: "A002Function", Cause: "throttled"}},
		},
		ErrorMessage: "1 unit failed",
	}})
	p.Publish(events.Event{Type: events.TypeStageCompleted, Payload: domain.StageReport{
		Stage:  domain.StageApproveUnits,
		Status: domain.StageSucceeded,
	}})
	p.Publish(events.Event{Type: events.TypeGateOpened, Payload: domain.Gate{ID: "g-1", Stage: domain.StageApproveLayer, Info: "review"}})
	p.Publish(events.Event{Type: events.TypeRunFinished, Payload: &domain.PipelineRun{ID: "r-1", Status: domain.RunFailed, ErrorMessage: "tolerance exceeded"}})
	p.Publish(events.Event{Type: "unknown", Payload: 42})

	out := buf.String()
	assert.Contains(t, out, "UpdateUnits")
	assert.Contains(t, out, "updated=1 failed=1")
	assert.Contains(t, out, "A002Function: throttled")
	assert.Contains(t, out, "lambdaroll approve g-1")
	assert.Contains(t, out, "run r-1 failed: tolerance exceeded")

	lines := strings.Split(out, "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.True(t, strings.HasPrefix(lines[2], "ApproveUnits"), lines[2])
	assert.NotContains(t, lines[2], "updated=")
}
