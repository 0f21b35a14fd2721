package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Interface compliance (compile-time assertion)
var _ Runtime = (*ProcessRuntime)(nil)

func shellRuntime(t *testing.T, optFns ...func(o *Options)) *ProcessRuntime {
	t.Helper()
	m := NewWorkspaceManager(t.TempDir())
	fns := append([]func(o *Options){func(o *Options) { o.Interpreter = "sh" }}, optFns...)
	return NewProcessRuntime(m, fns...)
}

func TestProcessRuntime_IsolatedSuccess(t *testing.T) {
	r := shellRuntime(t)
	res, err := r.ExecInWorkspace(context.Background(), "alice", "echo hello", ModeIsolated)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, "hello\n", res.Stdout)
}

func TestProcessRuntime_NonZeroExitIsResultNotError(t *testing.T) {
	r := shellRuntime(t)
	res, err := r.ExecInWorkspace(context.Background(), "alice", "echo boom >&2; exit 3", ModeIsolated)
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Contains(t, res.Stderr, "boom")
}

func TestProcessRuntime_TimeoutIsFatal(t *testing.T) {
	r := shellRuntime(t, func(o *Options) { o.IsolatedTimeout = 100 * time.Millisecond })
	res, err := r.ExecInWorkspace(context.Background(), "alice", "sleep 5", ModeIsolated)
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	require.NotNil(t, res)
	require.Equal(t, -1, res.ExitCode)
}

func TestProcessRuntime_PersistentPersistsScriptAndLog(t *testing.T) {
	m := NewWorkspaceManager(t.TempDir())
	r := NewProcessRuntime(m, func(o *Options) { o.Interpreter = "sh" })

	res, err := r.ExecInWorkspace(context.Background(), "bob", "echo persisted", ModePersistent)
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)

	scripts, err := r.ListWorkspaceFiles("bob", DirScripts)
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	require.True(t, strings.HasPrefix(scripts[0], "run_"))

	logs, err := r.ListWorkspaceFiles("bob", DirLogs)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	logBody, err := r.ReadWorkspaceFile("bob", DirLogs+"/"+logs[0])
	require.NoError(t, err)
	require.Contains(t, string(logBody), "persisted")
}

func TestProcessRuntime_IsolatedPersistsNothing(t *testing.T) {
	r := shellRuntime(t)
	_, err := r.ExecInWorkspace(context.Background(), "carol", "echo gone", ModeIsolated)
	require.NoError(t, err)

	scripts, err := r.ListWorkspaceFiles("carol", DirScripts)
	require.NoError(t, err)
	require.Empty(t, scripts)
}

func TestProcessRuntime_UnknownMode(t *testing.T) {
	r := shellRuntime(t)
	_, err := r.ExecInWorkspace(context.Background(), "alice", "echo x", Mode("weird"))
	require.Error(t, err)
}
