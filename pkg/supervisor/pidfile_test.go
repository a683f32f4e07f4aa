package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderPidfile(t *testing.T) {
	out := renderPidfile(pidfileContents{
		AgentPID:     123,
		SemaphoreID:  "sem-1",
		Children:     []childLine{{PID: 456, Name: "postgres"}, {PID: 789, Name: "loop"}},
		VersionPaths: []string{"/run/pgkeeper/postgres.version"},
	})
	require.Equal(t, "123\nsem-1\n456 postgres\n789 loop\n/run/pgkeeper/postgres.version\n", string(out))
}

func TestWriteAndReadPidfileAgentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.pid")
	require.NoError(t, writePidfile(path, pidfileContents{AgentPID: os.Getpid(), SemaphoreID: "sem-1"}))

	pid, err := readPidfileAgentPID(path)
	require.NoError(t, err)
	require.Equal(t, os.Getpid(), pid)
}

func TestReadPidfileAgentPID_MalformedFirstLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\nsem-1\n"), 0o644))

	_, err := readPidfileAgentPID(path)
	require.Error(t, err)
}

func TestReadPidfileAgentPID_Missing(t *testing.T) {
	_, err := readPidfileAgentPID(filepath.Join(t.TempDir(), "absent.pid"))
	require.Error(t, err)
}

func TestProcessAlive(t *testing.T) {
	require.True(t, processAlive(os.Getpid()))
	require.False(t, processAlive(0))
}
