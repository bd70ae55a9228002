package models

import (
	"bufio"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"build", "build"},
		{"unit tests", "unit-tests"},
		{"deploy/prod", "deploy-prod"},
		{"v1.2_rc-3", "v1.2_rc-3"},
		{"päck@ge", "p-ck-ge"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in))
	}
}

func TestSetStatusSticksOnTerminal(t *testing.T) {
	run := &PipelineRun{Status: StatusPending}

	assert.True(t, run.SetStatus(StatusRunning))
	assert.True(t, run.SetStatus(StatusFailed))

	// a settled verdict never changes again
	assert.False(t, run.SetStatus(StatusSuccess))
	assert.Equal(t, StatusFailed, run.Status)
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateManual.Terminal())
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateSuccess.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateSkipped.Terminal())
	assert.True(t, StateCancelled.Terminal())

	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestJobLogger(t *testing.T) {
	base := t.TempDir()

	jl, err := NewJobLogger(base, "run one", "unit tests")
	require.NoError(t, err)

	_, err = jl.Stdout().Write([]byte("building\n"))
	require.NoError(t, err)
	_, err = jl.Stderr().Write([]byte("warning: deprecated\r\n"))
	require.NoError(t, err)
	require.NoError(t, jl.Close())

	// file names are normalized
	assert.Equal(t, filepath.Join(base, "run-one", "unit-tests.log"), LogFilePath(base, "run one", "unit tests"))

	f, err := OpenLogFile(base, "run one", "unit tests")
	require.NoError(t, err)
	defer f.Close()

	var lines []LogLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line LogLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, lines, 2)
	assert.Equal(t, LogLine{Stream: "stdout", Data: "building"}, lines[0])
	assert.Equal(t, LogLine{Stream: "stderr", Data: "warning: deprecated"}, lines[1])
}

func TestOpenLogFileMissing(t *testing.T) {
	_, err := OpenLogFile(t.TempDir(), "run", "job")
	assert.Error(t, err)
}
