package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_AcquireAndRead(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "state", "daemon.pid"))

	require.NoError(t, p.Acquire(os.Getpid()))

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	alive, livePID := p.Alive()
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), livePID)
}

func TestPIDFile_AcquireWhileAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	p := NewPIDFile(path)

	// The test process itself plays the running daemon.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600))

	err := p.Acquire(os.Getpid())
	require.Error(t, err)

	var already *AlreadyRunningError
	require.True(t, errors.As(err, &already))
	assert.Equal(t, os.Getpid(), already.PID)

	// The existing record must be left untouched.
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_StaleRecordIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	p := NewPIDFile(path)

	// A PID far above the kernel's pid_max cannot belong to a live process.
	require.NoError(t, os.WriteFile(path, []byte("99999999"), 0o600))

	alive, _ := p.Alive()
	require.False(t, alive)

	require.NoError(t, p.Acquire(os.Getpid()))

	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFile_MalformedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o600))

	p := NewPIDFile(path)

	_, err := p.Read()
	assert.Error(t, err)

	alive, _ := p.Alive()
	assert.False(t, alive)
}

func TestPIDFile_RemoveIsIdempotent(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "daemon.pid"))

	require.NoError(t, p.Acquire(os.Getpid()))
	require.NoError(t, p.Remove())
	assert.NoError(t, p.Remove(), "removing a missing record must not fail")

	alive, _ := p.Alive()
	assert.False(t, alive)
}
