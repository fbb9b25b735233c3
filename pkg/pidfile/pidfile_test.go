package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_CreateAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "drivedetectd.pid")
	p := New(path)

	require.NoError(t, p.Create())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", string(data))

	// our own PID does not block a second Create
	require.NoError(t, p.Create())

	require.NoError(t, p.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, p.Remove())
}

func TestPIDFile_LiveOwnerBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drivedetectd.pid")
	p := New(path)
	p.pid = os.Getpid() + 1

	// the file is owned by this (live) test process
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	err := p.Create()
	assert.ErrorIs(t, err, ErrRunning)

	running, pid, err := p.CheckRunning()
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	assert.Error(t, p.Remove(), "must not remove a file owned by another PID")
}

func TestPIDFile_InvalidContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drivedetectd.pid")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, _, err := New(path).CheckRunning()
	assert.Error(t, err)
}
