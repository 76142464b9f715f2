package storage

import (
	"bytes"
	"os"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestStorageFSRoundTrip(t *testing.T) {
	fs, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)

	content := []byte("jpeg bytes go here")
	require.NoError(t, WriteFile(fs, "photos/montana/helena/cam/20250601-120000.jpg", "image/jpeg", bytes.NewReader(content)))

	back, err := ReadFile(fs, "photos/montana/helena/cam/20250601-120000.jpg")
	require.NoError(t, err)
	require.Equal(t, content, back)

	require.NoError(t, fs.DeleteFile("photos/montana/helena/cam/20250601-120000.jpg"))
	_, err = ReadFile(fs, "photos/montana/helena/cam/20250601-120000.jpg")
	require.Error(t, err)
}

// ReadFile hands its descriptor to the caller on success and must release
// it on every failure path itself.
func TestStorageFSReadFileLeavesNoOpenHandles(t *testing.T) {
	fs, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, WriteFile(fs, "photos/x.jpg", "image/jpeg", bytes.NewReader([]byte("x"))))

	countFDs := func() int {
		fds, err := os.ReadDir("/proc/self/fd")
		require.NoError(t, err)
		return len(fds)
	}

	before := countFDs()
	for i := 0; i < 32; i++ {
		f, err := fs.ReadFile("photos/x.jpg")
		require.NoError(t, err)
		f.Reader.Close()
		_, err = fs.ReadFile("photos/missing.jpg")
		require.Error(t, err)
	}
	require.Equal(t, before, countFDs())
}

func TestStorageFSRejectsEscapingPaths(t *testing.T) {
	fs, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)

	_, err = fs.WriteFile("../outside.jpg", "image/jpeg")
	require.Error(t, err)
	_, err = fs.ReadFile("../outside.jpg")
	require.Error(t, err)

	_, err = fs.URL("photos/x.jpg")
	require.ErrorIs(t, err, ErrNoPublicUrl)
}
