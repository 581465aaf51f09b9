package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomicCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "deep", "state.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"ok":true}`), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestWriteFileAtomicVerifyFailureKeepsTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("original"), 0o644))

	err := WriteFileAtomic(path, []byte("replacement"), func([]byte) error {
		return errors.New("corrupt")
	})
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data), "target must survive a failed write")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be cleaned up")
}

func TestWriteFileAtomicVerifySeesWrittenBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")
	payload := []byte("payload-bytes")

	var seen []byte
	require.NoError(t, WriteFileAtomic(path, payload, func(b []byte) error {
		seen = append([]byte(nil), b...)
		return nil
	}))
	assert.Equal(t, payload, seen)
}

func TestWriteFileAtomicOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, WriteFileAtomic(path, []byte("v1"), nil))
	require.NoError(t, WriteFileAtomic(path, []byte("v2"), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}
