package model

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPage(t *testing.T) {
	p := NewPage(nil, 45, 2, 20)
	assert.Equal(t, 3, p.Pages)
	assert.True(t, p.HasNext)
	assert.True(t, p.HasPrev)
	assert.NotNil(t, p.Items)

	last := NewPage(nil, 45, 3, 20)
	assert.False(t, last.HasNext)

	empty := NewPage(nil, 0, 1, 20)
	assert.Equal(t, 0, empty.Pages)
	assert.False(t, empty.HasNext)
	assert.False(t, empty.HasPrev)
}

func TestSources(t *testing.T) {
	src := BytesSource([]byte("hello"))
	assert.Equal(t, int64(5), src.Size())
	data, err := io.ReadAll(src)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	path := filepath.Join(t.TempDir(), "chunk.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))
	fs, err := OpenFileSource(path)
	require.NoError(t, err)
	defer fs.Close()
	assert.Equal(t, int64(10), fs.Size())
	data, err = io.ReadAll(fs)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
}

func TestCloneIsDeep(t *testing.T) {
	a := &Attachment{ID: "1", Status: StatusActive}
	c := a.Clone()
	c.Status = StatusDeleted
	assert.True(t, a.Active())
	assert.False(t, c.Active())
}
