package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SaveByType(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root)
	require.NoError(t, err)

	rel, err := s.Save("image", "image/jpeg", []byte{0xff, 0xd8, 0xff})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, "images/"), rel)
	assert.True(t, strings.HasSuffix(rel, ".jpg"), rel)

	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)
}

func TestStore_UnknownTypeGoesToDocuments(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	rel, err := s.Save("other", "application/octet-stream", []byte("x"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rel, "documents/"), rel)
}

func TestStore_UniqueNames(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	a, err := s.Save("audio", "audio/ogg; codecs=opus", []byte("a"))
	require.NoError(t, err)
	b, err := s.Save("audio", "audio/ogg; codecs=opus", []byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, ".jpg", ExtensionFor("image/jpeg"))
	assert.Equal(t, ".ogg", ExtensionFor("audio/ogg; codecs=opus"))
	assert.Equal(t, ".pdf", ExtensionFor("application/pdf"))
	assert.Equal(t, ".zip", ExtensionFor("application/zip"))
	assert.Equal(t, ".bin", ExtensionFor("application/vnd.openxmlformats-officedocument.wordprocessingml.document"))
	assert.Equal(t, ".bin", ExtensionFor(""))
}
