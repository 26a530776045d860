package contactsdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPath_DeterministicAndDistinct(t *testing.T) {
	a := hashPath("/var/lib/contacts.db")
	b := hashPath("/var/lib/contacts.db")
	c := hashPath("/var/lib/other.db")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestReadDirTOML_ListsOnlyTOMLFilesDirectly(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.toml"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.toml"), []byte(""), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt"), []byte(""), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir.toml"), 0o755))

	files, err := readDirTOML(dir)
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}

	assert.ElementsMatch(t, []string{"a.toml", "b.toml"}, names)
}

func TestReadDirTOML_ErrorsOnMissingDirectory(t *testing.T) {
	_, err := readDirTOML(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}
