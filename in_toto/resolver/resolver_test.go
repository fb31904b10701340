package resolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitScheme(t *testing.T) {
	scheme, rest := SplitScheme("dir:build/")
	assert.Equal(t, "dir", scheme)
	assert.Equal(t, "build/", rest)

	scheme, rest = SplitScheme(".")
	assert.Equal(t, DefaultScheme, scheme)
	assert.Equal(t, ".", rest)
}

func TestApplyLeftStrip(t *testing.T) {
	assert.Equal(t, "main.go", ApplyLeftStrip("src/main.go", []string{"src/"}))
	assert.Equal(t, "src/main.go", ApplyLeftStrip("src/main.go", []string{"lib/"}))
	assert.Equal(t, "main.go", ApplyLeftStrip("build/main.go", []string{"build/", "b"}))
}

func TestSetResolveURIDispatchesByScheme(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	set := NewSet(FileResolver{DirScheme: false}, FileResolver{DirScheme: true})

	hashes, err := set.ResolveURI("file:"+path, Options{})
	require.NoError(t, err)
	require.Contains(t, hashes, path)
	assert.NotEmpty(t, hashes[path]["sha256"])
}

func TestSetResolveURIUnknownSchemeErrors(t *testing.T) {
	set := NewSet()
	_, err := set.ResolveURI("ostree:repo", Options{})
	assert.Error(t, err)
}
