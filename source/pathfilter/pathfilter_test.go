package pathfilter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFilter_AllowsSourceFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "main.go"), "package main")
	writeFile(t, filepath.Join(root, "README.md"), "# Hi")

	f := New(root, 0)
	assert.True(t, f.Allowed(filepath.Join(root, "main.go")))
	assert.True(t, f.Allowed(filepath.Join(root, "README.md")))
}

func TestFilter_ExcludesVCSAndDependencyDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref: refs/heads/main")
	writeFile(t, filepath.Join(root, "node_modules", "pkg", "index.js"), "module.exports = {}")
	writeFile(t, filepath.Join(root, "venv", "lib", "site.py"), "x = 1")

	f := New(root, 0)
	assert.False(t, f.Allowed(filepath.Join(root, ".git", "HEAD")))
	assert.False(t, f.Allowed(filepath.Join(root, "node_modules", "pkg", "index.js")))
	assert.False(t, f.Allowed(filepath.Join(root, "venv", "lib", "site.py")))
}

func TestFilter_ExcludesCompiledArtifacts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "mod.pyc"), "binary")
	writeFile(t, filepath.Join(root, "lib.so"), "binary")

	f := New(root, 0)
	assert.False(t, f.Allowed(filepath.Join(root, "mod.pyc")))
	assert.False(t, f.Allowed(filepath.Join(root, "lib.so")))
}

func TestFilter_ExcludesDisallowedExtension(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "notes.txt"), "plain text, not on the allow-list")

	f := New(root, 0)
	assert.False(t, f.Allowed(filepath.Join(root, "notes.txt")))
}

func TestFilter_ExcludesOversizedFile(t *testing.T) {
	root := t.TempDir()
	big := make([]byte, 200)
	for i := range big {
		big[i] = 'a'
	}
	writeFile(t, filepath.Join(root, "big.go"), string(big))

	f := New(root, 100)
	assert.False(t, f.Allowed(filepath.Join(root, "big.go")))
}

func TestFilter_LockfileUnderLimitPassesIfExtensionAllowed(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "go.sum"), "module h1:abc=")

	f := New(root, 0)
	// go.sum has no allow-listed extension, so it is excluded on the
	// allow-list check even though it passes the lockfile-size check.
	assert.False(t, f.Allowed(filepath.Join(root, "go.sum")))
}

func TestFilter_DirectoriesAlwaysRecurse(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "pkg")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	f := New(root, 0)
	assert.True(t, f.Allowed(sub))
}

func TestFilter_SymlinkEscapingRootExcluded(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "secret.go")
	writeFile(t, target, "package secret")

	link := filepath.Join(root, "escape.go")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	f := New(root, 0)
	assert.False(t, f.Allowed(link))
}

func TestFilter_SymlinkWithinRootAllowed(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.go")
	writeFile(t, target, "package real")

	link := filepath.Join(root, "alias.go")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	f := New(root, 0)
	assert.True(t, f.Allowed(link))
}

func TestFilter_NonExistentPathExcludedNotFatal(t *testing.T) {
	root := t.TempDir()
	f := New(root, 0)
	assert.False(t, f.Allowed(filepath.Join(root, "does-not-exist.go")))
}

func TestIsIngestibleExtension(t *testing.T) {
	assert.True(t, IsIngestibleExtension(".go"))
	assert.True(t, IsIngestibleExtension(".PY"))
	assert.False(t, IsIngestibleExtension(".pyc"))
	assert.False(t, IsIngestibleExtension(".exe"))
}
