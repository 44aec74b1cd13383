// Package pathfilter implements the Path Filter (spec.md §4.1): a pure,
// idempotent decision over which filesystem entries are eligible for
// ingestion. Directory-name exclusion matching is done with doublestar glob
// patterns, the same library and FilepathGlob-adjacent idiom the teacher
// uses in processor/ast-indexer/paths.go for its own path resolution.
package pathfilter

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// excludedDirs are directory-name patterns that remove an entire subtree
// from ingestion (spec.md §4.1 item 1), matched against each path
// component individually.
var excludedDirs = []string{
	".git", ".hg", ".svn",
	"venv", "env", ".venv", "virtualenv",
	"node_modules", "bower_components", "jspm_packages", "site-packages",
	"dist", "build", ".next", ".nuxt", "target",
	"__pycache__", ".pytest_cache", ".mypy_cache", ".cache",
	".vscode", ".idea",
	".contextkeeper", ".semspec",
}

// excludedExtensions are file extensions never eligible for ingestion
// regardless of the allow-list (spec.md §4.1 item 2), compiled artifacts and
// common binary media.
var excludedExtensions = map[string]bool{
	".pyc": true, ".pyo": true, ".class": true, ".o": true,
	".so": true, ".dylib": true, ".dll": true, ".exe": true,
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true, ".ico": true,
	".mp3": true, ".mp4": true, ".mov": true, ".avi": true, ".wav": true,
	".zip": true, ".tar": true, ".gz": true, ".bz2": true, ".7z": true, ".rar": true,
	".pdf": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
}

// lockfiles are excluded above a configured size (spec.md §4.1 item 2); below
// that size they are ordinary text and pass through if their extension is
// otherwise allowed.
var lockfileNames = map[string]bool{
	"package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true,
	"Cargo.lock": true, "poetry.lock": true, "go.sum": true,
}

const maxLockfileBytes = 512 * 1024

// allowedExtensions scopes ingestion to common source and documentation
// types (spec.md §4.1). Applies to files only; directories always recurse.
var allowedExtensions = map[string]bool{
	".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true, ".mjs": true, ".cjs": true,
	".go": true, ".rs": true,
	".c": true, ".h": true, ".cc": true, ".cpp": true, ".cxx": true, ".hpp": true,
	".java": true, ".kt": true, ".kts": true, ".swift": true,
	".rb": true, ".php": true,
	".sh": true, ".bash": true, ".zsh": true,
	".md": true, ".rst": true,
	".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".sql": true,
}

// DefaultMaxFileBytes is spec.md §4.1 item 3's default (~1 MiB).
const DefaultMaxFileBytes = 1 << 20

// Filter decides ingestion eligibility relative to a fixed project root.
type Filter struct {
	root         string
	maxFileBytes int64
}

// New creates a Filter rooted at root. maxFileBytes <= 0 uses DefaultMaxFileBytes.
func New(root string, maxFileBytes int64) *Filter {
	if maxFileBytes <= 0 {
		maxFileBytes = DefaultMaxFileBytes
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &Filter{root: abs, maxFileBytes: maxFileBytes}
}

// Allowed reports whether path (absolute or relative to root) is eligible
// for ingestion. Non-existent or unreadable paths are treated as excluded —
// callers are responsible for logging the warning spec.md §4.1 mandates;
// Allowed itself never fails the containing task.
func (f *Filter) Allowed(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return false
	}

	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(abs)
		if err != nil {
			return false
		}
		if !f.withinRoot(resolved) {
			return false
		}
		info, err = os.Stat(resolved)
		if err != nil {
			return false
		}
	}

	if f.excludedByDirComponent(abs) {
		return false
	}

	if info.IsDir() {
		return true
	}

	return f.fileAllowed(abs, info.Size())
}

func (f *Filter) fileAllowed(abs string, size int64) bool {
	base := filepath.Base(abs)
	ext := strings.ToLower(filepath.Ext(base))

	if excludedExtensions[ext] {
		return false
	}
	if lockfileNames[base] && size > maxLockfileBytes {
		return false
	}
	if size > f.maxFileBytes {
		return false
	}
	if !allowedExtensions[ext] {
		return false
	}
	return true
}

// excludedByDirComponent reports whether any path component between root
// and abs matches an excluded directory pattern.
func (f *Filter) excludedByDirComponent(abs string) bool {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil {
		return false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	for _, part := range parts {
		for _, pattern := range excludedDirs {
			if ok, _ := doublestar.Match(pattern, part); ok {
				return true
			}
		}
	}
	return false
}

// withinRoot reports whether resolved is root or a descendant of root,
// preventing a symlink from escaping the project (spec.md §4.1 item 4).
func (f *Filter) withinRoot(resolved string) bool {
	rel, err := filepath.Rel(f.root, resolved)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// IsIngestibleExtension reports whether ext (including the leading dot) is
// in the ingestion allow-list, exposed so the Retrieval Engine can derive a
// chunk's "language" metadata field without re-deriving the table.
func IsIngestibleExtension(ext string) bool {
	return allowedExtensions[strings.ToLower(ext)]
}
