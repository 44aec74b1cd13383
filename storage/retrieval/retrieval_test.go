package retrieval

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/c360studio/contextkeeper/llm/generation"
	"github.com/c360studio/contextkeeper/source/chunker"
	"github.com/c360studio/contextkeeper/source/pathfilter"
	"github.com/c360studio/contextkeeper/storage/vectorstore"
)

const testDim = 4

type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Dimension() int { return f.dim }

func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		var h float32
		for _, r := range t {
			h += float32(r)
		}
		v := make([]float32, f.dim)
		for j := range v {
			v[j] = h + float32(j)*0.001
		}
		out[i] = v
	}
	return out, nil
}

type fakeGenerator struct {
	fail bool
}

func (g fakeGenerator) Generate(_ context.Context, messages []generation.Message, _ *float64) (*generation.Response, error) {
	if g.fail {
		return nil, context.DeadlineExceeded
	}
	return &generation.Response{Content: "a generated answer"}, nil
}

func newEngine(t *testing.T) (*Engine, *vectorstore.Store) {
	t.Helper()
	vs, err := vectorstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = vs.Close() })

	e, err := New(vs, fakeEmbedder{dim: testDim}, fakeGenerator{}, chunker.DefaultConfig(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, vs
}

func writeFile(t *testing.T, dir, rel, content string) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestIngestFileThenQueryFindsSource(t *testing.T) {
	e, _ := newEngine(t)
	root := t.TempDir()
	abs := writeFile(t, root, "a.py", "def add(x, y):\n    return x + y\n")
	filter := pathfilter.New(root, 1<<20)

	ctx := context.Background()
	res, err := e.IngestFile(ctx, "proj_x", root, abs, filter)
	if err != nil {
		t.Fatalf("IngestFile: %v", err)
	}
	if res.Skipped || res.ChunksProduced == 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	qr, err := e.Query(ctx, "proj_x", "adds two numbers", 3)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if qr.Empty || len(qr.Results) == 0 {
		t.Fatalf("expected results, got empty")
	}
	if qr.Results[0].SourcePath != "a.py" {
		t.Fatalf("source path = %s, want a.py", qr.Results[0].SourcePath)
	}
}

func TestReingestUnchangedFileIsNoop(t *testing.T) {
	e, _ := newEngine(t)
	root := t.TempDir()
	abs := writeFile(t, root, "a.py", "print('hi')\n")
	filter := pathfilter.New(root, 1<<20)
	ctx := context.Background()

	first, err := e.IngestFile(ctx, "proj_x", root, abs, filter)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if first.Skipped {
		t.Fatalf("first ingest unexpectedly skipped")
	}

	second, err := e.IngestFile(ctx, "proj_x", root, abs, filter)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if !second.Skipped {
		t.Fatalf("expected re-ingest of unchanged file to be a no-op")
	}
}

func TestIngestRejectsExcludedPath(t *testing.T) {
	e, _ := newEngine(t)
	root := t.TempDir()
	abs := writeFile(t, root, "node_modules/pkg/index.js", "module.exports = {}\n")
	filter := pathfilter.New(root, 1<<20)

	if _, err := e.IngestFile(context.Background(), "proj_x", root, abs, filter); err == nil {
		t.Fatalf("expected error ingesting excluded path")
	}
}

func TestQueryEmptyCollectionReturnsStructuredEmpty(t *testing.T) {
	e, _ := newEngine(t)
	qr, err := e.Query(context.Background(), "proj_empty", "anything", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !qr.Empty {
		t.Fatalf("expected Empty=true for unindexed project")
	}
}

func TestQueryKClamped(t *testing.T) {
	if got := clampK(0); got != defaultK {
		t.Fatalf("clampK(0) = %d, want %d", got, defaultK)
	}
	if got := clampK(1000); got != maxK {
		t.Fatalf("clampK(1000) = %d, want %d", got, maxK)
	}
	if got := clampK(3); got != 3 {
		t.Fatalf("clampK(3) = %d, want 3", got)
	}
}

func TestIngestDirectorySkipsExcludedOnlyTree(t *testing.T) {
	e, _ := newEngine(t)
	root := t.TempDir()
	writeFile(t, root, "node_modules/pkg/index.js", "module.exports = {}\n")
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main\n")
	filter := pathfilter.New(root, 1<<20)

	stats, err := e.IngestDirectory(context.Background(), "proj_x", root, filter, nil)
	if err != nil {
		t.Fatalf("IngestDirectory: %v", err)
	}
	if stats.FilesProcessed != 0 || stats.ChunksProduced != 0 {
		t.Fatalf("expected 0 processed/chunks, got %+v", stats)
	}
}

func TestIngestDirectoryProcessesAllowedFiles(t *testing.T) {
	e, _ := newEngine(t)
	root := t.TempDir()
	writeFile(t, root, "a.py", "def add(x, y):\n    return x + y\n")
	writeFile(t, root, "README.md", "# S\n")
	filter := pathfilter.New(root, 1<<20)

	var calls int
	stats, err := e.IngestDirectory(context.Background(), "proj_x", root, filter, func(rel string, res IngestResult, err error) {
		calls++
	})
	if err != nil {
		t.Fatalf("IngestDirectory: %v", err)
	}
	if stats.FilesProcessed != 2 {
		t.Fatalf("FilesProcessed = %d, want 2", stats.FilesProcessed)
	}
	if calls != 2 {
		t.Fatalf("callback invoked %d times, want 2", calls)
	}
}

func TestQueryWithGenerationReturnsGroundedAnswer(t *testing.T) {
	vs, err := vectorstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	defer vs.Close()
	e, err := New(vs, fakeEmbedder{dim: testDim}, fakeGenerator{}, chunker.DefaultConfig(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	root := t.TempDir()
	abs := writeFile(t, root, "a.py", "def add(x, y):\n    return x + y\n")
	filter := pathfilter.New(root, 1<<20)
	ctx := context.Background()
	if _, err := e.IngestFile(ctx, "proj_x", root, abs, filter); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	ans, err := e.QueryWithGeneration(ctx, "proj_x", "adds two numbers", 3)
	if err != nil {
		t.Fatalf("QueryWithGeneration: %v", err)
	}
	if ans.Answer == "" {
		t.Fatalf("expected non-empty answer")
	}
	if len(ans.Sources) == 0 || ans.Sources[0] != "a.py" {
		t.Fatalf("sources = %+v", ans.Sources)
	}
}

func TestQueryWithGenerationFallsBackOnGenerationFailure(t *testing.T) {
	vs, err := vectorstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("vectorstore.Open: %v", err)
	}
	defer vs.Close()
	e, err := New(vs, fakeEmbedder{dim: testDim}, fakeGenerator{fail: true}, chunker.DefaultConfig(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	root := t.TempDir()
	abs := writeFile(t, root, "a.py", "def add(x, y):\n    return x + y\n")
	filter := pathfilter.New(root, 1<<20)
	ctx := context.Background()
	if _, err := e.IngestFile(ctx, "proj_x", root, abs, filter); err != nil {
		t.Fatalf("IngestFile: %v", err)
	}

	ans, err := e.QueryWithGeneration(ctx, "proj_x", "adds two numbers", 3)
	if err != nil {
		t.Fatalf("QueryWithGeneration: %v", err)
	}
	if ans.Answer != "" {
		t.Fatalf("expected empty synthesized answer on generation failure, got %q", ans.Answer)
	}
	if ans.Note == "" || len(ans.Raw) == 0 {
		t.Fatalf("expected fallback note and raw chunks, got %+v", ans)
	}
}
