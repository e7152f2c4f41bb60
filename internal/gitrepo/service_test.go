package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/timeline"
)

func document(title string, tags ...string) map[string]any {
	list := make([]any, 0, len(tags))
	for _, tag := range tags {
		list = append(list, tag)
	}
	return map[string]any{"title": title, "tags": list}
}

func TestDocumentRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	ctx := context.Background()

	if err := svc.EnsureDocumentRepo("doc-1"); err != nil {
		t.Fatalf("EnsureDocumentRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	if err := svc.EnsureDocumentRepo("doc-1"); err != nil {
		t.Fatalf("EnsureDocumentRepo() second call error = %v", err)
	}

	current, err := svc.Snapshot(ctx, "doc-1", history.Current)
	if err != nil {
		t.Fatalf("Snapshot(current) error = %v", err)
	}
	if !diff.IsMissing(current) {
		t.Fatalf("expected a missing current snapshot before any chunk, got %v", current)
	}

	first, err := svc.CommitChunk("doc-1", ChunkInput{AuthorID: "usr_avery", Message: "Create", Content: document("Draft")})
	if err != nil {
		t.Fatalf("CommitChunk() error = %v", err)
	}
	second, err := svc.CommitChunk("doc-1", ChunkInput{AuthorID: "usr_blake", Message: "Retitle", Content: document("Final")})
	if err != nil {
		t.Fatalf("CommitChunk() error = %v", err)
	}
	third, err := svc.CommitChunk("doc-1", ChunkInput{AuthorID: "usr_avery", Content: document("Final", "rfc")})
	if err != nil {
		t.Fatalf("CommitChunk() error = %v", err)
	}

	if first.Index != 1 || second.Index != 2 || third.Index != 3 {
		t.Fatalf("unexpected chunk indexes %d, %d, %d", first.Index, second.Index, third.Index)
	}
	if len(first.AffectedPaths) != 1 || first.AffectedPaths[0] != "" {
		t.Fatalf("first chunk should affect the whole document, got %v", first.AffectedPaths)
	}
	if len(second.AffectedPaths) != 1 || second.AffectedPaths[0] != "title" {
		t.Fatalf("expected second chunk to affect title, got %v", second.AffectedPaths)
	}
	if len(third.AffectedPaths) != 1 || third.AffectedPaths[0] != "tags[0]" {
		t.Fatalf("expected third chunk to affect tags[0], got %v", third.AffectedPaths)
	}

	base, err := svc.Snapshot(ctx, "doc-1", history.At(first.ID))
	if err != nil {
		t.Fatalf("Snapshot(first) error = %v", err)
	}
	if !diff.IsMissing(base) {
		t.Fatalf("first chunk has no base, got %v", base)
	}
	base, err = svc.Snapshot(ctx, "doc-1", history.At(second.ID))
	if err != nil {
		t.Fatalf("Snapshot(second) error = %v", err)
	}
	if title := base.(map[string]any)["title"]; title != "Draft" {
		t.Fatalf("base of second chunk has title %v", title)
	}

	if _, err := svc.Snapshot(ctx, "doc-1", history.At("chk_unknown")); !errors.Is(err, timeline.ErrNotFound) {
		t.Fatalf("Snapshot(unknown chunk) error = %v, want timeline.ErrNotFound", err)
	}
	if _, err := svc.Snapshot(ctx, "doc-missing", history.Current); !errors.Is(err, history.ErrDocumentNotFound) {
		t.Fatalf("Snapshot(missing doc) error = %v, want ErrDocumentNotFound", err)
	}
}

func TestLoadChunksPagesBackwards(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	if err := svc.EnsureDocumentRepo("doc-1"); err != nil {
		t.Fatalf("EnsureDocumentRepo() error = %v", err)
	}
	for i := 1; i <= 5; i++ {
		if _, err := svc.CommitChunk("doc-1", ChunkInput{AuthorID: "usr_avery", Content: document(fmt.Sprintf("v%d", i))}); err != nil {
			t.Fatalf("CommitChunk(%d) error = %v", i, err)
		}
	}

	newest, err := svc.LoadChunks(ctx, "doc-1", 0, 2)
	if err != nil {
		t.Fatalf("LoadChunks() error = %v", err)
	}
	if len(newest) != 2 || newest[0].Index != 4 || newest[1].Index != 5 {
		t.Fatalf("unexpected newest page %+v", newest)
	}

	older, err := svc.LoadChunks(ctx, "doc-1", newest[0].Index, 10)
	if err != nil {
		t.Fatalf("LoadChunks() error = %v", err)
	}
	if len(older) != 3 || older[0].Index != 1 || older[2].Index != 3 {
		t.Fatalf("unexpected older page %+v", older)
	}

	tl := timeline.New()
	if err := tl.PrependPage(newest); err != nil {
		t.Fatalf("PrependPage(newest) error = %v", err)
	}
	if err := tl.PrependPage(older); err != nil {
		t.Fatalf("PrependPage(older) error = %v", err)
	}
	if tl.Len() != 5 {
		t.Fatalf("expected 5 chunks, got %d", tl.Len())
	}
}

func TestPublishMovesPublishedSnapshot(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	if err := svc.EnsureDocumentRepo("doc-1"); err != nil {
		t.Fatalf("EnsureDocumentRepo() error = %v", err)
	}
	if _, err := svc.Publish("doc-1", "usr_avery"); !errors.Is(err, history.ErrDocumentNotFound) {
		t.Fatalf("Publish() on an empty document error = %v", err)
	}

	published, err := svc.Snapshot(ctx, "doc-1", history.Published)
	if err != nil {
		t.Fatalf("Snapshot(published) error = %v", err)
	}
	if !diff.IsMissing(published) {
		t.Fatalf("expected no published snapshot yet, got %v", published)
	}

	chunk, err := svc.CommitChunk("doc-1", ChunkInput{AuthorID: "usr_avery", Content: document("Draft")})
	if err != nil {
		t.Fatalf("CommitChunk() error = %v", err)
	}
	publication, err := svc.Publish("doc-1", "usr_avery")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if publication.ChunkID != chunk.ID {
		t.Fatalf("published chunk %s, want %s", publication.ChunkID, chunk.ID)
	}

	if _, err := svc.CommitChunk("doc-1", ChunkInput{AuthorID: "usr_avery", Content: document("Edited")}); err != nil {
		t.Fatalf("CommitChunk() after publish error = %v", err)
	}

	published, err = svc.Snapshot(ctx, "doc-1", history.Published)
	if err != nil {
		t.Fatalf("Snapshot(published) error = %v", err)
	}
	current, err := svc.Snapshot(ctx, "doc-1", history.Current)
	if err != nil {
		t.Fatalf("Snapshot(current) error = %v", err)
	}
	if published.(map[string]any)["title"] != "Draft" || current.(map[string]any)["title"] != "Edited" {
		t.Fatalf("unexpected snapshots published=%v current=%v", published, current)
	}

	chunks, err := svc.LoadChunks(ctx, "doc-1", 0, 0)
	if err != nil {
		t.Fatalf("LoadChunks() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("publishing must not add chunks, got %+v", chunks)
	}
}

func TestServiceFeedsHistoryResolver(t *testing.T) {
	svc := New(t.TempDir())
	ctx := context.Background()
	if err := svc.EnsureDocumentRepo("doc-1"); err != nil {
		t.Fatalf("EnsureDocumentRepo() error = %v", err)
	}
	if _, err := svc.CommitChunk("doc-1", ChunkInput{AuthorID: "usr_avery", Content: document("A")}); err != nil {
		t.Fatalf("CommitChunk() error = %v", err)
	}
	second, err := svc.CommitChunk("doc-1", ChunkInput{AuthorID: "usr_blake", Content: document("B")})
	if err != nil {
		t.Fatalf("CommitChunk() error = %v", err)
	}

	chunks, err := svc.LoadChunks(ctx, "doc-1", 0, 0)
	if err != nil {
		t.Fatalf("LoadChunks() error = %v", err)
	}
	tl := timeline.New()
	if err := tl.PrependPage(chunks); err != nil {
		t.Fatalf("PrependPage() error = %v", err)
	}

	_, result, err := history.NewResolver(svc).Compare(ctx, "doc-1", history.Selection{Mode: history.ModeRev, ChunkID: second.ID}, tl)
	if err != nil {
		t.Fatalf("Compare() error = %v", err)
	}
	title := result.(*diff.ObjectDiff).Fields["title"].(*diff.StringDiff)
	if title.FromValue != "A" || title.ToValue != "B" {
		t.Fatalf("unexpected title diff %+v", title)
	}
	if title.Annotation == nil || title.Annotation.AuthorID != "usr_blake" {
		t.Fatalf("expected the title change to be credited to usr_blake, got %+v", title.Annotation)
	}
}

func TestConcurrentCommitChunkKeepsIndexesContiguous(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureDocumentRepo("doc-1"); err != nil {
		t.Fatalf("EnsureDocumentRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			input := ChunkInput{AuthorID: "usr_avery", Content: document(fmt.Sprintf("title-%02d", idx))}
			if _, err := svc.CommitChunk("doc-1", input); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitChunk() concurrent error = %v", err)
		}
	}

	chunks, err := svc.LoadChunks(context.Background(), "doc-1", 0, 0)
	if err != nil {
		t.Fatalf("LoadChunks() error = %v", err)
	}
	if len(chunks) != writers {
		t.Fatalf("expected %d chunks, got %d", writers, len(chunks))
	}
	tl := timeline.New()
	for _, chunk := range chunks {
		if err := tl.Append(chunk); err != nil {
			t.Fatalf("Append(%d) error = %v", chunk.Index, err)
		}
	}
}

func TestDocumentIDsStayInsideReposDir(t *testing.T) {
	root := t.TempDir()
	reposDir := filepath.Join(root, "repos")
	outside := filepath.Join(root, "outside")
	for _, dir := range []string{reposDir, outside} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	svc := New(reposDir)
	ctx := context.Background()

	for _, id := range []string{"", ".", "..", "../outside", "a/b", `a\b`, "doc/"} {
		if err := svc.EnsureDocumentRepo(id); !errors.Is(err, diff.ErrInvalidInput) {
			t.Fatalf("EnsureDocumentRepo(%q) error = %v, want ErrInvalidInput", id, err)
		}
		if _, err := svc.LoadChunks(ctx, id, 0, 10); !errors.Is(err, diff.ErrInvalidInput) {
			t.Fatalf("LoadChunks(%q) error = %v, want ErrInvalidInput", id, err)
		}
		if _, err := svc.Snapshot(ctx, id, history.Current); !errors.Is(err, diff.ErrInvalidInput) {
			t.Fatalf("Snapshot(%q) error = %v, want ErrInvalidInput", id, err)
		}
	}
	if entries, err := os.ReadDir(outside); err != nil || len(entries) != 0 {
		t.Fatalf("expected nothing written outside the repos dir, got %v (%v)", entries, err)
	}

	if err := ValidateDocumentID("doc_1.v2"); err != nil {
		t.Fatalf("ValidateDocumentID() rejected a plain id: %v", err)
	}
}
