package gitrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/timeline"
	"chronicle/studio/internal/util"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	contentFile     = "content.json"
	draftBranch     = "draft"
	publishedBranch = "main"
	chunkTagPrefix  = "chunk/"

	trailerChunkID   = "Chunk-Id"
	trailerIndex     = "Chunk-Index"
	trailerAuthor    = "Chunk-Author"
	trailerPaths     = "Chunk-Paths"
	trailerPublished = "Published-Chunk"
)

// ChunkInput is one revision to record on a document's draft branch.
type ChunkInput struct {
	AuthorID string
	Message  string
	Content  diff.Value
	// AffectedPaths is derived from the content change when nil.
	AffectedPaths []string
}

type Publication struct {
	Hash        string    `json:"hash"`
	ChunkID     string    `json:"chunkId"`
	PublishedAt time.Time `json:"publishedAt"`
}

// Service keeps one git repository per document. Every commit on the draft
// branch is a chunk; the main branch holds published copies.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureDocumentRepo creates an empty repository for documentID with HEAD on
// the (unborn) draft branch. Existing repositories are left alone.
func (s *Service) EnsureDocumentRepo(documentID string) error {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	path, err := s.repoPath(documentID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(draftBranch))); err != nil {
		return fmt.Errorf("set HEAD to %s: %w", draftBranch, err)
	}
	return nil
}

// CommitChunk records input as the next chunk on the draft branch.
func (s *Service) CommitChunk(documentID string, input ChunkInput) (timeline.Chunk, error) {
	if diff.IsMissing(input.Content) {
		return timeline.Chunk{}, fmt.Errorf("%w: chunk content is required", diff.ErrInvalidInput)
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return timeline.Chunk{}, err
	}

	previous := diff.Value(diff.Missing)
	index := 1
	head, err := branchHead(repo, draftBranch)
	if err != nil {
		return timeline.Chunk{}, err
	}
	if head != nil {
		parent, err := toChunk(head)
		if err != nil {
			return timeline.Chunk{}, err
		}
		index = parent.Index + 1
		if previous, err = readContentFromCommit(head); err != nil {
			return timeline.Chunk{}, err
		}
	}

	paths := input.AffectedPaths
	if paths == nil {
		if paths, err = diff.ChangedPaths(previous, input.Content); err != nil {
			return timeline.Chunk{}, err
		}
	}

	chunk := timeline.Chunk{
		Index:         index,
		ID:            util.NewID("chk"),
		AuthorID:      input.AuthorID,
		Timestamp:     time.Now().UTC().Truncate(time.Second),
		AffectedPaths: paths,
	}
	message, err := chunkMessage(input.Message, chunk)
	if err != nil {
		return timeline.Chunk{}, err
	}

	hash, err := s.commit(repo, draftBranch, input.Content, input.AuthorID, message, chunk.Timestamp)
	if err != nil {
		return timeline.Chunk{}, err
	}
	if _, err := repo.CreateTag(chunkTagPrefix+chunk.ID, hash, nil); err != nil {
		return timeline.Chunk{}, fmt.Errorf("tag chunk %s: %w", chunk.ID, err)
	}
	return chunk, nil
}

// Publish copies the draft head onto the main branch.
func (s *Service) Publish(documentID, authorID string) (Publication, error) {
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return Publication{}, err
	}
	head, err := branchHead(repo, draftBranch)
	if err != nil {
		return Publication{}, err
	}
	if head == nil {
		return Publication{}, fmt.Errorf("%w: %s has no chunks to publish", history.ErrDocumentNotFound, documentID)
	}
	chunk, err := toChunk(head)
	if err != nil {
		return Publication{}, err
	}
	content, err := readContentFromCommit(head)
	if err != nil {
		return Publication{}, err
	}

	now := time.Now().UTC().Truncate(time.Second)
	message := fmt.Sprintf("Publish %s\n\n%s: %s", chunk.ID, trailerPublished, chunk.ID)
	hash, err := s.commit(repo, publishedBranch, content, authorID, message, now)
	if err != nil {
		return Publication{}, err
	}
	return Publication{Hash: hash.String(), ChunkID: chunk.ID, PublishedAt: now}, nil
}

// Snapshot implements history.DocumentStore.
func (s *Service) Snapshot(ctx context.Context, documentID string, ref history.SnapshotRef) (diff.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}

	switch ref.Kind {
	case history.RefCurrent, history.RefPublished:
		branch := draftBranch
		if ref.Kind == history.RefPublished {
			branch = publishedBranch
		}
		head, err := branchHead(repo, branch)
		if err != nil {
			return nil, err
		}
		if head == nil {
			return diff.Missing, nil
		}
		return readContentFromCommit(head)
	case history.RefChunk:
		commitObj, err := chunkCommit(repo, ref.ChunkID)
		if err != nil {
			return nil, err
		}
		if commitObj.NumParents() == 0 {
			return diff.Missing, nil
		}
		parent, err := commitObj.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("read parent of chunk %s: %w", ref.ChunkID, err)
		}
		return readContentFromCommit(parent)
	default:
		return nil, fmt.Errorf("unknown snapshot reference %q", ref.Kind)
	}
}

// LoadChunks implements history.ChunkLoader by walking the draft branch.
func (s *Service) LoadChunks(ctx context.Context, documentID string, beforeIndex, limit int) ([]timeline.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(documentID)
	if err != nil {
		return nil, err
	}
	head, err := branchHead(repo, draftBranch)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return []timeline.Chunk{}, nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	newestFirst := make([]timeline.Chunk, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		chunk, err := toChunk(commitObj)
		if err != nil {
			return err
		}
		if beforeIndex > 0 && chunk.Index >= beforeIndex {
			return nil
		}
		newestFirst = append(newestFirst, chunk)
		if limit > 0 && len(newestFirst) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}

	chunks := make([]timeline.Chunk, len(newestFirst))
	for i, chunk := range newestFirst {
		chunks[len(newestFirst)-1-i] = chunk
	}
	return chunks, nil
}

// ValidateDocumentID rejects ids that would not name a single directory
// directly under the repos dir.
func ValidateDocumentID(documentID string) error {
	switch {
	case strings.TrimSpace(documentID) == "":
		return fmt.Errorf("%w: document id is required", diff.ErrInvalidInput)
	case documentID == "." || documentID == "..",
		strings.ContainsAny(documentID, `/\`),
		filepath.Clean(documentID) != documentID,
		filepath.Base(documentID) != documentID:
		return fmt.Errorf("%w: invalid document id %q", diff.ErrInvalidInput, documentID)
	}
	return nil
}

func (s *Service) repoPath(documentID string) (string, error) {
	if err := ValidateDocumentID(documentID); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, documentID), nil
}

func (s *Service) open(documentID string) (*git.Repository, error) {
	path, err := s.repoPath(documentID)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", history.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) documentLock(documentID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[documentID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[documentID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, branchName string, content diff.Value, author, message string, when time.Time) (plumbing.Hash, error) {
	if err := checkoutBranch(repo, branchName); err != nil {
		return plumbing.ZeroHash, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add content: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.studio.dev", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func checkoutBranch(repo *git.Repository, branchName string) error {
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, true); err != nil {
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("resolve branch %s: %w", branchName, err)
		}
		// An unborn branch that HEAD already names is created by the next commit.
		if head, headErr := repo.Storer.Reference(plumbing.HEAD); headErr == nil &&
			head.Type() == plumbing.SymbolicReference && head.Target() == branchRef {
			return nil
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Create: true}); err != nil {
			return fmt.Errorf("create branch checkout %s: %w", branchName, err)
		}
		return nil
	}

	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branchRef, Force: true}); err != nil {
		return fmt.Errorf("checkout branch %s: %w", branchName, err)
	}
	return nil
}

// branchHead returns the tip of branchName, or nil when the branch does not
// exist yet.
func branchHead(repo *git.Repository, branchName string) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func chunkCommit(repo *git.Repository, chunkID string) (*object.Commit, error) {
	ref, err := repo.Tag(chunkTagPrefix + chunkID)
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, fmt.Errorf("%w: %s", timeline.ErrNotFound, chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve chunk %s: %w", chunkID, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", chunkID, err)
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (diff.Value, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}

	var content any
	if err := json.Unmarshal(payload, &content); err != nil {
		return nil, fmt.Errorf("decode commit content: %w", err)
	}
	return content, nil
}

func chunkMessage(summary string, chunk timeline.Chunk) (string, error) {
	if strings.TrimSpace(summary) == "" {
		summary = "Update document"
	}
	paths, err := json.Marshal(chunk.AffectedPaths)
	if err != nil {
		return "", fmt.Errorf("encode affected paths: %w", err)
	}
	return fmt.Sprintf("%s\n\n%s: %s\n%s: %d\n%s: %s\n%s: %s\n",
		strings.TrimSpace(summary),
		trailerChunkID, chunk.ID,
		trailerIndex, chunk.Index,
		trailerAuthor, chunk.AuthorID,
		trailerPaths, paths,
	), nil
}

func toChunk(commitObj *object.Commit) (timeline.Chunk, error) {
	trailers := parseTrailers(commitObj.Message)
	index, err := strconv.Atoi(trailers[trailerIndex])
	if err != nil || trailers[trailerChunkID] == "" {
		return timeline.Chunk{}, fmt.Errorf("commit %s is not a chunk", commitObj.Hash.String()[:7])
	}
	chunk := timeline.Chunk{
		Index:         index,
		ID:            trailers[trailerChunkID],
		AuthorID:      trailers[trailerAuthor],
		Timestamp:     commitObj.Author.When.UTC(),
		AffectedPaths: []string{},
	}
	if raw := trailers[trailerPaths]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &chunk.AffectedPaths); err != nil {
			return timeline.Chunk{}, fmt.Errorf("decode affected paths of %s: %w", chunk.ID, err)
		}
	}
	return chunk, nil
}

func parseTrailers(message string) map[string]string {
	trailers := make(map[string]string)
	for _, line := range strings.Split(message, "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		switch key {
		case trailerChunkID, trailerIndex, trailerAuthor, trailerPaths, trailerPublished:
			trailers[key] = strings.TrimSpace(value)
		}
	}
	return trailers
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}
