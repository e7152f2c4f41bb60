package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"chronicle/studio/internal/config"
	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/metrics"
	"chronicle/studio/internal/timeline"
	"chronicle/studio/internal/util"
)

const maxPageSize = 500

type DiffRequest struct {
	From          json.RawMessage  `json:"from"`
	To            json.RawMessage  `json:"to"`
	Annotation    *diff.Annotation `json:"annotation"`
	ArrayMatching string           `json:"arrayMatching"`
}

type DiffResult struct {
	Diff    diff.Diff     `json:"diff"`
	Changes []diff.Change `json:"changes"`
}

type ChunkPage struct {
	Chunks  []timeline.Chunk `json:"chunks"`
	HasMore bool             `json:"hasMore"`
}

type ComparisonResult struct {
	Selection    history.Selection   `json:"selection"`
	From         history.SnapshotRef `json:"from"`
	To           history.SnapshotRef `json:"to"`
	Annotation   *diff.Annotation    `json:"annotation,omitempty"`
	Contributors []timeline.Chunk    `json:"contributors,omitempty"`
	Diff         diff.Diff           `json:"diff"`
	Changes      []diff.Change       `json:"changes"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type ViewState struct {
	ViewID string `json:"viewId"`
	history.State
	Changes []diff.Change `json:"changes,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

type Service struct {
	cfg       config.Config
	backend   Backend
	snapshots history.DocumentStore
	diffOpts  []diff.Option
	checks    []readinessCheck
	views     *viewRegistry
}

type Option func(*Service)

// WithSnapshotStore reads snapshots through store instead of the backend,
// typically a cache or archive wrapping it.
func WithSnapshotStore(store history.DocumentStore) Option {
	return func(s *Service) { s.snapshots = store }
}

func WithReadinessCheck(name string, check func(context.Context) error) Option {
	return func(s *Service) {
		s.checks = append(s.checks, readinessCheck{name: name, check: check})
	}
}

func New(cfg config.Config, backend Backend, opts ...Option) *Service {
	if cfg.History.PageSize <= 0 {
		cfg.History.PageSize = history.DefaultPageSize
	}
	if cfg.History.ViewTTL <= 0 {
		cfg.History.ViewTTL = 30 * time.Minute
	}
	s := &Service{
		cfg:       cfg,
		backend:   backend,
		snapshots: backend,
		diffOpts:  cfg.DiffOptions(),
		views:     newViewRegistry(cfg.History.ViewTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) SyncToken() string {
	return s.cfg.Sync.Token
}

// Ready runs every readiness check and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			failures[c.name] = err
		}
	}
	return failures
}

// Diff compares two inline documents. An absent side is missing; an explicit
// null is a null value.
func (s *Service) Diff(req DiffRequest) (DiffResult, error) {
	from, err := decodeValue(req.From)
	if err != nil {
		return DiffResult{}, fmt.Errorf("%w: from: %v", diff.ErrInvalidInput, err)
	}
	to, err := decodeValue(req.To)
	if err != nil {
		return DiffResult{}, fmt.Errorf("%w: to: %v", diff.ErrInvalidInput, err)
	}

	opts := append([]diff.Option(nil), s.diffOpts...)
	if req.ArrayMatching != "" {
		matching, err := diff.ParseArrayMatching(req.ArrayMatching)
		if err != nil {
			return DiffResult{}, fmt.Errorf("%w: %v", diff.ErrInvalidInput, err)
		}
		opts = append(opts, diff.WithArrayMatching(matching))
	}
	if req.Annotation != nil {
		opts = append(opts, diff.WithAnnotation(req.Annotation))
	}

	started := time.Now()
	result, err := diff.Compute(from, to, opts...)
	if err != nil {
		return DiffResult{}, err
	}
	metrics.DiffDuration.Observe(time.Since(started).Seconds())
	metrics.DiffsComputed.WithLabelValues("api").Inc()
	return DiffResult{Diff: result, Changes: diff.Changes(result)}, nil
}

func decodeValue(raw json.RawMessage) (diff.Value, error) {
	if len(raw) == 0 {
		return diff.Missing, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Service) pageSize(limit int) int {
	switch {
	case limit <= 0:
		return s.cfg.History.PageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return limit
	}
}

// ListChunks returns up to limit chunks older than beforeIndex, oldest
// first. beforeIndex <= 0 lists the newest page.
func (s *Service) ListChunks(ctx context.Context, documentID string, beforeIndex, limit int) (ChunkPage, error) {
	limit = s.pageSize(limit)
	chunks, err := s.backend.LoadChunks(ctx, documentID, beforeIndex, limit)
	if err != nil {
		return ChunkPage{}, err
	}
	page := ChunkPage{Chunks: chunks}
	if len(chunks) == limit && chunks[0].Index > 1 {
		page.HasMore = true
	}
	return page, nil
}

// Compare resolves sel against the newest window chunks and returns the diff.
func (s *Service) Compare(ctx context.Context, documentID string, sel history.Selection, window int) (ComparisonResult, error) {
	if !sel.IsClosed() && strings.TrimSpace(sel.ChunkID) == "" {
		return ComparisonResult{}, domainError(http.StatusBadRequest, "INVALID_INPUT", "chunk is required for mode "+string(sel.Mode), nil)
	}

	chunks, err := s.backend.LoadChunks(ctx, documentID, 0, s.pageSize(window))
	if err != nil {
		return ComparisonResult{}, err
	}
	tl := timeline.New()
	if err := tl.PrependPage(chunks); err != nil {
		return ComparisonResult{}, fmt.Errorf("load chunks for %s: %w", documentID, err)
	}

	cmp, err := history.Prepare(sel, tl)
	if errors.Is(err, history.ErrChunkNotLoaded) {
		return ComparisonResult{}, chunkNotLoaded(err, tl)
	}
	if err != nil {
		return ComparisonResult{}, fmt.Errorf("%w: %v", diff.ErrInvalidInput, err)
	}
	result, err := history.NewResolver(s.snapshots, s.diffOpts...).Resolve(ctx, documentID, cmp)
	if err != nil {
		return ComparisonResult{}, err
	}
	metrics.DiffsComputed.WithLabelValues("compare").Inc()

	return ComparisonResult{
		Selection:    cmp.Selection,
		From:         cmp.Pair.From,
		To:           cmp.Pair.To,
		Annotation:   cmp.Annotation,
		Contributors: cmp.Contributors,
		Diff:         result,
		Changes:      diff.Changes(result),
	}, nil
}

// OpenView starts a controller for documentID and loads its newest page.
func (s *Service) OpenView(ctx context.Context, documentID string) (ViewState, error) {
	controller := history.New(documentID, s.snapshots, s.backend,
		history.WithPageSize(s.cfg.History.PageSize),
		history.WithDiffOptions(s.diffOpts...),
	)
	if err := controller.LoadHistory(ctx); err != nil {
		controller.Stop()
		return ViewState{}, err
	}

	v := &view{id: util.NewID("view"), documentID: documentID, controller: controller}
	s.views.add(v)
	log.Info().Str("view_id", v.id).Str("document_id", documentID).Msg("view opened")
	return viewState(v.id, controller.State()), nil
}

func (s *Service) view(viewID string) (*view, error) {
	v, ok := s.views.get(viewID)
	if !ok {
		return nil, errViewNotFound
	}
	return v, nil
}

// View returns the state of viewID. With wait set it blocks until the
// pending resolution settles or ctx is done.
func (s *Service) View(ctx context.Context, viewID string, wait bool) (ViewState, error) {
	v, err := s.view(viewID)
	if err != nil {
		return ViewState{}, err
	}
	if wait {
		return viewState(v.id, awaitSettled(ctx, v.controller)), nil
	}
	return viewState(v.id, v.controller.State()), nil
}

func (s *Service) SelectView(viewID string, mode history.Mode, chunkID string) (ViewState, error) {
	v, err := s.view(viewID)
	if err != nil {
		return ViewState{}, err
	}
	if mode != history.ModeClosed && strings.TrimSpace(chunkID) == "" {
		return ViewState{}, domainError(http.StatusBadRequest, "INVALID_INPUT", "chunkId is required for mode "+string(mode), nil)
	}
	return viewState(v.id, v.controller.Select(mode, chunkID)), nil
}

func (s *Service) CloseSelection(viewID string) (ViewState, error) {
	v, err := s.view(viewID)
	if err != nil {
		return ViewState{}, err
	}
	return viewState(v.id, v.controller.Close()), nil
}

func (s *Service) RetryView(viewID string) (ViewState, error) {
	v, err := s.view(viewID)
	if err != nil {
		return ViewState{}, err
	}
	return viewState(v.id, v.controller.Retry()), nil
}

func (s *Service) LoadMore(ctx context.Context, viewID string) (ViewState, error) {
	v, err := s.view(viewID)
	if err != nil {
		return ViewState{}, err
	}
	if err := v.controller.LoadMore(ctx); err != nil {
		return ViewState{}, err
	}
	return viewState(v.id, v.controller.State()), nil
}

func (s *Service) DisposeView(viewID string) error {
	if !s.views.remove(viewID) {
		return errViewNotFound
	}
	return nil
}

// CommitChunk records a new chunk for documentID, creating the document on
// first use, and pushes the chunk to every open view of it.
func (s *Service) CommitChunk(ctx context.Context, documentID string, input ChunkInput) (timeline.Chunk, error) {
	if err := s.backend.EnsureDocument(ctx, documentID); err != nil {
		return timeline.Chunk{}, err
	}
	chunk, err := s.backend.CommitChunk(ctx, documentID, input)
	if err != nil {
		return timeline.Chunk{}, err
	}

	for _, v := range s.views.forDocument(documentID) {
		if err := v.controller.AppendChunk(chunk); err != nil {
			// The view holds a window that does not end at the previous head.
			log.Warn().Err(err).Str("view_id", v.id).Int("chunk_index", chunk.Index).Msg("reloading view history")
			if err := v.controller.LoadHistory(ctx); err != nil {
				log.Warn().Err(err).Str("view_id", v.id).Msg("reload view history")
			}
		}
	}
	log.Info().
		Str("document_id", documentID).
		Str("chunk_id", chunk.ID).
		Int("chunk_index", chunk.Index).
		Strs("affected_paths", chunk.AffectedPaths).
		Msg("chunk committed")
	return chunk, nil
}

func (s *Service) Publish(ctx context.Context, documentID, authorID string) (string, error) {
	chunkID, err := s.backend.Publish(ctx, documentID, authorID)
	if err != nil {
		return "", err
	}
	// Views in closed mode compare against the published snapshot.
	for _, v := range s.views.forDocument(documentID) {
		if v.controller.State().Selection.IsClosed() {
			v.controller.Retry()
		}
	}
	log.Info().Str("document_id", documentID).Str("chunk_id", chunkID).Msg("document published")
	return chunkID, nil
}

// RunViewJanitor stops expired views every interval until ctx is done.
func (s *Service) RunViewJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.views.sweep(); n > 0 {
				log.Debug().Int("views", n).Msg("expired views stopped")
			}
		}
	}
}

// Shutdown stops every open view.
func (s *Service) Shutdown() {
	s.views.closeAll()
}

func viewState(viewID string, state history.State) ViewState {
	out := ViewState{ViewID: viewID, State: state}
	if state.Diff != nil {
		out.Changes = diff.Changes(state.Diff)
	}
	if state.Err != nil {
		_, code, message, details := mapError(state.Err)
		if code == "SERVER_ERROR" {
			message = state.Err.Error()
		}
		out.Error = &ErrorPayload{Code: code, Message: message, Details: details}
	}
	return out
}

func awaitSettled(ctx context.Context, controller *history.Controller) history.State {
	settled := make(chan history.State, 1)
	unsubscribe := controller.Subscribe(func(state history.State) {
		if state.Loading {
			return
		}
		select {
		case settled <- state:
		default:
		}
	})
	defer unsubscribe()

	if state := controller.State(); !state.Loading {
		return state
	}
	select {
	case state := <-settled:
		return state
	case <-ctx.Done():
		return controller.State()
	}
}
