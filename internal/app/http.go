package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"chronicle/studio/internal/gitrepo"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/metrics"
)

const syncTokenHeader = "x-studio-sync-token"

const maxWait = 10 * time.Second

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: metrics.Handler()}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks := map[string]any{}
		failures := s.service.Ready(ctx)
		for _, c := range s.service.checks {
			if err, failed := failures[c.name]; failed {
				checks[c.name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[c.name] = map[string]any{"status": "ok"}
		}
		status, statusCode := "ready", http.StatusOK
		if len(failures) > 0 {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     len(failures) == 0,
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/diff" {
		var body DiffRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Diff(body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	parts := splitPath(r.URL.Path)
	switch {
	case len(parts) >= 4 && parts[0] == "api" && parts[1] == "internal" && parts[2] == "documents":
		s.handleInternal(w, r, parts)
	case len(parts) >= 4 && parts[0] == "api" && parts[1] == "documents":
		if err := gitrepo.ValidateDocumentID(parts[2]); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.handleDocuments(w, r, parts[2], parts)
	case len(parts) >= 3 && parts[0] == "api" && parts[1] == "views":
		s.handleViews(w, r, parts[2], parts)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, documentID string, parts []string) {
	if len(parts) == 4 && parts[3] == "chunks" && r.Method == http.MethodGet {
		before, err := queryInt(r, "before")
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		page, err := s.service.ListChunks(r.Context(), documentID, before, limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	if len(parts) == 4 && parts[3] == "compare" && r.Method == http.MethodGet {
		mode, err := history.ParseMode(strings.TrimSpace(r.URL.Query().Get("mode")))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		window, err := queryInt(r, "window")
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		sel := history.Selection{Mode: mode, ChunkID: strings.TrimSpace(r.URL.Query().Get("chunk"))}
		if mode == history.ModeClosed {
			sel = history.Closed
		}
		result, err := s.service.Compare(r.Context(), documentID, sel, window)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(parts) == 4 && parts[3] == "views" && r.Method == http.MethodPost {
		state, err := s.service.OpenView(r.Context(), documentID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, state)
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) handleViews(w http.ResponseWriter, r *http.Request, viewID string, parts []string) {
	var (
		state ViewState
		err   error
	)
	switch {
	case len(parts) == 3 && r.Method == http.MethodGet:
		wait := r.URL.Query().Get("wait") == "true"
		ctx, cancel := context.WithTimeout(r.Context(), maxWait)
		defer cancel()
		state, err = s.service.View(ctx, viewID, wait)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		if err := s.service.DisposeView(viewID); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	case len(parts) == 4 && parts[3] == "select" && r.Method == http.MethodPost:
		var body struct {
			Mode    string `json:"mode"`
			ChunkID string `json:"chunkId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		mode, parseErr := history.ParseMode(strings.TrimSpace(body.Mode))
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", parseErr.Error(), nil)
			return
		}
		state, err = s.service.SelectView(viewID, mode, strings.TrimSpace(body.ChunkID))
	case len(parts) == 4 && parts[3] == "close" && r.Method == http.MethodPost:
		state, err = s.service.CloseSelection(viewID)
	case len(parts) == 4 && parts[3] == "more" && r.Method == http.MethodPost:
		state, err = s.service.LoadMore(r.Context(), viewID)
	case len(parts) == 4 && parts[3] == "retry" && r.Method == http.MethodPost:
		state, err = s.service.RetryView(viewID)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *HTTPServer) handleInternal(w http.ResponseWriter, r *http.Request, parts []string) {
	syncToken := strings.TrimSpace(r.Header.Get(syncTokenHeader))
	if syncToken == "" || syncToken != s.service.SyncToken() {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	documentID := parts[3]
	if err := gitrepo.ValidateDocumentID(documentID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if len(parts) == 5 && parts[4] == "chunks" && r.Method == http.MethodPost {
		var body struct {
			AuthorID      string          `json:"authorId"`
			Message       string          `json:"message"`
			Content       json.RawMessage `json:"content"`
			AffectedPaths []string        `json:"affectedPaths"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.AuthorID) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "authorId is required", nil)
			return
		}
		content, err := decodeValue(body.Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "content is not valid JSON", nil)
			return
		}
		chunk, err := s.service.CommitChunk(r.Context(), documentID, ChunkInput{
			AuthorID:      strings.TrimSpace(body.AuthorID),
			Message:       body.Message,
			Content:       content,
			AffectedPaths: body.AffectedPaths,
		})
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"chunk": chunk})
		return
	}

	if len(parts) == 5 && parts[4] == "publish" && r.Method == http.MethodPost {
		var body struct {
			AuthorID string `json:"authorId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		chunkID, err := s.service.Publish(r.Context(), documentID, strings.TrimSpace(body.AuthorID))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "chunkId": chunkID})
		return
	}

	writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("request_id", requestIDFrom(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Studio-Sync-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return value, nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
