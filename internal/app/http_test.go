package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chronicle/studio/internal/diff"
	"chronicle/studio/internal/history"
	"chronicle/studio/internal/timeline"
)

func doRequest(t *testing.T, handler http.Handler, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response of %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, payload
}

var syncHeaders = map[string]string{syncTokenHeader: testSyncToken}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeBackend{}), "*")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestReadyEndpoint(t *testing.T) {
	healthy := NewHTTPServer(newTestService(&fakeBackend{},
		WithReadinessCheck("database", func(context.Context) error { return nil }),
	), "*")
	rr, payload := doRequest(t, healthy.Handler(), http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("expected ready, got %d %v", rr.Code, payload)
	}

	failing := NewHTTPServer(newTestService(&fakeBackend{},
		WithReadinessCheck("database", func(context.Context) error { return nil }),
		WithReadinessCheck("redis", func(context.Context) error { return errors.New("connection refused") }),
	), "*")
	rr, payload = doRequest(t, failing.Handler(), http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	checks := payload["checks"].(map[string]any)
	if checks["redis"].(map[string]any)["error"] != "connection refused" {
		t.Fatalf("unexpected checks %v", checks)
	}
	if checks["database"].(map[string]any)["status"] != "ok" {
		t.Fatalf("unexpected checks %v", checks)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeBackend{}), "*")
	doRequest(t, server.Handler(), http.MethodPost, "/api/diff", `{"to":{"title":"A"}}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `studio_diff_computed_total{source="api"}`) {
		t.Fatalf("expected the api diff counter in %s", rr.Body.String())
	}
}

func TestDiffEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeBackend{}), "*")

	rr, payload := doRequest(t, server.Handler(), http.MethodPost, "/api/diff",
		`{"from":{"title":"Draft"},"to":{"title":"Final"},"annotation":{"chunk":"chk_1","author":"usr_avery","timestamp":"2026-03-01T09:00:00Z"}}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	root := payload["diff"].(map[string]any)
	if root["type"] != "object" || root["action"] != "changed" {
		t.Fatalf("unexpected root %v", root)
	}
	title := root["fields"].(map[string]any)["title"].(map[string]any)
	if title["type"] != "string" || title["annotation"].(map[string]any)["author"] != "usr_avery" {
		t.Fatalf("unexpected title node %v", title)
	}
	changes := payload["changes"].([]any)
	if len(changes) != 1 || changes[0].(map[string]any)["path"] != "title" {
		t.Fatalf("unexpected changes %v", changes)
	}
}

func TestDiffEndpointErrors(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeBackend{}), "*")

	cases := []struct {
		name string
		body string
		code string
	}{
		{name: "both missing", body: `{}`, code: "INVALID_INPUT"},
		{name: "empty body", body: "", code: "INVALID_INPUT"},
		{name: "bad matching", body: `{"to":[1],"arrayMatching":"fuzzy"}`, code: "INVALID_INPUT"},
		{name: "malformed", body: `{"from":`, code: "INVALID_BODY"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr, payload := doRequest(t, server.Handler(), http.MethodPost, "/api/diff", tc.body, nil)
			if rr.Code != http.StatusBadRequest || payload["code"] != tc.code {
				t.Fatalf("expected 400 %s, got %d %v", tc.code, rr.Code, payload)
			}
		})
	}
}

func TestErrorTable(t *testing.T) {
	backend := &fakeBackend{
		loadChunksFn: func(_ context.Context, documentID string, _, _ int) ([]timeline.Chunk, error) {
			if documentID == "doc-missing" {
				return nil, history.ErrDocumentNotFound
			}
			return nil, errors.New("disk on fire")
		},
		commitFn: func(context.Context, string, ChunkInput) (timeline.Chunk, error) {
			return timeline.Chunk{}, timeline.ErrOutOfOrder
		},
	}
	server := NewHTTPServer(newTestService(backend), "*")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/documents/doc-missing/chunks", "", nil)
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server.Handler(), http.MethodGet, "/api/documents/doc-1/chunks", "", nil)
	if rr.Code != http.StatusInternalServerError || payload["error"] != "Server error" {
		t.Fatalf("expected an opaque 500, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server.Handler(), http.MethodPost, "/api/internal/documents/doc-1/chunks",
		`{"authorId":"usr_avery","content":{"title":"A"}}`, syncHeaders)
	if rr.Code != http.StatusConflict || payload["code"] != "OUT_OF_ORDER" {
		t.Fatalf("expected 409 OUT_OF_ORDER, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server.Handler(), http.MethodGet, "/api/documents/doc-1/chunks?limit=ten", "", nil)
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_INPUT" {
		t.Fatalf("expected 400 INVALID_INPUT, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server.Handler(), http.MethodGet, "/api/documents/doc-1/compare?mode=sideways", "", nil)
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_INPUT" {
		t.Fatalf("expected 400 INVALID_INPUT, got %d %v", rr.Code, payload)
	}

	rr, _ = doRequest(t, server.Handler(), http.MethodGet, "/api/nowhere", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestDocumentRoutesRejectUnsafeIDs(t *testing.T) {
	calls := 0
	backend := &fakeBackend{
		loadChunksFn: func(context.Context, string, int, int) ([]timeline.Chunk, error) {
			calls++
			return nil, nil
		},
		commitFn: func(context.Context, string, ChunkInput) (timeline.Chunk, error) {
			calls++
			return timeline.Chunk{}, nil
		},
	}
	server := NewHTTPServer(newTestService(backend), "*")

	for _, path := range []string{
		"/api/documents/%2e%2e/chunks",
		"/api/documents/./compare",
		"/api/documents/a%5Cb/chunks",
	} {
		rr, payload := doRequest(t, server.Handler(), http.MethodGet, path, "", nil)
		if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_INPUT" {
			t.Fatalf("GET %s: expected 400 INVALID_INPUT, got %d %v", path, rr.Code, payload)
		}
	}

	rr, payload := doRequest(t, server.Handler(), http.MethodPost, "/api/internal/documents/%2e%2e/chunks",
		`{"authorId":"usr_avery","content":{"title":"A"}}`, syncHeaders)
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_INPUT" {
		t.Fatalf("expected 400 INVALID_INPUT, got %d %v", rr.Code, payload)
	}
	if calls != 0 {
		t.Fatalf("backend was reached %d times with an unsafe id", calls)
	}
}

func TestInternalRoutesRequireSyncToken(t *testing.T) {
	server := NewHTTPServer(newGitTestService(t), "*")

	for _, headers := range []map[string]string{nil, {syncTokenHeader: "wrong"}} {
		rr, payload := doRequest(t, server.Handler(), http.MethodPost, "/api/internal/documents/doc-1/chunks",
			`{"authorId":"usr_avery","content":{"title":"A"}}`, headers)
		if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
			t.Fatalf("expected 401, got %d %v", rr.Code, payload)
		}
	}

	rr, payload := doRequest(t, server.Handler(), http.MethodPost, "/api/internal/documents/doc-1/chunks",
		`{"content":{"title":"A"}}`, syncHeaders)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without an author, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server.Handler(), http.MethodPost, "/api/internal/documents/doc-1/chunks",
		`{"authorId":"usr_avery"}`, syncHeaders)
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_INPUT" {
		t.Fatalf("expected 400 without content, got %d %v", rr.Code, payload)
	}
}

func TestDocumentHistoryFlow(t *testing.T) {
	server := NewHTTPServer(newGitTestService(t), "*")
	handler := server.Handler()

	chunkIDs := make([]string, 0, 3)
	for _, body := range []string{
		`{"authorId":"usr_avery","message":"Create","content":{"title":"Draft","body":"x"}}`,
		`{"authorId":"usr_blake","content":{"title":"Final","body":"x"}}`,
		`{"authorId":"usr_casey","content":{"title":"Final","body":"y"}}`,
	} {
		rr, payload := doRequest(t, handler, http.MethodPost, "/api/internal/documents/doc-1/chunks", body, syncHeaders)
		if rr.Code != http.StatusCreated {
			t.Fatalf("commit chunk: expected 201, got %d body=%s", rr.Code, rr.Body.String())
		}
		chunkIDs = append(chunkIDs, payload["chunk"].(map[string]any)["id"].(string))
	}

	rr, payload := doRequest(t, handler, http.MethodGet, "/api/documents/doc-1/chunks?limit=2", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list chunks: expected 200, got %d", rr.Code)
	}
	chunks := payload["chunks"].([]any)
	if len(chunks) != 2 || payload["hasMore"] != true {
		t.Fatalf("unexpected chunk page %v", payload)
	}
	if chunks[1].(map[string]any)["id"] != chunkIDs[2] {
		t.Fatalf("expected the newest chunk last, got %v", chunks)
	}

	rr, payload = doRequest(t, handler, http.MethodGet, "/api/documents/doc-1/compare?mode=rev&chunk="+chunkIDs[1], "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("compare: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["annotation"].(map[string]any)["author"] != "usr_blake" {
		t.Fatalf("unexpected annotation %v", payload["annotation"])
	}
	changes := payload["changes"].([]any)
	if len(changes) != 1 || changes[0].(map[string]any)["path"] != "title" {
		t.Fatalf("revision of chunk 2 should only change the title, got %v", changes)
	}

	rr, payload = doRequest(t, handler, http.MethodGet, "/api/documents/doc-1/compare?mode=since&chunk="+chunkIDs[0]+"&window=1", "", nil)
	if rr.Code != http.StatusConflict || payload["code"] != "CHUNK_NOT_LOADED" {
		t.Fatalf("expected 409 CHUNK_NOT_LOADED, got %d %v", rr.Code, payload)
	}
	if payload["details"].(map[string]any)["earliestIndex"] != float64(3) {
		t.Fatalf("unexpected window details %v", payload["details"])
	}

	rr, payload = doRequest(t, handler, http.MethodPost, "/api/internal/documents/doc-1/publish", `{"authorId":"usr_avery"}`, syncHeaders)
	if rr.Code != http.StatusOK || payload["chunkId"] != chunkIDs[2] {
		t.Fatalf("publish: unexpected %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, handler, http.MethodGet, "/api/documents/doc-1/compare", "", nil)
	if rr.Code != http.StatusOK || payload["diff"].(map[string]any)["action"] != string(diff.ActionUnchanged) {
		t.Fatalf("closed compare after publish should be unchanged, got %d %v", rr.Code, payload)
	}
}

func TestViewEndpoints(t *testing.T) {
	server := NewHTTPServer(newGitTestService(t), "*")
	handler := server.Handler()

	var chunkIDs []string
	for _, title := range []string{"A", "B"} {
		rr, payload := doRequest(t, handler, http.MethodPost, "/api/internal/documents/doc-1/chunks",
			`{"authorId":"usr_avery","content":{"title":"`+title+`"}}`, syncHeaders)
		if rr.Code != http.StatusCreated {
			t.Fatalf("commit chunk: expected 201, got %d", rr.Code)
		}
		chunkIDs = append(chunkIDs, payload["chunk"].(map[string]any)["id"].(string))
	}

	rr, payload := doRequest(t, handler, http.MethodPost, "/api/documents/doc-1/views", "", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("open view: expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	viewID := payload["viewId"].(string)
	base := "/api/views/" + viewID

	rr, payload = doRequest(t, handler, http.MethodPost, base+"/select", `{"mode":"rev","chunkId":"`+chunkIDs[1]+`"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["selection"].(map[string]any)["mode"] != "rev" {
		t.Fatalf("unexpected selection %v", payload["selection"])
	}

	rr, payload = doRequest(t, handler, http.MethodGet, base+"?wait=true", "", nil)
	if rr.Code != http.StatusOK || payload["loading"] != false {
		t.Fatalf("wait: unexpected %d %v", rr.Code, payload)
	}
	changes := payload["changes"].([]any)
	if len(changes) != 1 || changes[0].(map[string]any)["path"] != "title" {
		t.Fatalf("unexpected changes %v", changes)
	}

	rr, payload = doRequest(t, handler, http.MethodPost, base+"/select", `{"mode":"rev","chunkId":"`+chunkIDs[1]+`"}`, nil)
	if rr.Code != http.StatusOK || payload["selection"].(map[string]any)["mode"] != "closed" {
		t.Fatalf("reselecting the same revision should close, got %d %v", rr.Code, payload)
	}

	for _, action := range []string{"close", "retry", "more"} {
		rr, _ = doRequest(t, handler, http.MethodPost, base+"/"+action, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d body=%s", action, rr.Code, rr.Body.String())
		}
	}

	rr, payload = doRequest(t, handler, http.MethodPost, base+"/select", `{"mode":"backwards"}`, nil)
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_INPUT" {
		t.Fatalf("expected 400 for an unknown mode, got %d %v", rr.Code, payload)
	}

	rr, _ = doRequest(t, handler, http.MethodDelete, base, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("dispose: expected 200, got %d", rr.Code)
	}
	rr, payload = doRequest(t, handler, http.MethodGet, base, "", nil)
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 after dispose, got %d %v", rr.Code, payload)
	}
}

func TestViewWaitHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	backend := &fakeBackend{
		snapshotFn: func(ctx context.Context, _ string, _ history.SnapshotRef) (diff.Value, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return titleDoc("A"), nil
		},
	}
	svc := newTestService(backend)
	t.Cleanup(svc.Shutdown)

	opened, err := svc.OpenView(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("OpenView() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	state, err := svc.View(ctx, opened.ViewID, true)
	if err != nil {
		t.Fatalf("View() error = %v", err)
	}
	if !state.Loading {
		t.Fatal("expected the view to still be loading when the deadline passes")
	}
}
