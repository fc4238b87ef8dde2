package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/yungbote/keel/internal/observability"
	"github.com/yungbote/keel/internal/pkg/errdefs"
	"github.com/yungbote/keel/internal/pkg/logger"
	"github.com/yungbote/keel/internal/queue/adapter"
	"github.com/yungbote/keel/internal/queue/memq"
	"github.com/yungbote/keel/internal/service"
)

// notesService is a tenant-scoped in-memory CRUD store used to exercise
// the REST mapping end to end.
type notesService struct {
	mu    sync.Mutex
	seq   int
	items map[string]map[string]map[string]any
}

func newNotesService() *notesService {
	return &notesService{items: make(map[string]map[string]map[string]any)}
}

func (s *notesService) Capabilities() service.MethodSet { return service.AllStandard() }

func (s *notesService) tenantItems(tenantID string) map[string]map[string]any {
	m, ok := s.items[tenantID]
	if !ok {
		m = make(map[string]map[string]any)
		s.items[tenantID] = m
	}
	return m
}

func (s *notesService) Find(ctx context.Context, p service.Params) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, rec := range s.tenantItems(p.Tenant.TenantID) {
		out = append(out, rec)
	}
	return out, nil
}

func (s *notesService) Get(ctx context.Context, id string, p service.Params) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tenantItems(p.Tenant.TenantID)[id]
	if !ok {
		return nil, errdefs.NotFound(fmt.Sprintf("note %s not found", id))
	}
	return rec, nil
}

func (s *notesService) Create(ctx context.Context, data any, p service.Params) (any, error) {
	body, ok := data.(map[string]any)
	if !ok {
		return nil, errdefs.BadRequest("note body must be an object")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("n%d", s.seq)
	rec := map[string]any{"id": id}
	for k, v := range body {
		rec[k] = v
	}
	s.tenantItems(p.Tenant.TenantID)[id] = rec
	return rec, nil
}

func (s *notesService) Update(ctx context.Context, id string, data any, p service.Params) (any, error) {
	body, ok := data.(map[string]any)
	if !ok {
		return nil, errdefs.BadRequest("note body must be an object")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.tenantItems(p.Tenant.TenantID)
	if _, ok := items[id]; !ok {
		return nil, errdefs.NotFound(fmt.Sprintf("note %s not found", id))
	}
	rec := map[string]any{"id": id}
	for k, v := range body {
		rec[k] = v
	}
	items[id] = rec
	return rec, nil
}

func (s *notesService) Patch(ctx context.Context, id string, data any, p service.Params) (any, error) {
	body, ok := data.(map[string]any)
	if !ok {
		return nil, errdefs.BadRequest("note body must be an object")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tenantItems(p.Tenant.TenantID)[id]
	if !ok {
		return nil, errdefs.NotFound(fmt.Sprintf("note %s not found", id))
	}
	for k, v := range body {
		rec[k] = v
	}
	return rec, nil
}

func (s *notesService) Remove(ctx context.Context, id string, p service.Params) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.tenantItems(p.Tenant.TenantID)
	rec, ok := items[id]
	if !ok {
		return nil, errdefs.NotFound(fmt.Sprintf("note %s not found", id))
	}
	delete(items, id)
	return rec, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logger.Nop()
	app := service.NewApp(log)
	if _, err := app.Register("notes", newNotesService()); err != nil {
		t.Fatalf("register notes: %v", err)
	}

	recorder := observability.NewRecorder(log)
	backend := memq.New(log, memq.WithEventSink(recorder.Record))
	ad := adapter.New(log, backend, adapter.DefaultConfig())

	metrics := observability.NewMetrics()
	expo := observability.NewExposition()
	metrics.RegisterOn(expo)
	expo.Register(recorder)

	return New(log, app,
		WithAdapter(ad),
		WithRecorder(recorder),
		WithMetrics(metrics),
		WithExposition(expo),
	)
}

func doRequest(t *testing.T, srv *Server, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenantID != "" {
		req.Header.Set(headerTenantID, tenantID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestServiceRoutes(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/v1/services/notes", "t1", map[string]any{"text": "hello"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status: want=201 got=%d body=%s", w.Code, w.Body.String())
	}
	var created map[string]any
	decodeBody(t, w, &created)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatalf("create: no id in %v", created)
	}
	if w.Header().Get(headerRequestID) == "" {
		t.Fatalf("request id header not echoed")
	}

	w = doRequest(t, srv, http.MethodGet, "/v1/services/notes/"+id, "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status: want=200 got=%d", w.Code)
	}
	var got map[string]any
	decodeBody(t, w, &got)
	if got["text"] != "hello" {
		t.Fatalf("get text: want=%q got=%v", "hello", got["text"])
	}

	w = doRequest(t, srv, http.MethodPatch, "/v1/services/notes/"+id, "t1", map[string]any{"done": true})
	if w.Code != http.StatusOK {
		t.Fatalf("patch status: want=200 got=%d", w.Code)
	}
	decodeBody(t, w, &got)
	if got["done"] != true || got["text"] != "hello" {
		t.Fatalf("patch merged badly: %v", got)
	}

	w = doRequest(t, srv, http.MethodPut, "/v1/services/notes/"+id, "t1", map[string]any{"text": "rewritten"})
	if w.Code != http.StatusOK {
		t.Fatalf("update status: want=200 got=%d", w.Code)
	}
	// json.Unmarshal merges into a non-nil map; reset so keys from the
	// patch decode cannot leak into the replacement check below.
	got = nil
	decodeBody(t, w, &got)
	if _, stillThere := got["done"]; stillThere {
		t.Fatalf("update must replace, got %v", got)
	}

	w = doRequest(t, srv, http.MethodGet, "/v1/services/notes", "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("find status: want=200 got=%d", w.Code)
	}
	var list []any
	decodeBody(t, w, &list)
	if len(list) != 1 {
		t.Fatalf("find: want 1 note got %d", len(list))
	}

	// Another tenant sees an empty collection.
	w = doRequest(t, srv, http.MethodGet, "/v1/services/notes", "t2", nil)
	decodeBody(t, w, &list)
	if len(list) != 0 {
		t.Fatalf("cross-tenant find: want 0 got %d", len(list))
	}

	w = doRequest(t, srv, http.MethodDelete, "/v1/services/notes/"+id, "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove status: want=200 got=%d", w.Code)
	}
	w = doRequest(t, srv, http.MethodGet, "/v1/services/notes/"+id, "t1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get removed: want=404 got=%d", w.Code)
	}
}

func TestServiceRouteErrors(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodGet, "/v1/services/notes", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing tenant: want=400 got=%d", w.Code)
	}

	w = doRequest(t, srv, http.MethodGet, "/v1/services/ghosts", "t1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown service: want=404 got=%d", w.Code)
	}

	w = doRequest(t, srv, http.MethodPost, "/v1/services/notes", "t1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty body create: want=400 got=%d", w.Code)
	}

	var envelope struct {
		Error struct {
			Kind    string `json:"kind"`
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	w = doRequest(t, srv, http.MethodGet, "/v1/services/notes/nope", "t1", nil)
	decodeBody(t, w, &envelope)
	if envelope.Error.Kind != string(errdefs.KindNotFound) || envelope.Error.Code != 404 {
		t.Fatalf("error envelope: %+v", envelope.Error)
	}
}

func TestQueueRoutes(t *testing.T) {
	srv := newTestServer(t)

	w := doRequest(t, srv, http.MethodPost, "/v1/queues/default/jobs", "t1", map[string]any{
		"job_type": "email.send",
		"payload":  map[string]any{"to": "ada@example.com"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue status: want=202 got=%d body=%s", w.Code, w.Body.String())
	}
	var enq struct {
		JobID string `json:"job_id"`
	}
	decodeBody(t, w, &enq)
	if enq.JobID == "" {
		t.Fatalf("enqueue: empty job id")
	}

	w = doRequest(t, srv, http.MethodGet, "/v1/jobs/"+enq.JobID, "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("job status: want=200 got=%d", w.Code)
	}
	var rec struct {
		Status  string `json:"status"`
		Message struct {
			JobType string `json:"job_type"`
		} `json:"message"`
	}
	decodeBody(t, w, &rec)
	if rec.Status != "enqueued" || rec.Message.JobType != "email.send" {
		t.Fatalf("job record: %+v", rec)
	}

	// Cross-tenant reads look like a missing job.
	w = doRequest(t, srv, http.MethodGet, "/v1/jobs/"+enq.JobID, "t2", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant job status: want=404 got=%d", w.Code)
	}

	w = doRequest(t, srv, http.MethodDelete, "/v1/jobs/"+enq.JobID, "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel status: want=200 got=%d", w.Code)
	}
	var canceled struct {
		Canceled bool `json:"canceled"`
	}
	decodeBody(t, w, &canceled)
	if !canceled.Canceled {
		t.Fatalf("cancel: want true")
	}

	// A second cancel is a no-op.
	w = doRequest(t, srv, http.MethodDelete, "/v1/jobs/"+enq.JobID, "t1", nil)
	decodeBody(t, w, &canceled)
	if w.Code != http.StatusOK || canceled.Canceled {
		t.Fatalf("second cancel: want (200, false) got (%d, %v)", w.Code, canceled.Canceled)
	}

	w = doRequest(t, srv, http.MethodGet, "/v1/jobs/not-a-uuid", "t1", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad job id: want=400 got=%d", w.Code)
	}

	w = doRequest(t, srv, http.MethodPost, "/v1/queues/default/jobs", "t1", map[string]any{"payload": map[string]any{}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing job_type: want=400 got=%d", w.Code)
	}
}

func TestQueueStatsRoute(t *testing.T) {
	srv := newTestServer(t)

	doRequest(t, srv, http.MethodPost, "/v1/queues/default/jobs", "t1", map[string]any{
		"job_type": "report.build",
	})

	w := doRequest(t, srv, http.MethodGet, "/v1/queue/stats", "t1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status: want=200 got=%d", w.Code)
	}
	var stats struct {
		Events map[string]int64 `json:"events"`
	}
	decodeBody(t, w, &stats)
	if stats.Events["enqueued"] != 1 {
		t.Fatalf("enqueued count: want=1 got=%d", stats.Events["enqueued"])
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz: code=%d body=%q", w.Code, w.Body.String())
	}

	// One instrumented request, then scrape.
	doRequest(t, srv, http.MethodGet, "/v1/services/notes", "t1", nil)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status: want=200 got=%d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "keel_api_requests_total") {
		t.Fatalf("metrics body missing api counter:\n%s", body)
	}
	if !strings.Contains(body, "keel_job_events_total") {
		t.Fatalf("metrics body missing job events counter:\n%s", body)
	}
}
