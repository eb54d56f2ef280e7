package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sspi-data/sspi/internal/cachestore"
	"github.com/sspi-data/sspi/internal/datastore"
	"github.com/sspi-data/sspi/internal/jobs"
	"github.com/sspi-data/sspi/internal/pipeline"
	"github.com/sspi-data/sspi/internal/registry"
	"github.com/sspi-data/sspi/pkg/dataset"
	"github.com/sspi-data/sspi/pkg/scoring"
	"github.com/sspi-data/sspi/pkg/tree"
)

const testKey = "secret"

func testDocs(fn string) []tree.Document {
	return []tree.Document{
		{ItemType: "SSPI", ItemCode: "SSPI", ItemName: "SSPI", Children: []string{"P"}},
		{ItemType: "Pillar", ItemCode: "P", ItemName: "Pillar", Children: []string{"C"}},
		{ItemType: "Category", ItemCode: "C", ItemName: "Category", Children: []string{"I"}},
		{ItemType: "Indicator", ItemCode: "I", ItemName: "Indicator", DatasetCodes: []string{"X"}, ScoreFunction: fn},
	}
}

type testServer struct {
	handler http.Handler
	lines   *LineCache
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	src := datastore.NewMemory("USA", "FRA").Add(
		dataset.Reading{DatasetCode: "X", CountryCode: "USA", Year: 2020, Value: 50},
		dataset.Reading{DatasetCode: "X", CountryCode: "FRA", Year: 2020, Value: 20},
	)
	reg := jobs.New(jobs.Options{Workers: 1})
	t.Cleanup(reg.Close)
	svc := pipeline.NewService(cachestore.NewMemory(), src, nil, reg, pipeline.Options{
		Window:     scoring.Window{Start: 2019, End: 2021},
		RetryDelay: time.Millisecond,
	})
	lines := NewLineCache(10)
	h := NewHandler(svc, registry.NewMemory(), lines)
	return &testServer{handler: h.Routes(testKey), lines: lines}
}

func (s *testServer) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("X-API-Key", testKey)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// score submits docs and waits for the job to finish via the event stream.
func (s *testServer) score(t *testing.T, docs []tree.Document) (scoreResponse, string) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/configs/score", tree.Submission{Metadata: docs}, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("score: status %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[scoreResponse](t, rec)
	events := s.do(t, http.MethodGet, "/api/v1/jobs/"+resp.JobID+"/events", nil, false)
	return resp, events.Body.String()
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	if rec := s.do(t, http.MethodGet, "/healthz", nil, false); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
}

func TestValidate(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/configs/validate", tree.Submission{Metadata: testDocs("Score = goalpost(X, 0, 100)")}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	res := decode[pipeline.ValidationResult](t, rec)
	if !res.OK || len(res.ConfigHash) != 32 {
		t.Errorf("unexpected result %+v", res)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/configs/validate", tree.Submission{Metadata: testDocs("Score = eval(X)")}, false)
	res = decode[pipeline.ValidationResult](t, rec)
	if res.OK || len(res.Errors) == 0 {
		t.Errorf("expected validation errors, got %+v", res)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/configs/validate", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
}

func TestScoreAndRead(t *testing.T) {
	s := newTestServer(t)

	resp, stream := s.score(t, testDocs("Score = goalpost(X, 0, 100)"))
	if !strings.Contains(stream, "event: complete") {
		t.Fatalf("event stream has no complete event:\n%s", stream)
	}
	if !strings.Contains(stream, `"success": true`) && !strings.Contains(stream, `"success":true`) {
		t.Errorf("job did not succeed:\n%s", stream)
	}

	rec := s.do(t, http.MethodGet, "/api/v1/jobs/"+resp.JobID, nil, false)
	job := decode[jobs.Job](t, rec)
	if job.Status != jobs.StatusSucceeded || job.ResultRef != resp.ConfigHash {
		t.Errorf("unexpected job %+v", job)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/scores/"+resp.ConfigHash+"?item=I&country=USA&from=2020&to=2020", nil, false)
	docs := decode[[]scoring.ScoreDoc](t, rec)
	if len(docs) != 1 || docs[0].Score == nil || *docs[0].Score != 0.5 {
		t.Fatalf("unexpected scores %+v", docs)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/scores/"+resp.ConfigHash+"?type=Indicator,SSPI", nil, false)
	if docs := decode[[]scoring.ScoreDoc](t, rec); len(docs) != 2*2*3 {
		t.Errorf("got %d docs, want 12", len(docs))
	}

	if rec := s.do(t, http.MethodGet, "/api/v1/scores/"+resp.ConfigHash+"?from=abc", nil, false); rec.Code != http.StatusBadRequest {
		t.Errorf("bad year status = %d, want 400", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/lines/"+resp.ConfigHash+"?item=I&country=USA", nil, false)
	lines := decode[[]scoring.LineDoc](t, rec)
	if len(lines) != 1 || len(lines[0].Years) != 3 {
		t.Fatalf("unexpected lines %+v", lines)
	}
	if s.lines.Len() != 1 {
		t.Errorf("line cache has %d entries, want 1", s.lines.Len())
	}
	// Without item every item's lines are returned.
	rec = s.do(t, http.MethodGet, "/api/v1/lines/"+resp.ConfigHash, nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("lines without item status = %d", rec.Code)
	}
	if all := decode[[]scoring.LineDoc](t, rec); len(all) != 4*2 {
		t.Errorf("got %d lines without item, want 8", len(all))
	}
	if s.lines.Len() != 2 {
		t.Errorf("line cache has %d entries, want 2", s.lines.Len())
	}

	if rec := s.do(t, http.MethodDelete, "/api/v1/cache/"+resp.ConfigHash, nil, false); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated clear status = %d, want 401", rec.Code)
	}
	rec = s.do(t, http.MethodDelete, "/api/v1/cache/"+resp.ConfigHash, nil, true)
	cleared := decode[map[string]any](t, rec)
	// 4 items x 2 countries x 3 years, plus 8 lines.
	if cleared["deleted"] != float64(32) {
		t.Errorf("deleted = %v, want 32", cleared["deleted"])
	}
	if s.lines.Len() != 0 {
		t.Errorf("line cache not invalidated")
	}
}

func TestScore_ValidationAndAuth(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/configs/score", tree.Submission{Metadata: testDocs("Score = goalpost(X, 0, 100)")}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/configs/score", tree.Submission{Metadata: testDocs("Score = X ** 2")}, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if res := decode[pipeline.ValidationResult](t, rec); len(res.Errors) == 0 {
		t.Error("expected validation errors")
	}
}

func TestJobs_NotFound(t *testing.T) {
	s := newTestServer(t)
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/jobs/nope"},
		{http.MethodGet, "/api/v1/jobs/nope/events"},
		{http.MethodPost, "/api/v1/jobs/nope/cancel"},
	} {
		if rec := s.do(t, tc.method, tc.path, nil, true); rec.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tc.method, tc.path, rec.Code)
		}
	}
}

func TestSavedConfigs(t *testing.T) {
	s := newTestServer(t)

	body := saveRequest{Owner: "alice", Name: "lower goalpost", Metadata: testDocs("Score = goalpost(X, 0, 50)")}
	rec := s.do(t, http.MethodPost, "/api/v1/saved", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("save status = %d: %s", rec.Code, rec.Body.String())
	}
	entry := decode[registry.Entry](t, rec)
	if entry.ID == "" || len(entry.ConfigHash) != 32 {
		t.Fatalf("unexpected entry %+v", entry)
	}

	if rec := s.do(t, http.MethodPost, "/api/v1/saved", saveRequest{Name: "x", Metadata: body.Metadata}, true); rec.Code != http.StatusBadRequest {
		t.Errorf("missing owner status = %d, want 400", rec.Code)
	}
	bad := saveRequest{Owner: "alice", Name: "bad", Metadata: testDocs("Score = goalpost(Y, 0, 50)")}
	if rec := s.do(t, http.MethodPost, "/api/v1/saved", bad, true); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid config status = %d, want 422", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/saved?owner=alice", nil, false)
	if list := decode[[]registry.Entry](t, rec); len(list) != 1 || list[0].Name != "lower goalpost" {
		t.Errorf("unexpected list %+v", list)
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/saved", nil, false); rec.Code != http.StatusBadRequest {
		t.Errorf("list without owner status = %d, want 400", rec.Code)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/saved/"+entry.ID, nil, false)
	if got := decode[registry.Entry](t, rec); got.ConfigHash != entry.ConfigHash {
		t.Errorf("get returned %+v", got)
	}

	rec = s.do(t, http.MethodPost, "/api/v1/saved/"+entry.ID+"/score", nil, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("score saved status = %d: %s", rec.Code, rec.Body.String())
	}
	scored := decode[scoreResponse](t, rec)
	if scored.ConfigHash != entry.ConfigHash {
		t.Errorf("scored hash %s, want %s", scored.ConfigHash, entry.ConfigHash)
	}
	stream := s.do(t, http.MethodGet, "/api/v1/jobs/"+scored.JobID+"/events", nil, false).Body.String()
	if !strings.Contains(stream, "event: complete") {
		t.Errorf("saved score job did not complete:\n%s", stream)
	}
	if rec := s.do(t, http.MethodPost, "/api/v1/saved/"+entry.ID+"/score", nil, false); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated score saved status = %d, want 401", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/api/v1/saved/nope/score", nil, true); rec.Code != http.StatusNotFound {
		t.Errorf("score missing status = %d, want 404", rec.Code)
	}

	// A second entry with the same configuration shares the hash.
	body.Name = "copy"
	rec = s.do(t, http.MethodPost, "/api/v1/saved", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("save copy status = %d", rec.Code)
	}
	dup := decode[registry.Entry](t, rec)

	rec = s.do(t, http.MethodDelete, "/api/v1/saved/"+entry.ID, nil, true)
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if del := decode[deleteResponse](t, rec); del.References != 1 || del.ConfigHash != entry.ConfigHash {
		t.Errorf("delete response %+v, want one remaining reference", del)
	}
	rec = s.do(t, http.MethodDelete, "/api/v1/saved/"+dup.ID, nil, true)
	if del := decode[deleteResponse](t, rec); del.References != 0 {
		t.Errorf("delete response %+v, want no remaining references", del)
	}
	if rec := s.do(t, http.MethodDelete, "/api/v1/saved/"+dup.ID, nil, true); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/api/v1/saved/"+entry.ID, nil, false); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestCORS_Preflight(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodOptions, "/api/v1/configs/score", nil, false)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestAPIKeyAuth_Bearer(t *testing.T) {
	h := APIKeyAuth("k")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}

func TestLineCache_Eviction(t *testing.T) {
	c := NewLineCache(2)
	c.Put(lineKey("h1", "I", nil), []scoring.LineDoc{{ICode: "I"}})
	c.Put(lineKey("h1", "C", nil), []scoring.LineDoc{{ICode: "C"}})
	c.Get(lineKey("h1", "I", nil)) // I becomes most recent
	c.Put(lineKey("h2", "I", []string{"USA"}), []scoring.LineDoc{{ICode: "I"}})

	if _, ok := c.Get(lineKey("h1", "C", nil)); ok {
		t.Error("expected least recently used entry to be evicted")
	}
	if _, ok := c.Get(lineKey("h1", "I", nil)); !ok {
		t.Error("expected recently used entry to survive")
	}

	c.Invalidate("h1")
	if c.Len() != 1 {
		t.Errorf("Len after invalidate = %d, want 1", c.Len())
	}
}
