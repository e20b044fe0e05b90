package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kuatroka/code-session-search/internal/search"
)

type fakeSearcher struct {
	resp     *search.Response
	err      error
	coverage search.Coverage

	lastQuery string
	lastOpts  search.Options
}

func (f *fakeSearcher) Search(ctx context.Context, query string, opts search.Options) (*search.Response, error) {
	f.lastQuery = query
	f.lastOpts = opts
	if f.err != nil {
		return &search.Response{Coverage: f.coverage}, f.err
	}
	return f.resp, nil
}

func (f *fakeSearcher) Coverage() search.Coverage {
	return f.coverage
}

func completeCoverage() search.Coverage {
	return search.Coverage{
		TotalExpected: 1,
		TotalIndexed:  1,
		BySource:      map[string]search.SourceCoverage{"claude": {Expected: 1, Indexed: 1}},
	}
}

func TestSearchEndpoint(t *testing.T) {
	fake := &fakeSearcher{
		resp: &search.Response{
			Query:    "websocket",
			Coverage: completeCoverage(),
			Results: []search.Result{
				{SessionID: "s1", Source: "claude", Display: "ws work", Tier: search.TierExact},
			},
		},
		coverage: completeCoverage(),
	}
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, fake)

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=websocket&limit=5&fuzzy=0", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if fake.lastQuery != "websocket" {
		t.Errorf("query passed = %q", fake.lastQuery)
	}
	if fake.lastOpts.Limit != 5 || fake.lastOpts.Fuzzy {
		t.Errorf("opts = %+v", fake.lastOpts)
	}

	var resp search.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].SessionID != "s1" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestSearchEndpointStrictPartial(t *testing.T) {
	partial := search.Coverage{TotalExpected: 2, TotalIndexed: 1, Partial: true}
	fake := &fakeSearcher{err: search.ErrIndexPartial, coverage: partial}
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, fake)

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=x&strict=1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var errStr string
	if err := json.Unmarshal(body["error"], &errStr); err != nil || errStr != "index_partial" {
		t.Errorf("error field = %s", body["error"])
	}
	if _, ok := body["coverage"]; !ok {
		t.Error("coverage must accompany the strict failure")
	}
}

func TestSearchEndpointMethodNotAllowed(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, &fakeSearcher{resp: &search.Response{}})

	req := httptest.NewRequest(http.MethodPost, "/api/search?q=x", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestAuthToken(t *testing.T) {
	fake := &fakeSearcher{resp: &search.Response{Results: []search.Result{}}, coverage: completeCoverage()}
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0", Token: "sekrit"}, fake)

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=x", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/search?q=x&token=sekrit", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("query token: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/search?q=x", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer token: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/search?q=x", nil)
	req.Header.Set("Authorization", "bearer sekrit")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("lowercase scheme: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/search?q=x", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec.Code)
	}
}

func TestCoverageEndpoint(t *testing.T) {
	fake := &fakeSearcher{coverage: completeCoverage()}
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, fake)

	req := httptest.NewRequest(http.MethodGet, "/api/coverage", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var cov search.Coverage
	if err := json.Unmarshal(rec.Body.Bytes(), &cov); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cov.TotalExpected != 1 || cov.TotalIndexed != 1 {
		t.Errorf("coverage = %+v", cov)
	}
}

func TestHealthz(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"}, &fakeSearcher{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
