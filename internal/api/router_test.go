package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/kbchat/internal/kb"
	"github.com/aiox-platform/kbchat/internal/transcript"
)

type fakeStore struct {
	articles []kb.Article
}

func (s *fakeStore) Count(context.Context) (int, error) { return len(s.articles), nil }

func (s *fakeStore) Query(_ context.Context, text string, k int) ([]kb.Match, error) {
	var out []kb.Match
	for _, a := range s.articles {
		if len(out) == k {
			break
		}
		d := 1.0
		if strings.Contains(a.Text, text) {
			d = 0.25
		}
		out = append(out, kb.Match{Article: a, Distance: d})
	}
	return out, nil
}

func (s *fakeStore) Add(_ context.Context, a kb.Article) error {
	s.articles = append(s.articles, a)
	return nil
}

func (s *fakeStore) Update(context.Context, kb.Article) error { return nil }

func (s *fakeStore) Peek(_ context.Context, n int) ([]kb.Article, error) {
	return s.articles[:min(n, len(s.articles))], nil
}

func (s *fakeStore) Persist(context.Context) error { return nil }

type fakeProfile string

func (p fakeProfile) Load(context.Context) (string, error) { return string(p), nil }
func (p fakeProfile) Save(context.Context, string) error { return nil }

type fakeTranscript []transcript.Entry

func (t fakeTranscript) Recent(_ context.Context, limit int) ([]transcript.Entry, error) {
	if limit < len(t) {
		return t[len(t)-limit:], nil
	}
	return t, nil
}

func newTestRouter(deps Deps) http.Handler {
	if deps.Store == nil {
		deps.Store = &fakeStore{articles: []kb.Article{
			{ID: "a1", Text: "Go channels"},
			{ID: "a2", Text: "Postgres indexes"},
			{ID: "a3", Text: "Redis lists"},
		}}
	}
	return NewRouter(deps, RouterConfig{})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Live(t *testing.T) {
	rec := do(t, newTestRouter(Deps{}), "GET", "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouter_ReadyDegraded(t *testing.T) {
	h := newTestRouter(Deps{Checks: map[string]HealthCheck{
		"kb":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}})

	rec := do(t, h, "GET", "/health/ready", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp struct {
		Data map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Data["status"])
	assert.Equal(t, "healthy", resp.Data["kb"])
	assert.Equal(t, "unhealthy", resp.Data["redis"])
}

func TestRouter_ListArticles(t *testing.T) {
	rec := do(t, newTestRouter(Deps{}), "GET", "/api/v1/kb/articles?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data  []kb.Article `json:"data"`
		Total int          `json:"total"`
		Limit int          `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Limit)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "a1", resp.Data[0].ID)
}

func TestRouter_ListArticlesBadLimit(t *testing.T) {
	rec := do(t, newTestRouter(Deps{}), "GET", "/api/v1/kb/articles?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_Search(t *testing.T) {
	h := newTestRouter(Deps{})

	rec := do(t, h, "POST", "/api/v1/kb/search", `{"query":"Go","k":1}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []searchResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "a1", resp.Data[0].ID)
	assert.InDelta(t, 0.75, resp.Data[0].Similarity, 1e-9)

	rec = do(t, h, "POST", "/api/v1/kb/search", `{"k":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_ProfileAndTranscript(t *testing.T) {
	h := newTestRouter(Deps{
		Profile: fakeProfile("Name: Ada"),
		Transcript: fakeTranscript{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	})

	rec := do(t, h, "GET", "/api/v1/profile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Name: Ada")

	rec = do(t, h, "GET", "/api/v1/transcript?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []transcript.Entry `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "hello", resp.Data[0].Content)
}

func TestRouter_UnconfiguredRoutes(t *testing.T) {
	h := newTestRouter(Deps{})
	assert.Equal(t, http.StatusNotImplemented, do(t, h, "GET", "/api/v1/profile", "").Code)
	assert.Equal(t, http.StatusNotImplemented, do(t, h, "GET", "/api/v1/transcript", "").Code)
}

func TestRouter_Metrics(t *testing.T) {
	h := newTestRouter(Deps{})
	do(t, h, "GET", "/health/live", "")

	rec := do(t, h, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "kbchat_http_requests_total")
}
