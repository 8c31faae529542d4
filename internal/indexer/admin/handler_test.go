package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/config"
)

func newHandler(t *testing.T) (*Handler, *shard.Router) {
	t.Helper()
	cfg := config.DefaultIndexerConfig()
	cfg.DataDir = t.TempDir()
	cfg.PageCacheSize = 1 << 20
	router, err := shard.NewRouter(cfg, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { router.Close() })
	return New(router), router
}

func serve(h *Handler, method, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	for pattern, handler := range h.Routes() {
		mux.Handle(pattern, handler)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestSpillThenDescribe(t *testing.T) {
	h, router := newHandler(t)
	loc := segment.Locator{Block: 4, Offset: 2}
	id, engine, err := router.RouteLocator(loc)
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.IndexText(context.Background(), "operator endpoints", loc); err != nil {
		t.Fatal(err)
	}

	rec := serve(h, http.MethodPost, "/admin/spill")
	if rec.Code != http.StatusOK {
		t.Fatalf("spill returned %d: %s", rec.Code, rec.Body)
	}
	var ops []OpResult
	if err := json.Unmarshal(rec.Body.Bytes(), &ops); err != nil {
		t.Fatal(err)
	}
	if len(ops) != 2 {
		t.Fatalf("expected a result per shard, got %+v", ops)
	}
	for _, op := range ops {
		if (op.Root != nil) != (op.Shard == id) {
			t.Fatalf("only shard %d had a batch, got %+v", id, ops)
		}
	}

	rec = serve(h, http.MethodGet, "/admin/shards?shard="+strconv.Itoa(id))
	if rec.Code != http.StatusOK {
		t.Fatalf("shards returned %d: %s", rec.Code, rec.Body)
	}
	var views []ShardView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].TotalDocs != 1 || len(views[0].Levels) != 1 || views[0].Levels[0].Count != 1 {
		t.Fatalf("unexpected view %+v", views)
	}
}

func TestShardSelectionErrors(t *testing.T) {
	h, _ := newHandler(t)
	tests := []struct {
		target string
		code   int
	}{
		{"/admin/shards?shard=x", http.StatusBadRequest},
		{"/admin/shards?shard=7", http.StatusNotFound},
	}
	for _, tc := range tests {
		if rec := serve(h, http.MethodGet, tc.target); rec.Code != tc.code {
			t.Errorf("%s returned %d, want %d", tc.target, rec.Code, tc.code)
		}
	}
	if rec := serve(h, http.MethodPost, "/admin/merge?shard=1"); rec.Code != http.StatusOK {
		t.Errorf("merge of an empty shard returned %d: %s", rec.Code, rec.Body)
	}
}
