package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/postgres"
)

type fakeStatus struct {
	mu      sync.Mutex
	updates map[int64]string
	err     error
}

func (f *fakeStatus) SetStatus(_ context.Context, table string, ids []int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.updates == nil {
		f.updates = map[int64]string{}
	}
	for _, id := range ids {
		f.updates[id] = status
	}
	return nil
}

func newConsumer(t *testing.T, status StatusStore) (*IndexConsumer, *shard.Router) {
	t.Helper()
	cfg := config.DefaultIndexerConfig()
	cfg.DataDir = t.TempDir()
	cfg.PageCacheSize = 1 << 20
	router, err := shard.NewRouter(cfg, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { router.Close() })
	return New(router, status, "documents"), router
}

func encode(t *testing.T, e DocumentEvent) []byte {
	t.Helper()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestHandleIndexesIntoOwningShard(t *testing.T) {
	status := &fakeStatus{}
	ic, router := newConsumer(t, status)
	ctx := context.Background()
	events := []DocumentEvent{
		{DocumentID: 1, Ctid: "(0,1)", Title: "Kafka", Body: "streams of documents"},
		{DocumentID: 2, Ctid: "(0,2)", Title: "Postgres", Body: "documents in rows"},
		{DocumentID: 3, Ctid: "(1,1)", Title: "Redis", Body: "progress hashes"},
	}
	for _, e := range events {
		if err := ic.Handle(ctx, []byte(e.Key()), encode(t, e)); err != nil {
			t.Fatal(err)
		}
	}
	if err := router.FlushAll(ctx); err != nil {
		t.Fatal(err)
	}

	var df uint32
	for id, engine := range router.GetAllEngines() {
		tp, err := engine.Postings("documents")
		if err != nil {
			t.Fatal(err)
		}
		df += tp.DocFreq
		for _, p := range tp.Postings {
			if shard.ShardFor(p.Locator, 2) != id {
				t.Fatalf("posting %+v stored in shard %d", p.Locator, id)
			}
		}
	}
	if df != 2 {
		t.Fatalf("expected 2 documents with the term, got %d", df)
	}
	for _, e := range events {
		if status.updates[e.DocumentID] != postgres.StatusIndexed {
			t.Fatalf("document %d has status %q", e.DocumentID, status.updates[e.DocumentID])
		}
	}
}

func TestHandleDropsBadEvents(t *testing.T) {
	status := &fakeStatus{}
	ic, router := newConsumer(t, status)
	ctx := context.Background()
	if err := ic.Handle(ctx, nil, []byte("not json")); err != nil {
		t.Fatalf("undecodable events must be dropped, got %v", err)
	}
	bad := DocumentEvent{DocumentID: 9, Ctid: "12,3", Body: "lost"}
	if err := ic.Handle(ctx, nil, encode(t, bad)); err != nil {
		t.Fatalf("bad ctids must be dropped, got %v", err)
	}
	if status.updates[9] != postgres.StatusFailed {
		t.Fatalf("expected document 9 to be marked failed, got %q", status.updates[9])
	}
	for _, engine := range router.GetAllEngines() {
		if s, _ := engine.Stats(); s.PendingDocs != 0 {
			t.Fatalf("nothing should have been indexed, got %+v", s)
		}
	}
}

func TestHandleSurvivesStatusOutage(t *testing.T) {
	status := &fakeStatus{err: errors.New("database unavailable")}
	ic, router := newConsumer(t, status)
	e := DocumentEvent{DocumentID: 4, Ctid: "(2,1)", Body: "indexed anyway"}
	if err := ic.Handle(context.Background(), nil, encode(t, e)); err != nil {
		t.Fatal(err)
	}
	_, engine, err := router.RouteLocator(segment.Locator{Block: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if s, _ := engine.Stats(); s.PendingDocs != 1 {
		t.Fatalf("expected the document in the batch, got %+v", s)
	}
}
