// Package admin serves the indexer service's operator endpoints: per-shard
// statistics and level chains, and on-demand spill and force merge.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/shard"
	apperrors "github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/errors"
)

type Handler struct {
	router *shard.Router
	logger *slog.Logger
}

func New(router *shard.Router) *Handler {
	return &Handler{
		router: router,
		logger: slog.Default().With("component", "admin"),
	}
}

// Routes returns the endpoints keyed by ServeMux pattern.
func (h *Handler) Routes() map[string]http.Handler {
	return map[string]http.Handler{
		"GET /admin/shards": http.HandlerFunc(h.Shards),
		"POST /admin/spill": http.HandlerFunc(h.Spill),
		"POST /admin/merge": http.HandlerFunc(h.Merge),
	}
}

type LevelView struct {
	Level int      `json:"level"`
	Count uint32   `json:"count"`
	Roots []uint32 `json:"roots"`
}

type ShardView struct {
	Shard        int         `json:"shard"`
	TotalDocs    uint64      `json:"total_docs"`
	AvgDocLength float64     `json:"avg_doc_length"`
	PendingDocs  uint32      `json:"pending_docs"`
	Pages        uint32      `json:"pages"`
	Levels       []LevelView `json:"levels"`
}

// Shards reports every shard, or only ?shard=N.
func (h *Handler) Shards(w http.ResponseWriter, r *http.Request) {
	engines, err := h.selectShards(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]ShardView, 0, len(engines))
	for _, id := range sortedIDs(engines) {
		v, err := describe(id, engines[id])
		if err != nil {
			h.writeError(w, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

type OpResult struct {
	Shard int    `json:"shard"`
	Root  *int64 `json:"root"`
}

// Spill writes each selected shard's pending batch as a segment.
func (h *Handler) Spill(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "spill", func(e *indexer.Engine) (uint32, error) { return e.Spill(r.Context()) })
}

// Merge force-merges each selected shard.
func (h *Handler) Merge(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, "merge", func(e *indexer.Engine) (uint32, error) { return e.ForceMerge(r.Context()) })
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, op string, fn func(*indexer.Engine) (uint32, error)) {
	engines, err := h.selectShards(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	results := make([]OpResult, 0, len(engines))
	for _, id := range sortedIDs(engines) {
		root, err := fn(engines[id])
		if err != nil {
			h.logger.Error("admin operation failed", "op", op, "shard_id", id, "error", err)
			h.writeError(w, err)
			return
		}
		res := OpResult{Shard: id}
		if root != segment.InvalidBlock {
			v := int64(root)
			res.Root = &v
		}
		results = append(results, res)
	}
	h.logger.Info("admin operation finished", "op", op, "shards", len(results))
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) selectShards(r *http.Request) (map[int]*indexer.Engine, error) {
	all := h.router.GetAllEngines()
	q := r.URL.Query().Get("shard")
	if q == "" {
		return all, nil
	}
	id, err := strconv.Atoi(q)
	if err != nil {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "shard %q is not a number", q)
	}
	e, ok := all[id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusNotFound, "no shard %d", id)
	}
	return map[int]*indexer.Engine{id: e}, nil
}

func describe(id int, e *indexer.Engine) (ShardView, error) {
	stats, err := e.Stats()
	if err != nil {
		return ShardView{}, err
	}
	levels, err := e.Levels()
	if err != nil {
		return ShardView{}, err
	}
	v := ShardView{
		Shard:        id,
		TotalDocs:    stats.TotalDocs,
		AvgDocLength: stats.AvgDocLength,
		PendingDocs:  stats.PendingDocs,
		Pages:        stats.Pages,
	}
	for _, l := range levels {
		if l.Count == 0 {
			continue
		}
		v.Levels = append(v.Levels, LevelView{Level: l.Level, Count: l.Count, Roots: l.Roots})
	}
	return v, nil
}

func sortedIDs(engines map[int]*indexer.Engine) []int {
	ids := make([]int, 0, len(engines))
	for id := range engines {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatusCode(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
