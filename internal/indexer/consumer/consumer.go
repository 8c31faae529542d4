// Package consumer indexes document events read from Kafka. Each event is
// routed to the shard owning its locator and the document's status row is
// updated in PostgreSQL once it is in the batch.
package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/source"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/tracing"
)

// DocumentEvent is the message bm25ctl publish writes for each stored
// document. Ctid is the row's location in text form, e.g. "(12,3)".
type DocumentEvent struct {
	DocumentID int64  `json:"document_id"`
	Ctid       string `json:"ctid"`
	Title      string `json:"title"`
	Body       string `json:"body"`
}

// Key is the partition key used when publishing the event.
func (e DocumentEvent) Key() string {
	return strconv.FormatInt(e.DocumentID, 10)
}

// StatusStore records per-document indexing outcomes.
type StatusStore interface {
	SetStatus(ctx context.Context, table string, ids []int64, status string) error
}

// IndexConsumer turns document events into engine batches.
type IndexConsumer struct {
	router  *shard.Router
	status  StatusStore
	table   string
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

// New returns a consumer indexing into router. status may be nil, in which
// case outcomes are only logged.
func New(router *shard.Router, status StatusStore, table string) *IndexConsumer {
	return &IndexConsumer{
		router:  router,
		status:  status,
		table:   table,
		breaker: resilience.NewCircuitBreaker("document-status", resilience.CircuitBreakerConfig{}),
		logger:  slog.Default().With("component", "index-consumer"),
	}
}

// Handler adapts the consumer to a Kafka message handler.
func (ic *IndexConsumer) Handler() kafka.MessageHandler {
	return ic.Handle
}

// Handle indexes one encoded DocumentEvent. Undecodable events and bad
// ctids are logged and dropped.
func (ic *IndexConsumer) Handle(ctx context.Context, key, value []byte) error {
	event, err := kafka.DecodeJSON[DocumentEvent](value)
	if err != nil {
		ic.logger.Error("dropping undecodable event", "key", string(key), "error", err)
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "index-document", event.Key())
	defer span.End()

	loc, err := source.ParseCtid(event.Ctid)
	if err != nil {
		ic.logger.Error("dropping event with bad ctid", "doc_id", event.DocumentID, "error", err)
		ic.setStatus(ctx, event.DocumentID, postgres.StatusFailed)
		return nil
	}
	shardID, engine, err := ic.router.RouteLocator(loc)
	if err != nil {
		return err
	}
	span.SetAttr("shard_id", shardID)

	_, analyze := tracing.StartChildSpan(ctx, "index-text")
	err = engine.IndexText(ctx, event.Title+"\n"+event.Body, loc)
	analyze.End()
	if err != nil {
		ic.setStatus(ctx, event.DocumentID, postgres.StatusFailed)
		return fmt.Errorf("indexing document %d in shard %d: %w", event.DocumentID, shardID, err)
	}
	ic.setStatus(ctx, event.DocumentID, postgres.StatusIndexed)
	ic.logger.Debug("document indexed",
		"doc_id", event.DocumentID,
		"shard_id", shardID,
		"ctid", event.Ctid,
	)
	return nil
}

// setStatus never fails the message: a status write that cannot be made is
// logged and the document is still indexed.
func (ic *IndexConsumer) setStatus(ctx context.Context, id int64, status string) {
	if ic.status == nil {
		return
	}
	_, span := tracing.StartChildSpan(ctx, "set-status")
	defer span.End()
	err := ic.breaker.Execute(func() error {
		return resilience.Retry(ctx, "set-status", resilience.RetryConfig{}, func() error {
			return ic.status.SetStatus(ctx, ic.table, []int64{id}, status)
		})
	})
	if err != nil {
		ic.logger.Warn("failed to update document status",
			"doc_id", id,
			"status", status,
			"breaker", ic.breaker.State(),
			"error", err,
		)
	}
}
