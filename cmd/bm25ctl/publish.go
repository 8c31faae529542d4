package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/postgres"
)

var publishFlags struct {
	batch int
}

func init() {
	publishCmd.Flags().IntVar(&publishFlags.batch, "batch", 500, "documents stored and published per batch")
	rootCmd.AddCommand(publishCmd)
}

var publishCmd = &cobra.Command{
	Use:   "publish FILE...",
	Short: "Store each line as a document in postgres and publish it to the ingest topic",
	Long: `Each non-blank line becomes a document. Text before the first tab is
the title, the rest is the body. Documents are inserted in batches and an
event carrying the row's ctid is published for the indexer service.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()
		table := db.DocumentTable()
		if err := db.EnsureDocumentTable(ctx, table); err != nil {
			return err
		}
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest)
		defer producer.Close()

		var (
			pending []postgres.Document
			total   int
		)
		flush := func() error {
			if len(pending) == 0 {
				return nil
			}
			if err := db.InsertDocuments(ctx, table, pending); err != nil {
				return err
			}
			events := make([]kafka.Event, len(pending))
			for i, d := range pending {
				e := consumer.DocumentEvent{DocumentID: d.ID, Ctid: d.Ctid, Title: d.Title, Body: d.Body}
				events[i] = kafka.Event{Key: e.Key(), Value: e}
			}
			if err := producer.Publish(ctx, events...); err != nil {
				return err
			}
			total += len(pending)
			pending = pending[:0]
			return nil
		}
		for _, path := range args {
			err := eachLine(path, func(line string) error {
				title, body, found := strings.Cut(line, "\t")
				if !found {
					title, body = "", line
				}
				pending = append(pending, postgres.Document{Title: title, Body: body})
				if len(pending) >= publishFlags.batch {
					return flush()
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		if err := flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %d documents to %s\n", total, cfg.Kafka.Topics.DocumentIngest)
		return nil
	},
}
