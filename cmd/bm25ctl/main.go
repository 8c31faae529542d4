// Command bm25ctl administers index shards on disk: building them from a
// source, spilling and merging batches, inspecting levels and terms, and
// publishing documents for the indexer service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/logger"
)

var (
	configPath string
	dataDir    string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "bm25ctl",
	Short:         "Build, merge and inspect BM25 index shards",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			c.Indexer.DataDir = dataDir
		}
		logger.Setup(c.Logging.Level, c.Logging.Format)
		cfg = c
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override indexer.dataDir")
}

// openShards opens every shard engine under the configured data directory.
func openShards() (*shard.Router, error) {
	return shard.NewRouter(cfg.Indexer, cfg.Indexer.NumShards, nil)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bm25ctl:", err)
		os.Exit(1)
	}
}
