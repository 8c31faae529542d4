package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/shard"
)

var spillFlags struct {
	startBlock   uint32
	rowsPerBlock int
}

func init() {
	spillCmd.Flags().Uint32Var(&spillFlags.startBlock, "start-block", 0, "block of the first line's locator")
	spillCmd.Flags().IntVar(&spillFlags.rowsPerBlock, "rows-per-block", 100, "lines per locator block")
	rootCmd.AddCommand(spillCmd, mergeCmd)
}

var spillCmd = &cobra.Command{
	Use:   "spill FILE...",
	Short: "Index each line of the files as a document and spill the batches",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if spillFlags.rowsPerBlock < 1 || spillFlags.rowsPerBlock > 0xFFFF {
			return fmt.Errorf("rows-per-block must be in [1, 65535]")
		}
		router, err := openShards()
		if err != nil {
			return err
		}
		defer router.Close()

		ctx := cmd.Context()
		n := 0
		for _, path := range args {
			err := eachLine(path, func(line string) error {
				loc := segment.Locator{
					Block:  spillFlags.startBlock + uint32(n/spillFlags.rowsPerBlock),
					Offset: uint16(n%spillFlags.rowsPerBlock + 1),
				}
				n++
				_, engine, err := router.RouteLocator(loc)
				if err != nil {
					return err
				}
				return engine.IndexText(ctx, line, loc)
			})
			if err != nil {
				return err
			}
		}
		out := cmd.OutOrStdout()
		return eachShard(router, func(id int, engine *indexer.Engine) error {
			root, err := engine.Spill(ctx)
			if err != nil {
				return fmt.Errorf("shard %d: %w", id, err)
			}
			if root == segment.InvalidBlock {
				fmt.Fprintf(out, "shard %d: nothing to spill\n", id)
				return nil
			}
			fmt.Fprintf(out, "shard %d: spilled segment at block %d\n", id, root)
			return nil
		})
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge every shard down to a single segment and truncate dead pages",
	RunE: func(cmd *cobra.Command, args []string) error {
		router, err := openShards()
		if err != nil {
			return err
		}
		defer router.Close()
		out := cmd.OutOrStdout()
		return eachShard(router, func(id int, engine *indexer.Engine) error {
			before := engine.Store().NumPages()
			root, err := engine.ForceMerge(cmd.Context())
			if err != nil {
				return fmt.Errorf("shard %d: %w", id, err)
			}
			after := engine.Store().NumPages()
			if root == segment.InvalidBlock {
				fmt.Fprintf(out, "shard %d: nothing to merge\n", id)
				return nil
			}
			fmt.Fprintf(out, "shard %d: merged into block %d, %s -> %s\n", id, root,
				humanize.IBytes(uint64(before)*segment.PageSize), humanize.IBytes(uint64(after)*segment.PageSize))
			return nil
		})
	},
}

// eachShard visits engines in shard order.
func eachShard(router *shard.Router, fn func(id int, engine *indexer.Engine) error) error {
	engines := router.GetAllEngines()
	ids := make([]int, 0, len(engines))
	for id := range engines {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if err := fn(id, engines[id]); err != nil {
			return err
		}
	}
	return nil
}

// eachLine calls fn for every non-blank line of path; "-" reads stdin.
func eachLine(path string, fn func(line string) error) error {
	f := os.Stdin
	if path != "-" {
		var err error
		if f, err = os.Open(path); err != nil {
			return err
		}
		defer f.Close()
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	return nil
}
