package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/segment"
)

var inspectFlags struct {
	terms    []string
	postings int
}

func init() {
	inspectCmd.Flags().StringSliceVar(&inspectFlags.terms, "term", nil, "terms to look up (repeatable)")
	inspectCmd.Flags().IntVar(&inspectFlags.postings, "postings", 10, "postings printed per term and shard")
	rootCmd.AddCommand(inspectCmd)
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print level chains, statistics and term postings of every shard",
	RunE: func(cmd *cobra.Command, args []string) error {
		router, err := openShards()
		if err != nil {
			return err
		}
		defer router.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		defer w.Flush()
		return eachShard(router, func(id int, engine *indexer.Engine) error {
			stats, err := engine.Stats()
			if err != nil {
				return fmt.Errorf("shard %d: %w", id, err)
			}
			fmt.Fprintf(w, "shard %d\tdocs %s\tavg length %.1f\tstore %s\n", id,
				humanize.Comma(int64(stats.TotalDocs)), stats.AvgDocLength,
				humanize.IBytes(uint64(stats.Pages)*segment.PageSize))
			levels, err := engine.Levels()
			if err != nil {
				return fmt.Errorf("shard %d: %w", id, err)
			}
			for _, lvl := range levels {
				if lvl.Count == 0 {
					continue
				}
				roots := make([]string, len(lvl.Roots))
				for i, r := range lvl.Roots {
					roots[i] = fmt.Sprint(r)
				}
				fmt.Fprintf(w, "  L%d\t%d segments\troots %s\n", lvl.Level, lvl.Count, strings.Join(roots, ","))
			}
			for _, term := range inspectFlags.terms {
				tp, err := engine.Postings(term)
				if err != nil {
					return fmt.Errorf("shard %d term %q: %w", id, term, err)
				}
				fmt.Fprintf(w, "  %q\tas %q\tdoc freq %d\n", term, tp.Term, tp.DocFreq)
				for i, p := range tp.Postings {
					if i == inspectFlags.postings {
						fmt.Fprintf(w, "    ...\t%d more\n", len(tp.Postings)-i)
						break
					}
					fmt.Fprintf(w, "    (%d,%d)\ttf %d\tnorm %d\n", p.Locator.Block, p.Locator.Offset, p.Frequency, p.Fieldnorm)
				}
			}
			return nil
		})
	},
}
