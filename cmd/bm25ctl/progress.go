package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/progress"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/redis"
)

var clearProgress bool

func init() {
	progressCmd.Flags().BoolVar(&clearProgress, "clear", false, "delete every published build progress hash")
	rootCmd.AddCommand(progressCmd)
}

var progressCmd = &cobra.Command{
	Use:   "progress [BUILD-ID]",
	Short: "Show the progress a build published to redis",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if clearProgress {
			n, err := client.FlushByPattern(ctx, progress.KeyPrefix+"*")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "removed %d progress entries\n", n)
			return nil
		}
		if len(args) == 0 {
			return fmt.Errorf("a build id is required unless --clear is given")
		}
		fields, err := client.HGetAll(ctx, progress.Key(args[0]))
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("no progress published for build %s", args[0])
		}
		fmt.Fprintf(out, "build %s: %s, %s (%s%%) after %sms\n",
			args[0], fields["phase"], fields["summary"], fields["percent"], fields["elapsed_ms"])
		return nil
	},
}
