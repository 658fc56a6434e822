package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/errs"
)

var (
	replayK       int
	replayGroupBy string
)

func isNotFound(err error) bool {
	var nf *errs.NotFound
	return errors.As(err, &nf)
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Read-only views over a season's export",
	Long: `Replay serves the frozen record: top candidates, batch cards and
leaderboards come straight from the export tree. No replay command writes
anything.`,
}

var replayTopCmd = &cobra.Command{
	Use:   "top [season]",
	Short: "Print a season's top candidates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		cands, err := a.replay.TopK(args[0], replayK)
		if err != nil {
			return err
		}
		for _, c := range cands {
			fmt.Printf("%.6f  %-20s %-14s %-24s %s\n",
				c.Score, c.CandidateID, c.StrategyID, c.DatasetID, c.SourceBatch)
		}
		return nil
	},
}

var replayBatchesCmd = &cobra.Command{
	Use:   "batches [season]",
	Short: "Print a season's batch cards",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		cards, err := a.replay.Batches(args[0])
		if err != nil {
			return err
		}
		for _, card := range cards {
			fmt.Printf("%-16s jobs %-3d candidates %-3d best %.6f\n",
				card.BatchID, card.JobCount, card.CandidateCount, card.BestScore)
		}
		return nil
	},
}

var replayLeaderboardCmd = &cobra.Command{
	Use:   "leaderboard [season]",
	Short: "Print a season's leaderboard grouped by strategy or dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		rows, err := a.replay.Leaderboard(args[0], replayGroupBy)
		if err != nil {
			return err
		}
		for _, row := range rows {
			fmt.Printf("%-24s n %-3d best %.6f mean %.6f\n",
				row.Group, row.Count, row.BestScore, row.MeanScore)
		}
		return nil
	},
}

func init() {
	replayTopCmd.Flags().IntVar(&replayK, "k", 10, "number of candidates")
	replayLeaderboardCmd.Flags().StringVar(&replayGroupBy, "group-by", "strategy_id", "strategy_id or dataset_id")
	replayCmd.AddCommand(replayTopCmd, replayBatchesCmd, replayLeaderboardCmd)
	rootCmd.AddCommand(replayCmd)
}
