package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/candidate"
)

var exportBatches []string

var seasonCmd = &cobra.Command{
	Use:   "season",
	Short: "Season lifecycle: create, freeze, annotate, export, compare",
}

var seasonCreateCmd = &cobra.Command{
	Use:   "create [season]",
	Short: "Create a season",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		meta, err := a.seasons.Create(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("season %s created at %s\n", meta.Season, meta.CreatedAt)
		return nil
	},
}

var seasonFreezeCmd = &cobra.Command{
	Use:   "freeze [season]",
	Short: "Freeze a season (one-way; research mutations are rejected afterwards)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		meta, err := a.seasons.Freeze(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("season %s frozen at %s\n", meta.Season, meta.FrozenAt)
		return nil
	},
}

var seasonTagCmd = &cobra.Command{
	Use:   "tag [season] [tag]",
	Short: "Append a tag to season metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.policy.Enforce("season_tag", args[0]); err != nil {
			return err
		}
		meta, err := a.seasons.Tag(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("season %s tags: %s\n", meta.Season, strings.Join(meta.Tags, ", "))
		return nil
	},
}

var seasonNoteCmd = &cobra.Command{
	Use:   "note [season] [note]",
	Short: "Set the season's note",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.policy.Enforce("season_note", args[0]); err != nil {
			return err
		}
		_, err = a.seasons.SetNote(args[0], args[1])
		return err
	},
}

var seasonExportCmd = &cobra.Command{
	Use:   "export [season]",
	Short: "Package a frozen season's batch artifacts into the export tree",
	Long: `Copies every batch's metadata, index and summary verbatim into
exports/seasons/{season}/, aggregates the candidates, and finalizes the
package with a self-hashed manifest. The season must be frozen. Without
--batch, the season index supplies the batch list.`,
	Args: cobra.ExactArgs(1),
	RunE: runSeasonExport,
}

var seasonCompareCmd = &cobra.Command{
	Use:   "compare [season-a] [season-b]",
	Short: "Diff two seasons' exported candidate sets",
	Args:  cobra.ExactArgs(2),
	RunE:  runSeasonCompare,
}

func runSeasonExport(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	season := args[0]

	ids := exportBatches
	if len(ids) == 0 {
		idx, err := a.seasons.Index(season)
		if err != nil {
			return err
		}
		entries, _ := idx["batches"].([]any)
		for _, e := range entries {
			m, ok := e.(map[string]any)
			if !ok {
				continue
			}
			if id, ok := m["batch_id"].(string); ok {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return fmt.Errorf("season %s has no batches to export", season)
	}

	exporter := &candidate.Exporter{Root: a.root, Seasons: a.seasons}
	res, err := exporter.Export(season, ids)
	if err != nil {
		return err
	}
	if !res.Written {
		fmt.Printf("export for %s already exists and is identical\n", season)
		return nil
	}
	fmt.Printf("exported %s: %d batches, manifest %s\n", season, len(res.Batches), res.ManifestSHA)
	return nil
}

func runSeasonCompare(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	diff, err := a.replay.CompareSeasons(args[0], args[1])
	if err != nil {
		return err
	}
	for _, key := range diff.OnlyA {
		fmt.Printf("- %s only in %s\n", key, diff.SeasonA)
	}
	for _, key := range diff.OnlyB {
		fmt.Printf("+ %s only in %s\n", key, diff.SeasonB)
	}
	for _, d := range diff.Common {
		fmt.Printf("  %s  %.6f -> %.6f  (%+.6f)\n", d.Key, d.ScoreA, d.ScoreB, d.Change)
	}
	return nil
}

func init() {
	seasonExportCmd.Flags().StringArrayVar(&exportBatches, "batch", nil, "batch id to export (repeatable; default: season index)")
	seasonCmd.AddCommand(seasonCreateCmd, seasonFreezeCmd, seasonTagCmd,
		seasonNoteCmd, seasonExportCmd, seasonCompareCmd)
	rootCmd.AddCommand(seasonCmd)
}
