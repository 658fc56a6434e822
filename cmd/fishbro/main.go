// fishbro is the research-orchestration CLI: snapshots, datasets, batch
// studies, season governance, portfolio plans and tamper verification over
// one content-addressed artifact tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/candidate"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/config"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/governance"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/layout"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/logging"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/portfolio"
	"github.com/alexhuang0915/FishBroWFS-V2-sub005/internal/snapshot"
)

var (
	// Global flags
	cfgPath     string
	outputsRoot string
	verbose     bool

	// Logger
	logger *zap.Logger
)

// app bundles the wired components behind every subcommand.
type app struct {
	cfg      *config.Config
	root     layout.Root
	registry *snapshot.Registry
	seasons  *governance.SeasonStore
	policy   *governance.Policy
	planner  *portfolio.Planner
	replay   *candidate.Replay
}

// newApp loads config, applies flag overrides, and primes the registries.
func newApp() (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if outputsRoot != "" {
		cfg.OutputsRoot = outputsRoot
	}
	root := layout.Root{
		Dir:                 cfg.OutputsRoot,
		SeasonIndexRoot:     cfg.EffectiveSeasonIndexRoot(),
		DatasetRegistryRoot: cfg.EffectiveDatasetRegistryRoot(),
	}

	registry := snapshot.NewRegistry(root)
	if err := registry.Prime(); err != nil {
		return nil, fmt.Errorf("priming dataset registry: %w", err)
	}
	seasons, err := governance.NewSeasonStore(root)
	if err != nil {
		return nil, fmt.Errorf("opening season store: %w", err)
	}

	return &app{
		cfg:      cfg,
		root:     root,
		registry: registry,
		seasons:  seasons,
		policy: &governance.Policy{
			Seasons:    seasons,
			EnableLive: cfg.Governance.EnableLive,
			TokenPath:  cfg.Governance.LiveTokenPath,
		},
		planner: &portfolio.Planner{Root: root},
		replay:  &candidate.Replay{Root: root},
	}, nil
}

var rootCmd = &cobra.Command{
	Use:   "fishbro",
	Short: "Deterministic walk-forward research orchestration",
	Long: `fishbro runs the research pipeline end to end: raw bar snapshots,
dataset registration, walk-forward study batches, season freeze and export,
portfolio plan construction, and tamper verification.

Every artifact is canonical JSON under a hash chain; rerunning any stage on
identical inputs yields byte-identical output.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if outputsRoot != "" {
			cfg.OutputsRoot = outputsRoot
		}
		return logging.Initialize(cfg.OutputsRoot, cfg.Logging)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Reset()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "fishbro.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&outputsRoot, "outputs", "", "override the outputs root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
