// quiver is the operator CLI for the semantic note index: bulk builds,
// search, duplicate detection, diagnostics, and the file watcher.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quiver-kb/quiver/internal/config"
	"github.com/quiver-kb/quiver/internal/search"
	"github.com/quiver-kb/quiver/internal/service"
)

var (
	version = "dev"

	configPath string
	vaultPath  string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:     "quiver",
	Short:   "Semantic search over a markdown note vault",
	Version: version,
	Long: `quiver maintains an embedding index over a vault of markdown notes
and answers semantic search, similarity, and duplicate queries against it.

Point it at a vault with --vault, or at a config file with --config.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to quiver.yaml")
	rootCmd.PersistentFlags().StringVar(&vaultPath, "vault", "", "path to the note vault (used when no config file is given)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	buildCmd.Flags().StringVar(&buildScope, "scope", "", "restrict to notes under this path prefix")
	buildCmd.Flags().BoolVar(&buildForce, "force", false, "re-embed notes even when unchanged")
	buildCmd.Flags().IntVar(&buildMaxFiles, "max-files", 0, "bound this run to N notes needing work (0 = no bound)")

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "l", 10, "maximum number of results")
	searchCmd.Flags().Float64VarP(&searchThreshold, "threshold", "t", 0, "minimum similarity score (0 = no minimum)")
	searchCmd.Flags().StringVar(&searchScope, "scope", "", "restrict to notes under this path prefix")

	similarCmd.Flags().IntVarP(&similarLimit, "limit", "l", 10, "maximum number of results")
	similarCmd.Flags().BoolVar(&similarIncludeSelf, "include-self", false, "include the reference note in results")

	duplicatesCmd.Flags().Float64VarP(&dupThreshold, "threshold", "t", 0.9, "similarity forming a duplicate edge")
	duplicatesCmd.Flags().StringVar(&dupScope, "scope", "", "restrict to notes under this path prefix")
	duplicatesCmd.Flags().IntVar(&dupMinLength, "min-length", 64, "ignore notes shorter than this many bytes")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(duplicatesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(watchCmd)
}

// newService assembles the service from --config or --vault.
func newService() (*service.Service, func(), error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case configPath != "":
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
	case vaultPath != "":
		cfg = config.Default(vaultPath)
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, errors.New("provide --config or --vault")
	}

	logger, err := newLogger()
	if err != nil {
		return nil, nil, err
	}

	svc, err := service.New(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		_ = svc.Close()
		_ = logger.Sync()
	}
	return svc, cleanup, nil
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

var (
	buildScope    string
	buildForce    bool
	buildMaxFiles int
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build or refresh the embedding index",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		result, err := svc.BuildIndexBatch(cmd.Context(), buildScope, buildMaxFiles, buildForce)
		if err != nil {
			return err
		}

		fmt.Printf("Indexed %d, skipped %d, failed %d of %d notes in %s\n",
			result.Indexed, result.Skipped, result.Failed, result.TotalFiles,
			result.Duration.Round(1e6))
		for _, fe := range result.Errors {
			fmt.Printf("  %s: %s\n", fe.Identity, fe.Message)
		}
		return nil
	},
}

var (
	searchLimit     int
	searchThreshold float64
	searchScope     string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over indexed notes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		results, err := svc.SemanticSearch(cmd.Context(), strings.Join(args, " "), search.Options{
			Limit:     searchLimit,
			Threshold: searchThreshold,
			Scope:     searchScope,
		})
		if err != nil {
			return err
		}
		printResults(results)
		return nil
	},
}

var (
	similarLimit       int
	similarIncludeSelf bool
)

var similarCmd = &cobra.Command{
	Use:   "similar <note>",
	Short: "Find notes similar to an indexed note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		results, err := svc.FindSimilar(cmd.Context(), args[0], similarLimit, !similarIncludeSelf)
		if err != nil {
			return err
		}
		printResults(results)
		return nil
	},
}

var (
	dupThreshold float64
	dupScope     string
	dupMinLength int
)

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Group near-duplicate notes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		groups, err := svc.FindDuplicates(cmd.Context(), search.DuplicateOptions{
			Threshold:        dupThreshold,
			Scope:            dupScope,
			MinContentLength: dupMinLength,
		})
		if err != nil {
			return err
		}

		if len(groups) == 0 {
			fmt.Println("No duplicate groups found")
			return nil
		}
		for i, g := range groups {
			fmt.Printf("Group %d (avg %.3f, max %.3f):\n", i+1, g.AvgSimilarity, g.MaxSimilarity)
			for _, m := range g.Members {
				marker := " "
				if m.FileIdentity == g.Representative {
					marker = "*"
				}
				fmt.Printf("  %s %.3f  %s\n", marker, m.RepresentativeSimilarity, m.FileIdentity)
			}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index completeness",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		status, err := svc.IndexStatus(cmd.Context())
		if err != nil {
			return err
		}

		if status.EmbeddingModel == "" {
			fmt.Println("Index not initialized; run 'quiver build'")
		} else {
			fmt.Printf("Model:     %s (dimension %d)\n", status.EmbeddingModel, status.Dimension)
		}
		fmt.Printf("Records:   %d of %d notes (%.0f%%)\n",
			status.RecordCount, status.TotalFiles, status.CompletenessRatio*100)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show index internals for debugging",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		insp, err := svc.Inspect(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Database:     %s\n", insp.DBPath)
		fmt.Printf("Driver:       %s (%s build)\n", insp.Driver, insp.BuildMode)
		fmt.Printf("Schema ready: %v\n", insp.SchemaReady)
		if insp.SchemaReady {
			fmt.Printf("Model:        %s\n", insp.EmbeddingModel)
			fmt.Printf("Dimension:    %d\n", insp.Dimension)
		}
		fmt.Printf("Records:      %d\n", insp.RecordCount)
		fmt.Printf("Queue depth:  %d\n", insp.QueueDepth)
		fmt.Printf("Strategy:     %s\n", insp.Strategy)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop the index schema and all records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := svc.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Index reset; run 'quiver build' to re-embed")
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the vault and index notes as they change",
	RunE: func(cmd *cobra.Command, _ []string) error {
		svc, cleanup, err := newService()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := svc.StartWatcher(ctx); err != nil {
			return err
		}
		fmt.Println("Watching vault; press Ctrl-C to stop")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		// Flush whatever is still queued before exiting.
		if result, err := svc.ProcessPending(context.Background(), 0); err == nil && result.Processed > 0 {
			fmt.Printf("Flushed %d pending notes\n", result.Processed)
		}
		return nil
	},
}

func printResults(results []search.Result) {
	if len(results) == 0 {
		fmt.Println("No results")
		return
	}
	for _, r := range results {
		fmt.Printf("%.3f  %s\n", r.Score, r.FileIdentity)
		if r.Preview != "" {
			fmt.Printf("       %s\n", r.Preview)
		}
	}
}
