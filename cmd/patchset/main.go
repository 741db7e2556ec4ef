package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/schaermu/patchset/internal/config"
	"github.com/schaermu/patchset/internal/delta"
	"github.com/schaermu/patchset/internal/patchset"
	"github.com/schaermu/patchset/internal/verify"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	sourceDir string
	targetDir string
	outputDir string
	dryRun    bool
	assumeYes bool
	workers   int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "patchset",
	Short: "Generate binary patch bundles between two directory trees",
	Long: `patchset compares a source tree with a target tree and writes a bundle that
turns the source into the target: bsdiff deltas for changed files, verbatim
copies for new files, and a manifest listing files to delete.

The bundle is described by manifest.json at the root of the output folder.`,
	SilenceUsage: true,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a patch bundle from source to target",
	Long: `Generate scans both trees, hashes common files, computes deltas for the ones
that differ, and writes the bundle to the output folder.

An existing output folder is removed only after confirmation (or --yes).
With --dry-run every decision is made and logged but nothing is written.`,
	RunE: runGenerate,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that a bundle turns source into target",
	Long: `Verify replays a bundle against the source tree in memory and compares the
result with the target tree. Nothing on disk is modified.`,
	RunE: runVerify,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchset %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional, flags override its values)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, cmd := range []*cobra.Command{generateCmd, verifyCmd} {
		cmd.Flags().StringVarP(&sourceDir, "source", "s", "source", "source folder (the tree the bundle applies to)")
		cmd.Flags().StringVarP(&targetDir, "target", "t", "target", "target folder (the tree the bundle produces)")
		cmd.Flags().StringVarP(&outputDir, "output", "o", "output", "output folder for the bundle")
	}

	// Generate command flags
	generateCmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "show what would be done without writing anything")
	generateCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "remove an existing output folder without asking")
	generateCmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of parallel workers (default: number of CPUs)")

	// Add commands
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	auth := newAuthorizer(os.Stdin, cmd.OutOrStdout())
	engine := patchset.NewEngine(cfg, afero.NewOsFs(), delta.BSDiff{}, auth, logger, dryRun)

	result, err := engine.Run(ctx)
	if err != nil {
		if auth.declined && patchset.IsKind(err, patchset.KindOutputConflict) {
			logger.Info("aborted, output folder left untouched", "output", cfg.Paths.Output)
			return nil
		}
		logger.Error("generation failed", "error", err)
		return err
	}

	printSummary(cmd.OutOrStdout(), result.Stats, dryRun)
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	v := verify.New(afero.NewOsFs(), delta.BSDiff{}, cfg.Generate.Exclude, logger)
	report, err := v.Verify(cfg.Paths.Source, cfg.Paths.Target, cfg.Paths.Output)
	if err != nil {
		return err
	}

	for _, m := range report.Mismatches {
		logger.Error("mismatch", "file", m.Path, "reason", m.Reason)
	}
	if !report.OK() {
		return fmt.Errorf("bundle does not reproduce target: %d mismatches", len(report.Mismatches))
	}

	fmt.Fprintf(cmd.OutOrStdout(), "bundle verified: %d files match target\n", report.Checked)
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the optional config file and applies flags on top of it.
// Without a config file every path flag applies, defaults included.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	cfg := config.Default()
	if cfgFile != "" {
		logger.Info("loading configuration", "path", cfgFile)

		loaded, err := config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	override := func(name string) bool {
		return cfgFile == "" || cmd.Flags().Changed(name)
	}
	if override("source") {
		cfg.Paths.Source = sourceDir
	}
	if override("target") {
		cfg.Paths.Target = targetDir
	}
	if override("output") {
		cfg.Paths.Output = outputDir
	}
	if f := cmd.Flags().Lookup("workers"); f != nil && f.Changed {
		cfg.Generate.Workers = workers
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Debug("configuration loaded",
		"source", cfg.Paths.Source,
		"target", cfg.Paths.Target,
		"output", cfg.Paths.Output,
		"workers", cfg.Generate.Workers,
		"metadata", cfg.Generate.Metadata)

	return cfg, nil
}

// promptAuthorizer asks on a terminal before an existing output folder is removed
type promptAuthorizer struct {
	in          *bufio.Reader
	out         io.Writer
	interactive bool
	yes         bool
	declined    bool
}

func newAuthorizer(stdin *os.File, out io.Writer) *promptAuthorizer {
	return &promptAuthorizer{
		in:          bufio.NewReader(stdin),
		out:         out,
		interactive: term.IsTerminal(int(stdin.Fd())),
		yes:         assumeYes,
	}
}

func (a *promptAuthorizer) AuthorizeOverwrite(path string) (bool, error) {
	if a.yes {
		return true, nil
	}
	if !a.interactive {
		return false, fmt.Errorf("output folder %s already exists and stdin is not a terminal, use --yes to remove it", path)
	}

	ok, err := promptOverwrite(a.in, a.out, path)
	if err != nil {
		return false, err
	}
	a.declined = !ok
	return ok, nil
}

// promptOverwrite asks until it gets a yes or no answer. An empty answer means yes.
func promptOverwrite(r *bufio.Reader, w io.Writer, path string) (bool, error) {
	for {
		fmt.Fprintf(w, "Output folder %s already exists, do you want to remove it (Y/n) ? ", path)

		line, err := r.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return false, fmt.Errorf("failed to read answer: %w", err)
		}

		switch strings.TrimSpace(line) {
		case "", "y", "Y":
			return true, nil
		case "n", "N":
			return false, nil
		}
	}
}

func printSummary(w io.Writer, stats patchset.Stats, dryRun bool) {
	prefix := ""
	if dryRun {
		prefix = "[dry-run] "
	}
	fmt.Fprintf(w, "%s%d patched (%s), %d created (%s), %d deleted, %d unchanged\n",
		prefix,
		stats.Patched, humanize.Bytes(uint64(stats.PatchBytes)),
		stats.Created, humanize.Bytes(uint64(stats.CreateBytes)),
		stats.Deleted, stats.Unchanged)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
