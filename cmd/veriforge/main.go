package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"veriforge/internal/config"
	"veriforge/internal/filestore"
	"veriforge/internal/gen"
	"veriforge/internal/hdl"
	"veriforge/internal/logging"
	"veriforge/internal/loop"
	"veriforge/internal/toolchain"
)

const version = "0.3.0"

var (
	// Global flags
	verbose   bool
	workspace string

	// run flags
	requirements  string
	testbenchPath string
	maxIterations int
	simTimeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "veriforge",
	Short: "veriforge - automated HDL design/verify/repair loop",
	Long: `veriforge drives an iterative design -> verify -> repair loop for Verilog
modules. An external design capability proposes source files, a dependency
analyzer resolves which files compile together, an external toolchain
(iverilog/vvp) compiles and simulates them, and failures are classified and
fed back into the next attempt - bounded by a maximum iteration count.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd executes the full iteration loop
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the design/verify/repair loop for a requirements description",
	Long: `Runs the full iteration loop:
  1. Ask the design capability for candidate Verilog modules
  2. Select a testbench (user-supplied, previously generated, or synthesized)
  3. Compile and simulate with the external toolchain
  4. Classify any failure and feed the diagnosis into the next attempt

Example:
  veriforge run -r "an 8-bit ripple carry adder with carry out" --testbench tb/adder_tb.v`,
	RunE: runLoop,
}

// analyzeCmd performs one-shot dependency analysis
var analyzeCmd = &cobra.Command{
	Use:   "analyze [files...]",
	Short: "Analyze Verilog files: modules, dependencies, compile order",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAnalyze,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the veriforge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("veriforge %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")

	runCmd.Flags().StringVarP(&requirements, "requirements", "r", "", "natural-language description of the hardware to design")
	runCmd.Flags().StringVar(&testbenchPath, "testbench", "", "path to a user-supplied reference testbench")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget (0 = config default)")
	runCmd.Flags().DurationVar(&simTimeout, "sim-timeout", 0, "hard simulation timeout (0 = config default)")
	_ = runCmd.MarkFlagRequired("requirements")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(versionCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	if simTimeout > 0 {
		cfg.Toolchain.SimTimeout = simTimeout.String()
	}

	if testbenchPath != "" {
		if _, err := os.Stat(testbenchPath); err != nil {
			return fmt.Errorf("user testbench not readable: %w", err)
		}
	}

	store, err := filestore.New(workspace)
	if err != nil {
		return fmt.Errorf("failed to open file store: %w", err)
	}
	defer store.Close()

	orchestrator, err := toolchain.New(cfg)
	if err != nil {
		if errors.Is(err, toolchain.ErrToolchainMissing) {
			logger.Error("toolchain missing", zap.Error(err))
			for _, s := range toolchain.SuggestionsFor(toolchain.CategoryToolchainMissing) {
				fmt.Fprintf(os.Stderr, "  hint: %s\n", s)
			}
		}
		return err
	}

	client := gen.NewGeminiClient(cfg)
	controller := loop.NewController(
		gen.NewDesignProducer(client, store),
		gen.NewTestbenchProducer(client, store),
		orchestrator,
		hdl.NewAnalyzer(),
		store,
		cfg,
	)

	logger.Info("starting iteration loop",
		zap.String("model", cfg.LLM.Model),
		zap.Int("max_iterations", effectiveMaxIterations(cfg)),
		zap.String("testbench", testbenchPath))

	result := controller.Run(ctx, loop.Request{
		Requirements:      requirements,
		UserTestbenchPath: testbenchPath,
		MaxIterations:     maxIterations,
	})

	printResult(result)
	if !result.Success {
		if result.FailureReason == loop.FailureMaxIterations {
			return fmt.Errorf("%w after %d iteration(s)", loop.ErrMaxIterations, result.TotalIterations)
		}
		return fmt.Errorf("loop failed after %d iteration(s): %s", result.TotalIterations, result.FailureReason)
	}
	return nil
}

func effectiveMaxIterations(cfg *config.Config) int {
	if maxIterations > 0 {
		return maxIterations
	}
	return cfg.Loop.MaxIterations
}

func printResult(result loop.LoopResult) {
	fmt.Println()
	if result.Success {
		fmt.Printf("PASSED after %d iteration(s)\n", result.TotalIterations)
		fmt.Println("final design files:")
		for _, f := range result.FinalDesignFiles {
			fmt.Printf("  %s\n", f.Path)
		}
		return
	}

	fmt.Printf("FAILED (%s) after %d iteration(s)\n", result.FailureReason, result.TotalIterations)
	for _, rec := range result.History {
		fmt.Printf("\niteration %d: category=%s testbench=%s (%dms)\n",
			rec.IterationNumber, rec.Category, filepath.Base(rec.TestbenchUsed), rec.DurationMs)
		for _, d := range rec.Diagnostics {
			fmt.Printf("  %s:%d: %s\n", d.File, d.Line, d.Message)
		}
		for _, s := range rec.Suggestions {
			fmt.Printf("  hint: %s\n", s)
		}
	}
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	refs := make([]filestore.SourceFileRef, 0, len(args))
	for _, path := range args {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("cannot read %s: %w", path, err)
		}
		kind := filestore.KindDesign
		base := strings.ToLower(filepath.Base(path))
		if strings.HasPrefix(base, "tb_") || strings.Contains(base, "testbench") || strings.HasSuffix(base, "_tb.v") {
			kind = filestore.KindTestbench
		}
		refs = append(refs, filestore.SourceFileRef{ID: path, Path: path, Kind: kind})
	}

	analyzer := hdl.NewAnalyzer()
	result := analyzer.Analyze(refs)

	fmt.Printf("modules (%d):\n", len(result.Modules))
	for _, m := range result.Modules {
		tag := ""
		if m.IsTestbench {
			tag = " [testbench]"
		}
		fmt.Printf("  %s%s (%s) ports=%d deps=%s\n",
			m.Name, tag, filepath.Base(m.SourceFile), len(m.Ports), strings.Join(m.DependencyNames(), ","))
	}

	fmt.Printf("top-level: %s\n", strings.Join(result.TopLevel, ", "))
	if len(result.Missing) > 0 {
		fmt.Printf("missing definitions: %s\n", strings.Join(result.Missing, ", "))
	}

	if len(result.TopLevel) > 0 {
		files, missing := hdl.ResolveCompileOrder(result, result.TopLevel)
		fmt.Println("compile order:")
		for _, f := range files {
			fmt.Printf("  %s\n", f)
		}
		if len(missing) > 0 {
			fmt.Printf("unresolved: %s\n", strings.Join(missing, ", "))
		}
	}

	for _, issue := range result.Issues {
		fmt.Printf("issue: %s\n", issue)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
