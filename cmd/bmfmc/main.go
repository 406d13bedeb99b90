// Command bmfmc runs Bayesian multi-fidelity Monte-Carlo analyses from
// YAML analysis definitions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/bmfmc/internal/config"
	"github.com/copyleftdev/bmfmc/internal/logging"
	"github.com/copyleftdev/bmfmc/internal/uq/bmfmc"
	"github.com/copyleftdev/bmfmc/internal/uq/dataset"
	"github.com/copyleftdev/bmfmc/internal/visualization"
)

type runOptions struct {
	configPath string
	outputPath string
	plotDir    string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bmfmc",
		Short:         "Bayesian multi-fidelity Monte-Carlo density estimation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var opts runOptions
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run an analysis and write its result as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	runCmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Analysis definition (YAML)")
	runCmd.Flags().StringVarP(&opts.outputPath, "output", "o", "", "Result file; stdout when empty")
	runCmd.Flags().StringVar(&opts.plotDir, "plot-dir", "", "Directory for the result plots")
	runCmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&opts.logFormat, "log-format", "text", "Log format (json, text)")
	_ = runCmd.MarkFlagRequired("config")

	var validatePath string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check an analysis definition without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := config.LoadAnalysis(validatePath)
			if err != nil {
				return err
			}
			if err := a.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: analysis is valid (%s)\n", validatePath, a.FeaturesConfig)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&validatePath, "config", "c", "", "Analysis definition (YAML)")
	_ = validateCmd.MarkFlagRequired("config")

	root.AddCommand(runCmd, validateCmd)
	return root
}

func run(ctx context.Context, opts runOptions, stdout, stderr io.Writer) error {
	logger := logging.NewWithFormat(logging.ParseLevel(opts.logLevel), logging.Format(opts.logFormat), stderr)
	zl := logging.NewZapLogger(logger)
	defer zl.Sync()

	a, err := config.LoadAnalysis(opts.configPath)
	if err != nil {
		return err
	}
	model, err := a.Model(zl)
	if err != nil {
		return err
	}
	out, err := model.Run(ctx)
	if err != nil {
		return err
	}

	if err := writeOutput(out, opts.outputPath, stdout); err != nil {
		return err
	}
	if opts.plotDir == "" {
		return nil
	}
	written, err := visualization.Save(opts.plotDir, out, highFidelityOutput(a.HFData, zl))
	if err != nil {
		return err
	}
	zl.Info("Wrote plots", zap.Strings("files", written))
	return nil
}

// highFidelityOutput reads the HF reference output for the manifold plot.
// The plot is drawn without it when the file cannot be read.
func highFidelityOutput(path string, logger *zap.Logger) []float64 {
	doc, err := dataset.NewIterator(path).Read()
	if err == nil {
		var y []float64
		if y, err = doc.OutputColumn(0); err == nil {
			return y
		}
	}
	logger.Warn("Plotting without high-fidelity reference output", zap.String("path", path), zap.Error(err))
	return nil
}

func writeOutput(out *bmfmc.Output, path string, stdout io.Writer) error {
	w := stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
