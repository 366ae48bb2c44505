// Package cmd implements the capsnet command line: running the network on
// synthetic digits, a small training loop and weight file tooling.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/openfluke/capsnet/capsnet"
	"github.com/openfluke/capsnet/envconfig"
	"github.com/openfluke/capsnet/logutil"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "capsnet",
		Short: "Capsule network with dynamic routing",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			verbose, _ := cmd.Flags().GetCount("verbose")
			slog.SetDefault(logutil.NewLogger(os.Stderr, logutil.Level(max(verbose, envconfig.DebugLevel))))
		},
	}

	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase log verbosity (-vv for routing traces)")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewForwardCmd(),
		NewLossCmd(),
		NewTrainCmd(),
		NewSummaryCmd(),
		NewExportCmd(),
		NewInspectCmd(),
		NewDevicesCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}

// addNetworkFlags registers the flags shared by commands that build a network.
func addNetworkFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("tiny", false, "Use a 1x10x10 architecture instead of the 28x28 reference")
	cmd.Flags().Int("routing-iters", envconfig.RoutingIters, "Dynamic routing iterations")
	cmd.Flags().Int("device", envconfig.Device, "GPU adapter index for predictions (-1 for CPU)")
	cmd.Flags().Bool("no-reconstruct", envconfig.NoReconstruct, "Build without the reconstruction decoder")
	cmd.Flags().Int64("seed", 1, "Seed for weights and synthetic data")
	cmd.Flags().String("weights", "", "Load weights from a safetensors file")
}

// TinyConfig is a small architecture for quick runs: a 1×10×10 input, 8
// conv filters, 2×3×3 primary capsules of dimension 4 and ten
// 8-dimensional class capsules.
func TinyConfig() capsnet.Config {
	cfg := capsnet.DefaultConfig()
	cfg.InputHeight, cfg.InputWidth = 10, 10
	cfg.ConvChannels, cfg.ConvKernel = 8, 3
	cfg.PrimaryCapsDim, cfg.PrimaryChannels = 4, 2
	cfg.PrimaryKernel, cfg.PrimaryStride = 3, 2
	h, w := cfg.PrimaryGrid()
	cfg.NumPrimaryCaps = cfg.PrimaryChannels * h * w
	cfg.OutputCapsDim = 8
	cfg.DecoderHidden = []int{32, 64}
	cfg.WeightInitStd = 0.1
	return cfg
}

func configFromFlags(cmd *cobra.Command) (capsnet.Config, error) {
	cfg := capsnet.DefaultConfig()
	if tiny, _ := cmd.Flags().GetBool("tiny"); tiny {
		cfg = TinyConfig()
	}

	var err error
	if cfg.RoutingIters, err = cmd.Flags().GetInt("routing-iters"); err != nil {
		return cfg, err
	}
	if cfg.Device, err = cmd.Flags().GetInt("device"); err != nil {
		return cfg, err
	}
	noRecon, err := cmd.Flags().GetBool("no-reconstruct")
	if err != nil {
		return cfg, err
	}
	cfg.Reconstruct = !noRecon
	if cfg.Seed, err = cmd.Flags().GetInt64("seed"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func networkFromFlags(cmd *cobra.Command) (*capsnet.Network, error) {
	cfg, err := configFromFlags(cmd)
	if err != nil {
		return nil, err
	}

	var opts []capsnet.Option
	if v, _ := cmd.Flags().GetCount("verbose"); max(v, envconfig.DebugLevel) > 1 {
		opts = append(opts, capsnet.WithObserver(capsnet.LogObserver{}))
	}

	net, err := capsnet.New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	if path, _ := cmd.Flags().GetString("weights"); path != "" {
		meta, err := net.LoadSafetensors(path)
		if err != nil {
			net.Close()
			return nil, err
		}
		slog.Info("loaded weights", "path", path, "model_id", meta[capsnet.MetaModelID])
	}
	return net, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func formatFloats(xs []float32) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprintf("%.3f", x)
	}
	return strings.Join(parts, " ")
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
