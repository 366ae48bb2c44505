package cmd

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfluke/capsnet/capsnet"
	"github.com/openfluke/capsnet/nn"
)

func NewTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train on synthetic bar images",
		Args:  cobra.NoArgs,
		RunE:  trainHandler,
	}
	addNetworkFlags(cmd)
	cmd.Flags().Int("steps", 100, "Training steps")
	cmd.Flags().Int("batch", 8, "Samples per step")
	cmd.Flags().Float32("lr", 1e-3, "Learning rate")
	cmd.Flags().String("optimizer", "adamw", "Optimizer: sgd, momentum or adamw")
	cmd.Flags().String("reduction", "mean", "Batch reduction (mean or sum)")
	cmd.Flags().Int("log-every", 10, "Log every N steps")
	cmd.Flags().String("save", "", "Write trained weights to this safetensors file")
	cmd.Flags().String("dtype", "F32", "Weight dtype when saving: F32, F64, F16 or BF16")
	return cmd
}

type trainOptions struct {
	steps     int
	batch     int
	lr        float32
	logEvery  int
	reduction capsnet.Reduction
	optimizer nn.Optimizer
}

func trainHandler(cmd *cobra.Command, args []string) error {
	var opts trainOptions
	var err error
	flags := cmd.Flags()
	if opts.steps, err = flags.GetInt("steps"); err != nil {
		return err
	}
	if opts.batch, err = flags.GetInt("batch"); err != nil {
		return err
	}
	if opts.lr, err = flags.GetFloat32("lr"); err != nil {
		return err
	}
	if opts.logEvery, err = flags.GetInt("log-every"); err != nil {
		return err
	}
	reduction, _ := flags.GetString("reduction")
	if opts.reduction, err = capsnet.ParseReduction(reduction); err != nil {
		return err
	}
	optName, _ := flags.GetString("optimizer")
	if opts.optimizer, err = nn.NewOptimizer(optName); err != nil {
		return err
	}

	net, err := networkFromFlags(cmd)
	if err != nil {
		return err
	}
	defer net.Close()

	rng := rand.New(rand.NewSource(net.Config().Seed))
	if err := train(net, rng, opts); err != nil {
		return err
	}

	if path, _ := flags.GetString("save"); path != "" {
		dtype, _ := flags.GetString("dtype")
		id, err := net.SaveSafetensors(path, dtype)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "saved %s (model %s)\n", path, id)
	}
	return nil
}

// train runs opts.steps optimizer steps, each on a fresh synthetic batch.
func train(net *capsnet.Network, rng *rand.Rand, opts trainOptions) error {
	cfg := net.Config()
	params := net.Parameters()
	slog.Info("training", "optimizer", opts.optimizer.Name(), "parameters", nn.CountParams(params),
		"steps", opts.steps, "batch", opts.batch, "lr", opts.lr)

	start := time.Now()
	for step := 1; step <= opts.steps; step++ {
		images, target, classes, err := syntheticBatch(rng, cfg, opts.batch)
		if err != nil {
			return err
		}

		net.ZeroGrad()
		res, err := net.Backward(images, target, opts.reduction)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
		opts.optimizer.Step(params, opts.lr)

		if opts.logEvery > 0 && (step%opts.logEvery == 0 || step == opts.steps) {
			predicted, err := net.Predict(images)
			if err != nil {
				return err
			}
			correct := 0
			for b, c := range classes {
				if predicted[b] == c {
					correct++
				}
			}
			slog.Info("step", "step", step,
				"loss", res.Total, "margin", res.Margin, "reconstruction", res.Reconstruction,
				"accuracy", float64(correct)/float64(len(classes)),
				"elapsed", time.Since(start).Round(time.Millisecond))
		}
	}
	return nil
}
