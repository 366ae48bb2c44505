package cmd

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfluke/capsnet/capsnet"
)

func NewForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Run the network on a synthetic batch and print class capsule lengths",
		Args:  cobra.NoArgs,
		RunE:  forwardHandler,
	}
	addNetworkFlags(cmd)
	cmd.Flags().Int("batch", 4, "Number of synthetic samples")
	return cmd
}

func forwardHandler(cmd *cobra.Command, args []string) error {
	net, err := networkFromFlags(cmd)
	if err != nil {
		return err
	}
	defer net.Close()

	batch, _ := cmd.Flags().GetInt("batch")
	cfg := net.Config()
	images, _, classes, err := syntheticBatch(rand.New(rand.NewSource(cfg.Seed)), cfg, batch)
	if err != nil {
		return err
	}

	v, err := net.Forward(images)
	if err != nil {
		return err
	}
	lengths, err := capsnet.Lengths(v)
	if err != nil {
		return err
	}
	winners, err := capsnet.Winners(v)
	if err != nil {
		return err
	}

	var data [][]string
	for b := range batch {
		row := lengths.Data[b*cfg.NumClasses : (b+1)*cfg.NumClasses]
		data = append(data, []string{fmt.Sprint(b), fmt.Sprint(classes[b]), fmt.Sprint(winners[b]), formatFloats(row)})
	}

	table := newTable(os.Stdout, "SAMPLE", "CLASS", "PREDICTED", "LENGTHS")
	table.AppendBulk(data)
	table.Render()
	return nil
}

func NewLossCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loss",
		Short: "Compute margin and reconstruction loss on a synthetic batch",
		Args:  cobra.NoArgs,
		RunE:  lossHandler,
	}
	addNetworkFlags(cmd)
	cmd.Flags().Int("batch", 4, "Number of synthetic samples")
	cmd.Flags().String("reduction", "mean", "Batch reduction (mean or sum)")
	return cmd
}

func lossHandler(cmd *cobra.Command, args []string) error {
	reductionFlag, _ := cmd.Flags().GetString("reduction")
	reduction, err := capsnet.ParseReduction(reductionFlag)
	if err != nil {
		return err
	}

	net, err := networkFromFlags(cmd)
	if err != nil {
		return err
	}
	defer net.Close()

	batch, _ := cmd.Flags().GetInt("batch")
	cfg := net.Config()
	images, target, _, err := syntheticBatch(rand.New(rand.NewSource(cfg.Seed)), cfg, batch)
	if err != nil {
		return err
	}

	v, err := net.Forward(images)
	if err != nil {
		return err
	}
	res, err := net.Loss(images, v, target, reduction)
	if err != nil {
		return err
	}

	table := newTable(os.Stdout, "TERM", "VALUE")
	table.AppendBulk([][]string{
		{"margin", fmt.Sprintf("%.6f", res.Margin)},
		{"reconstruction", fmt.Sprintf("%.6f", res.Reconstruction)},
		{"total", fmt.Sprintf("%.6f", res.Total)},
	})
	table.Render()
	return nil
}

func NewSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the network layers and parameter counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := networkFromFlags(cmd)
			if err != nil {
				return err
			}
			defer net.Close()

			s := net.Summary()
			var data [][]string
			for _, l := range s.Layers {
				data = append(data, []string{l.Name, l.Type, l.Activation, formatShape(l.OutputShape), fmt.Sprint(l.Parameters)})
			}
			table := newTable(os.Stdout, "LAYER", "TYPE", "ACTIVATION", "OUTPUT", "PARAMS")
			table.AppendBulk(data)
			table.Render()
			fmt.Printf("\nbackend %s, %d parameters\n", s.Backend, s.TotalParams)
			return nil
		},
	}
	addNetworkFlags(cmd)
	return cmd
}
