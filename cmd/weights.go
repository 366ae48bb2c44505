package cmd

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/openfluke/capsnet/nn"
)

func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export PATH",
		Short: "Write the network weights to a safetensors file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			net, err := networkFromFlags(cmd)
			if err != nil {
				return err
			}
			defer net.Close()

			dtype, _ := cmd.Flags().GetString("dtype")
			id, err := net.SaveSafetensors(args[0], dtype)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "saved %s (model %s)\n", args[0], id)
			return nil
		},
	}
	addNetworkFlags(cmd)
	cmd.Flags().String("dtype", "F32", "Weight dtype: F32, F64, F16 or BF16")
	return cmd
}

func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect PATH",
		Short: "List the tensors and metadata of a safetensors file",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectHandler,
	}
}

func inspectHandler(cmd *cobra.Command, args []string) error {
	tensors, metadata, err := nn.LoadSafetensors(args[0])
	if err != nil {
		return err
	}

	var data [][]string
	total := 0
	for _, name := range slices.Sorted(maps.Keys(tensors)) {
		t := tensors[name]
		data = append(data, []string{name, t.DType, formatShape(t.Shape), fmt.Sprint(len(t.Values))})
		total += len(t.Values)
	}
	table := newTable(os.Stdout, "NAME", "DTYPE", "SHAPE", "PARAMS")
	table.AppendBulk(data)
	table.Render()
	fmt.Printf("\n%d tensors, %d parameters\n", len(tensors), total)

	if len(metadata) > 0 {
		fmt.Println()
		var meta [][]string
		for _, k := range slices.Sorted(maps.Keys(metadata)) {
			meta = append(meta, []string{k, metadata[k]})
		}
		table := newTable(os.Stdout, "KEY", "VALUE")
		table.AppendBulk(meta)
		table.Render()
	}
	return nil
}
