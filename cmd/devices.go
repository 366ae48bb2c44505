package cmd

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/openfluke/capsnet/envconfig"
	"github.com/openfluke/capsnet/gpu"
)

func NewDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List GPU adapters usable with --device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			adapters, err := gpu.Adapters()
			if err != nil {
				return err
			}
			if len(adapters) == 0 {
				fmt.Println("no GPU adapters found, predictions run on the CPU")
				return nil
			}

			var data [][]string
			for _, a := range adapters {
				data = append(data, []string{fmt.Sprint(a.Index), a.Name, a.Vendor, a.AdapterType, a.Backend})
			}
			table := newTable(os.Stdout, "INDEX", "NAME", "VENDOR", "TYPE", "BACKEND")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
}

func NewEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show environment settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := envconfig.AsMap()
			var data [][]string
			for _, k := range slices.Sorted(maps.Keys(vars)) {
				v := vars[k]
				data = append(data, []string{v.Name, fmt.Sprint(v.Value), v.Description})
			}
			table := newTable(os.Stdout, "NAME", "VALUE", "DESCRIPTION")
			table.AppendBulk(data)
			table.Render()
			return nil
		},
	}
}
