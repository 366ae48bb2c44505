package capsnet

import (
	"slices"

	"github.com/openfluke/capsnet/nn"
)

// ModelSummary describes a network's structure.
type ModelSummary struct {
	TotalParams int            `json:"total_parameters"`
	Backend     string         `json:"backend"`
	Layers      []LayerSummary `json:"layers"`
}

// LayerSummary describes one stage of the network.
type LayerSummary struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Activation  string `json:"activation,omitempty"`
	Parameters  int    `json:"parameters"`
	OutputShape []int  `json:"output_shape,omitempty"`
}

// Summary lists the network stages in forward order. Output shapes are per
// sample.
func (n *Network) Summary() ModelSummary {
	cfg := n.cfg
	s := ModelSummary{
		TotalParams: nn.CountParams(n.Parameters()),
		Backend:     n.router.backend.Name(),
	}

	layer := LayerSummary{
		Name:        "features",
		Type:        "custom",
		Parameters:  nn.CountParams(n.features.Parameters()),
		OutputShape: slices.Clone(n.features.OutputShape()),
	}
	if stem, ok := n.features.(*ConvStem); ok {
		layer.Type = stem.layer.Type.String()
		layer.Activation = stem.layer.Activation.String()
	}
	s.Layers = append(s.Layers,
		layer,
		LayerSummary{
			Name:        "primary_caps",
			Type:        "conv2d",
			Activation:  "squash",
			Parameters:  nn.CountParams(n.primary.Parameters()),
			OutputShape: []int{n.primary.NumCaps, n.primary.CapsDim},
		},
		LayerSummary{
			Name:        "routing",
			Type:        "dynamic_routing",
			Activation:  "squash",
			Parameters:  nn.CountParams(n.router.Parameters()),
			OutputShape: []int{cfg.NumClasses, cfg.OutputCapsDim},
		},
	)
	if n.decoder != nil {
		s.Layers = append(s.Layers, LayerSummary{
			Name:        "decoder",
			Type:        "dense",
			Activation:  "sigmoid",
			Parameters:  nn.CountParams(n.decoder.Parameters()),
			OutputShape: []int{cfg.InputChannels, cfg.InputHeight, cfg.InputWidth},
		})
	}
	return s
}
