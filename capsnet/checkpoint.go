package capsnet

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/google/uuid"

	"github.com/openfluke/capsnet/nn"
)

// Checkpoint metadata keys.
const (
	MetaModelID      = "model_id"
	MetaFormat       = "format"
	MetaRoutingIters = "routing_iters"
	MetaReconstruct  = "reconstruct"
)

const checkpointFormat = "capsnet"

// Weights returns every parameter as a safetensors tensor in dtype.
func (n *Network) Weights(dtype string) map[string]nn.TensorWithShape {
	tensors := make(map[string]nn.TensorWithShape)
	for _, p := range n.Parameters() {
		tensors[p.Name] = nn.TensorWithShape{
			DType:  dtype,
			Shape:  slices.Clone(p.Shape),
			Values: p.Value,
		}
	}
	return tensors
}

// SaveSafetensors writes all parameters to path. dtype is one of F32, F64,
// F16 or BF16; the returned id is stored in the file metadata.
func (n *Network) SaveSafetensors(path, dtype string) (string, error) {
	id := uuid.NewString()
	metadata := map[string]string{
		MetaModelID:      id,
		MetaFormat:       checkpointFormat,
		MetaRoutingIters: strconv.Itoa(n.cfg.RoutingIters),
		MetaReconstruct:  strconv.FormatBool(n.decoder != nil),
	}
	if err := nn.SaveSafetensors(path, n.Weights(dtype), metadata); err != nil {
		return "", fmt.Errorf("save %s: %w", path, err)
	}
	slog.Debug("saved checkpoint", "path", path, "model_id", id, "dtype", dtype)
	return id, nil
}

// LoadSafetensors copies weights from path into the network's parameters.
// Every parameter must be present with a matching shape; extra tensors are
// ignored. It returns the file metadata.
func (n *Network) LoadSafetensors(path string) (map[string]string, error) {
	tensors, metadata, err := nn.LoadSafetensors(path)
	if err != nil {
		return nil, err
	}
	if err := n.loadWeights(tensors); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	slog.Debug("loaded checkpoint", "path", path, "model_id", metadata[MetaModelID])
	return metadata, nil
}

func (n *Network) loadWeights(tensors map[string]nn.TensorWithShape) error {
	params := n.Parameters()
	for _, p := range params {
		t, ok := tensors[p.Name]
		if !ok {
			return fmt.Errorf("missing tensor %s", p.Name)
		}
		if !slices.Equal(t.Shape, p.Shape) || len(t.Values) != len(p.Value) {
			return fmt.Errorf("%w: tensor %s has shape %v, want %v", ErrShapeMismatch, p.Name, t.Shape, p.Shape)
		}
	}
	for _, p := range params {
		copy(p.Value, tensors[p.Name].Values)
	}
	return nil
}
