package capsnet

import (
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/openfluke/capsnet/gpu"
)

// DeviceCPU selects the CPU backend.
const DeviceCPU = -1

// PredictDims is the geometry of a prediction step.
type PredictDims struct {
	Batch     int
	NumInput  int
	NumOutput int
	OutputDim int
	InputDim  int
}

// Backend computes the prediction tensor u_hat = W · u. It is the only part
// of routing that runs on an accelerator.
type Backend interface {
	Name() string

	// Predict returns u_hat [batch][num_input][num_output][output_dim] for
	// weight [num_input][num_output][output_dim][input_dim] and input
	// [batch][num_input][input_dim].
	Predict(weight, input []float32, dims PredictDims) ([]float32, error)

	Close() error
}

// NewBackend opens the backend for a device index. DeviceCPU (or any
// negative index) selects the CPU.
func NewBackend(device, parallel int) (Backend, error) {
	if device < 0 {
		return NewCPUBackend(parallel), nil
	}

	ctx, err := gpu.Open(device)
	if err != nil {
		return nil, fmt.Errorf("open device %d: %w", device, err)
	}
	return &gpuBackend{ctx: ctx, predictor: gpu.NewPredictor(ctx)}, nil
}

type cpuBackend struct {
	parallel int
}

// NewCPUBackend returns a backend that computes predictions with BLAS,
// splitting the batch across at most parallel goroutines.
func NewCPUBackend(parallel int) Backend {
	if parallel <= 0 {
		parallel = runtime.NumCPU()
	}
	return &cpuBackend{parallel: parallel}
}

func (c *cpuBackend) Name() string { return "cpu" }

func (c *cpuBackend) Close() error { return nil }

func (c *cpuBackend) Predict(weight, input []float32, d PredictDims) ([]float32, error) {
	if err := d.check(weight, input); err != nil {
		return nil, err
	}

	uHat := make([]float32, d.Batch*d.NumInput*d.NumOutput*d.OutputDim)
	wSize := d.OutputDim * d.InputDim

	var g errgroup.Group
	g.SetLimit(c.parallel)
	for b := range d.Batch {
		g.Go(func() error {
			for i := range d.NumInput {
				x := blas32.Vector{N: d.InputDim, Data: input[(b*d.NumInput+i)*d.InputDim:], Inc: 1}
				for j := range d.NumOutput {
					w := blas32.General{
						Rows:   d.OutputDim,
						Cols:   d.InputDim,
						Stride: d.InputDim,
						Data:   weight[(i*d.NumOutput+j)*wSize : (i*d.NumOutput+j+1)*wSize],
					}
					off := ((b*d.NumInput+i)*d.NumOutput + j) * d.OutputDim
					y := blas32.Vector{N: d.OutputDim, Data: uHat[off : off+d.OutputDim], Inc: 1}
					blas32.Gemv(blas.NoTrans, 1, w, x, 0, y)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return uHat, nil
}

func (d PredictDims) check(weight, input []float32) error {
	if want := d.NumInput * d.NumOutput * d.OutputDim * d.InputDim; len(weight) != want {
		return fmt.Errorf("%w: weight has %d elements, want %d", ErrShapeMismatch, len(weight), want)
	}
	if want := d.Batch * d.NumInput * d.InputDim; len(input) != want {
		return fmt.Errorf("%w: input has %d elements, want %d", ErrShapeMismatch, len(input), want)
	}
	return nil
}

type gpuBackend struct {
	ctx       *gpu.Context
	predictor *gpu.Predictor
}

func (g *gpuBackend) Name() string { return fmt.Sprintf("gpu:%d", g.ctx.Index) }

func (g *gpuBackend) Predict(weight, input []float32, d PredictDims) ([]float32, error) {
	if err := d.check(weight, input); err != nil {
		return nil, err
	}
	return g.predictor.Predict(weight, input, gpu.PredictShape(d))
}

func (g *gpuBackend) Close() error {
	slog.Debug("releasing gpu backend", "device", g.ctx.Index)
	g.predictor.Release()
	g.ctx.Release()
	return nil
}
