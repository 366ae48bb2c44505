package capsnet

import (
	"errors"
	"fmt"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/openfluke/capsnet/nn"
)

// RouterConfig describes the two capsule layers a Router connects.
type RouterConfig struct {
	NumInput   int // N, low-level capsules
	InputDim   int // K
	NumOutput  int // M, high-level capsules
	OutputDim  int // D
	Iterations int

	// InitStd is the standard deviation of the normal weight init.
	// Zero means 0.01.
	InitStd float32

	// Parallel bounds the number of samples routed concurrently.
	// Zero means runtime.NumCPU().
	Parallel int
}

// Router implements dynamic routing-by-agreement between a layer of N input
// capsules and M output capsules. Each (i, j) pair owns a D×K transform
// matrix stored in Weight as [N][M][D][K].
//
// A Router keeps the activations of its last Forward call for Backward and
// must not be used from multiple goroutines at once.
type Router struct {
	NumInput   int
	InputDim   int
	NumOutput  int
	OutputDim  int
	Iterations int

	Weight *nn.Param

	backend  Backend
	parallel int
	observer RoutingObserver

	cache *routingCache
}

type routingCache struct {
	batch int
	input []float32
	uHat  []float32

	// Per iteration, flattened over the batch.
	coupling [][]float32 // [B][N][M]
	s        [][]float32 // [B][M][D]
	v        [][]float32 // [B][M][D]
}

// NewRouter builds a router with normally distributed weights drawn from
// rng. A nil backend selects the CPU.
func NewRouter(cfg RouterConfig, rng *rand.Rand, backend Backend) (*Router, error) {
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("%w: routing iterations must be positive, got %d", ErrInvalidConfig, cfg.Iterations)
	}
	if cfg.NumInput <= 0 || cfg.InputDim <= 0 || cfg.NumOutput <= 0 || cfg.OutputDim <= 0 {
		return nil, fmt.Errorf("%w: router dims must be positive: in %dx%d out %dx%d",
			ErrInvalidConfig, cfg.NumInput, cfg.InputDim, cfg.NumOutput, cfg.OutputDim)
	}

	std := cfg.InitStd
	if std == 0 {
		std = 0.01
	}
	parallel := cfg.Parallel
	if parallel <= 0 {
		parallel = runtime.NumCPU()
	}
	if backend == nil {
		backend = NewCPUBackend(parallel)
	}

	w := make([]float32, cfg.NumInput*cfg.NumOutput*cfg.OutputDim*cfg.InputDim)
	for i := range w {
		w[i] = float32(rng.NormFloat64()) * std
	}

	return &Router{
		NumInput:   cfg.NumInput,
		InputDim:   cfg.InputDim,
		NumOutput:  cfg.NumOutput,
		OutputDim:  cfg.OutputDim,
		Iterations: cfg.Iterations,
		Weight:     nn.NewParam("routing.weight", w, cfg.NumInput, cfg.NumOutput, cfg.OutputDim, cfg.InputDim),
		backend:    backend,
		parallel:   parallel,
	}, nil
}

// SetObserver installs o to receive the coupling coefficients of every
// routing iteration. Pass nil to remove it.
func (r *Router) SetObserver(o RoutingObserver) {
	r.observer = o
}

// Backend returns the compute backend used for predictions.
func (r *Router) Backend() Backend {
	return r.backend
}

// Parameters returns the transform weight.
func (r *Router) Parameters() []*nn.Param {
	return []*nn.Param{r.Weight}
}

// Forward routes u [batch, N, K] to output capsules [batch, M, D].
func (r *Router) Forward(u *nn.Tensor) (*nn.Tensor, error) {
	if err := u.CheckShape(-1, r.NumInput, r.InputDim); err != nil {
		return nil, fmt.Errorf("routing input: %w", err)
	}

	n, m, d := r.NumInput, r.NumOutput, r.OutputDim
	batch := u.Shape[0]
	dims := PredictDims{Batch: batch, NumInput: n, NumOutput: m, OutputDim: d, InputDim: r.InputDim}

	// Predictions are fixed for every iteration below.
	uHat, err := r.backend.Predict(r.Weight.Value, u.Data, dims)
	if err != nil {
		return nil, fmt.Errorf("predict on %s: %w", r.backend.Name(), err)
	}

	cache := &routingCache{
		batch:    batch,
		input:    u.Data,
		uHat:     uHat,
		coupling: make([][]float32, r.Iterations),
		s:        make([][]float32, r.Iterations),
		v:        make([][]float32, r.Iterations),
	}
	for it := range r.Iterations {
		cache.coupling[it] = make([]float32, batch*n*m)
		cache.s[it] = make([]float32, batch*m*d)
		cache.v[it] = make([]float32, batch*m*d)
	}

	var g errgroup.Group
	g.SetLimit(r.parallel)
	for b := range batch {
		g.Go(func() error {
			r.routeSample(cache, b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	r.cache = cache

	if r.observer != nil {
		for it := range r.Iterations {
			r.observer.OnIteration(RoutingEvent{
				Iteration:  it,
				Iterations: r.Iterations,
				Batch:      batch,
				NumInput:   n,
				NumOutput:  m,
				OutputDim:  d,
				Coupling:   cache.coupling[it],
				Output:     cache.v[it],
			})
		}
	}

	return nn.NewTensorFromSlice(cache.v[r.Iterations-1], batch, m, d), nil
}

func (r *Router) routeSample(cache *routingCache, b int) {
	n, m, d := r.NumInput, r.NumOutput, r.OutputDim
	uh := cache.uHat[b*n*m*d : (b+1)*n*m*d]
	logits := make([]float32, n*m)

	for it := range r.Iterations {
		c := cache.coupling[it][b*n*m : (b+1)*n*m]
		s := cache.s[it][b*m*d : (b+1)*m*d]
		v := cache.v[it][b*m*d : (b+1)*m*d]

		nn.SoftmaxRowsInto(c, logits, n, m)

		for i := range n {
			for j := range m {
				blas32.Axpy(c[i*m+j], vec(uh[(i*m+j)*d:], d), vec(s[j*d:], d))
			}
		}
		for j := range m {
			squashInto(v[j*d:(j+1)*d], s[j*d:(j+1)*d])
		}

		if it == r.Iterations-1 {
			break
		}
		for i := range n {
			for j := range m {
				logits[i*m+j] += blas32.Dot(vec(uh[(i*m+j)*d:], d), vec(v[j*d:], d))
			}
		}
	}
}

// Backward propagates gradV [batch, M, D] through the unrolled routing
// iterations of the last Forward call. The weight gradient is accumulated
// into r.Weight.Grad and the gradient with respect to u is returned.
func (r *Router) Backward(gradV *nn.Tensor) (*nn.Tensor, error) {
	cache := r.cache
	if cache == nil {
		return nil, errors.New("routing backward called before forward")
	}
	if err := gradV.CheckShape(cache.batch, r.NumOutput, r.OutputDim); err != nil {
		return nil, fmt.Errorf("routing grad: %w", err)
	}

	n, m, d, k := r.NumInput, r.NumOutput, r.OutputDim, r.InputDim
	batch := cache.batch
	gUh := make([]float32, len(cache.uHat))

	var g errgroup.Group
	g.SetLimit(r.parallel)
	for b := range batch {
		g.Go(func() error {
			r.backwardSample(cache, gradV.Data[b*m*d:(b+1)*m*d], gUh[b*n*m*d:(b+1)*n*m*d], b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// u_hat = W·u: split by input capsule so writers never overlap.
	gradU := make([]float32, len(cache.input))
	wSize := d * k
	var wg errgroup.Group
	wg.SetLimit(r.parallel)
	for i := range n {
		wg.Go(func() error {
			for j := range m {
				wOff := (i*m + j) * wSize
				w := blas32.General{Rows: d, Cols: k, Stride: k, Data: r.Weight.Value[wOff : wOff+wSize]}
				gw := blas32.General{Rows: d, Cols: k, Stride: k, Data: r.Weight.Grad[wOff : wOff+wSize]}
				for b := range batch {
					gy := vec(gUh[((b*n+i)*m+j)*d:], d)
					x := vec(cache.input[(b*n+i)*k:], k)
					blas32.Ger(1, gy, x, gw)
					blas32.Gemv(blas.Trans, 1, w, gy, 1, vec(gradU[(b*n+i)*k:], k))
				}
			}
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}

	return nn.NewTensorFromSlice(gradU, batch, n, k), nil
}

// backwardSample fills gUh with dL/du_hat for one sample.
func (r *Router) backwardSample(cache *routingCache, gradV, gUh []float32, b int) {
	n, m, d := r.NumInput, r.NumOutput, r.OutputDim
	uh := cache.uHat[b*n*m*d : (b+1)*n*m*d]

	// Gradient w.r.t. the logits entering iteration it+1. Every agreement
	// term added at iteration t feeds all later logits.
	gLogits := make([]float32, n*m)
	gv := make([]float32, m*d)
	gc := make([]float32, n*m)

	for it := r.Iterations - 1; it >= 0; it-- {
		c := cache.coupling[it][b*n*m : (b+1)*n*m]
		s := cache.s[it][b*m*d : (b+1)*m*d]
		v := cache.v[it][b*m*d : (b+1)*m*d]

		clear(gv)
		if it == r.Iterations-1 {
			copy(gv, gradV)
		} else {
			for i := range n {
				for j := range m {
					a := gLogits[i*m+j]
					if a == 0 {
						continue
					}
					blas32.Axpy(a, vec(uh[(i*m+j)*d:], d), vec(gv[j*d:], d))
					blas32.Axpy(a, vec(v[j*d:], d), vec(gUh[(i*m+j)*d:], d))
				}
			}
		}

		gs := make([]float32, m*d)
		for j := range m {
			copy(gs[j*d:(j+1)*d], squashBackward(s[j*d:(j+1)*d], gv[j*d:(j+1)*d]))
		}

		for i := range n {
			for j := range m {
				blas32.Axpy(c[i*m+j], vec(gs[j*d:], d), vec(gUh[(i*m+j)*d:], d))
				gc[i*m+j] = blas32.Dot(vec(uh[(i*m+j)*d:], d), vec(gs[j*d:], d))
			}
		}

		gb := nn.SoftmaxRowsBackward(c, gc, n, m)
		for idx, x := range gb {
			gLogits[idx] += x
		}
	}
}

func vec(data []float32, n int) blas32.Vector {
	return blas32.Vector{N: n, Data: data[:n], Inc: 1}
}
