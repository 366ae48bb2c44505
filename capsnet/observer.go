package capsnet

import (
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/openfluke/capsnet/logutil"
)

// RoutingEvent carries the state of one routing iteration for a whole
// batch. The slices alias router buffers and are only valid during the
// callback.
type RoutingEvent struct {
	Iteration  int
	Iterations int
	Batch      int
	NumInput   int
	NumOutput  int
	OutputDim  int

	Coupling []float32 // [Batch][NumInput][NumOutput]
	Output   []float32 // [Batch][NumOutput][OutputDim]
}

// CouplingRow returns the coupling coefficients from input capsule i of
// sample b to every output capsule.
func (e RoutingEvent) CouplingRow(b, i int) []float32 {
	off := (b*e.NumInput + i) * e.NumOutput
	return e.Coupling[off : off+e.NumOutput]
}

// OutputNorms returns |v_j| for every sample and output capsule,
// flattened as [Batch][NumOutput].
func (e RoutingEvent) OutputNorms() []float32 {
	norms := make([]float32, e.Batch*e.NumOutput)
	for idx := range norms {
		norms[idx] = blas32.Nrm2(vec(e.Output[idx*e.OutputDim:], e.OutputDim))
	}
	return norms
}

// RoutingObserver receives routing iterations in order after each Forward.
type RoutingObserver interface {
	OnIteration(event RoutingEvent)
}

// ObserverFunc adapts a function to RoutingObserver.
type ObserverFunc func(event RoutingEvent)

func (f ObserverFunc) OnIteration(event RoutingEvent) { f(event) }

// LogObserver writes per-iteration coupling statistics at trace level.
type LogObserver struct{}

func (LogObserver) OnIteration(e RoutingEvent) {
	var maxC, sumC float32
	for _, c := range e.Coupling {
		sumC += c
		maxC = max(maxC, c)
	}
	var meanNorm float32
	norms := e.OutputNorms()
	for _, n := range norms {
		meanNorm += n
	}
	if len(norms) > 0 {
		meanNorm /= float32(len(norms))
	}
	var meanC float32
	if len(e.Coupling) > 0 {
		meanC = sumC / float32(len(e.Coupling))
	}

	logutil.Trace("routing iteration",
		"iteration", e.Iteration+1,
		"of", e.Iterations,
		"batch", e.Batch,
		"coupling_mean", meanC,
		"coupling_max", maxC,
		"output_norm_mean", meanNorm)
}

// ChannelObserver copies every event onto a buffered channel. Events are
// dropped when the channel is full.
type ChannelObserver struct {
	events chan RoutingEvent
}

func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{events: make(chan RoutingEvent, buffer)}
}

func (o *ChannelObserver) OnIteration(e RoutingEvent) {
	e.Coupling = append([]float32(nil), e.Coupling...)
	e.Output = append([]float32(nil), e.Output...)
	select {
	case o.events <- e:
	default:
	}
}

// Events returns the receive side of the channel.
func (o *ChannelObserver) Events() <-chan RoutingEvent {
	return o.events
}
