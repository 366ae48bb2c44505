package capsnet

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/openfluke/capsnet/nn"
)

const (
	MarginPlus   = 0.9
	MarginMinus  = 0.1
	MarginLambda = 0.5

	// ReconstructionWeight scales the reconstruction term so it does not
	// dominate the margin loss.
	ReconstructionWeight = 0.0005
)

// Reduction selects how per-sample losses are combined over the batch.
type Reduction int

const (
	ReductionMean Reduction = iota
	ReductionSum
)

func (r Reduction) String() string {
	switch r {
	case ReductionMean:
		return "mean"
	case ReductionSum:
		return "sum"
	default:
		return fmt.Sprintf("Reduction(%d)", int(r))
	}
}

func ParseReduction(s string) (Reduction, error) {
	switch s {
	case "mean", "":
		return ReductionMean, nil
	case "sum":
		return ReductionSum, nil
	default:
		return 0, fmt.Errorf("%w: unknown reduction %q", ErrInvalidConfig, s)
	}
}

func (r Reduction) reduce(perSample []float64) float64 {
	total := floats.Sum(perSample)
	if r == ReductionMean && len(perSample) > 0 {
		return total / float64(len(perSample))
	}
	return total
}

// scale is the factor applied to per-sample gradients.
func (r Reduction) scale(batch int) float32 {
	if r == ReductionMean && batch > 0 {
		return 1 / float32(batch)
	}
	return 1
}

// LossResult splits the total loss into its terms.
type LossResult struct {
	Total          float64
	Margin         float64
	Reconstruction float64
}

// MarginLoss computes
//
//	Σ_c T_c·max(0, m⁺−|v_c|)² + λ·(1−T_c)·max(0, |v_c|−m⁻)²
//
// per sample for v [batch, M, D] and one-hot target [batch, M].
func MarginLoss(v, target *nn.Tensor, reduction Reduction) (float64, error) {
	lengths, err := checkMarginInputs(v, target)
	if err != nil {
		return 0, err
	}
	batch, m := lengths.Shape[0], lengths.Shape[1]

	perSample := make([]float64, batch)
	for b := range batch {
		for c := range m {
			n := float64(lengths.Data[b*m+c])
			t := float64(target.Data[b*m+c])
			pos := math.Max(0, MarginPlus-n)
			neg := math.Max(0, n-MarginMinus)
			perSample[b] += t*pos*pos + MarginLambda*(1-t)*neg*neg
		}
	}
	return reduction.reduce(perSample), nil
}

// marginLossGrad returns dL/dv for MarginLoss.
func marginLossGrad(v, target *nn.Tensor, reduction Reduction) (*nn.Tensor, error) {
	lengths, err := checkMarginInputs(v, target)
	if err != nil {
		return nil, err
	}
	batch, d := v.Shape[0], v.Shape[2]
	scale := reduction.scale(batch)

	grad := nn.NewTensor(v.Shape...)
	for idx, n := range lengths.Data {
		if n == 0 {
			continue
		}
		t := target.Data[idx]
		dn := -2*t*max(0, MarginPlus-n) + 2*MarginLambda*(1-t)*max(0, n-MarginMinus)
		// d|v|/dv = v/|v|
		f := scale * dn / n
		for k := range d {
			grad.Data[idx*d+k] = f * v.Data[idx*d+k]
		}
	}
	return grad, nil
}

func checkMarginInputs(v, target *nn.Tensor) (*nn.Tensor, error) {
	lengths, err := Lengths(v)
	if err != nil {
		return nil, err
	}
	if err := target.CheckShape(lengths.Shape...); err != nil {
		return nil, fmt.Errorf("margin target: %w", err)
	}
	return lengths, nil
}

// ReconstructionLoss is ReconstructionWeight times the reduced per-sample
// sum of squared pixel errors.
func ReconstructionLoss(recon, images *nn.Tensor, reduction Reduction) (float64, error) {
	if err := checkSameShape(recon, images); err != nil {
		return 0, err
	}
	batch := recon.Shape[0]
	if batch == 0 {
		return 0, nil
	}
	pixels := recon.Size() / batch

	perSample := make([]float64, batch)
	for b := range batch {
		for p := b * pixels; p < (b+1)*pixels; p++ {
			diff := float64(recon.Data[p]) - float64(images.Data[p])
			perSample[b] += diff * diff
		}
	}
	return ReconstructionWeight * reduction.reduce(perSample), nil
}

// reconstructionLossGrad returns dL/drecon for ReconstructionLoss.
func reconstructionLossGrad(recon, images *nn.Tensor, reduction Reduction) (*nn.Tensor, error) {
	if err := checkSameShape(recon, images); err != nil {
		return nil, err
	}
	f := 2 * ReconstructionWeight * reduction.scale(recon.Shape[0])
	grad := nn.NewTensor(recon.Shape...)
	for p := range grad.Data {
		grad.Data[p] = f * (recon.Data[p] - images.Data[p])
	}
	return grad, nil
}

func checkSameShape(recon, images *nn.Tensor) error {
	if recon == nil || len(recon.Shape) == 0 {
		return fmt.Errorf("%w: empty reconstruction", ErrShapeMismatch)
	}
	if err := images.CheckShape(recon.Shape...); err != nil {
		return fmt.Errorf("reconstruction target: %w", err)
	}
	return nil
}
