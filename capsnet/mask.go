package capsnet

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/openfluke/capsnet/nn"
)

// Lengths returns the norm of every capsule in v [batch, M, D] as
// [batch, M].
func Lengths(v *nn.Tensor) (*nn.Tensor, error) {
	if err := v.CheckShape(-1, -1, -1); err != nil {
		return nil, fmt.Errorf("capsule lengths: %w", err)
	}
	batch, m, d := v.Shape[0], v.Shape[1], v.Shape[2]
	out := nn.NewTensor(batch, m)
	for idx := range out.Data {
		out.Data[idx] = blas32.Nrm2(vec(v.Data[idx*d:], d))
	}
	return out, nil
}

// Winners returns the index of the longest capsule of each sample. Ties go
// to the lowest index.
func Winners(v *nn.Tensor) ([]int, error) {
	lengths, err := Lengths(v)
	if err != nil {
		return nil, err
	}
	batch, m := lengths.Shape[0], lengths.Shape[1]
	winners := make([]int, batch)
	for b := range batch {
		row := lengths.Data[b*m : (b+1)*m]
		for j := 1; j < m; j++ {
			if row[j] > row[winners[b]] {
				winners[b] = j
			}
		}
	}
	return winners, nil
}

// OneHot encodes class indices as [len(classes), numClasses].
func OneHot(classes []int, numClasses int) (*nn.Tensor, error) {
	t := nn.NewTensor(len(classes), numClasses)
	for b, c := range classes {
		if c < 0 || c >= numClasses {
			return nil, fmt.Errorf("%w: class %d out of range [0,%d)", ErrShapeMismatch, c, numClasses)
		}
		t.Data[b*numClasses+c] = 1
	}
	return t, nil
}

// MaskWinners keeps only the longest capsule of each sample and zeroes the
// rest. It multiplies v by the one-hot winner mask broadcast over the
// capsule dimension and returns the masked capsules with the mask.
func MaskWinners(v *nn.Tensor) (masked, mask *nn.Tensor, err error) {
	winners, err := Winners(v)
	if err != nil {
		return nil, nil, err
	}
	m, d := v.Shape[1], v.Shape[2]
	mask, err = OneHot(winners, m)
	if err != nil {
		return nil, nil, err
	}
	return applyMask(v, mask, d), mask, nil
}

func applyMask(v, mask *nn.Tensor, d int) *nn.Tensor {
	masked := nn.NewTensor(v.Shape...)
	for idx, keep := range mask.Data {
		for k := range d {
			masked.Data[idx*d+k] = v.Data[idx*d+k] * keep
		}
	}
	return masked
}
