package capsnet

import (
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/openfluke/capsnet/nn"
)

// SquashEpsilon keeps the unit-vector division finite for zero vectors.
const SquashEpsilon = 1e-8

// Squash applies the capsule non-linearity along the last axis of s:
//
//	v = |s|² / (1 + |s|²) · s / (|s| + ε)
//
// Short vectors shrink toward zero and long vectors approach unit length.
// The input is not modified.
func Squash(s *nn.Tensor) *nn.Tensor {
	out := s.Clone()
	if len(s.Shape) == 0 {
		return out
	}
	dim := s.Shape[len(s.Shape)-1]
	if dim == 0 {
		return out
	}
	for off := 0; off < len(out.Data); off += dim {
		squashInto(out.Data[off:off+dim], s.Data[off:off+dim])
	}
	return out
}

func squashScale(n float32) float32 {
	n2 := n * n
	return n2 / ((1 + n2) * (n + SquashEpsilon))
}

// squashInto writes squash(s) into dst and returns |s|.
func squashInto(dst, s []float32) float32 {
	n := blas32.Nrm2(blas32.Vector{N: len(s), Data: s, Inc: 1})
	g := squashScale(n)
	for k, x := range s {
		dst[k] = g * x
	}
	return n
}

// squashBackward returns dL/ds given s and dL/dv for one capsule vector.
//
// With v = g(n)·s, dv/ds = g·I + (g'(n)/n)·s·sᵀ. g'(n)/n is expanded so no
// division by n is needed and s = 0 yields a finite gradient.
func squashBackward(s, gradV []float32) []float32 {
	sv := blas32.Vector{N: len(s), Data: s, Inc: 1}
	n := blas32.Nrm2(sv)
	n2 := n * n

	den := (1 + n2) * (n + SquashEpsilon)
	dden := 2*n*(n+SquashEpsilon) + (1 + n2)
	g := n2 / den
	h := (2*den - n*dden) / (den * den)

	proj := blas32.Dot(sv, blas32.Vector{N: len(gradV), Data: gradV, Inc: 1})
	grad := make([]float32, len(s))
	for k := range s {
		grad[k] = g*gradV[k] + h*proj*s[k]
	}
	return grad
}
