package nn

import (
	"errors"
	"math"
	"testing"
)

// TestTensorCreation verifies basic tensor operations
func TestTensorCreation(t *testing.T) {
	tensor := NewTensor(3, 4)
	if tensor.Size() != 12 {
		t.Errorf("Expected size 12, got %d", tensor.Size())
	}
	if len(tensor.Shape) != 2 || tensor.Dim(0) != 3 || tensor.Dim(1) != 4 {
		t.Errorf("Expected shape [3, 4], got %v", tensor.Shape)
	}

	data := []float32{1, 2, 3, 4, 5, 6}
	tensor2 := NewTensorFromSlice(data, 2, 3)
	if tensor2.Size() != 6 {
		t.Errorf("Expected size 6, got %d", tensor2.Size())
	}
	if tensor2.Data[0] != 1 || tensor2.Data[5] != 6 {
		t.Errorf("Data not correctly initialized")
	}

	if NewTensorFromSlice(data, 4, 2) != nil {
		t.Error("Mismatched shape should return nil")
	}
}

// TestTensorClone verifies tensor cloning
func TestTensorClone(t *testing.T) {
	original := NewTensorFromSlice([]float32{1, 2, 3, 4}, 4)
	clone := original.Clone()

	original.Data[0] = 100
	original.Shape[0] = 7

	if clone.Data[0] != 1 || clone.Shape[0] != 4 {
		t.Errorf("Clone was modified when original changed")
	}
}

// TestTensorReshape verifies tensor reshaping
func TestTensorReshape(t *testing.T) {
	tensor := NewTensorFromSlice([]float32{1, 2, 3, 4, 5, 6}, 6)
	reshaped := tensor.Reshape(2, 3)

	if reshaped == nil {
		t.Fatal("Reshape returned nil")
	}
	if len(reshaped.Shape) != 2 || reshaped.Shape[0] != 2 || reshaped.Shape[1] != 3 {
		t.Errorf("Expected shape [2, 3], got %v", reshaped.Shape)
	}

	// Reshape is a view
	reshaped.Data[0] = 9
	if tensor.Data[0] != 9 {
		t.Error("Reshape should share data")
	}

	if tensor.Reshape(2, 2) != nil {
		t.Error("Invalid reshape should return nil")
	}
}

// TestCheckShape verifies shape validation and wildcards
func TestCheckShape(t *testing.T) {
	tensor := NewTensor(2, 3, 4)

	if err := tensor.CheckShape(2, 3, 4); err != nil {
		t.Errorf("Exact shape rejected: %v", err)
	}
	if err := tensor.CheckShape(-1, 3, -1); err != nil {
		t.Errorf("Wildcard shape rejected: %v", err)
	}

	for _, want := range [][]int{{2, 3}, {2, 3, 5}, {1, -1, 4}} {
		err := tensor.CheckShape(want...)
		if !errors.Is(err, ErrShapeMismatch) {
			t.Errorf("CheckShape(%v): expected ErrShapeMismatch, got %v", want, err)
		}
	}

	var nilTensor *Tensor
	if !errors.Is(nilTensor.CheckShape(1), ErrShapeMismatch) {
		t.Error("nil tensor should fail CheckShape")
	}

	short := &Tensor{Shape: []int{2, 2}, Data: make([]float32, 3)}
	if !errors.Is(short.CheckShape(2, 2), ErrShapeMismatch) {
		t.Error("Tensor with wrong data length should fail CheckShape")
	}
}

// TestActivate verifies activation functions
func TestActivate(t *testing.T) {
	result := Activate(0.5, ActivationSigmoid)
	expected := float32(1.0 / (1.0 + math.Exp(-0.5)))
	if math.Abs(float64(result-expected)) > 1e-6 {
		t.Errorf("Sigmoid: expected %f, got %f", expected, result)
	}

	if Activate(-1.0, ActivationReLU) != 0 {
		t.Error("ReLU of negative should be 0")
	}
	if Activate(2.5, ActivationReLU) != 2.5 {
		t.Error("ReLU of positive should pass through")
	}
	if Activate(-3, ActivationLinear) != -3 {
		t.Error("Linear should be identity")
	}

	if math.Abs(float64(Activate(1.0, ActivationScaledReLU)-1.1)) > 1e-6 {
		t.Errorf("ScaledReLU of 1 should be 1.1")
	}
}
