package capsnet

import (
	"errors"

	"github.com/openfluke/capsnet/nn"
)

var (
	// ErrShapeMismatch is returned when a tensor does not have the shape a
	// layer was built for. It is the same value as nn.ErrShapeMismatch.
	ErrShapeMismatch = nn.ErrShapeMismatch

	// ErrReconstructionDisabled is returned by reconstruction operations on a
	// network built without a decoder.
	ErrReconstructionDisabled = errors.New("reconstruction disabled")

	ErrInvalidConfig = errors.New("invalid config")
)
