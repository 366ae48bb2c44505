package nn

import "errors"

// ErrShapeMismatch is returned when a tensor's shape does not match what an
// operation declares. Callers match it with errors.Is.
var ErrShapeMismatch = errors.New("shape mismatch")
