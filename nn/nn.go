// Package nn provides the generic building blocks the capsule network is
// assembled from: shape-checked float32 tensors, dense and 2D convolution
// layers with CPU forward and backward passes, row-wise softmax, trainable
// parameters, optimizers and safetensors weight IO.
//
// Tensors are stored flattened in row-major order. Layer functions follow a
// forward/backward pair convention:
//
//	pre, post := nn.Conv2DForward(input, &cfg, batch)
//	gradIn, gradKernel, gradBias := nn.Conv2DBackward(gradOut, input, pre, &cfg, batch)
//
// Optimizers never reach into layers directly; they operate on the
// []*Param slices a model exposes:
//
//	opt := nn.NewSGDOptimizerWithMomentum(0.9, 0, false)
//	opt.Step(model.Parameters(), 0.01)
package nn
