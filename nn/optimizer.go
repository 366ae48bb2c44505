package nn

import (
	"fmt"
	"math"
)

// Optimizer interface defines the contract for all optimizers. Optimizers
// read Param.Grad and update Param.Value in place; they never compute
// gradients themselves.
type Optimizer interface {
	// Step applies gradients to parameter values
	Step(params []*Param, learningRate float32)

	// Reset clears optimizer state (momentum, etc.)
	Reset()

	// GetState returns optimizer hyperparameters for serialization
	GetState() map[string]any

	// LoadState restores optimizer hyperparameters
	LoadState(state map[string]any) error

	// Name returns the optimizer name
	Name() string
}

// ============================================================================
// SGD Optimizer (Stochastic Gradient Descent with optional momentum)
// ============================================================================

type SGDOptimizer struct {
	momentum   float32
	velocities map[string][]float32 // Momentum buffers keyed by param name
	dampening  float32
	nesterov   bool
}

func NewSGDOptimizer() *SGDOptimizer {
	return &SGDOptimizer{velocities: make(map[string][]float32)}
}

func NewSGDOptimizerWithMomentum(momentum, dampening float32, nesterov bool) *SGDOptimizer {
	return &SGDOptimizer{
		momentum:   momentum,
		velocities: make(map[string][]float32),
		dampening:  dampening,
		nesterov:   nesterov,
	}
}

func (opt *SGDOptimizer) Step(params []*Param, learningRate float32) {
	for _, p := range params {
		if opt.momentum == 0 {
			// w = w - lr * grad
			for j, g := range p.Grad {
				p.Value[j] -= learningRate * g
			}
			continue
		}

		vel := opt.velocities[p.Name]
		if vel == nil {
			vel = make([]float32, len(p.Value))
			opt.velocities[p.Name] = vel
		}

		// v = momentum * v + (1 - dampening) * grad
		// w = w - lr * v (or w - lr * (grad + momentum * v) for Nesterov)
		for j, g := range p.Grad {
			vel[j] = opt.momentum*vel[j] + (1-opt.dampening)*g
			if opt.nesterov {
				p.Value[j] -= learningRate * (g + opt.momentum*vel[j])
			} else {
				p.Value[j] -= learningRate * vel[j]
			}
		}
	}
}

func (opt *SGDOptimizer) Reset() {
	opt.velocities = make(map[string][]float32)
}

func (opt *SGDOptimizer) GetState() map[string]any {
	return map[string]any{
		"type":      "sgd",
		"momentum":  opt.momentum,
		"dampening": opt.dampening,
		"nesterov":  opt.nesterov,
	}
}

func (opt *SGDOptimizer) LoadState(state map[string]any) error {
	if t, ok := state["type"].(string); !ok || t != "sgd" {
		return fmt.Errorf("invalid optimizer type: expected sgd, got %v", state["type"])
	}

	if m, ok := state["momentum"].(float64); ok {
		opt.momentum = float32(m)
	}
	if d, ok := state["dampening"].(float64); ok {
		opt.dampening = float32(d)
	}
	if n, ok := state["nesterov"].(bool); ok {
		opt.nesterov = n
	}

	return nil
}

func (opt *SGDOptimizer) Name() string {
	if opt.momentum > 0 {
		if opt.nesterov {
			return "SGD (Nesterov momentum)"
		}
		return "SGD (momentum)"
	}
	return "SGD"
}

// ============================================================================
// AdamW Optimizer (Adam with decoupled weight decay)
// ============================================================================

type AdamWOptimizer struct {
	beta1       float32
	beta2       float32
	epsilon     float32
	weightDecay float32
	step        int

	m map[string][]float32 // First moment estimates
	v map[string][]float32 // Second moment estimates
}

func NewAdamWOptimizer(beta1, beta2, epsilon, weightDecay float32) *AdamWOptimizer {
	return &AdamWOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}
}

func NewAdamWOptimizerDefault() *AdamWOptimizer {
	return NewAdamWOptimizer(0.9, 0.999, 1e-8, 0.01)
}

func (opt *AdamWOptimizer) Step(params []*Param, learningRate float32) {
	opt.step++

	biasCorrection1 := 1.0 - float32(math.Pow(float64(opt.beta1), float64(opt.step)))
	biasCorrection2 := 1.0 - float32(math.Pow(float64(opt.beta2), float64(opt.step)))

	for _, p := range params {
		m, v := opt.m[p.Name], opt.v[p.Name]
		if m == nil {
			m = make([]float32, len(p.Value))
			v = make([]float32, len(p.Value))
			opt.m[p.Name], opt.v[p.Name] = m, v
		}

		for j, grad := range p.Grad {
			m[j] = opt.beta1*m[j] + (1-opt.beta1)*grad
			v[j] = opt.beta2*v[j] + (1-opt.beta2)*grad*grad

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2

			p.Value[j] -= learningRate * (mHat/(float32(math.Sqrt(float64(vHat)))+opt.epsilon) + opt.weightDecay*p.Value[j])
		}
	}
}

func (opt *AdamWOptimizer) Reset() {
	opt.step = 0
	opt.m = make(map[string][]float32)
	opt.v = make(map[string][]float32)
}

func (opt *AdamWOptimizer) GetState() map[string]any {
	return map[string]any{
		"type":         "adamw",
		"beta1":        opt.beta1,
		"beta2":        opt.beta2,
		"epsilon":      opt.epsilon,
		"weight_decay": opt.weightDecay,
		"step":         opt.step,
	}
}

func (opt *AdamWOptimizer) LoadState(state map[string]any) error {
	if t, ok := state["type"].(string); !ok || t != "adamw" {
		return fmt.Errorf("invalid optimizer type: expected adamw, got %v", state["type"])
	}

	if b1, ok := state["beta1"].(float64); ok {
		opt.beta1 = float32(b1)
	}
	if b2, ok := state["beta2"].(float64); ok {
		opt.beta2 = float32(b2)
	}
	if eps, ok := state["epsilon"].(float64); ok {
		opt.epsilon = float32(eps)
	}
	if wd, ok := state["weight_decay"].(float64); ok {
		opt.weightDecay = float32(wd)
	}
	if s, ok := state["step"].(float64); ok {
		opt.step = int(s)
	}

	return nil
}

func (opt *AdamWOptimizer) Name() string {
	return "AdamW"
}

// NewOptimizer returns an optimizer by name: "sgd", "momentum" or "adamw".
func NewOptimizer(name string) (Optimizer, error) {
	switch name {
	case "sgd":
		return NewSGDOptimizer(), nil
	case "momentum":
		return NewSGDOptimizerWithMomentum(0.9, 0, false), nil
	case "adamw":
		return NewAdamWOptimizerDefault(), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}
