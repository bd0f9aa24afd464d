package nn

import (
	"math"

	"github.com/pkg/errors"
	"github.com/scttfrdmn/protoclr/internal/tensor"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Optimizers update parameters in place from the gradients left on them by
// tensor.Backward:
//
//   SGD:   v = μ v + g;  p -= lr * v
//   Adam:  m, v moving averages of g and g²;  p -= lr * m̂ / (√v̂ + ε)
//   RAdam: Adam with the variance rectification term r_t; falls back to
//          plain momentum while the variance estimate is unreliable (ρ_t ≤ 5)
//
// Weight decay is L2: it is added to the gradient before the update.
//
// State is keyed by tensor identity, so an optimizer must be handed the same
// parameter tensors on every step. Cloned learners get their own optimizer.
//
// ===========================================================================

// ErrUnknownOptimizer is returned by NewOptimizer for an unrecognised name.
var ErrUnknownOptimizer = errors.New("nn: unknown optimizer")

// Optimizer interface for different optimization algorithms.
type Optimizer interface {
	// Step performs a single optimization step.
	// Updates parameters using their gradients.
	Step(params []*tensor.Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*tensor.Tensor)
}

// NewOptimizer returns the optimizer called name ("sgd", "adam" or "radam").
func NewOptimizer(name string, weightDecay float64) (Optimizer, error) {
	switch name {
	case "sgd":
		return NewSGD(0.9, weightDecay), nil
	case "adam":
		return NewAdam(0.9, 0.999, 1e-8, weightDecay), nil
	case "radam":
		return NewRAdam(0.9, 0.999, 1e-8, weightDecay), nil
	default:
		return nil, errors.Wrapf(ErrUnknownOptimizer, "%q", name)
	}
}

func zeroGrads(params []*tensor.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SGD implements stochastic gradient descent with optional momentum.
type SGD struct {
	momentum    float64
	weightDecay float64
	velocity    map[*tensor.Tensor][]float64
}

// NewSGD creates an SGD optimizer. momentum = 0 gives plain SGD.
func NewSGD(momentum, weightDecay float64) *SGD {
	return &SGD{
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    make(map[*tensor.Tensor][]float64),
	}
}

// Step updates parameters: param -= lr * (μ v + grad + weightDecay * param).
func (opt *SGD) Step(params []*tensor.Tensor, lr float64) {
	for _, p := range params {
		if !p.RequiresGrad() {
			continue
		}
		data, grad := p.Data(), p.Grad()
		var v []float64
		if opt.momentum != 0 {
			v = opt.velocity[p]
			if v == nil {
				v = make([]float64, len(data))
				opt.velocity[p] = v
			}
		}
		for i := range data {
			g := grad[i] + opt.weightDecay*data[i]
			if v != nil {
				v[i] = opt.momentum*v[i] + g
				g = v[i]
			}
			data[i] -= lr * g
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGD) ZeroGrad(params []*tensor.Tensor) { zeroGrads(params) }

// Adam implements the Adam optimization algorithm.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)  // Bias correction
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
type Adam struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64
	rectify     bool

	m map[*tensor.Tensor][]float64
	v map[*tensor.Tensor][]float64
	t int
}

// NewAdam creates an Adam optimizer.
func NewAdam(beta1, beta2, epsilon, weightDecay float64) *Adam {
	return &Adam{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make(map[*tensor.Tensor][]float64),
		v:           make(map[*tensor.Tensor][]float64),
	}
}

// NewRAdam creates a rectified Adam optimizer.
func NewRAdam(beta1, beta2, epsilon, weightDecay float64) *Adam {
	opt := NewAdam(beta1, beta2, epsilon, weightDecay)
	opt.rectify = true
	return opt
}

// Step performs one Adam (or RAdam) update.
func (opt *Adam) Step(params []*tensor.Tensor, lr float64) {
	opt.t++
	t := float64(opt.t)

	bias1 := 1.0 - math.Pow(opt.beta1, t)
	bias2 := 1.0 - math.Pow(opt.beta2, t)

	adaptive, rect := true, 1.0
	if opt.rectify {
		rhoInf := 2/(1-opt.beta2) - 1
		rhoT := rhoInf - 2*t*math.Pow(opt.beta2, t)/bias2
		if rhoT > 5 {
			rect = math.Sqrt((rhoT - 4) * (rhoT - 2) * rhoInf / ((rhoInf - 4) * (rhoInf - 2) * rhoT))
		} else {
			adaptive = false
		}
	}

	for _, p := range params {
		if !p.RequiresGrad() {
			continue
		}
		data, grad := p.Data(), p.Grad()
		m, v := opt.m[p], opt.v[p]
		if m == nil {
			m = make([]float64, len(data))
			v = make([]float64, len(data))
			opt.m[p], opt.v[p] = m, v
		}
		for j := range data {
			g := grad[j] + opt.weightDecay*data[j]
			m[j] = opt.beta1*m[j] + (1.0-opt.beta1)*g
			v[j] = opt.beta2*v[j] + (1.0-opt.beta2)*g*g

			mHat := m[j] / bias1
			if !adaptive {
				data[j] -= lr * mHat
				continue
			}
			vHat := v[j] / bias2
			data[j] -= lr * rect * mHat / (math.Sqrt(vHat) + opt.epsilon)
		}
	}
}

// ZeroGrad clears gradients.
func (opt *Adam) ZeroGrad(params []*tensor.Tensor) { zeroGrads(params) }

// ClipGradients rescales gradients so their global L2 norm is at most
// maxNorm, and returns the norm before clipping.
func ClipGradients(params []*tensor.Tensor, maxNorm float64) float64 {
	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.Grad() {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if maxNorm > 0 && globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			g := p.Grad()
			for i := range g {
				g[i] *= scale
			}
		}
	}
	return globalNorm
}
