package tensor

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Reverse-mode automatic differentiation on a dynamic tape.
//
// Every op in ops.go that receives at least one tensor with requiresGrad
// attaches a node to its output: the parents it read and a closure that,
// given the output's gradient, accumulates ∂L/∂parent into each parent.
//
// THE CHAIN RULE:
//
// Given: y = f(x) and z = g(y)
// Backward: ∂L/∂x = ∂L/∂z · ∂z/∂y · ∂y/∂x
//
// Backward(loss) orders the recorded graph topologically and replays the
// closures from the loss towards the leaves. Leaves (parameters) keep the
// accumulated gradient until ZeroGrad; intermediates are garbage once the
// last reference to the loss is dropped, which is what makes graphs built
// per episode disposable.
//
// ===========================================================================

import (
	"math"

	"github.com/pkg/errors"
)

// ErrNoGraph is returned by Backward when the loss does not depend on any
// trainable tensor.
var ErrNoGraph = errors.New("tensor: loss is not connected to any trainable tensor")

type node struct {
	op       string
	parents  []*Tensor
	backward func(out *Tensor)
}

// record attaches a tape node to out when any parent requires gradients.
func record(out *Tensor, op string, parents []*Tensor, backward func(out *Tensor)) *Tensor {
	for _, p := range parents {
		if p.requiresGrad {
			out.requiresGrad = true
			out.node = &node{op: op, parents: parents, backward: backward}
			break
		}
	}
	return out
}

// Op returns the name of the op that produced t, or "" for leaves.
func (t *Tensor) Op() string {
	if t.node == nil {
		return ""
	}
	return t.node.op
}

// Backward seeds ∂loss/∂loss = 1 and propagates gradients to every tensor
// on the tape that requires them. loss must hold exactly one element.
func Backward(loss *Tensor) error {
	if loss.Size() != 1 {
		return errors.Wrapf(ErrShapeMismatch, "backward from non-scalar %v", loss.shape)
	}
	if !loss.requiresGrad {
		return ErrNoGraph
	}

	order := topoSort(loss)
	loss.grad[0] += 1

	for i := len(order) - 1; i >= 0; i-- {
		t := order[i]
		if t.node != nil {
			t.node.backward(t)
		}
	}
	return nil
}

// topoSort returns tensors in dependency order: parents before children.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		t    *Tensor
		next int
	}
	stack := []frame{{t: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.t.node != nil && top.next < len(top.t.node.parents) {
			p := top.t.node.parents[top.next]
			top.next++
			if !visited[p] && p.requiresGrad {
				visited[p] = true
				stack = append(stack, frame{t: p})
			}
			continue
		}
		order = append(order, top.t)
		stack = stack[:len(stack)-1]
	}
	return order
}

// AccumulateGrad adds grad into t's gradient buffer.
// Used when a tensor feeds several ops: gradients from every use sum up.
func (t *Tensor) AccumulateGrad(grad []float64) {
	if !t.requiresGrad {
		return
	}
	for i := range grad {
		t.grad[i] += grad[i]
	}
}

// ===========================================================================
// BACKWARD FORMULAS
// ===========================================================================

// softmaxBackwardRow computes gradX for one row of y = softmax(x).
//
//	∂Y[i]/∂X[j] = Y[i] * (δ[i,j] - Y[j])
//	gradX[i]    = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func softmaxBackwardRow(y, gradY, gradX []float64) {
	dot := 0.0
	for f := range y {
		dot += gradY[f] * y[f]
	}
	for f := range y {
		gradX[f] += y[f] * (gradY[f] - dot)
	}
}

// logSoftmaxBackwardRow computes gradX for one row of y = log_softmax(x).
//
//	gradX[i] = gradY[i] - softmax(x)[i] * Σ_j gradY[j]
//
// Entries flagged in skip were excluded from the normaliser and receive no
// gradient.
func logSoftmaxBackwardRow(y, gradY, gradX []float64, skip []bool) {
	sum := 0.0
	for f := range y {
		if skip != nil && skip[f] {
			continue
		}
		sum += gradY[f]
	}
	for f := range y {
		if skip != nil && skip[f] {
			continue
		}
		gradX[f] += gradY[f] - math.Exp(y[f])*sum
	}
}

// normBackwardRow is the shared normalisation backward used by LayerNorm and
// BatchNorm. Given xhat = (x - mean) / std over n values and gxhat = ∂L/∂xhat:
//
//	gradX = (n*gxhat - Σ gxhat - xhat * Σ gxhat*xhat) / (n * std)
//
// stride lets the same code walk a row (LayerNorm) or a column (BatchNorm).
func normBackwardRow(xhat, gxhat, gradX []float64, n, stride, offset int, std float64) {
	sumG, sumGX := 0.0, 0.0
	for k := 0; k < n; k++ {
		i := offset + k*stride
		sumG += gxhat[i]
		sumGX += gxhat[i] * xhat[i]
	}
	fn := float64(n)
	for k := 0; k < n; k++ {
		i := offset + k*stride
		gradX[i] += (fn*gxhat[i] - sumG - xhat[i]*sumGX) / (fn * std)
	}
}
