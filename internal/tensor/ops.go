package tensor

import (
	"fmt"
	"math"
)

// ===========================================================================
// ELEMENT-WISE OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}

	return record(out, "add", []*Tensor{a, b}, func(out *Tensor) {
		a.AccumulateGrad(out.grad)
		b.AccumulateGrad(out.grad)
	})
}

// Sub performs element-wise subtraction: out = a - b.
func Sub(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot subtract shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] - b.data[i]
	}

	return record(out, "sub", []*Tensor{a, b}, func(out *Tensor) {
		a.AccumulateGrad(out.grad)
		if b.requiresGrad {
			for i, g := range out.grad {
				b.grad[i] -= g
			}
		}
	})
}

// Mul performs element-wise multiplication: out = a * b (Hadamard product).
func Mul(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot multiply shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * b.data[i]
	}

	return record(out, "mul", []*Tensor{a, b}, func(out *Tensor) {
		if a.requiresGrad {
			for i, g := range out.grad {
				a.grad[i] += g * b.data[i]
			}
		}
		if b.requiresGrad {
			for i, g := range out.grad {
				b.grad[i] += g * a.data[i]
			}
		}
	})
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}

	return record(out, "scale", []*Tensor{a}, func(out *Tensor) {
		for i, g := range out.grad {
			a.grad[i] += g * scalar
		}
	})
}

// AddRow broadcasts a row vector over every row: out[i,j] = x[i,j] + b[j].
func AddRow(x, b *Tensor) *Tensor {
	must2D("AddRow", x)
	cols := x.shape[1]
	if b.Size() != cols {
		panic(fmt.Sprintf("tensor: AddRow bias size %d, want %d", b.Size(), cols))
	}

	out := NewTensor(x.shape...)
	for i := 0; i < x.shape[0]; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] = x.data[i*cols+j] + b.data[j]
		}
	}

	return record(out, "add_row", []*Tensor{x, b}, func(out *Tensor) {
		x.AccumulateGrad(out.grad)
		if b.requiresGrad {
			for i := 0; i < x.shape[0]; i++ {
				for j := 0; j < cols; j++ {
					b.grad[j] += out.grad[i*cols+j]
				}
			}
		}
	})
}

// MulRow scales every column by a row vector: out[i,j] = x[i,j] * r[j].
func MulRow(x, r *Tensor) *Tensor {
	must2D("MulRow", x)
	cols := x.shape[1]
	if r.Size() != cols {
		panic(fmt.Sprintf("tensor: MulRow scale size %d, want %d", r.Size(), cols))
	}

	out := NewTensor(x.shape...)
	for i := 0; i < x.shape[0]; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] = x.data[i*cols+j] * r.data[j]
		}
	}

	return record(out, "mul_row", []*Tensor{x, r}, func(out *Tensor) {
		for i := 0; i < x.shape[0]; i++ {
			for j := 0; j < cols; j++ {
				g := out.grad[i*cols+j]
				if x.requiresGrad {
					x.grad[i*cols+j] += g * r.data[j]
				}
				if r.requiresGrad {
					r.grad[j] += g * x.data[i*cols+j]
				}
			}
		}
	})
}

// MulCol scales every row by a per-row factor: out[i,j] = x[i,j] * c[i].
func MulCol(x, c *Tensor) *Tensor {
	must2D("MulCol", x)
	rows, cols := x.shape[0], x.shape[1]
	if c.Size() != rows {
		panic(fmt.Sprintf("tensor: MulCol scale size %d, want %d", c.Size(), rows))
	}

	out := NewTensor(x.shape...)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] = x.data[i*cols+j] * c.data[i]
		}
	}

	return record(out, "mul_col", []*Tensor{x, c}, func(out *Tensor) {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				g := out.grad[i*cols+j]
				if x.requiresGrad {
					x.grad[i*cols+j] += g * c.data[i]
				}
				if c.requiresGrad {
					c.grad[i] += g * x.data[i*cols+j]
				}
			}
		}
	})
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
func ReLU(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Max(0, v)
	}

	return record(out, "relu", []*Tensor{x}, func(out *Tensor) {
		for i, g := range out.grad {
			if x.data[i] > 0 {
				x.grad[i] += g
			}
		}
	})
}

// LeakyReLU applies f(x) = x for x > 0, slope*x otherwise.
func LeakyReLU(x *Tensor, slope float64) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		} else {
			out.data[i] = slope * v
		}
	}

	return record(out, "leaky_relu", []*Tensor{x}, func(out *Tensor) {
		for i, g := range out.grad {
			if x.data[i] > 0 {
				x.grad[i] += g
			} else {
				x.grad[i] += g * slope
			}
		}
	})
}

// Exp applies e^x element-wise.
func Exp(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = math.Exp(v)
	}

	return record(out, "exp", []*Tensor{x}, func(out *Tensor) {
		for i, g := range out.grad {
			x.grad[i] += g * out.data[i]
		}
	})
}

// Sigmoid applies 1 / (1 + e^-x) element-wise.
func Sigmoid(x *Tensor) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = 1 / (1 + math.Exp(-v))
	}

	return record(out, "sigmoid", []*Tensor{x}, func(out *Tensor) {
		for i, g := range out.grad {
			y := out.data[i]
			x.grad[i] += g * y * (1 - y)
		}
	})
}

// ===========================================================================
// MATRIX PRODUCTS
// ===========================================================================

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
//
// Backward:
//   - ∂L/∂A = ∂L/∂C @ B^T
//   - ∂L/∂B = A^T @ ∂L/∂C
func MatMul(a, b *Tensor) *Tensor {
	must2D("MatMul", a, b)
	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	if b.shape[0] != k {
		panic(fmt.Sprintf("tensor: cannot multiply %v by %v", a.shape, b.shape))
	}

	out := NewTensor(m, n)
	gemm(false, false, 1, a.data, m, k, b.data, k, n, 0, out.data, m, n)

	return record(out, "matmul", []*Tensor{a, b}, func(out *Tensor) {
		if a.requiresGrad {
			gemm(false, true, 1, out.grad, m, n, b.data, k, n, 1, a.grad, m, k)
		}
		if b.requiresGrad {
			gemm(true, false, 1, a.data, m, k, out.grad, m, n, 1, b.grad, k, n)
		}
	})
}

// MatMulT multiplies by a transposed right operand: C = A @ B^T.
// A is (M, K), B is (N, K), result is (M, N).
func MatMulT(a, b *Tensor) *Tensor {
	must2D("MatMulT", a, b)
	m, k, n := a.shape[0], a.shape[1], b.shape[0]
	if b.shape[1] != k {
		panic(fmt.Sprintf("tensor: cannot multiply %v by transposed %v", a.shape, b.shape))
	}

	out := NewTensor(m, n)
	gemm(false, true, 1, a.data, m, k, b.data, n, k, 0, out.data, m, n)

	return record(out, "matmul_t", []*Tensor{a, b}, func(out *Tensor) {
		if a.requiresGrad {
			gemm(false, false, 1, out.grad, m, n, b.data, n, k, 1, a.grad, m, k)
		}
		if b.requiresGrad {
			gemm(true, false, 1, out.grad, m, n, a.data, m, k, 1, b.grad, n, k)
		}
	})
}

// Transpose returns the transpose of a 2D matrix as a new leaf (no tape).
func Transpose(a *Tensor) *Tensor {
	must2D("Transpose", a)
	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}
	return out
}

// ===========================================================================
// ROW-WISE NORMALISERS
// ===========================================================================

// SoftmaxRows applies softmax independently to each row.
// Numerically stable: subtracts the row max before exp.
func SoftmaxRows(x *Tensor) *Tensor {
	must2D("SoftmaxRows", x)
	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)

	parallelRows(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			in, o := x.data[r*cols:(r+1)*cols], out.data[r*cols:(r+1)*cols]
			maxVal := in[0]
			for _, v := range in[1:] {
				if v > maxVal {
					maxVal = v
				}
			}
			sum := 0.0
			for f, v := range in {
				o[f] = math.Exp(v - maxVal)
				sum += o[f]
			}
			for f := range o {
				o[f] /= sum
			}
		}
	})

	return record(out, "softmax", []*Tensor{x}, func(out *Tensor) {
		for r := 0; r < rows; r++ {
			s := r * cols
			softmaxBackwardRow(out.data[s:s+cols], out.grad[s:s+cols], x.grad[s:s+cols])
		}
	})
}

// LogSoftmaxRows applies log-softmax independently to each row.
func LogSoftmaxRows(x *Tensor) *Tensor {
	return MaskedLogSoftmaxRows(x, nil)
}

// MaskedLogSoftmaxRows is log-softmax where entries with skip[i] set are
// left out of the normaliser. Skipped outputs are 0 and get no gradient.
// skip is flat, row-major, and may be nil.
func MaskedLogSoftmaxRows(x *Tensor, skip []bool) *Tensor {
	must2D("MaskedLogSoftmaxRows", x)
	rows, cols := x.shape[0], x.shape[1]
	if skip != nil && len(skip) != len(x.data) {
		panic(fmt.Sprintf("tensor: mask size %d, want %d", len(skip), len(x.data)))
	}
	out := NewTensor(rows, cols)

	parallelRows(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			s := r * cols
			maxVal := math.Inf(-1)
			for f := 0; f < cols; f++ {
				if skip != nil && skip[s+f] {
					continue
				}
				if v := x.data[s+f]; v > maxVal {
					maxVal = v
				}
			}
			if math.IsInf(maxVal, -1) {
				continue
			}
			sum := 0.0
			for f := 0; f < cols; f++ {
				if skip != nil && skip[s+f] {
					continue
				}
				sum += math.Exp(x.data[s+f] - maxVal)
			}
			lse := maxVal + math.Log(sum)
			for f := 0; f < cols; f++ {
				if skip != nil && skip[s+f] {
					continue
				}
				out.data[s+f] = x.data[s+f] - lse
			}
		}
	})

	return record(out, "log_softmax", []*Tensor{x}, func(out *Tensor) {
		for r := 0; r < rows; r++ {
			s := r * cols
			var rowSkip []bool
			if skip != nil {
				rowSkip = skip[s : s+cols]
			}
			logSoftmaxBackwardRow(out.data[s:s+cols], out.grad[s:s+cols], x.grad[s:s+cols], rowSkip)
		}
	})
}

// NormalizeRows divides each row by max(‖row‖₂, eps).
func NormalizeRows(x *Tensor, eps float64) *Tensor {
	must2D("NormalizeRows", x)
	rows, cols := x.shape[0], x.shape[1]
	out := NewTensor(rows, cols)
	norms := make([]float64, rows)

	for r := 0; r < rows; r++ {
		s := r * cols
		n := 0.0
		for _, v := range x.data[s : s+cols] {
			n += v * v
		}
		n = math.Sqrt(n)
		if n < eps {
			n = eps
		}
		norms[r] = n
		for f := 0; f < cols; f++ {
			out.data[s+f] = x.data[s+f] / n
		}
	}

	return record(out, "normalize", []*Tensor{x}, func(out *Tensor) {
		for r := 0; r < rows; r++ {
			s := r * cols
			n := norms[r]
			clamped := n == eps
			dot := 0.0
			if !clamped {
				for f := 0; f < cols; f++ {
					dot += out.data[s+f] * out.grad[s+f]
				}
			}
			for f := 0; f < cols; f++ {
				x.grad[s+f] += (out.grad[s+f] - out.data[s+f]*dot) / n
			}
		}
	})
}

// LayerNorm normalises each row to zero mean / unit variance, then applies
// gamma and beta (both of size cols).
func LayerNorm(x, gamma, beta *Tensor, eps float64) *Tensor {
	must2D("LayerNorm", x)
	rows, cols := x.shape[0], x.shape[1]
	xhat := make([]float64, len(x.data))
	stds := make([]float64, rows)
	out := NewTensor(rows, cols)

	parallelRows(rows, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			s := r * cols
			mean := 0.0
			for _, v := range x.data[s : s+cols] {
				mean += v
			}
			mean /= float64(cols)
			variance := 0.0
			for _, v := range x.data[s : s+cols] {
				d := v - mean
				variance += d * d
			}
			variance /= float64(cols)
			std := math.Sqrt(variance + eps)
			stds[r] = std
			for f := 0; f < cols; f++ {
				xhat[s+f] = (x.data[s+f] - mean) / std
				out.data[s+f] = xhat[s+f]*gamma.data[f] + beta.data[f]
			}
		}
	})

	return record(out, "layer_norm", []*Tensor{x, gamma, beta}, func(out *Tensor) {
		gxhat := make([]float64, len(out.grad))
		for r := 0; r < rows; r++ {
			for f := 0; f < cols; f++ {
				i := r*cols + f
				g := out.grad[i]
				if gamma.requiresGrad {
					gamma.grad[f] += g * xhat[i]
				}
				if beta.requiresGrad {
					beta.grad[f] += g
				}
				gxhat[i] = g * gamma.data[f]
			}
		}
		if x.requiresGrad {
			for r := 0; r < rows; r++ {
				normBackwardRow(xhat, gxhat, x.grad, cols, 1, r*cols, stds[r])
			}
		}
	})
}

// BatchNorm normalises each column with the statistics of the current batch
// and returns the biased batch mean and variance alongside the output, so the
// caller can update running statistics.
func BatchNorm(x, gamma, beta *Tensor, eps float64) (out *Tensor, mean, variance []float64) {
	must2D("BatchNorm", x)
	rows, cols := x.shape[0], x.shape[1]
	mean = make([]float64, cols)
	variance = make([]float64, cols)
	stds := make([]float64, cols)
	xhat := make([]float64, len(x.data))
	out = NewTensor(rows, cols)

	for f := 0; f < cols; f++ {
		for r := 0; r < rows; r++ {
			mean[f] += x.data[r*cols+f]
		}
		mean[f] /= float64(rows)
		for r := 0; r < rows; r++ {
			d := x.data[r*cols+f] - mean[f]
			variance[f] += d * d
		}
		variance[f] /= float64(rows)
		stds[f] = math.Sqrt(variance[f] + eps)
		for r := 0; r < rows; r++ {
			i := r*cols + f
			xhat[i] = (x.data[i] - mean[f]) / stds[f]
			out.data[i] = xhat[i]*gamma.data[f] + beta.data[f]
		}
	}

	out = record(out, "batch_norm", []*Tensor{x, gamma, beta}, func(out *Tensor) {
		gxhat := make([]float64, len(out.grad))
		for i, g := range out.grad {
			f := i % cols
			if gamma.requiresGrad {
				gamma.grad[f] += g * xhat[i]
			}
			if beta.requiresGrad {
				beta.grad[f] += g
			}
			gxhat[i] = g * gamma.data[f]
		}
		if x.requiresGrad {
			for f := 0; f < cols; f++ {
				normBackwardRow(xhat, gxhat, x.grad, rows, cols, f, stds[f])
			}
		}
	})
	return out, mean, variance
}

// ===========================================================================
// REDUCTIONS AND LOSSES
// ===========================================================================

// Sum reduces every element to a (1, 1) tensor.
func Sum(x *Tensor) *Tensor {
	out := NewTensor(1, 1)
	for _, v := range x.data {
		out.data[0] += v
	}
	return record(out, "sum", []*Tensor{x}, func(out *Tensor) {
		g := out.grad[0]
		for i := range x.grad {
			x.grad[i] += g
		}
	})
}

// Mean reduces every element to its arithmetic mean.
func Mean(x *Tensor) *Tensor {
	return Scale(Sum(x), 1/float64(len(x.data)))
}

// WeightedSum returns Σ w[i] * x[i] as a (1, 1) tensor.
func WeightedSum(x *Tensor, w []float64) *Tensor {
	if len(w) != len(x.data) {
		panic(fmt.Sprintf("tensor: %d weights for %d values", len(w), len(x.data)))
	}
	out := NewTensor(1, 1)
	for i, v := range x.data {
		out.data[0] += w[i] * v
	}
	return record(out, "weighted_sum", []*Tensor{x}, func(out *Tensor) {
		g := out.grad[0]
		for i := range x.grad {
			x.grad[i] += g * w[i]
		}
	})
}

// CrossEntropy computes mean softmax cross-entropy of logits (B, C)
// against integer targets in [0, C).
//
//	loss = -log(softmax(logits)[target]), averaged over batch
//	∂L/∂logits = (softmax(logits) - one_hot(targets)) / B
func CrossEntropy(logits *Tensor, targets []int) *Tensor {
	must2D("CrossEntropy", logits)
	batch, classes := logits.shape[0], logits.shape[1]
	if len(targets) != batch {
		panic(fmt.Sprintf("tensor: %d targets for batch of %d", len(targets), batch))
	}

	probs := make([]float64, len(logits.data))
	total := 0.0
	for b := 0; b < batch; b++ {
		s := b * classes
		row := logits.data[s : s+classes]
		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}
		sumExp := 0.0
		for c, v := range row {
			probs[s+c] = math.Exp(v - maxLogit)
			sumExp += probs[s+c]
		}
		for c := range row {
			probs[s+c] /= sumExp
		}
		t := targets[b]
		if t < 0 || t >= classes {
			panic(fmt.Sprintf("tensor: target %d out of range [0,%d)", t, classes))
		}
		total += maxLogit + math.Log(sumExp) - row[t]
	}

	out := NewTensor(1, 1)
	out.data[0] = total / float64(batch)

	return record(out, "cross_entropy", []*Tensor{logits}, func(out *Tensor) {
		g := out.grad[0] / float64(batch)
		for b := 0; b < batch; b++ {
			for c := 0; c < classes; c++ {
				i := b*classes + c
				d := probs[i]
				if c == targets[b] {
					d -= 1
				}
				logits.grad[i] += g * d
			}
		}
	})
}

// ===========================================================================
// ROW SELECTION AND SEGMENTS
// ===========================================================================

// ConcatRows stacks tensors with equal row width on top of each other.
func ConcatRows(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		panic("tensor: ConcatRows needs at least one tensor")
	}
	cols := ts[0].Cols()
	rows := 0
	for _, t := range ts {
		if t.Cols() != cols {
			panic(fmt.Sprintf("tensor: ConcatRows width %d, want %d", t.Cols(), cols))
		}
		rows += t.shape[0]
	}

	out := NewTensor(rows, cols)
	offset := 0
	for _, t := range ts {
		copy(out.data[offset:], t.data)
		offset += len(t.data)
	}

	return record(out, "concat_rows", ts, func(out *Tensor) {
		offset := 0
		for _, t := range ts {
			t.AccumulateGrad(out.grad[offset : offset+len(t.data)])
			offset += len(t.data)
		}
	})
}

// SliceRows returns rows [from, to) of x.
func SliceRows(x *Tensor, from, to int) *Tensor {
	rows, cols := x.shape[0], x.Cols()
	if from < 0 || to > rows || from >= to {
		panic(fmt.Sprintf("tensor: SliceRows [%d,%d) of %d rows", from, to, rows))
	}

	out := NewTensor(to-from, cols)
	copy(out.data, x.data[from*cols:to*cols])

	return record(out, "slice_rows", []*Tensor{x}, func(out *Tensor) {
		if x.requiresGrad {
			dst := x.grad[from*cols : to*cols]
			for i, g := range out.grad {
				dst[i] += g
			}
		}
	})
}

// GatherRows returns x[idx[0]], x[idx[1]], ... as a new tensor. Rows may
// repeat; their gradients add up.
func GatherRows(x *Tensor, idx []int) *Tensor {
	if len(idx) == 0 {
		panic("tensor: GatherRows with no indices")
	}
	rows, cols := x.shape[0], x.Cols()
	out := NewTensor(len(idx), cols)
	for o, i := range idx {
		if i < 0 || i >= rows {
			panic(fmt.Sprintf("tensor: GatherRows index %d out of [0,%d)", i, rows))
		}
		copy(out.data[o*cols:(o+1)*cols], x.data[i*cols:(i+1)*cols])
	}

	return record(out, "gather_rows", []*Tensor{x}, func(out *Tensor) {
		for o, i := range idx {
			src := out.grad[o*cols : (o+1)*cols]
			dst := x.grad[i*cols : (i+1)*cols]
			for f, g := range src {
				dst[f] += g
			}
		}
	})
}

// GatherElems picks single entries m[p[0], p[1]] into an (E, 1) column.
func GatherElems(m *Tensor, pairs [][2]int) *Tensor {
	must2D("GatherElems", m)
	cols := m.shape[1]
	out := NewTensor(len(pairs), 1)
	for e, p := range pairs {
		out.data[e] = m.data[p[0]*cols+p[1]]
	}

	return record(out, "gather_elems", []*Tensor{m}, func(out *Tensor) {
		for e, p := range pairs {
			m.grad[p[0]*cols+p[1]] += out.grad[e]
		}
	})
}

// SegmentSum adds row e of x into output row seg[e]; the output has n rows.
func SegmentSum(x *Tensor, seg []int, n int) *Tensor {
	rows, cols := x.shape[0], x.Cols()
	if len(seg) != rows {
		panic(fmt.Sprintf("tensor: %d segment ids for %d rows", len(seg), rows))
	}

	out := NewTensor(n, cols)
	for e, s := range seg {
		dst := out.data[s*cols : (s+1)*cols]
		for f, v := range x.data[e*cols : (e+1)*cols] {
			dst[f] += v
		}
	}

	return record(out, "segment_sum", []*Tensor{x}, func(out *Tensor) {
		for e, s := range seg {
			src := out.grad[s*cols : (s+1)*cols]
			dst := x.grad[e*cols : (e+1)*cols]
			for f, g := range src {
				dst[f] += g
			}
		}
	})
}

// SegmentSoftmax normalises each column of x over the rows that share a
// segment id: out[e,h] = exp(x[e,h]) / Σ_{e' : seg[e']=seg[e]} exp(x[e',h]).
func SegmentSoftmax(x *Tensor, seg []int, n int) *Tensor {
	must2D("SegmentSoftmax", x)
	rows, cols := x.shape[0], x.shape[1]
	if len(seg) != rows {
		panic(fmt.Sprintf("tensor: %d segment ids for %d rows", len(seg), rows))
	}

	maxes := make([]float64, n*cols)
	for i := range maxes {
		maxes[i] = math.Inf(-1)
	}
	for e, s := range seg {
		for h := 0; h < cols; h++ {
			if v := x.data[e*cols+h]; v > maxes[s*cols+h] {
				maxes[s*cols+h] = v
			}
		}
	}

	sums := make([]float64, n*cols)
	out := NewTensor(rows, cols)
	for e, s := range seg {
		for h := 0; h < cols; h++ {
			v := math.Exp(x.data[e*cols+h] - maxes[s*cols+h])
			out.data[e*cols+h] = v
			sums[s*cols+h] += v
		}
	}
	for e, s := range seg {
		for h := 0; h < cols; h++ {
			out.data[e*cols+h] /= sums[s*cols+h]
		}
	}

	return record(out, "segment_softmax", []*Tensor{x}, func(out *Tensor) {
		dots := make([]float64, n*cols)
		for e, s := range seg {
			for h := 0; h < cols; h++ {
				i := e*cols + h
				dots[s*cols+h] += out.grad[i] * out.data[i]
			}
		}
		for e, s := range seg {
			for h := 0; h < cols; h++ {
				i := e*cols + h
				x.grad[i] += out.data[i] * (out.grad[i] - dots[s*cols+h])
			}
		}
	})
}

// GroupMean averages the rows of x that share a group id in [0, k).
// Every group must be non-empty; callers validate that.
func GroupMean(x *Tensor, groups []int, k int) *Tensor {
	rows, cols := x.shape[0], x.Cols()
	if len(groups) != rows {
		panic(fmt.Sprintf("tensor: %d group ids for %d rows", len(groups), rows))
	}

	counts := make([]float64, k)
	out := NewTensor(k, cols)
	for r, g := range groups {
		counts[g]++
		dst := out.data[g*cols : (g+1)*cols]
		for f, v := range x.data[r*cols : (r+1)*cols] {
			dst[f] += v
		}
	}
	for g := 0; g < k; g++ {
		if counts[g] == 0 {
			panic(fmt.Sprintf("tensor: GroupMean group %d is empty", g))
		}
		for f := 0; f < cols; f++ {
			out.data[g*cols+f] /= counts[g]
		}
	}

	return record(out, "group_mean", []*Tensor{x}, func(out *Tensor) {
		for r, g := range groups {
			src := out.grad[g*cols : (g+1)*cols]
			dst := x.grad[r*cols : (r+1)*cols]
			for f, gv := range src {
				dst[f] += gv / counts[g]
			}
		}
	})
}

// ===========================================================================
// DISTANCES AND ATTENTION HELPERS
// ===========================================================================

// PairwiseSqDist returns D[i,j] = ‖a_i - b_j‖² for a (M, K) and b (N, K).
//
// Backward:
//   - ∂L/∂a_i = Σ_j 2 g_ij (a_i - b_j)
//   - ∂L/∂b_j = Σ_i 2 g_ij (b_j - a_i)
func PairwiseSqDist(a, b *Tensor) *Tensor {
	must2D("PairwiseSqDist", a, b)
	m, k, n := a.shape[0], a.shape[1], b.shape[0]
	if b.shape[1] != k {
		panic(fmt.Sprintf("tensor: PairwiseSqDist widths %d and %d", k, b.shape[1]))
	}

	out := NewTensor(m, n)
	parallelRows(m, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			ai := a.data[i*k : (i+1)*k]
			for j := 0; j < n; j++ {
				bj := b.data[j*k : (j+1)*k]
				d := 0.0
				for f := range ai {
					diff := ai[f] - bj[f]
					d += diff * diff
				}
				out.data[i*n+j] = d
			}
		}
	})

	return record(out, "pairwise_sqdist", []*Tensor{a, b}, func(out *Tensor) {
		if a.requiresGrad {
			parallelRows(m, func(lo, hi int) {
				for i := lo; i < hi; i++ {
					ai, gi := a.data[i*k:(i+1)*k], a.grad[i*k:(i+1)*k]
					for j := 0; j < n; j++ {
						g := 2 * out.grad[i*n+j]
						if g == 0 {
							continue
						}
						bj := b.data[j*k : (j+1)*k]
						for f := range ai {
							gi[f] += g * (ai[f] - bj[f])
						}
					}
				}
			})
		}
		if b.requiresGrad {
			parallelRows(n, func(lo, hi int) {
				for j := lo; j < hi; j++ {
					bj, gj := b.data[j*k:(j+1)*k], b.grad[j*k:(j+1)*k]
					for i := 0; i < m; i++ {
						g := 2 * out.grad[i*n+j]
						if g == 0 {
							continue
						}
						ai := a.data[i*k : (i+1)*k]
						for f := range bj {
							gj[f] += g * (bj[f] - ai[f])
						}
					}
				}
			})
		}
	})
}

// HeadDot computes a per-head dot product between x (N, H*Dh), viewed as H
// consecutive blocks of width Dh, and a (H, Dh). Result is (N, H).
func HeadDot(x, a *Tensor) *Tensor {
	must2D("HeadDot", x, a)
	n, heads, dh := x.shape[0], a.shape[0], a.shape[1]
	if x.shape[1] != heads*dh {
		panic(fmt.Sprintf("tensor: HeadDot width %d, want %d*%d", x.shape[1], heads, dh))
	}
	width := heads * dh

	out := NewTensor(n, heads)
	for r := 0; r < n; r++ {
		for h := 0; h < heads; h++ {
			s := 0.0
			for d := 0; d < dh; d++ {
				s += x.data[r*width+h*dh+d] * a.data[h*dh+d]
			}
			out.data[r*heads+h] = s
		}
	}

	return record(out, "head_dot", []*Tensor{x, a}, func(out *Tensor) {
		for r := 0; r < n; r++ {
			for h := 0; h < heads; h++ {
				g := out.grad[r*heads+h]
				for d := 0; d < dh; d++ {
					if x.requiresGrad {
						x.grad[r*width+h*dh+d] += g * a.data[h*dh+d]
					}
					if a.requiresGrad {
						a.grad[h*dh+d] += g * x.data[r*width+h*dh+d]
					}
				}
			}
		}
	})
}

// HeadScale multiplies each head block of x (E, H*Dh) by w (E, H).
func HeadScale(x, w *Tensor) *Tensor {
	must2D("HeadScale", x, w)
	e, heads := w.shape[0], w.shape[1]
	if x.shape[0] != e || x.shape[1]%heads != 0 {
		panic(fmt.Sprintf("tensor: HeadScale shapes %v and %v", x.shape, w.shape))
	}
	width := x.shape[1]
	dh := width / heads

	out := NewTensor(e, width)
	for r := 0; r < e; r++ {
		for h := 0; h < heads; h++ {
			s := w.data[r*heads+h]
			for d := 0; d < dh; d++ {
				out.data[r*width+h*dh+d] = x.data[r*width+h*dh+d] * s
			}
		}
	}

	return record(out, "head_scale", []*Tensor{x, w}, func(out *Tensor) {
		for r := 0; r < e; r++ {
			for h := 0; h < heads; h++ {
				s := w.data[r*heads+h]
				acc := 0.0
				for d := 0; d < dh; d++ {
					i := r*width + h*dh + d
					if x.requiresGrad {
						x.grad[i] += out.grad[i] * s
					}
					acc += out.grad[i] * x.data[i]
				}
				if w.requiresGrad {
					w.grad[r*heads+h] += acc
				}
			}
		}
	})
}

// ArgmaxRows returns the index of the largest value in each row.
// Ties resolve to the lowest index.
func ArgmaxRows(x *Tensor) []int {
	must2D("ArgmaxRows", x)
	rows, cols := x.shape[0], x.shape[1]
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		best := 0
		for c := 1; c < cols; c++ {
			if x.data[r*cols+c] > x.data[r*cols+best] {
				best = c
			}
		}
		out[r] = best
	}
	return out
}
