package convert

import (
	"fmt"
	"math"

	"github.com/kilnhq/kiln/internal/graph"
)

// Default returns a registry populated with the standard converter set:
// elementwise binary ops, unary activations, matmul, transpose, and
// reductions.
func Default() *Registry {
	r := NewRegistry()

	r.Register("add", elementwiseBinary(func(a, b float64) float64 { return a + b }))
	r.Register("sub", elementwiseBinary(func(a, b float64) float64 { return a - b }))
	r.Register("mul", elementwiseBinary(func(a, b float64) float64 { return a * b }))
	r.Register("div", elementwiseBinary(func(a, b float64) float64 { return a / b }))

	r.Register("neg", elementwiseUnary(func(x float64) float64 { return -x }))
	r.Register("exp", elementwiseUnary(math.Exp))
	r.Register("sqrt", elementwiseUnary(math.Sqrt))
	r.Register("relu", elementwiseUnary(func(x float64) float64 { return math.Max(x, 0) }))
	r.Register("sigmoid", elementwiseUnary(func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }))
	r.Register("tanh", elementwiseUnary(math.Tanh))
	r.Register("gelu", elementwiseUnary(func(x float64) float64 {
		return 0.5 * x * (1 + math.Erf(x/math.Sqrt2))
	}))

	r.Register("matmul", convertMatmul)
	r.Register("transpose", convertTranspose)
	r.Register("sum", convertSum)

	return r
}

// elementwiseUnary builds a converter applying fn to every element.
func elementwiseUnary(fn func(float64) float64) Converter {
	return func(_ *graph.Node) (EvalFunc, error) {
		return func(inputs []*graph.Tensor) (*graph.Tensor, error) {
			if len(inputs) != 1 {
				return nil, fmt.Errorf("unary op wants 1 input, got %d", len(inputs))
			}
			in := inputs[0]
			out := graph.NewTensor(in.Shape...)
			for i, v := range in.Data {
				out.Data[i] = fn(v)
			}
			return out, nil
		}, nil
	}
}

// elementwiseBinary builds a converter applying fn pairwise. Operands must
// share a shape, or one side must be a scalar, which is broadcast.
func elementwiseBinary(fn func(a, b float64) float64) Converter {
	return func(_ *graph.Node) (EvalFunc, error) {
		return func(inputs []*graph.Tensor) (*graph.Tensor, error) {
			if len(inputs) != 2 {
				return nil, fmt.Errorf("binary op wants 2 inputs, got %d", len(inputs))
			}
			a, b := inputs[0], inputs[1]
			switch {
			case graph.SameShape(a.Shape, b.Shape):
				out := graph.NewTensor(a.Shape...)
				for i := range a.Data {
					out.Data[i] = fn(a.Data[i], b.Data[i])
				}
				return out, nil
			case len(b.Data) == 1:
				out := graph.NewTensor(a.Shape...)
				for i := range a.Data {
					out.Data[i] = fn(a.Data[i], b.Data[0])
				}
				return out, nil
			case len(a.Data) == 1:
				out := graph.NewTensor(b.Shape...)
				for i := range b.Data {
					out.Data[i] = fn(a.Data[0], b.Data[i])
				}
				return out, nil
			default:
				return nil, fmt.Errorf("%w: %v vs %v", graph.ErrShapeMismatch, a.Shape, b.Shape)
			}
		}, nil
	}
}

// convertMatmul handles 2-D matrix multiplication: [m,k] x [k,n] -> [m,n].
func convertMatmul(_ *graph.Node) (EvalFunc, error) {
	return func(inputs []*graph.Tensor) (*graph.Tensor, error) {
		if len(inputs) != 2 {
			return nil, fmt.Errorf("matmul wants 2 inputs, got %d", len(inputs))
		}
		a, b := inputs[0], inputs[1]
		if len(a.Shape) != 2 || len(b.Shape) != 2 {
			return nil, fmt.Errorf("%w: matmul requires rank-2 operands, got %v x %v", graph.ErrShapeMismatch, a.Shape, b.Shape)
		}
		m, k := a.Shape[0], a.Shape[1]
		k2, n := b.Shape[0], b.Shape[1]
		if k != k2 {
			return nil, fmt.Errorf("%w: inner dimensions %d vs %d", graph.ErrShapeMismatch, k, k2)
		}
		out := graph.NewTensor(m, n)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				var acc float64
				for p := 0; p < k; p++ {
					acc += a.Data[i*k+p] * b.Data[p*n+j]
				}
				out.Data[i*n+j] = acc
			}
		}
		return out, nil
	}, nil
}

// convertTranspose handles 2-D transpose.
func convertTranspose(_ *graph.Node) (EvalFunc, error) {
	return func(inputs []*graph.Tensor) (*graph.Tensor, error) {
		if len(inputs) != 1 {
			return nil, fmt.Errorf("transpose wants 1 input, got %d", len(inputs))
		}
		in := inputs[0]
		if len(in.Shape) != 2 {
			return nil, fmt.Errorf("%w: transpose requires rank 2, got %v", graph.ErrShapeMismatch, in.Shape)
		}
		m, n := in.Shape[0], in.Shape[1]
		out := graph.NewTensor(n, m)
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				out.Data[j*m+i] = in.Data[i*n+j]
			}
		}
		return out, nil
	}, nil
}

// convertSum reduces a tensor to a single-element tensor.
func convertSum(_ *graph.Node) (EvalFunc, error) {
	return func(inputs []*graph.Tensor) (*graph.Tensor, error) {
		if len(inputs) != 1 {
			return nil, fmt.Errorf("sum wants 1 input, got %d", len(inputs))
		}
		out := graph.NewTensor(1)
		for _, v := range inputs[0].Data {
			out.Data[0] += v
		}
		return out, nil
	}, nil
}
