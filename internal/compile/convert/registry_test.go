package convert

import (
	"errors"
	"math"
	"testing"

	"github.com/kilnhq/kiln/internal/graph"
)

func TestLookupUnsupported(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Lookup("conv2d"); !errors.Is(err, ErrUnsupportedOp) {
		t.Fatalf("err = %v, want ErrUnsupportedOp", err)
	}
}

func TestDefaultSupports(t *testing.T) {
	r := Default()
	for _, op := range []string{"add", "mul", "relu", "gelu", "matmul", "transpose", "sum"} {
		if !r.Supports(op) {
			t.Errorf("Supports(%q) = false, want true", op)
		}
	}
	if r.Supports("conv2d") {
		t.Error("Supports(conv2d) = true, want false")
	}
}

func TestValidateReportsMissingOps(t *testing.T) {
	r := Default()
	g := &graph.Graph{
		Nodes: []*graph.Node{
			{Name: "x", Op: graph.OpPlaceholder, Shape: []int{2}},
			{Name: "c", Op: "conv2d", Inputs: []string{"x"}},
			{Name: "r", Op: "relu", Inputs: []string{"c"}},
			{Name: "p", Op: "pool", Inputs: []string{"r"}},
		},
		Outputs: []string{"p"},
	}

	missing := r.Validate(g)
	if len(missing) != 2 || missing[0] != "conv2d" || missing[1] != "pool" {
		t.Errorf("missing = %v, want [conv2d pool]", missing)
	}
}

func TestValidateFullySupported(t *testing.T) {
	r := Default()
	g := &graph.Graph{
		Nodes: []*graph.Node{
			{Name: "x", Op: graph.OpPlaceholder, Shape: []int{2}},
			{Name: "r", Op: "relu", Inputs: []string{"x"}},
		},
		Outputs: []string{"r"},
	}
	if missing := r.Validate(g); len(missing) != 0 {
		t.Errorf("missing = %v, want none", missing)
	}
}

func TestEvalElementwise(t *testing.T) {
	r := Default()

	out, err := r.Eval("add",
		[]*graph.Tensor{
			{Shape: []int{2}, Data: []float64{1, 2}},
			{Shape: []int{2}, Data: []float64{10, 20}},
		}, nil)
	if err != nil {
		t.Fatalf("Eval add: %v", err)
	}
	if out.Data[0] != 11 || out.Data[1] != 22 {
		t.Errorf("add = %v, want [11 22]", out.Data)
	}

	out, err = r.Eval("relu", []*graph.Tensor{{Shape: []int{3}, Data: []float64{-1, 0, 2}}}, nil)
	if err != nil {
		t.Fatalf("Eval relu: %v", err)
	}
	if out.Data[0] != 0 || out.Data[2] != 2 {
		t.Errorf("relu = %v, want [0 0 2]", out.Data)
	}
}

func TestEvalScalarBroadcast(t *testing.T) {
	r := Default()
	out, err := r.Eval("mul",
		[]*graph.Tensor{
			{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}},
			{Shape: []int{1}, Data: []float64{10}},
		}, nil)
	if err != nil {
		t.Fatalf("Eval mul: %v", err)
	}
	want := []float64{10, 20, 30, 40}
	for i, v := range out.Data {
		if v != want[i] {
			t.Errorf("mul[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestEvalShapeMismatch(t *testing.T) {
	r := Default()
	_, err := r.Eval("add",
		[]*graph.Tensor{
			{Shape: []int{2}, Data: []float64{1, 2}},
			{Shape: []int{3}, Data: []float64{1, 2, 3}},
		}, nil)
	if !errors.Is(err, graph.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestEvalMatmul(t *testing.T) {
	r := Default()
	out, err := r.Eval("matmul",
		[]*graph.Tensor{
			{Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}},
			{Shape: []int{3, 2}, Data: []float64{7, 8, 9, 10, 11, 12}},
		}, nil)
	if err != nil {
		t.Fatalf("Eval matmul: %v", err)
	}
	if !graph.SameShape(out.Shape, []int{2, 2}) {
		t.Fatalf("shape = %v, want [2 2]", out.Shape)
	}
	want := []float64{58, 64, 139, 154}
	for i, v := range out.Data {
		if v != want[i] {
			t.Errorf("matmul[%d] = %v, want %v", i, v, want[i])
		}
	}
}

func TestEvalMatmulInnerMismatch(t *testing.T) {
	r := Default()
	_, err := r.Eval("matmul",
		[]*graph.Tensor{
			{Shape: []int{2, 3}, Data: make([]float64, 6)},
			{Shape: []int{2, 2}, Data: make([]float64, 4)},
		}, nil)
	if !errors.Is(err, graph.ErrShapeMismatch) {
		t.Fatalf("err = %v, want ErrShapeMismatch", err)
	}
}

func TestEvalTranspose(t *testing.T) {
	r := Default()
	out, err := r.Eval("transpose",
		[]*graph.Tensor{{Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}}}, nil)
	if err != nil {
		t.Fatalf("Eval transpose: %v", err)
	}
	if !graph.SameShape(out.Shape, []int{3, 2}) {
		t.Fatalf("shape = %v, want [3 2]", out.Shape)
	}
	if out.Data[0] != 1 || out.Data[1] != 4 || out.Data[5] != 6 {
		t.Errorf("transpose = %v", out.Data)
	}
}

func TestEvalSum(t *testing.T) {
	r := Default()
	out, err := r.Eval("sum",
		[]*graph.Tensor{{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}}}, nil)
	if err != nil {
		t.Fatalf("Eval sum: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0] != 10 {
		t.Errorf("sum = %v, want [10]", out.Data)
	}
}

func TestEvalGelu(t *testing.T) {
	r := Default()
	out, err := r.Eval("gelu", []*graph.Tensor{{Shape: []int{1}, Data: []float64{0}}}, nil)
	if err != nil {
		t.Fatalf("Eval gelu: %v", err)
	}
	if math.Abs(out.Data[0]) > 1e-12 {
		t.Errorf("gelu(0) = %v, want 0", out.Data[0])
	}
}

func TestOpsSorted(t *testing.T) {
	ops := Default().Ops()
	for i := 1; i < len(ops); i++ {
		if ops[i-1] >= ops[i] {
			t.Fatalf("ops not sorted: %v", ops)
		}
	}
}
