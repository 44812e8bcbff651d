package state

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/quarrel-varstate/internal/metrics"
	"github.com/23skdu/quarrel-varstate/internal/tensor"
)

func seq(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i)
	}
	return v
}

func mustBuffer(t *testing.T, dims []int, p tensor.Precision, order []int, values []float32) *tensor.Buffer {
	t.Helper()
	b, err := tensor.FromFloat32(tensor.MustDescriptor(dims, p, order), values)
	if err != nil {
		t.Fatalf("FromFloat32(%v): %v", dims, err)
	}
	return b
}

func mustState(t *testing.T, s VariableState) *tensor.Buffer {
	t.Helper()
	out, err := s.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return out
}

func TestToStatic(t *testing.T) {
	dyn := tensor.MustDescriptor([]int{tensor.UndefinedDim, 2, tensor.UndefinedDim, 4}, tensor.F32, nil)
	got := ToStatic(dyn)
	if diff := cmp.Diff([]int{0, 2, 0, 4}, got.Dims()); diff != "" {
		t.Errorf("dims mismatch (-want +got):\n%s", diff)
	}
	if got.Precision() != tensor.F32 {
		t.Errorf("precision changed to %v", got.Precision())
	}

	static := tensor.MustDescriptor([]int{3, 4}, tensor.F16, nil)
	if ToStatic(static) != static {
		t.Error("a defined descriptor should be returned as is")
	}
}

func TestSingleBufferRoundTrip(t *testing.T) {
	desc := tensor.MustDescriptor([]int{2, 3}, tensor.F32, nil)
	s, err := NewSingleBuffer("h", desc, desc)
	if err != nil {
		t.Fatalf("NewSingleBuffer: %v", err)
	}
	if !s.IsResetState() {
		t.Error("fresh state should report reset")
	}

	in := mustBuffer(t, []int{2, 3}, tensor.F32, nil, seq(6))
	if err := s.SetState(in); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if s.IsResetState() {
		t.Error("state should not be reset after SetState")
	}

	before := testutil.ToFloat64(metrics.Conversions.WithLabelValues("view"))
	out := mustState(t, s)
	if diff := cmp.Diff(seq(6), out.ToFloat32()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
	if &out.Bytes()[0] != &s.InternalStateMem().Bytes()[0] {
		t.Error("compatible descriptors should return a view over internal storage")
	}
	if got := testutil.ToFloat64(metrics.Conversions.WithLabelValues("view")); got != before+1 {
		t.Errorf("view conversions = %v, want %v", got, before+1)
	}
	if s.InputMem() != s.OutputMem() {
		t.Error("single buffer reads and writes the same buffer")
	}
}

func TestSingleBufferResizes(t *testing.T) {
	desc := tensor.MustDescriptor([]int{tensor.UndefinedDim, 3}, tensor.F32, nil)
	s, err := NewSingleBuffer("h", desc, desc)
	if err != nil {
		t.Fatalf("NewSingleBuffer: %v", err)
	}
	if diff := cmp.Diff([]int{0, 3}, s.InternalStateMem().Dims()); diff != "" {
		t.Errorf("placeholder dims (-want +got):\n%s", diff)
	}

	for _, rows := range []int{4, 2, 5} {
		values := seq(rows * 3)
		if err := s.SetState(mustBuffer(t, []int{rows, 3}, tensor.F32, nil, values)); err != nil {
			t.Fatalf("SetState rows=%d: %v", rows, err)
		}
		out := mustState(t, s)
		if diff := cmp.Diff([]int{rows, 3}, out.Dims()); diff != "" {
			t.Errorf("rows=%d dims (-want +got):\n%s", rows, diff)
		}
		if diff := cmp.Diff(values, out.ToFloat32()); diff != "" {
			t.Errorf("rows=%d values (-want +got):\n%s", rows, diff)
		}
	}
}

func TestResetZeroesAndIsIdempotent(t *testing.T) {
	tests := []struct {
		name     string
		internal []int
		wantDims []int
	}{
		{"static", []int{2, 3}, []int{2, 3}},
		{"dynamic", []int{tensor.UndefinedDim, 3}, []int{0, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := tensor.MustDescriptor(tt.internal, tensor.F32, nil)
			s, err := NewDoubleBuffer("h", desc, desc)
			if err != nil {
				t.Fatalf("NewDoubleBuffer: %v", err)
			}
			if err := s.SetState(mustBuffer(t, []int{2, 3}, tensor.F32, nil, []float32{1, 2, 3, 4, 5, 6})); err != nil {
				t.Fatalf("SetState: %v", err)
			}

			for i := 0; i < 2; i++ {
				s.Reset()
				if !s.IsResetState() {
					t.Fatalf("reset %d: IsResetState false", i)
				}
				out := mustState(t, s)
				if diff := cmp.Diff(tt.wantDims, out.Dims()); diff != "" {
					t.Errorf("reset %d dims (-want +got):\n%s", i, diff)
				}
				for j, v := range out.ToFloat32() {
					if v != 0 {
						t.Fatalf("reset %d: element %d = %v, want 0", i, j, v)
					}
				}
			}

			s.Commit()
			if s.IsResetState() {
				t.Error("Commit should clear the reset flag")
			}
		})
	}
}

func TestDoubleBufferSwap(t *testing.T) {
	desc := tensor.MustDescriptor([]int{2}, tensor.F32, nil)
	s, err := NewDoubleBuffer("h", desc, desc)
	if err != nil {
		t.Fatalf("NewDoubleBuffer: %v", err)
	}
	if s.InputMem() == s.OutputMem() {
		t.Fatal("double buffer must use two distinct buffers")
	}

	if err := s.SetState(mustBuffer(t, []int{2}, tensor.F32, nil, []float32{1, 2})); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	in, out := s.InputMem(), s.OutputMem()

	// the step reads InputMem and writes its result to OutputMem
	copy(out.Float32s(), []float32{5, 6})
	s.Commit()

	if s.InputMem() != out || s.OutputMem() != in {
		t.Error("Commit should swap input and output buffers")
	}
	if diff := cmp.Diff([]float32{5, 6}, mustState(t, s).ToFloat32()); diff != "" {
		t.Errorf("state after commit (-want +got):\n%s", diff)
	}

	s.Commit()
	if s.InputMem() != in {
		t.Error("second Commit should swap back")
	}
}

func TestDoubleBufferFromBuffers(t *testing.T) {
	if _, err := NewDoubleBufferFrom("h", nil, nil, nil); !errors.Is(err, ErrNilBuffer) {
		t.Fatalf("expected ErrNilBuffer, got %v", err)
	}

	desc := tensor.MustDescriptor([]int{3}, tensor.F32, nil)
	first := mustBuffer(t, []int{3}, tensor.F32, nil, []float32{7, 7, 7})
	second := mustBuffer(t, []int{3}, tensor.F32, nil, []float32{9, 9, 9})
	s, err := NewDoubleBufferFrom("h", first, second, desc)
	if err != nil {
		t.Fatalf("NewDoubleBufferFrom: %v", err)
	}
	if diff := cmp.Diff([]float32{0, 0, 0}, first.Float32s()); diff != "" {
		t.Errorf("prime buffer should start zeroed (-want +got):\n%s", diff)
	}
	if s.InternalStateMem() != first {
		t.Error("prime buffer should be the first one")
	}
}

func TestStateConvertsPrecision(t *testing.T) {
	external := tensor.MustDescriptor([]int{tensor.UndefinedDim, 4}, tensor.F16, nil)
	internal := tensor.MustDescriptor([]int{tensor.UndefinedDim, 4}, tensor.F32, nil)
	s, err := NewSingleBuffer("h", internal, external)
	if err != nil {
		t.Fatalf("NewSingleBuffer: %v", err)
	}

	values := []float32{0.5, -1.25, 3, 1024, 0.1, 2, -0.75, 8}
	if err := s.SetState(mustBuffer(t, []int{2, 4}, tensor.F16, nil, values)); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if s.InternalStateMem().Desc().Precision() != tensor.F32 {
		t.Fatal("internal buffer should stay f32")
	}

	before := testutil.ToFloat64(metrics.Conversions.WithLabelValues("convert"))
	out := mustState(t, s)
	if out.Desc().Precision() != tensor.F16 {
		t.Errorf("expected f16 output, got %v", out.Desc().Precision())
	}
	if diff := cmp.Diff(values, out.ToFloat32(), cmpopts.EquateApprox(1e-3, 0)); diff != "" {
		t.Errorf("converted state (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(metrics.Conversions.WithLabelValues("convert")); got != before+1 {
		t.Errorf("convert conversions = %v, want %v", got, before+1)
	}
}

func TestStateReorders(t *testing.T) {
	external := tensor.MustDescriptor([]int{2, 3}, tensor.F32, nil)
	internal := tensor.MustDescriptor([]int{2, 3}, tensor.F32, []int{1, 0})
	s, err := NewSingleBuffer("h", internal, external)
	if err != nil {
		t.Fatalf("NewSingleBuffer: %v", err)
	}
	if err := s.SetState(mustBuffer(t, []int{2, 3}, tensor.F32, nil, seq(6))); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	// column-major storage
	if diff := cmp.Diff([]float32{0, 3, 1, 4, 2, 5}, s.InternalStateMem().Float32s()); diff != "" {
		t.Errorf("physical layout (-want +got):\n%s", diff)
	}

	out := mustState(t, s)
	if diff := cmp.Diff([]int{0, 1}, out.Desc().Order()); diff != "" {
		t.Errorf("output order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(seq(6), out.Float32s()); diff != "" {
		t.Errorf("reordered state (-want +got):\n%s", diff)
	}
}

func TestSetStatePreconditions(t *testing.T) {
	desc := tensor.MustDescriptor([]int{2, 3}, tensor.F32, nil)
	s, err := NewSingleBuffer("h", desc, desc)
	if err != nil {
		t.Fatalf("NewSingleBuffer: %v", err)
	}
	if err := s.SetState(mustBuffer(t, []int{2, 3}, tensor.F32, nil, seq(6))); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	before := testutil.ToFloat64(metrics.StatePreconditionFailures.WithLabelValues("set_state"))
	tests := []struct {
		name string
		src  *tensor.Buffer
		want error
	}{
		{"nil", nil, ErrNilBuffer},
		{"rank", mustBuffer(t, []int{6}, tensor.F32, nil, seq(6)), ErrRank},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.SetState(tt.src)
			if !errors.Is(err, tt.want) || !errors.Is(err, ErrPrecondition) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if diff := cmp.Diff(seq(6), mustState(t, s).ToFloat32()); diff != "" {
		t.Errorf("failed calls must leave the state untouched (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(metrics.StatePreconditionFailures.WithLabelValues("set_state")); got != before+2 {
		t.Errorf("precondition failures = %v, want %v", got, before+2)
	}
}

func TestKindNames(t *testing.T) {
	for _, k := range []Kind{KindDoubleBuffer, KindSingleBuffer, KindKVCache} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("ring"); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
}
