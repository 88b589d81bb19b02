package fedlearn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/3cpo-dev/istl/internal/model"
)

func TestFedAvgWeightedMean(t *testing.T) {
	models := []model.Model{newFake(1), newFake(2), newFake(4)}
	out := newFake(0)

	if err := FedAvg(models, []int{1, 1, 2}, out); err != nil {
		t.Fatalf("FedAvg: %v", err)
	}
	if !constant(out, 2.75, 1e-12) {
		t.Fatalf("expected every weight to be 2.75, got %+v", out.Weights())
	}
	// inputs are untouched
	if !constant(models[2], 4, 0) {
		t.Fatalf("client weights were modified")
	}
}

func TestFedAvgRandomCombinations(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(6)
		models := make([]model.Model, n)
		samples := make([]int, n)
		values := make([]float64, n)
		total := 0
		for i := range models {
			values[i] = rng.NormFloat64()
			models[i] = newFake(values[i])
			samples[i] = rng.Intn(100)
			total += samples[i]
		}
		if total == 0 {
			samples[0] = 1
			total = 1
		}
		var want float64
		for i := range values {
			want += values[i] * float64(samples[i]) / float64(total)
		}
		out := newFake(0)
		if err := FedAvg(models, samples, out); err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if !constant(out, want, 1e-9) {
			t.Fatalf("trial %d: expected %v got %+v", trial, want, out.Weights())
		}
	}
}

func TestFedAvgValidation(t *testing.T) {
	odd := &fakeModel{w: model.Weights{model.NewTensor(3)}}

	cases := []struct {
		name    string
		models  []model.Model
		samples []int
		out     model.Model
		field   string
	}{
		{"length mismatch", []model.Model{newFake(1), newFake(2)}, []int{1}, newFake(0), "samples"},
		{"negative count", []model.Model{newFake(1), newFake(2)}, []int{1, -1}, newFake(0), "samples"},
		{"zero total", []model.Model{newFake(1)}, []int{0}, newFake(0), "samples"},
		{"empty", nil, nil, newFake(0), "samples"},
		{"nil output", []model.Model{newFake(1)}, []int{1}, nil, "output"},
		{"nil model", []model.Model{nil}, []int{1}, newFake(0), "models"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := FedAvg(tc.models, tc.samples, tc.out)
			var ve model.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, ve.Field)
			}
		})
	}

	if err := FedAvg([]model.Model{odd}, []int{1}, newFake(0)); !errors.Is(err, model.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestNormalizedWeightsSumToOne(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 100; trial++ {
		samples := make([]int, 1+rng.Intn(10))
		for i := range samples {
			samples[i] = rng.Intn(1000)
		}
		samples[0]++
		coef, err := NormalizedWeights(samples)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		var sum float64
		for _, c := range coef {
			sum += c
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Fatalf("trial %d: coefficients sum to %v", trial, sum)
		}
	}
}

func TestAsyncUpdate(t *testing.T) {
	global := newFake(1)
	pre := []model.Model{newFake(1), newFake(1)}
	post := []model.Model{newFake(3), newFake(5)}

	if err := AsyncUpdate(global, post, pre, []int{1, 3}, global); err != nil {
		t.Fatalf("AsyncUpdate: %v", err)
	}
	// 1 + 0.25*2 + 0.75*4
	if !constant(global, 4.5, 1e-12) {
		t.Fatalf("unexpected global weights %+v", global.Weights())
	}

	err := AsyncUpdate(global, post, pre[:1], []int{1, 3}, global)
	var ve model.ValidationError
	if !errors.As(err, &ve) || ve.Field != "pre" {
		t.Fatalf("expected pre length validation error, got %v", err)
	}
	if err := AsyncUpdate(nil, post, pre, []int{1, 3}, global); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for nil global, got %v", err)
	}
}

func TestGlobalFeatureRep(t *testing.T) {
	m := newFake(2)
	before := m.Weights()
	if err := GlobalFeatureRep(m, 0); err != nil {
		t.Fatalf("GlobalFeatureRep: %v", err)
	}
	if diff := cmp.Diff(before, m.Weights(), cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Fatalf("equal rows must be unchanged (-want +got):\n%s", diff)
	}

	w := m.Weights()
	w[0].Data = []float64{3, 4, 0, 0} // row norms 5 and 0
	if err := m.SetWeights(w); err != nil {
		t.Fatal(err)
	}
	if err := GlobalFeatureRep(m, 0); err != nil {
		t.Fatalf("GlobalFeatureRep: %v", err)
	}
	got := m.Weights()[0].Data
	if got[0] <= 3 || got[1] <= 4 {
		t.Fatalf("strong row should be amplified, got %v", got)
	}
	if got[2] != 0 || got[3] != 0 {
		t.Fatalf("zero row should stay zero, got %v", got)
	}
	// bias tensor untouched
	if m.Weights()[1].Data[0] != 2 {
		t.Fatalf("other tensors must not change")
	}

	var ve model.ValidationError
	if err := GlobalFeatureRep(m, 1); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for 1-D tensor, got %v", err)
	}
	if err := GlobalFeatureRep(m, 5); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for missing tensor, got %v", err)
	}
}

func BenchmarkFedAvg(b *testing.B) {
	models := make([]model.Model, 10)
	samples := make([]int, 10)
	for i := range models {
		t := model.NewTensor(256, 64)
		for j := range t.Data {
			t.Data[j] = float64(i)
		}
		models[i] = &fakeModel{w: model.Weights{t}}
		samples[i] = i + 1
	}
	out := &fakeModel{w: model.Weights{model.NewTensor(256, 64)}}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := FedAvg(models, samples, out); err != nil {
			b.Fatal(err)
		}
	}
}
