package fedlearn

import (
	"context"

	"github.com/3cpo-dev/istl/internal/model"
)

// fakeData is a dataset whose only effect on a fakeModel is to shift every
// weight by shift per Fit call and to report scripted losses.
type fakeData struct {
	n      int
	shift  float64
	losses []float64
}

func (d fakeData) Len() int               { return d.n }
func (d fakeData) Input(i int) []float64  { return []float64{float64(i)} }
func (d fakeData) Target(i int) []float64 { return []float64{float64(i)} }

// fakeModel is a deterministic stand-in for a trainable model.
type fakeModel struct {
	w        model.Weights
	lr       float64
	compiled bool
	calls    int
	lrSeen   []float64
}

func newFake(value float64) *fakeModel {
	t := model.NewTensor(2, 2)
	for i := range t.Data {
		t.Data[i] = value
	}
	return &fakeModel{w: model.Weights{t, {Shape: []int{2}, Data: []float64{value, value}}}, lr: 0.01}
}

func fakeBuilder(value float64) model.Builder {
	return func() (model.Model, error) { return newFake(value), nil }
}

func (m *fakeModel) Compile(opts model.CompileOptions) error {
	m.compiled = true
	m.lr = opts.LearningRate
	return nil
}

func (m *fakeModel) Fit(_ context.Context, data model.Dataset, _ model.FitOptions) (model.History, error) {
	if !m.compiled {
		return nil, model.ErrNotCompiled
	}
	d := data.(fakeData)
	m.lrSeen = append(m.lrSeen, m.lr)
	m.w.AddScaled(onesLike(m.w), d.shift)
	loss := 1.0
	if len(d.losses) > 0 {
		i := m.calls
		if i >= len(d.losses) {
			i = len(d.losses) - 1
		}
		loss = d.losses[i]
	}
	m.calls++
	return model.History{"loss": {loss}, "root_sum_squared_error": {loss * 2}}, nil
}

func (m *fakeModel) Evaluate(context.Context, model.Dataset, int) (map[string]float64, error) {
	return map[string]float64{"loss": m.w[0].Data[0]}, nil
}

func (m *fakeModel) Predict(_ context.Context, data model.Dataset, _ int) ([][]float64, error) {
	out := make([][]float64, data.Len())
	for i := range out {
		out[i] = []float64{m.w[0].Data[0]}
	}
	return out, nil
}

func (m *fakeModel) Weights() model.Weights { return m.w.Clone() }

func (m *fakeModel) SetWeights(w model.Weights) error {
	if err := m.w.Compatible(w); err != nil {
		return err
	}
	m.w = w.Clone()
	return nil
}

func (m *fakeModel) LearningRate() float64 { return m.lr }

func (m *fakeModel) SetLearningRate(lr float64) { m.lr = lr }

func onesLike(w model.Weights) model.Weights {
	out := w.ZerosLike()
	for _, t := range out {
		for i := range t.Data {
			t.Data[i] = 1
		}
	}
	return out
}

// constant reports whether every weight of m equals v within tol.
func constant(m model.Model, v, tol float64) bool {
	for _, t := range m.Weights() {
		for _, x := range t.Data {
			if x < v-tol || x > v+tol {
				return false
			}
		}
	}
	return true
}
