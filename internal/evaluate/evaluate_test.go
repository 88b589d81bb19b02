package evaluate

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/istl/internal/model"
)

type sliceDataset [][]float64

func (d sliceDataset) Len() int               { return len(d) }
func (d sliceDataset) Input(i int) []float64  { return d[i] }
func (d sliceDataset) Target(i int) []float64 { return d[i] }

// zeroModel reconstructs every sample as zeros, so the reconstruction error
// is the norm of the input.
type zeroModel struct{}

func (zeroModel) Compile(model.CompileOptions) error { return nil }
func (zeroModel) Fit(context.Context, model.Dataset, model.FitOptions) (model.History, error) {
	return model.History{}, nil
}
func (zeroModel) Evaluate(context.Context, model.Dataset, int) (map[string]float64, error) {
	return map[string]float64{}, nil
}
func (zeroModel) Predict(_ context.Context, d model.Dataset, _ int) ([][]float64, error) {
	out := make([][]float64, d.Len())
	for i := range out {
		out[i] = make([]float64, len(d.Input(i)))
	}
	return out, nil
}
func (zeroModel) Weights() model.Weights         { return nil }
func (zeroModel) SetWeights(model.Weights) error { return nil }
func (zeroModel) LearningRate() float64          { return 0 }
func (zeroModel) SetLearningRate(float64)        {}

// nanModel reconstructs samples as zeros, except samples starting with a
// negative value, which come back as NaN.
type nanModel struct{ zeroModel }

func (nanModel) Predict(_ context.Context, d model.Dataset, _ int) ([][]float64, error) {
	out := make([][]float64, d.Len())
	for i := range out {
		out[i] = make([]float64, len(d.Input(i)))
		if d.Input(i)[0] < 0 {
			out[i][0] = math.NaN()
		}
	}
	return out, nil
}

func TestDetect(t *testing.T) {
	scores := []float64{0.5, 0.6, 0.1, 0.7, 0.8, 0.9, 0.2, 0.95}
	assert.Equal(t, []bool{false, false, false, true, true, true, false, false}, Detect(scores, 0.4, 3))
	assert.Equal(t, []bool{true, true, false, true, true, true, false, false}, Detect(scores, 0.4, 2))
	assert.Equal(t, []bool{true, true, false, true, true, true, false, true}, Detect(scores, 0.4, 1))
	assert.Equal(t, []bool{false, false, false, false, false, true, false, true}, Detect(scores, 0.85, 0))
	assert.Equal(t, []bool{false, false, true}, Detect([]float64{0, 0, 1}, 0.5, 1), "a run may end at the last cuboid")
}

func TestConfusion(t *testing.T) {
	m := Confusion([]bool{true, true, false, false, true}, []int{1, 0, 0, 1, 1})
	assert.Equal(t, 2, m.TP)
	assert.Equal(t, 1, m.FP)
	assert.Equal(t, 1, m.TN)
	assert.Equal(t, 1, m.FN)
	assert.InDelta(t, 0.6, m.Accuracy, 1e-12)
	assert.InDelta(t, 2.0/3, m.Precision, 1e-12)
	assert.InDelta(t, 2.0/3, m.Recall, 1e-12)
	assert.InDelta(t, 0.5, m.Specificity, 1e-12)
	assert.InDelta(t, 0.5, m.FPR, 1e-12)
	assert.InDelta(t, 2.0/3, m.F1, 1e-12)

	none := Confusion([]bool{false, false}, []int{0, 0})
	assert.Zero(t, none.Precision)
	assert.Zero(t, none.Recall)
	assert.Zero(t, none.F1)
	assert.Equal(t, 1.0, none.Accuracy)
}

func TestAUC(t *testing.T) {
	assert.InDelta(t, 1, AUC([]float64{0.9, 0.1, 0.8, 0.2}, []int{1, 0, 1, 0}), 1e-12)
	assert.InDelta(t, 0, AUC([]float64{0.1, 0.9, 0.2, 0.8}, []int{1, 0, 1, 0}), 1e-12)
	assert.Zero(t, AUC([]float64{0.3, 0.4}, []int{1, 1}))

	auc := AUC([]float64{0.1, 0.4, 0.35, 0.8}, []int{0, 0, 1, 1})
	assert.InDelta(t, 0.75, auc, 1e-12)

	nan := math.NaN()
	assert.NotPanics(t, func() {
		auc = AUC([]float64{0.9, nan, 0.1, nan, 0.8, 0.2}, []int{1, 1, 0, 0, 1, 0})
	})
	assert.InDelta(t, 1, auc, 1e-12)
	assert.Zero(t, AUC([]float64{nan, nan}, []int{0, 1}))
}

func TestEvaluatorRejectsNonFiniteErrors(t *testing.T) {
	ctx := context.Background()
	_, err := New(nanModel{}, 0.5, 1).Fit(ctx, sliceDataset{{1}, {-1}})
	assert.ErrorIs(t, err, ErrNonFinite)
	assert.ErrorContains(t, err, "training sample 1")

	e := New(nanModel{}, 0.5, 1)
	_, err = e.Fit(ctx, sliceDataset{{0}, {1}})
	require.NoError(t, err)
	_, err = e.EvaluateRange(ctx, sliceDataset{{0.5}, {-1}}, []int{0, 1}, []float64{0.5}, []int{1})
	assert.ErrorIs(t, err, ErrNonFinite)
}

func TestEvaluatorFitAndScores(t *testing.T) {
	e := New(zeroModel{}, 0.5, 1)
	_, err := e.Scores(context.Background(), sliceDataset{{1}})
	assert.ErrorIs(t, err, ErrNotFitted)

	train := sliceDataset{{3, 4}, {0, 2}, {0, 4}}
	errs, err := e.Fit(context.Background(), train)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{5, 2, 4}, errs, 1e-12)

	scores, err := e.Scores(context.Background(), sliceDataset{{0, 2}, {6, 8}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 8.0 / 5}, scores, 1e-12)

	pred, err := e.Predict(context.Background(), sliceDataset{{0, 2}, {6, 8}})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true}, pred)

	_, err = New(zeroModel{}, 0.5, 1).Fit(context.Background(), sliceDataset{})
	var ve model.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestEvaluateRange(t *testing.T) {
	e := New(zeroModel{}, 0.1, 1)
	_, err := e.Fit(context.Background(), sliceDataset{{0}, {1}})
	require.NoError(t, err)

	test := sliceDataset{{0}, {0.1}, {0.9}, {1}, {0.2}}
	labels := []int{0, 0, 1, 1, 0}

	m, err := e.EvaluateRange(context.Background(), test, labels, []float64{0.5, 0.05}, []int{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, m.Combinations, 6)
	assert.Equal(t, 0.5, m.Combinations[0].AnomThreshold)
	assert.Equal(t, 3, m.Combinations[2].TempThreshold)
	assert.Equal(t, 0.05, m.Combinations[3].AnomThreshold)
	assert.InDelta(t, 1, m.AUC, 1e-12)

	best, ok := m.Best()
	require.True(t, ok)
	assert.InDelta(t, 1, best.F1, 1e-12)
	assert.Equal(t, 0.5, best.AnomThreshold)

	_, err = e.EvaluateRange(context.Background(), test, labels[:2], []float64{0.5}, []int{1})
	var ve model.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "labels", ve.Field)
}

func TestSummaryAndDefaults(t *testing.T) {
	s := Summary([]float64{1, 2, 3, 4})
	assert.InDelta(t, 2.5, s.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(1.25), s.Std, 1e-12)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.Zero(t, Summary(nil))

	anoms := DefaultAnomThresholds()
	require.Len(t, anoms, 99)
	assert.InDelta(t, 0.01, anoms[0], 1e-12)
	assert.InDelta(t, 0.99, anoms[98], 1e-12)
	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80}, DefaultTempThresholds())
}
