// Package evaluate scores cuboids by reconstruction error and measures the
// detection quality of anomaly and temporal thresholds against labels.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/3cpo-dev/istl/internal/model"
	"github.com/3cpo-dev/istl/pkg/api"
)

var (
	// ErrNotFitted is returned when scores are requested before Fit.
	ErrNotFitted = errors.New("evaluator is not fitted")
	// ErrNonFinite is returned when a reconstruction error is NaN or
	// infinite, which happens once training has diverged.
	ErrNonFinite = errors.New("non-finite reconstruction error")
)

// Evaluator detects anomalous cuboids from the reconstruction error of a
// model. A cuboid is anomalous when its normalized score exceeds AnomThresh
// for at least TempThresh consecutive cuboids.
type Evaluator struct {
	Model      model.Model
	AnomThresh float64
	TempThresh int
	BatchSize  int

	min, max float64
	fitted   bool
}

func New(m model.Model, anomThresh float64, tempThresh int) *Evaluator {
	return &Evaluator{Model: m, AnomThresh: anomThresh, TempThresh: tempThresh, BatchSize: 32}
}

// DefaultAnomThresholds returns 0.01, 0.02, ..., 0.99.
func DefaultAnomThresholds() []float64 {
	out := make([]float64, 0, 99)
	for i := 1; i < 100; i++ {
		out = append(out, float64(i)/100)
	}
	return out
}

// DefaultTempThresholds returns 10, 20, ..., 80.
func DefaultTempThresholds() []int {
	out := make([]int, 0, 8)
	for t := 10; t < 90; t += 10 {
		out = append(out, t)
	}
	return out
}

// ReconstructionErrors returns sqrt(sum((x - x')^2)) for every sample.
func (e *Evaluator) ReconstructionErrors(ctx context.Context, data model.Dataset) ([]float64, error) {
	if e.Model == nil {
		return nil, model.ValidationError{Field: "model", Value: "nil", Message: "model is required"}
	}
	pred, err := e.Model.Predict(ctx, data, e.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}
	out := make([]float64, len(pred))
	for i, p := range pred {
		x := data.Input(i)
		if len(x) != len(p) {
			return nil, fmt.Errorf("sample %d: %w: prediction has %d values, input %d", i, model.ErrShapeMismatch, len(p), len(x))
		}
		out[i] = floats.Distance(x, p, 2)
	}
	return out, nil
}

// Fit computes the reconstruction errors of the training data and keeps
// their range for score normalization. The errors are returned.
func (e *Evaluator) Fit(ctx context.Context, train model.Dataset) ([]float64, error) {
	errs, err := e.ReconstructionErrors(ctx, train)
	if err != nil {
		return nil, err
	}
	if len(errs) == 0 {
		return nil, model.ValidationError{Field: "train", Value: "0", Message: "training data is empty"}
	}
	if i := nonFinite(errs); i >= 0 {
		return nil, fmt.Errorf("training sample %d: %w", i, ErrNonFinite)
	}
	e.min, e.max = floats.Min(errs), floats.Max(errs)
	e.fitted = true
	log.Debug().Float64("min", e.min).Float64("max", e.max).Int("samples", len(errs)).Msg("evaluator fitted")
	return errs, nil
}

// Scores returns the reconstruction errors of data normalized as
// (e - min) / max with the training range.
func (e *Evaluator) Scores(ctx context.Context, data model.Dataset) ([]float64, error) {
	if !e.fitted {
		return nil, ErrNotFitted
	}
	errs, err := e.ReconstructionErrors(ctx, data)
	if err != nil {
		return nil, err
	}
	scale := e.max
	if scale == 0 {
		scale = 1
	}
	for i := range errs {
		errs[i] = (errs[i] - e.min) / scale
	}
	return errs, nil
}

// Predict flags the anomalous cuboids of data with the evaluator thresholds.
func (e *Evaluator) Predict(ctx context.Context, data model.Dataset) ([]bool, error) {
	scores, err := e.Scores(ctx, data)
	if err != nil {
		return nil, err
	}
	return Detect(scores, e.AnomThresh, e.TempThresh), nil
}

// Detect marks every cuboid belonging to a run of at least temp consecutive
// scores above anom.
func Detect(scores []float64, anom float64, temp int) []bool {
	out := make([]bool, len(scores))
	start := -1
	flush := func(end int) {
		if start >= 0 && end-start >= temp {
			for i := start; i < end; i++ {
				out[i] = true
			}
		}
		start = -1
	}
	for i, s := range scores {
		if s > anom {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(scores))
	return out
}

// Confusion compares predictions with 0/1 labels.
func Confusion(pred []bool, labels []int) api.ThresholdMeasures {
	var m api.ThresholdMeasures
	for i, p := range pred {
		switch {
		case p && labels[i] == 1:
			m.TP++
		case p:
			m.FP++
		case labels[i] == 1:
			m.FN++
		default:
			m.TN++
		}
	}
	m.Accuracy = ratio(m.TP+m.TN, len(pred))
	m.Precision = ratio(m.TP, m.TP+m.FP)
	m.Recall = ratio(m.TP, m.TP+m.FN)
	m.Specificity = ratio(m.TN, m.TN+m.FP)
	m.FPR = ratio(m.FP, m.FP+m.TN)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// nonFinite returns the index of the first NaN or infinite value, or -1.
func nonFinite(values []float64) int {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

// AUC is the area under the ROC curve of scores against labels. NaN scores
// are left out. It is 0 when the remaining labels hold a single class.
func AUC(scores []float64, labels []int) float64 {
	y := make([]float64, 0, len(scores))
	lab := make([]int, 0, len(scores))
	for i, s := range scores {
		if math.IsNaN(s) {
			continue
		}
		y = append(y, s)
		lab = append(lab, labels[i])
	}
	idx := make([]int, len(y))
	floats.Argsort(y, idx)
	classes := make([]bool, len(y))
	pos := 0
	for i, j := range idx {
		classes[i] = lab[j] == 1
		if classes[i] {
			pos++
		}
	}
	if pos == 0 || pos == len(y) {
		return 0
	}
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	auc := integrate.Trapezoidal(fpr, tpr)
	if math.IsNaN(auc) {
		return 0
	}
	return auc
}

// EvaluateRange scores data once and measures every combination of the
// given anomaly and temporal thresholds, anomaly thresholds varying slowest.
func (e *Evaluator) EvaluateRange(ctx context.Context, data model.Dataset, labels []int, anoms []float64, temps []int) (api.Measures, error) {
	scores, err := e.Scores(ctx, data)
	if err != nil {
		return api.Measures{}, err
	}
	if len(labels) != len(scores) {
		return api.Measures{}, model.ValidationError{
			Field:   "labels",
			Value:   fmt.Sprint(len(labels)),
			Message: fmt.Sprintf("expected one label per test cuboid (%d)", len(scores)),
		}
	}
	if i := nonFinite(scores); i >= 0 {
		return api.Measures{}, fmt.Errorf("test sample %d: %w", i, ErrNonFinite)
	}

	out := api.Measures{AUC: AUC(scores, labels), Combinations: make([]api.ThresholdMeasures, 0, len(anoms)*len(temps))}
	for _, a := range anoms {
		for _, t := range temps {
			m := Confusion(Detect(scores, a, t), labels)
			m.AnomThreshold, m.TempThreshold = a, t
			out.Combinations = append(out.Combinations, m)
		}
	}
	if best, ok := out.Best(); ok {
		log.Info().
			Float64("auc", out.AUC).
			Float64("anom", best.AnomThreshold).
			Int("temp", best.TempThreshold).
			Float64("f1", best.F1).
			Msg("threshold grid evaluated")
	}
	return out, nil
}

// Summary describes a set of reconstruction errors. The standard deviation
// is the population one.
func Summary(errs []float64) api.ErrorSummary {
	if len(errs) == 0 {
		return api.ErrorSummary{}
	}
	mean, std := stat.PopMeanStdDev(errs, nil)
	return api.ErrorSummary{Mean: mean, Std: std, Min: floats.Min(errs), Max: floats.Max(errs)}
}
