package fedlearn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/3cpo-dev/istl/internal/model"
)

// NormalizedWeights returns the per-client aggregation coefficients
// n_c / sum(n). The coefficients sum to 1.
func NormalizedWeights(samples []int) ([]float64, error) {
	if len(samples) == 0 {
		return nil, model.ValidationError{Field: "samples", Value: "[]", Message: "at least one client is required"}
	}
	total := 0
	for i, n := range samples {
		if n < 0 {
			return nil, model.ValidationError{
				Field:   "samples",
				Value:   fmt.Sprint(n),
				Message: fmt.Sprintf("sample count of client %d must not be negative", i),
			}
		}
		total += n
	}
	if total == 0 {
		return nil, model.ValidationError{Field: "samples", Value: "0", Message: "total sample count must be greater than 0"}
	}
	coef := make([]float64, len(samples))
	for i, n := range samples {
		coef[i] = float64(n) / float64(total)
	}
	return coef, nil
}

func checkModels(field string, models []model.Model) error {
	for i, m := range models {
		if m == nil {
			return model.ValidationError{Field: field, Value: fmt.Sprint(i), Message: "model is nil"}
		}
	}
	return nil
}

// FedAvg writes the sample-weighted average of the client weights into
// output. Every client model must be shape compatible with output.
func FedAvg(models []model.Model, samples []int, output model.Model) error {
	if len(models) != len(samples) {
		return model.ValidationError{
			Field:   "samples",
			Value:   fmt.Sprint(len(samples)),
			Message: fmt.Sprintf("expected one sample count per model (%d)", len(models)),
		}
	}
	if output == nil {
		return model.ValidationError{Field: "output", Value: "nil", Message: "output model is required"}
	}
	if err := checkModels("models", models); err != nil {
		return err
	}
	coef, err := NormalizedWeights(samples)
	if err != nil {
		return err
	}

	acc := output.Weights().ZerosLike()
	for c, m := range models {
		w := m.Weights()
		if err := acc.Compatible(w); err != nil {
			return fmt.Errorf("client %d: %w", c, err)
		}
		acc.AddScaled(w, coef[c])
	}
	return output.SetWeights(acc)
}

// AsyncUpdate applies the sample-weighted client deltas (post - pre) on top
// of the global weights and writes the result into output. global and output
// may be the same model.
func AsyncUpdate(global model.Model, post, pre []model.Model, samples []int, output model.Model) error {
	if global == nil {
		return model.ValidationError{Field: "global", Value: "nil", Message: "global model is required"}
	}
	if output == nil {
		return model.ValidationError{Field: "output", Value: "nil", Message: "output model is required"}
	}
	if len(post) != len(pre) {
		return model.ValidationError{
			Field:   "pre",
			Value:   fmt.Sprint(len(pre)),
			Message: fmt.Sprintf("expected one pre-update model per client (%d)", len(post)),
		}
	}
	if len(post) != len(samples) {
		return model.ValidationError{
			Field:   "samples",
			Value:   fmt.Sprint(len(samples)),
			Message: fmt.Sprintf("expected one sample count per model (%d)", len(post)),
		}
	}
	if err := checkModels("post", post); err != nil {
		return err
	}
	if err := checkModels("pre", pre); err != nil {
		return err
	}
	coef, err := NormalizedWeights(samples)
	if err != nil {
		return err
	}

	acc := global.Weights()
	for c := range post {
		after, before := post[c].Weights(), pre[c].Weights()
		if err := acc.Compatible(after); err != nil {
			return fmt.Errorf("client %d: %w", c, err)
		}
		if err := acc.Compatible(before); err != nil {
			return fmt.Errorf("client %d pre-update: %w", c, err)
		}
		acc.AddScaled(after.Sub(before), coef[c])
	}
	return output.SetWeights(acc)
}

// GlobalFeatureRep re-weights the input rows of a 2-D weight tensor by a
// softmax over their L2 norms, scaled so that the mean row factor is 1.
// Rows that carry more signal are amplified and weak rows are damped.
func GlobalFeatureRep(m model.Model, tensor int) error {
	if m == nil {
		return model.ValidationError{Field: "model", Value: "nil", Message: "model is required"}
	}
	w := m.Weights()
	if tensor < 0 || tensor >= len(w) {
		return model.ValidationError{Field: "tensor", Value: fmt.Sprint(tensor), Message: fmt.Sprintf("model has %d weight tensors", len(w))}
	}
	t := w[tensor]
	if len(t.Shape) != 2 {
		return model.ValidationError{Field: "tensor", Value: fmt.Sprint(t.Shape), Message: "feature representation needs a 2-D weight tensor"}
	}
	rows, cols := t.Shape[0], t.Shape[1]
	if rows == 0 || cols == 0 {
		return nil
	}

	norms := make([]float64, rows)
	for i := 0; i < rows; i++ {
		norms[i] = floats.Norm(t.Data[i*cols:(i+1)*cols], 2)
	}
	top := floats.Max(norms)
	att := make([]float64, rows)
	for i, n := range norms {
		att[i] = math.Exp(n - top)
	}
	floats.Scale(float64(rows)/floats.Sum(att), att)

	for i := 0; i < rows; i++ {
		floats.Scale(att[i], t.Data[i*cols:(i+1)*cols])
	}
	return m.SetWeights(w)
}
