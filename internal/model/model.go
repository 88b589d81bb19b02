package model

import "context"

// Dataset is an indexable set of training or evaluation samples.
type Dataset interface {
	Len() int
	Input(i int) []float64
	Target(i int) []float64
}

// History maps a metric name to its per-epoch values.
type History map[string][]float64

// CompileOptions configures the optimizer and metrics of a model.
type CompileOptions struct {
	LearningRate float64  `json:"learning_rate" yaml:"learning_rate"`
	Decay        float64  `json:"decay" yaml:"decay"`
	Loss         string   `json:"loss" yaml:"loss"`
	Metrics      []string `json:"metrics" yaml:"metrics"`
}

// FitOptions configures a single call to Model.Fit.
type FitOptions struct {
	Epochs    int
	BatchSize int
	Shuffle   bool
	Seed      int64
}

// Model is the capability set every trainable model exposes to the trainers.
type Model interface {
	Compile(opts CompileOptions) error
	Fit(ctx context.Context, data Dataset, opts FitOptions) (History, error)
	Evaluate(ctx context.Context, data Dataset, batchSize int) (map[string]float64, error)
	Predict(ctx context.Context, data Dataset, batchSize int) ([][]float64, error)
	Weights() Weights
	SetWeights(w Weights) error
	LearningRate() float64
	SetLearningRate(lr float64)
}

// Builder constructs a fresh, uncompiled model of a fixed architecture.
type Builder func() (Model, error)

// CopyWeights overwrites the weights of dst with those of src.
func CopyWeights(src, dst Model) error {
	return dst.SetWeights(src.Weights())
}
