// Package recon implements a dense reconstruction autoencoder that satisfies
// model.Model. It is the stand-in network trained and evaluated by the CLI.
package recon

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/3cpo-dev/istl/internal/model"
)

// Name is the architecture name under which the autoencoder is registered.
const Name = "autoencoder"

// Metric names reported by Fit and Evaluate.
const (
	MetricLoss = "loss"
	MetricRSSE = "root_sum_squared_error"
)

// Config describes the autoencoder shape.
type Config struct {
	InputDim int   `json:"input_dim" yaml:"input_dim"`
	Hidden   int   `json:"hidden" yaml:"hidden"`
	Seed     int64 `json:"seed" yaml:"seed"`
}

// Autoencoder maps an input of InputDim values through a tanh bottleneck of
// Hidden units back to InputDim linear outputs.
type Autoencoder struct {
	cfg Config

	w1 *mat.Dense // InputDim x Hidden
	b1 []float64
	w2 *mat.Dense // Hidden x InputDim
	b2 []float64

	compiled   bool
	opts       model.CompileOptions
	lr         float64
	iterations int
}

// New builds an autoencoder with Glorot-uniform weights and zero biases.
func New(cfg Config) (*Autoencoder, error) {
	if cfg.InputDim <= 0 {
		return nil, model.ValidationError{Field: "input_dim", Value: fmt.Sprint(cfg.InputDim), Message: "must be greater than 0"}
	}
	if cfg.Hidden <= 0 {
		return nil, model.ValidationError{Field: "hidden", Value: fmt.Sprint(cfg.Hidden), Message: "must be greater than 0"}
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	a := &Autoencoder{
		cfg: cfg,
		w1:  glorot(rng, cfg.InputDim, cfg.Hidden),
		b1:  make([]float64, cfg.Hidden),
		w2:  glorot(rng, cfg.Hidden, cfg.InputDim),
		b2:  make([]float64, cfg.InputDim),
	}
	return a, nil
}

// NewBuilder returns a model.Builder producing autoencoders of the given shape.
func NewBuilder(cfg Config) model.Builder {
	return func() (model.Model, error) {
		return New(cfg)
	}
}

// Register adds the autoencoder builder to reg.
func Register(reg *model.Registry, cfg Config) {
	reg.Register(Name, NewBuilder(cfg))
}

func glorot(rng *rand.Rand, fanIn, fanOut int) *mat.Dense {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	data := make([]float64, fanIn*fanOut)
	for i := range data {
		data[i] = (2*rng.Float64() - 1) * limit
	}
	return mat.NewDense(fanIn, fanOut, data)
}

// Config returns the shape the autoencoder was built with.
func (a *Autoencoder) Config() Config { return a.cfg }

func (a *Autoencoder) Compile(opts model.CompileOptions) error {
	if opts.LearningRate <= 0 {
		return model.ValidationError{Field: "learning_rate", Value: fmt.Sprint(opts.LearningRate), Message: "must be greater than 0"}
	}
	if opts.Decay < 0 {
		return model.ValidationError{Field: "decay", Value: fmt.Sprint(opts.Decay), Message: "must not be negative"}
	}
	if opts.Loss != "" && opts.Loss != "mse" {
		return model.ValidationError{Field: "loss", Value: opts.Loss, Message: "only mse is supported"}
	}
	a.opts = opts
	a.lr = opts.LearningRate
	a.iterations = 0
	a.compiled = true
	return nil
}

func (a *Autoencoder) LearningRate() float64 { return a.lr }

func (a *Autoencoder) SetLearningRate(lr float64) { a.lr = lr }

// Weights returns copies of [W1, b1, W2, b2].
func (a *Autoencoder) Weights() model.Weights {
	return model.Weights{
		{Shape: []int{a.cfg.InputDim, a.cfg.Hidden}, Data: append([]float64(nil), a.w1.RawMatrix().Data...)},
		{Shape: []int{a.cfg.Hidden}, Data: append([]float64(nil), a.b1...)},
		{Shape: []int{a.cfg.Hidden, a.cfg.InputDim}, Data: append([]float64(nil), a.w2.RawMatrix().Data...)},
		{Shape: []int{a.cfg.InputDim}, Data: append([]float64(nil), a.b2...)},
	}
}

func (a *Autoencoder) SetWeights(w model.Weights) error {
	if err := a.Weights().Compatible(w); err != nil {
		return err
	}
	copy(a.w1.RawMatrix().Data, w[0].Data)
	copy(a.b1, w[1].Data)
	copy(a.w2.RawMatrix().Data, w[2].Data)
	copy(a.b2, w[3].Data)
	return nil
}

// forward returns the hidden activations and the reconstruction of x.
func (a *Autoencoder) forward(x *mat.Dense) (hidden, out *mat.Dense) {
	rows, _ := x.Dims()
	hidden = mat.NewDense(rows, a.cfg.Hidden, nil)
	hidden.Mul(x, a.w1)
	hidden.Apply(func(_, j int, v float64) float64 { return math.Tanh(v + a.b1[j]) }, hidden)

	out = mat.NewDense(rows, a.cfg.InputDim, nil)
	out.Mul(hidden, a.w2)
	out.Apply(func(_, j int, v float64) float64 { return v + a.b2[j] }, out)
	return hidden, out
}

// batch copies the samples at idx into input and target matrices.
func (a *Autoencoder) batch(data model.Dataset, idx []int) (x, t *mat.Dense, err error) {
	x = mat.NewDense(len(idx), a.cfg.InputDim, nil)
	t = mat.NewDense(len(idx), a.cfg.InputDim, nil)
	for r, i := range idx {
		in, tg := data.Input(i), data.Target(i)
		if len(in) != a.cfg.InputDim || len(tg) != a.cfg.InputDim {
			return nil, nil, model.ValidationError{
				Field:   "sample",
				Value:   fmt.Sprint(i),
				Message: fmt.Sprintf("expected %d values, got input %d target %d", a.cfg.InputDim, len(in), len(tg)),
			}
		}
		x.SetRow(r, in)
		t.SetRow(r, tg)
	}
	return x, t, nil
}

// errorStats returns the summed squared error and the summed per-sample
// root of squared errors of a batch.
func errorStats(out, target *mat.Dense) (sse, rsse float64) {
	rows, cols := out.Dims()
	for r := 0; r < rows; r++ {
		var s float64
		for c := 0; c < cols; c++ {
			d := out.At(r, c) - target.At(r, c)
			s += d * d
		}
		sse += s
		rsse += math.Sqrt(s)
	}
	return sse, rsse
}

func (a *Autoencoder) step(x, t *mat.Dense) (sse, rsse float64) {
	rows, _ := x.Dims()
	hidden, out := a.forward(x)
	sse, rsse = errorStats(out, t)

	// dLoss/dOut for the batch mean squared error.
	scale := 2 / float64(rows*a.cfg.InputDim)
	dOut := mat.NewDense(rows, a.cfg.InputDim, nil)
	dOut.Sub(out, t)
	dOut.Scale(scale, dOut)

	dW2 := mat.NewDense(a.cfg.Hidden, a.cfg.InputDim, nil)
	dW2.Mul(hidden.T(), dOut)
	db2 := colSums(dOut)

	dHidden := mat.NewDense(rows, a.cfg.Hidden, nil)
	dHidden.Mul(dOut, a.w2.T())
	dHidden.Apply(func(i, j int, v float64) float64 {
		h := hidden.At(i, j)
		return v * (1 - h*h)
	}, dHidden)

	dW1 := mat.NewDense(a.cfg.InputDim, a.cfg.Hidden, nil)
	dW1.Mul(x.T(), dHidden)
	db1 := colSums(dHidden)

	lr := a.lr / (1 + a.opts.Decay*float64(a.iterations))
	a.w1.Apply(func(i, j int, v float64) float64 { return v - lr*dW1.At(i, j) }, a.w1)
	a.w2.Apply(func(i, j int, v float64) float64 { return v - lr*dW2.At(i, j) }, a.w2)
	for j := range a.b1 {
		a.b1[j] -= lr * db1[j]
	}
	for j := range a.b2 {
		a.b2[j] -= lr * db2[j]
	}
	a.iterations++
	return sse, rsse
}

func colSums(m *mat.Dense) []float64 {
	rows, cols := m.Dims()
	out := make([]float64, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c] += m.At(r, c)
		}
	}
	return out
}

func batches(n, size int) [][]int {
	if size <= 0 {
		size = 32
	}
	var out [][]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		out = append(out, idx)
	}
	return out
}

// Fit trains with mini-batch gradient descent and returns per-epoch loss and
// root-sum-squared-error.
func (a *Autoencoder) Fit(ctx context.Context, data model.Dataset, opts model.FitOptions) (model.History, error) {
	if !a.compiled {
		return nil, model.ErrNotCompiled
	}
	if data == nil || data.Len() == 0 {
		return nil, model.ValidationError{Field: "data", Value: "0", Message: "no training samples"}
	}
	epochs := opts.Epochs
	if epochs <= 0 {
		epochs = 1
	}
	hist := model.History{MetricLoss: make([]float64, 0, epochs), MetricRSSE: make([]float64, 0, epochs)}
	n := data.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	for e := 0; e < epochs; e++ {
		if opts.Shuffle {
			rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		var sse, rsse float64
		for _, b := range batches(n, opts.BatchSize) {
			if err := ctx.Err(); err != nil {
				return hist, err
			}
			idx := make([]int, len(b))
			for i, k := range b {
				idx[i] = order[k]
			}
			x, t, err := a.batch(data, idx)
			if err != nil {
				return hist, err
			}
			s, r := a.step(x, t)
			sse += s
			rsse += r
		}
		hist[MetricLoss] = append(hist[MetricLoss], sse/float64(n*a.cfg.InputDim))
		hist[MetricRSSE] = append(hist[MetricRSSE], rsse/float64(n))
	}
	return hist, nil
}

func (a *Autoencoder) Evaluate(ctx context.Context, data model.Dataset, batchSize int) (map[string]float64, error) {
	if !a.compiled {
		return nil, model.ErrNotCompiled
	}
	if data == nil || data.Len() == 0 {
		return nil, model.ValidationError{Field: "data", Value: "0", Message: "no evaluation samples"}
	}
	var sse, rsse float64
	for _, idx := range batches(data.Len(), batchSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, t, err := a.batch(data, idx)
		if err != nil {
			return nil, err
		}
		_, out := a.forward(x)
		s, r := errorStats(out, t)
		sse += s
		rsse += r
	}
	n := data.Len()
	return map[string]float64{
		MetricLoss: sse / float64(n*a.cfg.InputDim),
		MetricRSSE: rsse / float64(n),
	}, nil
}

// Predict returns the reconstruction of every sample.
func (a *Autoencoder) Predict(ctx context.Context, data model.Dataset, batchSize int) ([][]float64, error) {
	if data == nil {
		return nil, model.ValidationError{Field: "data", Value: "nil", Message: "no samples"}
	}
	preds := make([][]float64, 0, data.Len())
	for _, idx := range batches(data.Len(), batchSize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, _, err := a.batch(data, idx)
		if err != nil {
			return nil, err
		}
		_, out := a.forward(x)
		for r := range idx {
			preds = append(preds, mat.Row(nil, r, out))
		}
	}
	return preds, nil
}
