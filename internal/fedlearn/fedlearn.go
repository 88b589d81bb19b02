// Package fedlearn simulates horizontal client-server federated learning on
// a single process. A global model holds the consensus weights; one client
// model per client id trains locally and is merged back by an aggregation
// routine. Clients are trained sequentially.
package fedlearn

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/istl/internal/model"
	"github.com/3cpo-dev/istl/internal/telemetry"
)

// ErrNoClientData is returned by Fit when no client holds training samples.
var ErrNoClientData = errors.New("no client holds training data")

// History maps a client id to its per-epoch metrics. Each metric slice has
// one slot per requested epoch; epochs not reached stay zero.
type History map[int]model.History

// FitOptions configures a federated training run.
type FitOptions struct {
	// Epochs is the number of federated rounds.
	Epochs int
	// ClientData holds the local training set of each client. Nil or empty
	// entries are skipped during local training and weigh zero in
	// aggregation.
	ClientData map[int]model.Dataset
	BatchSize  int
	Shuffle    bool
	Seed       int64
	// EarlyStop defaults to DefaultEarlyStop when nil.
	EarlyStop *EarlyStopConfig
}

func (o FitOptions) earlyStop() EarlyStopConfig {
	if o.EarlyStop == nil {
		return DefaultEarlyStop()
	}
	return *o.EarlyStop
}

// FedLearnModel holds the global model and the client models shared by the
// synchronous and asynchronous trainers.
type FedLearnModel struct {
	build    model.Builder
	nClients int
	global   model.Model
	clients  []model.Model
	compile  *model.CompileOptions
}

func newFedLearnModel(build model.Builder, nClients int) (*FedLearnModel, error) {
	if nClients <= 0 {
		return nil, model.ValidationError{Field: "n_clients", Value: fmt.Sprint(nClients), Message: "must be an integer greater than 0"}
	}
	if build == nil {
		return nil, model.ValidationError{Field: "build", Value: "nil", Message: "a model builder is required"}
	}
	global, err := buildChecked(build, nil)
	if err != nil {
		return nil, err
	}
	f := &FedLearnModel{build: build, nClients: nClients, global: global, clients: make([]model.Model, nClients)}
	for c := range f.clients {
		if f.clients[c], err = buildChecked(build, global); err != nil {
			return nil, fmt.Errorf("client %d: %w", c, err)
		}
	}
	return f, nil
}

// buildChecked builds a model and, when ref is set, checks that its weights
// are shape compatible with ref.
func buildChecked(build model.Builder, ref model.Model) (model.Model, error) {
	m, err := build()
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	if m == nil {
		return nil, model.ValidationError{Field: "build", Value: "nil", Message: "builder must return a valid model"}
	}
	if ref != nil {
		if err := ref.Weights().Compatible(m.Weights()); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// GlobalModel returns the consensus model.
func (f *FedLearnModel) GlobalModel() model.Model { return f.global }

// NumClients returns the number of simulated clients.
func (f *FedLearnModel) NumClients() int { return f.nClients }

// ClientModel returns the local model of a client.
func (f *FedLearnModel) ClientModel(c int) (model.Model, error) {
	if c < 0 || c >= f.nClients {
		return nil, model.ValidationError{Field: "client", Value: fmt.Sprint(c), Message: fmt.Sprintf("client ids range over 0..%d", f.nClients-1)}
	}
	return f.clients[c], nil
}

// Compile compiles the global model and every client model with opts.
func (f *FedLearnModel) Compile(opts model.CompileOptions) error {
	if err := f.global.Compile(opts); err != nil {
		return fmt.Errorf("compile global model: %w", err)
	}
	for c, m := range f.clients {
		if err := m.Compile(opts); err != nil {
			return fmt.Errorf("compile client %d: %w", c, err)
		}
	}
	saved := opts
	saved.Metrics = append([]string(nil), opts.Metrics...)
	f.compile = &saved
	return nil
}

// Evaluate evaluates the global model.
func (f *FedLearnModel) Evaluate(ctx context.Context, data model.Dataset, batchSize int) (map[string]float64, error) {
	return f.global.Evaluate(ctx, data, batchSize)
}

// Predict predicts with the global model.
func (f *FedLearnModel) Predict(ctx context.Context, data model.Dataset, batchSize int) ([][]float64, error) {
	return f.global.Predict(ctx, data, batchSize)
}

// clone rebuilds every model, copies the current global weights into all of
// them and recompiles when the source was compiled.
func (f *FedLearnModel) clone() (*FedLearnModel, error) {
	out, err := newFedLearnModel(f.build, f.nClients)
	if err != nil {
		return nil, err
	}
	if err := model.CopyWeights(f.global, out.global); err != nil {
		return nil, err
	}
	for _, m := range out.clients {
		if err := model.CopyWeights(f.global, m); err != nil {
			return nil, err
		}
	}
	if f.compile != nil {
		if err := out.Compile(*f.compile); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// baseLearningRate is the rate a client trains at before any staleness
// adjustment.
func (f *FedLearnModel) baseLearningRate(c int) float64 {
	if f.compile != nil {
		return f.compile.LearningRate
	}
	return f.clients[c].LearningRate()
}

// clientIDs validates the keys of data and returns them sorted.
func (f *FedLearnModel) clientIDs(data map[int]model.Dataset) ([]int, error) {
	ids := make([]int, 0, len(data))
	for c := range data {
		if c < 0 || c >= f.nClients {
			return nil, model.ValidationError{Field: "client_data", Value: fmt.Sprint(c), Message: fmt.Sprintf("client ids range over 0..%d", f.nClients-1)}
		}
		ids = append(ids, c)
	}
	sort.Ints(ids)
	return ids, nil
}

func sampleCount(d model.Dataset) int {
	if d == nil {
		return 0
	}
	return d.Len()
}

func validateFit(opts FitOptions) (*EarlyStopper, error) {
	if opts.Epochs <= 0 {
		return nil, model.ValidationError{Field: "epochs", Value: fmt.Sprint(opts.Epochs), Message: "must be greater than 0"}
	}
	total := 0
	for _, d := range opts.ClientData {
		total += sampleCount(d)
	}
	if total == 0 {
		return nil, ErrNoClientData
	}
	return NewEarlyStopper(opts.earlyStop())
}

// trainClient runs one local epoch for client c, stores its metrics at slot
// epoch of hist and reports whether the client reached its patience.
func (f *FedLearnModel) trainClient(ctx context.Context, c, epoch int, data model.Dataset, opts FitOptions, hist History, stopper *EarlyStopper) (bool, error) {
	h, err := f.clients[c].Fit(ctx, data, model.FitOptions{
		Epochs:    1,
		BatchSize: opts.BatchSize,
		Shuffle:   opts.Shuffle,
		Seed:      opts.Seed + int64(epoch)*int64(f.nClients) + int64(c),
	})
	if err != nil {
		return false, fmt.Errorf("client %d epoch %d: %w", c, epoch, err)
	}

	if _, ok := hist[c]; !ok {
		hist[c] = model.History{}
		for name := range h {
			hist[c][name] = make([]float64, opts.Epochs)
		}
	}
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if _, ok := hist[c][name]; !ok {
			hist[c][name] = make([]float64, opts.Epochs)
		}
		hist[c][name][epoch] = values[0]
	}

	monitor := stopper.Config().Monitor
	series, ok := hist[c][monitor]
	if !ok {
		return false, model.ValidationError{Field: "monitor", Value: monitor, Message: fmt.Sprintf("client %d did not report this metric", c)}
	}
	if loss, ok := hist[c]["loss"]; ok {
		telemetry.GaugeGlobal("istl_client_loss", loss[epoch], map[string]string{"client": strconv.Itoa(c)})
	}
	log.Debug().Int("client", c).Int("epoch", epoch).Float64(monitor, series[epoch]).Msg("local epoch finished")

	if stopper.Observe(c, series[epoch]) {
		log.Info().
			Int("client", c).
			Int("patience", stopper.Config().Patience).
			Msg("client stopped improving, training will be stopped")
		return true, nil
	}
	return false, nil
}
