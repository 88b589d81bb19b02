package fedlearn

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/istl/internal/model"
	"github.com/3cpo-dev/istl/internal/telemetry"
)

// AsyncFedModel implements asynchronous online federated learning. Every
// call to Fit is one server iteration in which only the clients present in
// the client data contribute. Stragglers train with a larger learning rate
// derived from their mean staleness, and the server merges client deltas
// followed by a feature representation step on the first weight tensor.
type AsyncFedModel struct {
	*FedLearnModel
	shadows   []model.Model
	staleness *StalenessTracker
}

// NewAsyncFed builds the global model, nClients client models and one
// shadow copy per client holding its pre-update weights.
func NewAsyncFed(build model.Builder, nClients int) (*AsyncFedModel, error) {
	base, err := newFedLearnModel(build, nClients)
	if err != nil {
		return nil, err
	}
	a := &AsyncFedModel{FedLearnModel: base, shadows: make([]model.Model, nClients), staleness: NewStalenessTracker()}
	for c := range a.shadows {
		if a.shadows[c], err = buildChecked(build, base.global); err != nil {
			return nil, fmt.Errorf("shadow %d: %w", c, err)
		}
	}
	return a, nil
}

// Staleness exposes the staleness bookkeeping.
func (a *AsyncFedModel) Staleness() *StalenessTracker { return a.staleness }

// Clone returns an independent copy holding the current global weights and
// staleness history.
func (a *AsyncFedModel) Clone() (*AsyncFedModel, error) {
	base, err := a.clone()
	if err != nil {
		return nil, err
	}
	out := &AsyncFedModel{FedLearnModel: base, shadows: make([]model.Model, a.nClients), staleness: a.staleness.Clone()}
	for c := range out.shadows {
		if out.shadows[c], err = buildChecked(a.build, base.global); err != nil {
			return nil, err
		}
		if err := model.CopyWeights(a.shadows[c], out.shadows[c]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Fit runs one asynchronous server iteration over opts.Epochs rounds.
func (a *AsyncFedModel) Fit(ctx context.Context, opts FitOptions) (History, error) {
	active, err := a.clientIDs(opts.ClientData)
	if err != nil {
		return nil, err
	}
	stopper, err := validateFit(opts)
	if err != nil {
		return nil, err
	}

	samples := make([]int, len(active))
	for i, c := range active {
		samples[i] = sampleCount(opts.ClientData[c])
	}
	a.staleness.Advance(active)
	iter := a.staleness.Iteration()

	hist := History{}
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return hist, err
		}
		start := time.Now()

		for _, c := range active {
			if err := model.CopyWeights(a.global, a.clients[c]); err != nil {
				return hist, fmt.Errorf("copy global weights to client %d: %w", c, err)
			}
			if err := model.CopyWeights(a.global, a.shadows[c]); err != nil {
				return hist, fmt.Errorf("copy global weights to shadow %d: %w", c, err)
			}
		}

		halt := false
		for _, c := range active {
			data := opts.ClientData[c]
			if sampleCount(data) == 0 {
				continue
			}
			telemetry.HistogramGlobal("istl_client_samples", float64(data.Len()), map[string]string{"mode": "async"})

			rate := a.staleness.Multiplier(c)
			a.clients[c].SetLearningRate(a.baseLearningRate(c) * rate)
			telemetry.GaugeGlobal("istl_lr_multiplier", rate, map[string]string{"client": strconv.Itoa(c)})
			if rate > 1 {
				log.Debug().Int("client", c).Float64("rate", rate).Msg("straggler learning rate raised")
			}

			stop, err := a.trainClient(ctx, c, epoch, data, opts, hist, stopper)
			if err != nil {
				return hist, err
			}
			halt = halt || stop
		}

		post := make([]model.Model, len(active))
		pre := make([]model.Model, len(active))
		for i, c := range active {
			post[i], pre[i] = a.clients[c], a.shadows[c]
		}
		if err := AsyncUpdate(a.global, post, pre, samples, a.global); err != nil {
			return hist, fmt.Errorf("aggregate iteration %d epoch %d: %w", iter, epoch, err)
		}
		if err := GlobalFeatureRep(a.global, 0); err != nil {
			return hist, fmt.Errorf("feature representation: %w", err)
		}

		for _, c := range active {
			if err := model.CopyWeights(a.clients[c], a.shadows[c]); err != nil {
				return hist, fmt.Errorf("refresh shadow %d: %w", c, err)
			}
		}

		telemetry.TimerGlobal("istl_round_duration", time.Since(start), map[string]string{
			"mode":  "async",
			"epoch": strconv.Itoa(epoch),
		})
		log.Info().Int("iteration", iter).Int("epoch", epoch).Ints("clients", active).Msg("asynchronous update applied")

		if halt {
			break
		}
	}
	return hist, nil
}
