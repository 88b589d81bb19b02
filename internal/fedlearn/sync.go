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

// SyncFedAvgModel trains every client once per round and merges them into
// the global model with FedAvg.
type SyncFedAvgModel struct {
	*FedLearnModel
}

// NewSyncFedAvg builds the global model and nClients client models.
func NewSyncFedAvg(build model.Builder, nClients int) (*SyncFedAvgModel, error) {
	base, err := newFedLearnModel(build, nClients)
	if err != nil {
		return nil, err
	}
	return &SyncFedAvgModel{FedLearnModel: base}, nil
}

// Clone returns an independent copy holding the current global weights.
func (s *SyncFedAvgModel) Clone() (*SyncFedAvgModel, error) {
	base, err := s.clone()
	if err != nil {
		return nil, err
	}
	return &SyncFedAvgModel{FedLearnModel: base}, nil
}

// Fit runs up to opts.Epochs rounds of: copy global weights to the clients,
// train each client holding samples for one local epoch, check early stopping,
// aggregate with FedAvg. A client reaching its patience halts training after
// the current round is aggregated.
func (s *SyncFedAvgModel) Fit(ctx context.Context, opts FitOptions) (History, error) {
	if _, err := s.clientIDs(opts.ClientData); err != nil {
		return nil, err
	}
	stopper, err := validateFit(opts)
	if err != nil {
		return nil, err
	}

	samples := make([]int, s.nClients)
	for c := range samples {
		samples[c] = sampleCount(opts.ClientData[c])
	}

	hist := History{}
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return hist, err
		}
		start := time.Now()
		log.Debug().Int("epoch", epoch).Msg("federated round started")

		for c, m := range s.clients {
			if err := model.CopyWeights(s.global, m); err != nil {
				return hist, fmt.Errorf("copy global weights to client %d: %w", c, err)
			}
		}

		halt := false
		for c := range s.clients {
			data := opts.ClientData[c]
			if sampleCount(data) == 0 {
				continue
			}
			telemetry.HistogramGlobal("istl_client_samples", float64(data.Len()), map[string]string{"mode": "sync"})
			stop, err := s.trainClient(ctx, c, epoch, data, opts, hist, stopper)
			if err != nil {
				return hist, err
			}
			halt = halt || stop
		}

		if err := FedAvg(s.clients, samples, s.global); err != nil {
			return hist, fmt.Errorf("aggregate round %d: %w", epoch, err)
		}

		telemetry.TimerGlobal("istl_round_duration", time.Since(start), map[string]string{
			"mode":  "sync",
			"epoch": strconv.Itoa(epoch),
		})
		log.Info().Int("epoch", epoch).Dur("elapsed", time.Since(start)).Msg("federated round aggregated")

		if halt {
			break
		}
	}
	return hist, nil
}
