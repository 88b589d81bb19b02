package fedlearn

import (
	"fmt"

	"github.com/3cpo-dev/istl/internal/model"
)

// EarlyStopConfig controls when federated training halts. Training stops as
// soon as any client has gone Patience consecutive epochs with the monitored
// metric changing by no more than Delta.
type EarlyStopConfig struct {
	Monitor  string  `json:"monitor" yaml:"monitor"`
	Patience int     `json:"patience" yaml:"patience"`
	Delta    float64 `json:"delta" yaml:"delta"`
}

// DefaultEarlyStop monitors the training loss with patience 5 and delta 1e-7.
func DefaultEarlyStop() EarlyStopConfig {
	return EarlyStopConfig{Monitor: "loss", Patience: 5, Delta: 1e-7}
}

// Validate checks patience and delta. An empty Monitor means "loss".
func (c EarlyStopConfig) Validate() error {
	if c.Patience <= 0 {
		return model.ValidationError{Field: "patience", Value: fmt.Sprint(c.Patience), Message: "must be an integer greater than 0"}
	}
	if c.Delta < 0 {
		return model.ValidationError{Field: "delta", Value: fmt.Sprint(c.Delta), Message: "must not be negative"}
	}
	return nil
}

func (c EarlyStopConfig) monitor() string {
	if c.Monitor == "" {
		return "loss"
	}
	return c.Monitor
}

// EarlyStopper keeps one stall counter per client.
type EarlyStopper struct {
	cfg      EarlyStopConfig
	counters map[int]int
	last     map[int]float64
}

// NewEarlyStopper validates cfg and returns a stopper with zeroed counters.
func NewEarlyStopper(cfg EarlyStopConfig) (*EarlyStopper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Monitor = cfg.monitor()
	return &EarlyStopper{cfg: cfg, counters: map[int]int{}, last: map[int]float64{}}, nil
}

// Config returns the effective configuration.
func (e *EarlyStopper) Config() EarlyStopConfig { return e.cfg }

// Observe records the monitored value of a client's latest epoch and reports
// whether that client has now reached the patience threshold. The first
// observation of a client only sets the reference value.
func (e *EarlyStopper) Observe(client int, value float64) bool {
	prev, seen := e.last[client]
	e.last[client] = value
	if !seen {
		return false
	}
	d := value - prev
	if d < 0 {
		d = -d
	}
	if d <= e.cfg.Delta {
		e.counters[client]++
	} else {
		e.counters[client] = 0
	}
	return e.counters[client] >= e.cfg.Patience
}

// Counter returns the current stall counter of a client.
func (e *EarlyStopper) Counter(client int) int { return e.counters[client] }

// Reset clears every counter and reference value.
func (e *EarlyStopper) Reset() {
	e.counters = map[int]int{}
	e.last = map[int]float64{}
}
