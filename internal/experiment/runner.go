package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/istl/internal/core"
	"github.com/3cpo-dev/istl/internal/dataset"
	"github.com/3cpo-dev/istl/internal/evaluate"
	"github.com/3cpo-dev/istl/internal/fedlearn"
	"github.com/3cpo-dev/istl/internal/model"
	"github.com/3cpo-dev/istl/internal/recon"
	"github.com/3cpo-dev/istl/internal/telemetry"
	"github.com/3cpo-dev/istl/pkg/api"
)

// FailurePrefix starts the failure string of an experiment that could not
// complete.
const FailurePrefix = "Failed to execute the experiment: "

// Saver is implemented by models that can be written to a file.
type Saver interface {
	Save(path string) error
}

// Runner executes every parameter set of an experiment document.
type Runner struct {
	Config  core.Config
	DocPath string
	Doc     *api.ExperimentDocument
	// Registry resolves Config.Model.Architecture. When nil, a registry
	// holding the reference autoencoder is built for every experiment.
	Registry  *model.Registry
	Store     *core.Store
	SaveModel bool

	Train  *dataset.CuboidSet
	Test   *dataset.CuboidSet
	Labels []int
}

func NewRunner(cfg core.Config, docPath string, doc *api.ExperimentDocument) *Runner {
	return &Runner{Config: cfg, DocPath: docPath, Doc: doc}
}

// LoadData reads the training videos, the test videos and the test labels
// named by the document.
func (r *Runner) LoadData() error {
	c := r.Config.Cuboid
	videos, err := dataset.LoadFrames(r.Doc.TrainVideoDir, c.Width, c.Height)
	if err != nil {
		return fmt.Errorf("load %s: %w", r.Doc.TrainVideoDir, err)
	}
	if r.Train, err = dataset.NewCuboidSet(videos, c.Length); err != nil {
		return fmt.Errorf("load %s: %w", r.Doc.TrainVideoDir, err)
	}
	videos, err = dataset.LoadFrames(r.Doc.TestVideoDir, c.Width, c.Height)
	if err != nil {
		return fmt.Errorf("load %s: %w", r.Doc.TestVideoDir, err)
	}
	if r.Test, err = dataset.ConsecutiveCuboids(videos, c.Length); err != nil {
		return fmt.Errorf("load %s: %w", r.Doc.TestVideoDir, err)
	}
	if r.Labels, err = dataset.LoadLabels(r.Doc.TestLabel); err != nil {
		return fmt.Errorf("load %s: %w", r.Doc.TestLabel, err)
	}
	log.Info().
		Int("train_cuboids", r.Train.Len()).
		Int("test_cuboids", r.Test.Len()).
		Int("labels", len(r.Labels)).
		Msg("datasets loaded")
	return nil
}

// OutputBase is the path prefix of every file the runner writes.
func (r *Runner) OutputBase() string {
	base := OutputBase(r.DocPath)
	if r.Config.Output.Dir != "" {
		base = filepath.Join(r.Config.Output.Dir, filepath.Base(base))
	}
	return base
}

// Run executes every expanded parameter set. A failing experiment is
// recorded with its failure string and the run continues. After each
// experiment the cumulative results are written to
// <base>_experimento-<n>.json and the record is stored.
func (r *Runner) Run(ctx context.Context) ([]api.ExperimentRecord, error) {
	if r.Train == nil || r.Test == nil {
		return nil, errors.New("datasets are not loaded")
	}
	base := r.OutputBase()
	if dir := filepath.Dir(base); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	sets := ExpandParameters(r.Doc.Parameters, ExpandKeys...)
	log.Info().Int("experiments", len(sets)).Str("output", base).Msg("starting experiments")

	var results []api.ExperimentRecord
	for i, p := range sets {
		rec := api.ExperimentRecord{
			ID:         uuid.New().String(),
			Document:   r.DocPath,
			Experiment: i + 1,
			Status:     api.RunRunning,
			Parameters: p,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		}
		log.Info().Int("experiment", rec.Experiment).Interface("params", p).Msg("training with parameters")

		if err := r.runOne(ctx, i, Params(p), base, &rec); err != nil {
			rec.Status = api.RunFailed
			rec.Failure = FailurePrefix + err.Error()
			log.Error().Err(err).Int("experiment", rec.Experiment).Msg("experiment failed")
		} else {
			rec.Status = api.RunSucceeded
		}
		telemetry.CounterGlobal("istl_experiments_total", 1, map[string]string{"status": string(rec.Status)})

		if r.Store != nil {
			if err := r.Store.SaveExperiment(ctx, &rec); err != nil {
				log.Warn().Err(err).Int("experiment", rec.Experiment).Msg("could not store experiment record")
			}
		}
		results = append(results, rec)
		if err := writeResults(fmt.Sprintf("%s_experimento-%d.json", base, len(results)), results); err != nil {
			return results, err
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
	}
	return results, nil
}

func writeResults(path string, results []api.ExperimentRecord) error {
	body, err := json.MarshalIndent(results, "", "    ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

type trainOutcome struct {
	model model.Model
	loss  []float64
	rsse  []float64
	// clients holds the per-client loss curves of federated runs.
	clients map[string][]float64
}

func (r *Runner) runOne(ctx context.Context, idx int, p Params, base string, rec *api.ExperimentRecord) error {
	cfg := r.Config
	seed := time.Now().UnixNano()
	if p.Has("seed") {
		s, err := p.Int("seed", 0)
		if err != nil {
			return err
		}
		seed = int64(s)
	}
	batch, err := p.Int("batch_size", cfg.Training.BatchSize)
	if err != nil {
		return err
	}
	if !p.Has("epochs") {
		return errors.New("missing parameter epochs")
	}
	epochs, err := p.Int("epochs", 0)
	if err != nil {
		return err
	}
	shuffle, err := p.Bool("shuffle", false)
	if err != nil {
		return err
	}
	mode, err := p.String("fed_mode", cfg.Federated.Mode)
	if err != nil {
		return err
	}
	lr, err := p.Float("learning_rate", cfg.Model.LearningRate)
	if err != nil {
		return err
	}

	r.Train.Augment(cfg.Training.AugmentStride)
	r.Train.Shuffle(shuffle, seed)

	build, err := r.builder(seed)
	if err != nil {
		return err
	}
	compile := model.CompileOptions{LearningRate: lr, Decay: cfg.Model.Decay, Loss: "mse", Metrics: []string{recon.MetricRSSE}}
	fit := fedlearn.FitOptions{Epochs: epochs, BatchSize: batch, Seed: seed}

	start := time.Now()
	var out trainOutcome
	switch mode {
	case "none":
		out, err = r.trainCentralized(ctx, build, compile, fit)
	case "sync":
		out, err = r.trainSync(ctx, build, compile, fit, p)
	case "async":
		out, err = r.trainAsync(ctx, build, compile, fit, p)
	default:
		err = fmt.Errorf("unknown fed_mode %q", mode)
	}
	if err != nil {
		return err
	}
	if err := checkCurve("loss", out.loss); err != nil {
		return err
	}
	if err := checkCurve("root_sum_squared_error", out.rsse); err != nil {
		return err
	}
	rec.Time = &api.Timings{Training: time.Since(start).Seconds()}
	log.Info().Int("experiment", idx+1).Float64("seconds", rec.Time.Training).Msg("end of training")

	if err := r.writeCurves(idx+1, base, out); err != nil {
		return err
	}
	if r.SaveModel {
		s, ok := out.model.(Saver)
		if !ok {
			return fmt.Errorf("model %T cannot be saved", out.model)
		}
		if err := s.Save(fmt.Sprintf("%s-experiment-%d_model.json", base, idx)); err != nil {
			return fmt.Errorf("save model: %w", err)
		}
	}

	evalStart := time.Now()
	ev := evaluate.New(out.model, 0.1, 1)
	r.Train.Shuffle(false, 0)
	trainErr, err := ev.Fit(ctx, r.Train)
	if err != nil {
		return fmt.Errorf("fit evaluator: %w", err)
	}
	summary := evaluate.Summary(trainErr)
	rec.TrainingRecErrors = &summary

	anoms, err := p.Floats("anom_thresholds", evaluate.DefaultAnomThresholds())
	if err != nil {
		return err
	}
	temps, err := p.Ints("temp_thresholds", evaluate.DefaultTempThresholds())
	if err != nil {
		return err
	}
	meas, err := ev.EvaluateRange(ctx, r.Test, r.Labels, anoms, temps)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	rec.Results = &meas
	rec.Time.TestEvaluation = time.Since(evalStart).Seconds()
	rec.Time.Total = rec.Time.Training + rec.Time.TestEvaluation
	log.Info().Int("experiment", idx+1).Float64("seconds", rec.Time.Total).Msg("end of experiment")
	return nil
}

func (r *Runner) builder(seed int64) (model.Builder, error) {
	reg := r.Registry
	if reg == nil {
		reg = model.NewRegistry()
		recon.Register(reg, recon.Config{InputDim: r.Train.InputDim(), Hidden: r.Config.Model.Hidden, Seed: seed})
	}
	return reg.Get(r.Config.Model.Architecture)
}

func (r *Runner) writeCurves(n int, base string, out trainOutcome) error {
	curves := []struct {
		name, title string
		values      []float64
	}{
		{"MSE", "Mean Squared Error", out.loss},
		{"RSSE", "Root of the Sum of Squared Errors", out.rsse},
	}
	for _, c := range curves {
		stem := fmt.Sprintf("%sISTL_%s_train_loss_exp=%d", base, c.name, n)
		if r.Config.Output.Plots {
			series := map[string][]float64{c.name: c.values}
			if c.name == "MSE" {
				for k, v := range out.clients {
					series[k] = v
				}
			}
			if err := PlotSeries(series, c.title, stem+".png"); err != nil {
				return err
			}
		}
		if err := SaveSeries(c.values, stem+".txt"); err != nil {
			return fmt.Errorf("write %s curve: %w", c.name, err)
		}
	}
	return nil
}

// trainCentralized trains a single model epoch by epoch and stops once the
// monitored metric stalls for the configured patience.
func (r *Runner) trainCentralized(ctx context.Context, build model.Builder, compile model.CompileOptions, fit fedlearn.FitOptions) (trainOutcome, error) {
	m, err := build()
	if err != nil {
		return trainOutcome{}, fmt.Errorf("build model: %w", err)
	}
	if err := m.Compile(compile); err != nil {
		return trainOutcome{}, fmt.Errorf("compile: %w", err)
	}
	es := r.Config.Training.EarlyStop
	stopper, err := fedlearn.NewEarlyStopper(fedlearn.EarlyStopConfig{Monitor: es.Monitor, Patience: es.Patience, Delta: es.Delta})
	if err != nil {
		return trainOutcome{}, err
	}

	out := trainOutcome{model: m}
	for epoch := 0; epoch < fit.Epochs; epoch++ {
		h, err := m.Fit(ctx, r.Train, model.FitOptions{Epochs: 1, BatchSize: fit.BatchSize, Seed: fit.Seed + int64(epoch)})
		if err != nil {
			return out, fmt.Errorf("epoch %d: %w", epoch, err)
		}
		out.loss = append(out.loss, last(h[recon.MetricLoss]))
		out.rsse = append(out.rsse, last(h[recon.MetricRSSE]))
		log.Debug().Int("epoch", epoch).Float64("loss", last(h[recon.MetricLoss])).Msg("epoch finished")

		monitored, ok := h[stopper.Config().Monitor]
		if !ok {
			return out, model.ValidationError{Field: "monitor", Value: stopper.Config().Monitor, Message: "model did not report this metric"}
		}
		if stopper.Observe(0, last(monitored)) {
			log.Info().Int("epoch", epoch).Int("patience", es.Patience).Msg("loss stopped improving, training stopped")
			break
		}
	}
	return out, nil
}

func (r *Runner) federatedEarlyStop() *fedlearn.EarlyStopConfig {
	es := r.Config.Federated.EarlyStop
	return &fedlearn.EarlyStopConfig{Monitor: es.Monitor, Patience: es.Patience, Delta: es.Delta}
}

func (r *Runner) clientData(n int) map[int]model.Dataset {
	data := make(map[int]model.Dataset, n)
	for c, part := range r.Train.Partition(n) {
		data[c] = part
	}
	return data
}

func (r *Runner) trainSync(ctx context.Context, build model.Builder, compile model.CompileOptions, fit fedlearn.FitOptions, p Params) (trainOutcome, error) {
	n, err := p.Int("n_clients", r.Config.Federated.Clients)
	if err != nil {
		return trainOutcome{}, err
	}
	fm, err := fedlearn.NewSyncFedAvg(build, n)
	if err != nil {
		return trainOutcome{}, err
	}
	if err := fm.Compile(compile); err != nil {
		return trainOutcome{}, err
	}
	fit.ClientData = r.clientData(n)
	fit.EarlyStop = r.federatedEarlyStop()
	hist, err := fm.Fit(ctx, fit)
	if err != nil {
		return trainOutcome{}, err
	}
	out := trainOutcome{model: fm.GlobalModel(), clients: map[string][]float64{}}
	out.loss, out.rsse = meanCurves(hist, out.clients)
	return out, nil
}

func (r *Runner) trainAsync(ctx context.Context, build model.Builder, compile model.CompileOptions, fit fedlearn.FitOptions, p Params) (trainOutcome, error) {
	n, err := p.Int("n_clients", r.Config.Federated.Clients)
	if err != nil {
		return trainOutcome{}, err
	}
	rounds, err := p.Int("async_rounds", r.Config.Federated.AsyncRounds)
	if err != nil {
		return trainOutcome{}, err
	}
	fm, err := fedlearn.NewAsyncFed(build, n)
	if err != nil {
		return trainOutcome{}, err
	}
	if err := fm.Compile(compile); err != nil {
		return trainOutcome{}, err
	}

	all := r.clientData(n)
	rng := rand.New(rand.NewSource(fit.Seed))
	fit.EarlyStop = r.federatedEarlyStop()
	out := trainOutcome{model: fm.GlobalModel(), clients: map[string][]float64{}}
	for round := 0; round < rounds; round++ {
		active := pickClients(rng, n, r.Config.Federated.Participation)
		fit.ClientData = make(map[int]model.Dataset, len(active))
		for _, c := range active {
			fit.ClientData[c] = all[c]
		}
		hist, err := fm.Fit(ctx, fit)
		if errors.Is(err, fedlearn.ErrNoClientData) {
			log.Warn().Int("round", round).Ints("clients", active).Msg("selected clients hold no data, skipping round")
			continue
		}
		if err != nil {
			return out, fmt.Errorf("round %d: %w", round, err)
		}
		roundClients := map[string][]float64{}
		loss, rsse := meanCurves(hist, roundClients)
		out.appendRound(loss, rsse, roundClients)
	}
	if len(out.loss) == 0 {
		return out, fedlearn.ErrNoClientData
	}
	return out, nil
}

// appendRound extends the curves with one asynchronous round. Client curves
// stay aligned with the mean curve: rounds a client sat out are zero.
func (o *trainOutcome) appendRound(loss, rsse []float64, clients map[string][]float64) {
	done := len(o.loss)
	o.loss = append(o.loss, loss...)
	o.rsse = append(o.rsse, rsse...)
	for k, v := range clients {
		o.clients[k] = append(padTo(o.clients[k], done), v...)
	}
	for k, v := range o.clients {
		o.clients[k] = padTo(v, len(o.loss))
	}
}

func padTo(values []float64, n int) []float64 {
	for len(values) < n {
		values = append(values, 0)
	}
	return values
}

// checkCurve fails when a training curve holds NaN or infinite values.
func checkCurve(name string, values []float64) error {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("training diverged: %s is %v at epoch %d", name, v, i+1)
		}
	}
	return nil
}

// pickClients selects round(participation*n) clients, at least one, in
// increasing id order.
func pickClients(rng *rand.Rand, n int, participation float64) []int {
	k := int(math.Round(participation * float64(n)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	active := rng.Perm(n)[:k]
	sort.Ints(active)
	return active
}

// meanCurves averages the per-client loss and RSSE curves over the epochs
// that were run, and stores each client loss curve in clients.
func meanCurves(hist fedlearn.History, clients map[string][]float64) (loss, rsse []float64) {
	ids := make([]int, 0, len(hist))
	for c := range hist {
		ids = append(ids, c)
	}
	sort.Ints(ids)

	rounds := 0
	for _, c := range ids {
		if n := ranEpochs(hist[c][recon.MetricLoss]); n > rounds {
			rounds = n
		}
	}
	loss = make([]float64, rounds)
	rsse = make([]float64, rounds)
	for _, c := range ids {
		l, s := hist[c][recon.MetricLoss], hist[c][recon.MetricRSSE]
		for e := 0; e < rounds; e++ {
			if e < len(l) {
				loss[e] += l[e] / float64(len(ids))
			}
			if e < len(s) {
				rsse[e] += s[e] / float64(len(ids))
			}
		}
		if len(l) >= rounds {
			clients[fmt.Sprintf("client %d", c)] = append([]float64(nil), l[:rounds]...)
		}
	}
	return loss, rsse
}

// ranEpochs is the length of values without its trailing zero padding.
func ranEpochs(values []float64) int {
	n := len(values)
	for n > 0 && values[n-1] == 0 {
		n--
	}
	return n
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	return values[len(values)-1]
}
