package api

import "encoding/json"

// v0 contains public types shared by the CLI, the runner and the store.

// ExperimentDocument describes a batch of experiments. Any key other than the
// data paths is an experiment parameter; array values are expanded into one
// experiment per combination.
type ExperimentDocument struct {
	TrainVideoDir string `json:"train_video_dir" yaml:"train_video_dir"`
	TestVideoDir  string `json:"test_video_dir" yaml:"test_video_dir"`
	TestLabel     string `json:"test_label" yaml:"test_label"`
	Script        string `json:"script,omitempty" yaml:"script,omitempty"`
	// Parameters holds every key of the document, including the ones above.
	Parameters map[string]any `json:"-" yaml:"-"`
}

// UnmarshalJSON fills the known fields and keeps the full key set in
// Parameters.
func (d *ExperimentDocument) UnmarshalJSON(b []byte) error {
	type plain ExperimentDocument
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	params := map[string]any{}
	if err := json.Unmarshal(b, &params); err != nil {
		return err
	}
	*d = ExperimentDocument(p)
	d.Parameters = params
	return nil
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ErrorSummary describes a set of reconstruction errors.
type ErrorSummary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// ThresholdMeasures holds the detection quality for one anomaly and temporal
// threshold pair.
type ThresholdMeasures struct {
	AnomThreshold float64 `json:"anom_threshold"`
	TempThreshold int     `json:"temp_threshold"`
	TP            int     `json:"tp"`
	FP            int     `json:"fp"`
	TN            int     `json:"tn"`
	FN            int     `json:"fn"`
	Accuracy      float64 `json:"accuracy"`
	Precision     float64 `json:"precision"`
	Recall        float64 `json:"recall"`
	Specificity   float64 `json:"specificity"`
	FPR           float64 `json:"fpr"`
	F1            float64 `json:"f1"`
}

// Measures is the outcome of evaluating a threshold grid.
type Measures struct {
	AUC              float64             `json:"auc"`
	Combinations     []ThresholdMeasures `json:"combinations"`
	TrainingRecError *ErrorSummary       `json:"training_rec_error,omitempty"`
}

// Best returns the combination with the highest F1 score, or false when
// there is none.
func (m Measures) Best() (ThresholdMeasures, bool) {
	if len(m.Combinations) == 0 {
		return ThresholdMeasures{}, false
	}
	best := m.Combinations[0]
	for _, c := range m.Combinations[1:] {
		if c.F1 > best.F1 {
			best = c
		}
	}
	return best, true
}

// Timings are wall clock durations in seconds.
type Timings struct {
	Training       float64 `json:"training"`
	TestEvaluation float64 `json:"test_evaluation"`
	Total          float64 `json:"total_elapsed_time"`
}

// ExperimentRecord is the outcome of one expanded experiment.
type ExperimentRecord struct {
	ID                string         `json:"id"`
	Document          string         `json:"document"`
	Experiment        int            `json:"experiment"`
	Status            RunStatus      `json:"status"`
	Parameters        map[string]any `json:"parameters"`
	Time              *Timings       `json:"time,omitempty"`
	TrainingRecErrors *ErrorSummary  `json:"training_rec_errors,omitempty"`
	Results           *Measures      `json:"results,omitempty"`
	// Failure holds "Failed to execute the experiment: <reason>" when the
	// experiment could not complete.
	Failure   string `json:"failure,omitempty"`
	CreatedAt string `json:"created_at"`
}
