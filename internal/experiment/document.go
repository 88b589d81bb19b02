// Package experiment expands experiment documents into parameter sets and
// runs each of them: training, result plots, evaluation and bookkeeping.
package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3cpo-dev/istl/pkg/api"
)

// ExpandKeys are the document keys whose array values yield one experiment
// per value.
var ExpandKeys = []string{"seed", "batch_size", "epochs", "shuffle", "fed_mode", "n_clients", "learning_rate"}

// LoadDocument reads a JSON experiment document.
func LoadDocument(path string) (*api.ExperimentDocument, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read experiment document: %w", err)
	}
	var doc api.ExperimentDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("parse experiment document: %w", err)
	}
	for key, v := range map[string]string{"train_video_dir": doc.TrainVideoDir, "test_video_dir": doc.TestVideoDir, "test_label": doc.TestLabel} {
		if v == "" {
			return nil, fmt.Errorf("experiment document %s: missing %s", path, key)
		}
	}
	return &doc, nil
}

// OutputBase strips the extension of the document path. Result, plot and
// model files are named after it.
func OutputBase(docPath string) string {
	return strings.TrimSuffix(docPath, filepath.Ext(docPath))
}

// ExpandParameters returns the cartesian product of the array values of the
// named keys. Other keys are copied verbatim. The first key varies slowest.
func ExpandParameters(params map[string]any, keys ...string) []map[string]any {
	sets := []map[string]any{copyParams(params)}
	for _, key := range keys {
		values, ok := params[key].([]any)
		if !ok || len(values) == 0 {
			continue
		}
		next := make([]map[string]any, 0, len(sets)*len(values))
		for _, s := range sets {
			for _, v := range values {
				c := copyParams(s)
				c[key] = v
				next = append(next, c)
			}
		}
		sets = next
	}
	return sets
}

func copyParams(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
