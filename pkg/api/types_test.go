package api

import (
	"encoding/json"
	"testing"
)

func TestExperimentDocumentKeepsParameters(t *testing.T) {
	var doc ExperimentDocument
	if err := json.Unmarshal([]byte(`{"train_video_dir":"a","test_video_dir":"b","test_label":"c","epochs":3,"seed":[1,2]}`), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.TrainVideoDir != "a" || doc.TestVideoDir != "b" || doc.TestLabel != "c" {
		t.Fatalf("unexpected known fields: %+v", doc)
	}
	if doc.Parameters["epochs"] != 3.0 {
		t.Fatalf("expected epochs in parameters, got %v", doc.Parameters["epochs"])
	}
	if seeds, ok := doc.Parameters["seed"].([]any); !ok || len(seeds) != 2 {
		t.Fatalf("expected seed list, got %v", doc.Parameters["seed"])
	}
	if err := json.Unmarshal([]byte(`[1]`), &doc); err == nil {
		t.Fatalf("expected an error for a non-object document")
	}
}

func TestMeasuresBest(t *testing.T) {
	if _, ok := (Measures{}).Best(); ok {
		t.Fatalf("empty measures have no best combination")
	}
	m := Measures{Combinations: []ThresholdMeasures{
		{AnomThreshold: 0.1, F1: 0.4},
		{AnomThreshold: 0.2, F1: 0.9},
		{AnomThreshold: 0.3, F1: 0.9},
	}}
	best, ok := m.Best()
	if !ok || best.AnomThreshold != 0.2 {
		t.Fatalf("expected the first combination with the highest F1, got %+v", best)
	}
}
