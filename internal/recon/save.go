package recon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/istl/internal/model"
)

type savedModel struct {
	Architecture string                `json:"architecture"`
	Config       Config                `json:"config"`
	Compile      *model.CompileOptions `json:"compile,omitempty"`
	Weights      model.Weights         `json:"weights"`
}

// Save writes the architecture, compile options and weights as JSON.
func (a *Autoencoder) Save(path string) error {
	sm := savedModel{Architecture: Name, Config: a.cfg, Weights: a.Weights()}
	if a.compiled {
		opts := a.opts
		sm.Compile = &opts
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create model dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create model file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(sm); err != nil {
		f.Close()
		return fmt.Errorf("encode model: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close model file: %w", err)
	}
	return nil
}

// Load reads a model written by Save. A model saved after compilation is
// returned compiled with the same options.
func Load(path string) (*Autoencoder, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var sm savedModel
	if err := json.Unmarshal(content, &sm); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if sm.Architecture != Name {
		return nil, fmt.Errorf("unsupported architecture %q", sm.Architecture)
	}
	a, err := New(sm.Config)
	if err != nil {
		return nil, err
	}
	if err := a.SetWeights(sm.Weights); err != nil {
		return nil, fmt.Errorf("restore weights: %w", err)
	}
	if sm.Compile != nil {
		if err := a.Compile(*sm.Compile); err != nil {
			return nil, fmt.Errorf("restore compile options: %w", err)
		}
	}
	return a, nil
}
