package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/istl/internal/core"
	"github.com/3cpo-dev/istl/internal/dataset"
	"github.com/3cpo-dev/istl/internal/evaluate"
	"github.com/3cpo-dev/istl/internal/experiment"
	"github.com/3cpo-dev/istl/internal/recon"
	"github.com/3cpo-dev/istl/internal/telemetry"
)

// Open the experiment store, creating its directory
func openStore(cfg core.Config) (*core.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return core.NewStore(cfg.Store.Path)
}

// Train every experiment of a document
func newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train and evaluate every experiment of a JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			docPath, _ := cmd.Flags().GetString("document")
			saveModel, _ := cmd.Flags().GetBool("save_model")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			telemetry.InitGlobal(cfg.Telemetry.Enabled)
			defer telemetry.Shutdown()

			doc, err := experiment.LoadDocument(docPath)
			if err != nil {
				return err
			}
			doc.Script = "istl train"
			doc.Parameters["script"] = doc.Script

			r := experiment.NewRunner(cfg, docPath, doc)
			r.SaveModel = saveModel
			if err := r.LoadData(); err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				log.Warn().Err(err).Str("path", cfg.Store.Path).Msg("experiment store unavailable, records will only be written to files")
			} else {
				defer store.Close()
				r.Store = store
			}

			results, err := r.Run(cmd.Context())
			for _, rec := range results {
				line := fmt.Sprintf("experiment %d\t%s\t%s", rec.Experiment, rec.Status, rec.ID)
				if rec.Results != nil {
					line += fmt.Sprintf("\tauc=%.4f", rec.Results.AUC)
				}
				if rec.Failure != "" {
					line += "\t" + rec.Failure
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return err
		},
	}
	cmd.Flags().StringP("document", "d", "", "JSON file containing the train parameters")
	cmd.Flags().BoolP("save_model", "s", false, "Save the resulting model of every experiment")
	_ = cmd.MarkFlagRequired("document")
	return cmd
}

// Evaluate a saved model over a threshold grid
func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a saved model on a test dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			modelPath, _ := cmd.Flags().GetString("model")
			trainDir, _ := cmd.Flags().GetString("train_folder")
			testDir, _ := cmd.Flags().GetString("data_folder")
			labelsPath, _ := cmd.Flags().GetString("labels")
			anoms, _ := cmd.Flags().GetFloat64Slice("anom_threshold")
			temps, _ := cmd.Flags().GetIntSlice("temp_threshold")
			output, _ := cmd.Flags().GetString("output")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			m, err := recon.Load(modelPath)
			if err != nil {
				return fmt.Errorf("cannot load the model: %w", err)
			}
			c := cfg.Cuboid
			videos, err := dataset.LoadFrames(trainDir, c.Width, c.Height)
			if err != nil {
				return fmt.Errorf("cannot load %s: %w", trainDir, err)
			}
			train, err := dataset.NewCuboidSet(videos, c.Length)
			if err != nil {
				return fmt.Errorf("cannot load %s: %w", trainDir, err)
			}
			if train.InputDim() != m.Config().InputDim {
				return fmt.Errorf("model expects %d inputs but cuboids of %dx%dx%d have %d", m.Config().InputDim, c.Length, c.Width, c.Height, train.InputDim())
			}
			videos, err = dataset.LoadFrames(testDir, c.Width, c.Height)
			if err != nil {
				return fmt.Errorf("cannot load %s: %w", testDir, err)
			}
			test, err := dataset.ConsecutiveCuboids(videos, c.Length)
			if err != nil {
				return fmt.Errorf("cannot load %s: %w", testDir, err)
			}
			labels, err := dataset.LoadLabels(labelsPath)
			if err != nil {
				return fmt.Errorf("cannot load %s: %w", labelsPath, err)
			}
			if len(anoms) == 0 {
				anoms = evaluate.DefaultAnomThresholds()
			}
			if len(temps) == 0 {
				temps = evaluate.DefaultTempThresholds()
			}

			log.Info().Msg("performing evaluation with all anomaly and temporal threshold combinations")
			ev := evaluate.New(m, 0.1, 1)
			trainErr, err := ev.Fit(cmd.Context(), train)
			if err != nil {
				return err
			}
			meas, err := ev.EvaluateRange(cmd.Context(), test, labels, anoms, temps)
			if err != nil {
				return err
			}
			summary := evaluate.Summary(trainErr)
			meas.TrainingRecError = &summary

			resultsPath := experiment.OutputBase(output) + ".json"
			body, err := json.MarshalIndent(meas, "", "    ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(resultsPath, body, 0o644); err != nil {
				return fmt.Errorf("write results: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "results written to %s (auc=%.4f)\n", resultsPath, meas.AUC)
			return nil
		},
	}
	cmd.Flags().StringP("model", "m", "", "saved model file")
	cmd.Flags().StringP("train_folder", "c", "", "folder containing the train dataset")
	cmd.Flags().StringP("data_folder", "d", "", "folder containing the test dataset")
	cmd.Flags().String("labels", "", "file containing the test labels")
	cmd.Flags().Float64SliceP("anom_threshold", "a", nil, "anomaly threshold values to test")
	cmd.Flags().IntSliceP("temp_threshold", "t", nil, "temporal threshold values to test")
	cmd.Flags().StringP("output", "o", "", "output file in which the results will be located")
	for _, f := range []string{"model", "train_folder", "data_folder", "labels", "output"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

// Inspect stored experiment records
func newExperimentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "experiments",
		Short: "List stored experiment records",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			rows, err := store.ListExperiments(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range rows {
				auc := "-"
				if e.AUC != nil {
					auc = fmt.Sprintf("%.4f", *e.AUC)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\t%s\t%s\t%s\n", e.ID, e.Document, e.Experiment, e.Status, auc, e.CreatedAt)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of records, 0 for all")
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored experiment record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			rec, err := store.GetExperiment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			body, err := json.MarshalIndent(rec, "", "    ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	})
	return cmd
}

// Generate shell completion scripts
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch strings.ToLower(args[0]) {
			case "bash":
				return cmd.Root().GenBashCompletionV2(out, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
			return fmt.Errorf("unsupported shell %q", args[0])
		},
	}
}
