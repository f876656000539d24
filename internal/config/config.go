package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"almlp/internal/calc"
	"almlp/internal/ensemble"
	"almlp/internal/learner"
	"almlp/internal/offline"
	"almlp/internal/relax"
)

const (
	ModeOnline  = "online"
	ModeOffline = "offline"
)

var validate = validator.New()

type StorageConfig struct {
	Kind string `yaml:"kind" json:"kind" validate:"omitempty,oneof=memory sqlite badger"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"omitempty,oneof=text json"`
}

// File is the on-disk run configuration.
type File struct {
	RunID string `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Mode  string `yaml:"mode" json:"mode" validate:"oneof=online offline"`
	// Structures is a JSON file with the initial candidates; Start, when
	// set, is the structure to relax. Without Start the first candidate is
	// relaxed.
	Structures   string `yaml:"structures,omitempty" json:"structures,omitempty"`
	Start        string `yaml:"start,omitempty" json:"start,omitempty"`
	Workers      int    `yaml:"workers" json:"workers" validate:"gte=0"`
	ArtifactsDir string `yaml:"artifacts_dir,omitempty" json:"artifacts_dir,omitempty"`

	Learner  learner.Config  `yaml:"learner" json:"learner"`
	Offline  offline.Config  `yaml:"offline" json:"offline"`
	Ensemble ensemble.Config `yaml:"ensemble" json:"ensemble"`
	Relax    relax.Config    `yaml:"relax" json:"relax"`
	Parent   calc.Spec       `yaml:"parent" json:"parent"`
	Base     *calc.Spec      `yaml:"base,omitempty" json:"base,omitempty"`
	Storage  StorageConfig   `yaml:"storage" json:"storage"`
	Log      LogConfig       `yaml:"log" json:"log"`
}

func Default() File {
	return File{
		Mode:     ModeOnline,
		Workers:  1,
		Learner:  learner.Config{ToleranceMode: learner.ToleranceRelative},
		Offline:  offline.DefaultConfig(),
		Ensemble: ensemble.DefaultConfig(),
		Relax:    relax.DefaultConfig(),
		Storage:  StorageConfig{Kind: "memory"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// ApplyDefaults fills zero-valued settings of a programmatically built File.
// uncertain_tol has no default and must be set by the caller.
func ApplyDefaults(f *File) {
	d := Default()
	if f.Mode == "" {
		f.Mode = d.Mode
	}
	if f.Workers == 0 {
		f.Workers = d.Workers
	}
	if f.Learner.ToleranceMode == "" {
		f.Learner.ToleranceMode = d.Learner.ToleranceMode
	}
	if f.Offline.MaxIterations == 0 {
		f.Offline.MaxIterations = d.Offline.MaxIterations
	}
	if f.Offline.MaxForceTolerance == 0 {
		f.Offline.MaxForceTolerance = d.Offline.MaxForceTolerance
	}
	if f.Offline.SamplesToRetrain == 0 {
		f.Offline.SamplesToRetrain = d.Offline.SamplesToRetrain
	}
	if f.Offline.QueryMethod == "" {
		f.Offline.QueryMethod = d.Offline.QueryMethod
	}
	applyEnsembleDefaults(&f.Ensemble, d.Ensemble)
	if f.Relax.Fmax == 0 {
		f.Relax.Fmax = d.Relax.Fmax
	}
	if f.Relax.Steps == 0 {
		f.Relax.Steps = d.Relax.Steps
	}
	if f.Relax.MaxStep == 0 {
		f.Relax.MaxStep = d.Relax.MaxStep
	}
	if f.Relax.DT == 0 {
		f.Relax.DT = d.Relax.DT
	}
	if f.Relax.DTMax == 0 {
		f.Relax.DTMax = d.Relax.DTMax
	}
	if f.Storage.Kind == "" {
		f.Storage.Kind = d.Storage.Kind
	}
	if f.Log.Level == "" {
		f.Log.Level = d.Log.Level
	}
	if f.Log.Format == "" {
		f.Log.Format = d.Log.Format
	}
}

// applyEnsembleDefaults fills zero fields one by one. Seed and Jitter are
// meaningful at zero and are left alone.
func applyEnsembleDefaults(e *ensemble.Config, d ensemble.Config) {
	if e.NMembers == 0 {
		e.NMembers = d.NMembers
	}
	if e.Strategy == "" {
		e.Strategy = d.Strategy
	}
	if e.Cutoff == 0 {
		e.Cutoff = d.Cutoff
	}
	if e.NBasis == 0 {
		e.NBasis = d.NBasis
	}
	if e.Width == 0 {
		e.Width = d.Width
	}
	if e.Lambda == 0 {
		e.Lambda = d.Lambda
	}
	if e.ForceWeight == 0 {
		e.ForceWeight = d.ForceWeight
	}
}

// Load reads a YAML (or JSON) file on top of Default and validates it.
// Relative structure paths are resolved against the file's directory.
func Load(path string) (File, error) {
	f := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		if jsonErr := json.Unmarshal(data, &f); jsonErr != nil {
			return File{}, fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	dir := filepath.Dir(path)
	f.Structures = resolve(dir, f.Structures)
	f.Start = resolve(dir, f.Start)
	if f.Storage.Path != "" {
		f.Storage.Path = resolve(dir, f.Storage.Path)
	}
	if err := f.Validate(); err != nil {
		return File{}, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func (f File) Validate() error {
	if err := validate.Struct(f); err != nil {
		return err
	}
	if strings.TrimSpace(f.Parent.Kind) == "" {
		return errors.New("parent calculator kind is required")
	}
	if f.Base != nil && strings.TrimSpace(f.Base.Kind) == "" {
		return errors.New("base calculator kind is required when base is set")
	}
	if err := f.Ensemble.Validate(); err != nil {
		return err
	}
	if err := f.Relax.Validate(); err != nil {
		return err
	}
	if (f.Storage.Kind == "sqlite" || f.Storage.Kind == "badger") && f.Storage.Path == "" {
		return fmt.Errorf("%s storage requires a path", f.Storage.Kind)
	}
	switch f.Mode {
	case ModeOnline:
		if err := f.Learner.Validate(); err != nil {
			return err
		}
		if f.Structures == "" && f.Start == "" {
			return errors.New("online mode needs structures or a start structure")
		}
		if f.Base != nil && f.Structures == "" {
			return fmt.Errorf("%w: a base calculator needs at least one initial structure", learner.ErrInvalidConfig)
		}
	case ModeOffline:
		if err := f.Offline.Validate(); err != nil {
			return err
		}
		if f.Structures == "" {
			return errors.New("offline mode needs initial structures")
		}
	}
	return nil
}

// Write stores f as YAML.
func Write(path string, f File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
