// Package config loads the optional YAML tuning file shared by the functions
// and the CLI. Deployment settings come from the environment instead.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/Lllllllleong/invoicedocumentflow/internal/pdfanalysis"
	"github.com/Lllllllleong/invoicedocumentflow/internal/templates"
	"gopkg.in/yaml.v3"
)

// EnvTuningConfig names the environment variable holding the tuning file path.
const EnvTuningConfig = "TUNING_CONFIG"

// Tuning holds the algorithm thresholds.
type Tuning struct {
	Analyzer  pdfanalysis.Thresholds `yaml:"analyzer"`
	Templates templates.Settings     `yaml:"templates"`
}

// Default returns the built-in tuning.
func Default() Tuning {
	return Tuning{
		Analyzer:  pdfanalysis.DefaultThresholds(),
		Templates: templates.DefaultSettings(),
	}
}

// Load reads a tuning file over the defaults. An empty path or a missing
// file yields the defaults; keys absent from the file keep their defaults.
func Load(path string) (Tuning, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read tuning config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse tuning config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid tuning config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv loads the file named by TUNING_CONFIG.
func FromEnv() (Tuning, error) {
	return Load(os.Getenv(EnvTuningConfig))
}

// Validate rejects values outside their meaningful ranges.
func (t Tuning) Validate() error {
	var errs []error
	inUnit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}
	inUnit("analyzer.minConfidenceForLight", t.Analyzer.MinConfidenceForLight)
	inUnit("templates.defaultConfidenceThreshold", t.Templates.DefaultConfidenceThreshold)
	inUnit("templates.initialSuccessRate", t.Templates.InitialSuccessRate)
	inUnit("templates.promotionMinSuccessRate", t.Templates.PromotionMinSuccessRate)
	inUnit("templates.deprecationMaxSuccessRate", t.Templates.DeprecationMaxSuccessRate)
	if t.Analyzer.MaxPagesForLight < 1 {
		errs = append(errs, fmt.Errorf("analyzer.maxPagesForLight must be positive, got %d", t.Analyzer.MaxPagesForLight))
	}
	if t.Templates.SuccessIncrement < 0 || t.Templates.FailurePenalty < 0 || t.Templates.ConfidenceBoost < 0 {
		errs = append(errs, errors.New("template increments must not be negative"))
	}
	return errors.Join(errs...)
}
