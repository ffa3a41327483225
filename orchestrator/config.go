package orchestrator

import (
	"errors"
	"fmt"

	"github.com/c360studio/stageflow/model"
	"github.com/c360studio/stageflow/quality"
	"github.com/c360studio/stageflow/variant"
	"github.com/c360studio/stageflow/workflow"
)

// Profile is the generation setup of one run tier.
type Profile struct {
	ModelTier   model.Tier
	Temperature float64
	// Variants is the candidate count on stages that support selection.
	Variants int
	// Strict disables auto-repair in the quality gate.
	Strict bool
}

// Config holds the run settings shared by every stage.
type Config struct {
	Profiles map[workflow.RunTier]Profile

	// DegradeTier and DegradeTemperature are used by the one retry after a
	// timeout.
	DegradeTier        model.Tier
	DegradeTemperature float64

	// FinalTemperature is used by the variant regeneration attempt.
	FinalTemperature float64

	// MaxTokens caps completions; 0 uses the endpoint default.
	MaxTokens int

	// ChunkSize is the approximate size in bytes of content_chunk events.
	ChunkSize int
}

// DefaultConfig returns the standard tier profiles.
func DefaultConfig() Config {
	return Config{
		Profiles: map[workflow.RunTier]Profile{
			workflow.TierLite:   {ModelTier: model.TierLite, Temperature: 0.7, Variants: 1},
			workflow.TierPro:    {ModelTier: model.TierPro, Temperature: 0.7, Variants: 2},
			workflow.TierReview: {ModelTier: model.TierReview, Temperature: 0.4, Variants: 1, Strict: true},
		},
		DegradeTier:        model.TierLite,
		DegradeTemperature: 0.3,
		FinalTemperature:   variant.DefaultFinalTemperature,
		ChunkSize:          80,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	for _, t := range []workflow.RunTier{workflow.TierLite, workflow.TierPro, workflow.TierReview} {
		p, ok := c.Profiles[t]
		if !ok {
			errs = append(errs, fmt.Errorf("missing profile for tier %s", t))
			continue
		}
		if !p.ModelTier.IsValid() {
			errs = append(errs, fmt.Errorf("tier %s: unknown model tier %q", t, p.ModelTier))
		}
		if p.Temperature < 0 || p.Temperature > 2 {
			errs = append(errs, fmt.Errorf("tier %s: temperature %.2f out of range", t, p.Temperature))
		}
		if p.Variants < 1 {
			errs = append(errs, fmt.Errorf("tier %s: variants must be at least 1", t))
		}
	}
	if !c.DegradeTier.IsValid() {
		errs = append(errs, fmt.Errorf("unknown degrade tier %q", c.DegradeTier))
	}
	if c.DegradeTemperature < 0 || c.DegradeTemperature > 2 {
		errs = append(errs, fmt.Errorf("degrade temperature %.2f out of range", c.DegradeTemperature))
	}
	if c.FinalTemperature < 0 || c.FinalTemperature > 2 {
		errs = append(errs, fmt.Errorf("final temperature %.2f out of range", c.FinalTemperature))
	}
	return errors.Join(errs...)
}

// gateFor returns the quality gate of profile.
func gateFor(engine *quality.Engine, p Profile) *quality.Engine {
	if p.Strict {
		return engine.Strict()
	}
	return engine
}
