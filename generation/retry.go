package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/stageflow/model"
)

// RetryPolicy is the degrade schedule of one stage run. Attempt i (0-based)
// runs at Tiers[i] with Temperatures[i]; only a TIMEOUT advances to the next
// attempt.
type RetryPolicy struct {
	MaxAttempts  int
	Tiers        []model.Tier
	Temperatures []float64
}

// DegradePolicy returns the standard policy: one attempt at tier, then at most
// one degrade retry at degradeTier.
func DegradePolicy(tier model.Tier, temperature float64, degradeTier model.Tier, degradeTemperature float64) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  2,
		Tiers:        []model.Tier{tier, degradeTier},
		Temperatures: []float64{temperature, degradeTemperature},
	}
}

// SinglePolicy returns a policy with no retry.
func SinglePolicy(tier model.Tier, temperature float64) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  1,
		Tiers:        []model.Tier{tier},
		Temperatures: []float64{temperature},
	}
}

// Validate checks that the policy describes every attempt it allows.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry policy needs at least one attempt")
	}
	if p.MaxAttempts > 2 {
		return fmt.Errorf("retry policy allows %d attempts; at most one degrade retry is permitted", p.MaxAttempts)
	}
	if len(p.Tiers) < p.MaxAttempts || len(p.Temperatures) < p.MaxAttempts {
		return fmt.Errorf("retry policy needs %d tiers and temperatures", p.MaxAttempts)
	}
	for i, t := range p.Tiers[:p.MaxAttempts] {
		if !t.IsValid() {
			return fmt.Errorf("retry policy attempt %d: unknown tier %q", i+1, t)
		}
	}
	return nil
}

// RetryFunc is called before a degrade retry with the failed attempt and the
// attempt about to start.
type RetryFunc func(failed, next Attempt)

// Run executes p under policy. Only TIMEOUT is retried; every other failure
// returns immediately. The attempts made are returned in order on both paths.
func (c *Client) Run(ctx context.Context, p Prompt, cfg Config, policy RetryPolicy, onRetry RetryFunc) (*Result, []Attempt, error) {
	if err := policy.Validate(); err != nil {
		return nil, nil, &Error{Kind: KindUnknown, Err: err}
	}

	attempts := make([]Attempt, 0, policy.MaxAttempts)
	var lastErr error
	for i := 0; i < policy.MaxAttempts; i++ {
		att := Attempt{Number: i + 1, Tier: policy.Tiers[i], Temperature: policy.Temperatures[i]}
		if i > 0 && onRetry != nil {
			onRetry(attempts[i-1], att)
		}

		attemptCfg := cfg
		attemptCfg.Temperature = att.Temperature

		start := time.Now()
		res, err := c.attempt(ctx, p, attemptCfg, att)
		if err == nil {
			attempts = append(attempts, res.Attempt)
			return res, attempts, nil
		}

		att.Kind = KindOf(err)
		att.Duration = time.Since(start)
		attempts = append(attempts, att)
		lastErr = err

		if att.Kind != KindTimeout {
			break
		}
		if i+1 < policy.MaxAttempts {
			c.logger.Warn("Generation timed out, degrading",
				"stage", p.Stage,
				"tier", att.Tier,
				"next_tier", policy.Tiers[i+1],
				"attempt", att.Number)
		}
	}
	return nil, attempts, lastErr
}
