package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // The config field path (e.g., "orchestration.max_parallel")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Validate checks the Config for invalid values and returns all
// validation errors found. Called before any session is created
// before any session is created.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateAgents()...)
	errors = append(errors, c.validateEvals()...)
	errors = append(errors, c.validateSandbox()...)
	errors = append(errors, c.validateOrchestration()...)

	return errors
}

// validateAgents validates the AgentsConfig.
func (c *Config) validateAgents() []ValidationError {
	var errors []ValidationError

	seen := make(map[string]bool)
	for i, agent := range c.Agents.Agents {
		field := fmt.Sprintf("agents[%d]", i)

		if agent.ID == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".id",
				Value:   agent.ID,
				Message: "cannot be empty",
			})
		} else if seen[agent.ID] {
			errors = append(errors, ValidationError{
				Field:   field + ".id",
				Value:   agent.ID,
				Message: "duplicate agent id",
			})
		}
		seen[agent.ID] = true

		if !IsValidProvider(agent.Provider) {
			errors = append(errors, ValidationError{
				Field:   field + ".provider",
				Value:   agent.Provider,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidProviders(), ", ")),
			})
		}

		if agent.Command == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".command",
				Value:   agent.Command,
				Message: "cannot be empty",
			})
		}
	}

	return errors
}

// validateEvals validates the EvalsConfig.
func (c *Config) validateEvals() []ValidationError {
	var errors []ValidationError

	seen := make(map[string]bool)
	for i, eval := range c.Evals.Evals {
		field := fmt.Sprintf("evals[%d]", i)

		if eval.Slug == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".slug",
				Value:   eval.Slug,
				Message: "cannot be empty",
			})
		} else if seen[eval.Slug] {
			errors = append(errors, ValidationError{
				Field:   field + ".slug",
				Value:   eval.Slug,
				Message: "duplicate eval slug",
			})
		}
		seen[eval.Slug] = true

		if eval.Command == "" {
			errors = append(errors, ValidationError{
				Field:   field + ".command",
				Value:   eval.Command,
				Message: "cannot be empty",
			})
		}

		if eval.TimeoutMs < 0 {
			errors = append(errors, ValidationError{
				Field:   field + ".timeout",
				Value:   eval.TimeoutMs,
				Message: "must be non-negative (0 uses the default)",
			})
		}
	}

	return errors
}

// validateSandbox validates the SandboxConfig.
func (c *Config) validateSandbox() []ValidationError {
	var errors []ValidationError

	if c.Sandbox.Binary == "" {
		errors = append(errors, ValidationError{
			Field:   "sandbox.binary",
			Value:   c.Sandbox.Binary,
			Message: "cannot be empty",
		})
	}

	return errors
}

// validateOrchestration validates the OrchestrationConfig.
func (c *Config) validateOrchestration() []ValidationError {
	var errors []ValidationError

	const minMaxParallel = 1
	const maxMaxParallel = 64
	if c.Orchestration.MaxParallel < minMaxParallel {
		errors = append(errors, ValidationError{
			Field:   "orchestration.max_parallel",
			Value:   c.Orchestration.MaxParallel,
			Message: fmt.Sprintf("must be at least %d", minMaxParallel),
		})
	}
	if c.Orchestration.MaxParallel > maxMaxParallel {
		errors = append(errors, ValidationError{
			Field:   "orchestration.max_parallel",
			Value:   c.Orchestration.MaxParallel,
			Message: fmt.Sprintf("exceeds maximum of %d", maxMaxParallel),
		})
	}

	if c.Orchestration.SilenceTimeoutMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestration.silence_timeout_ms",
			Value:   c.Orchestration.SilenceTimeoutMs,
			Message: "must be positive",
		})
	}

	if c.Orchestration.WallClockCapMs <= 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestration.wall_clock_cap_ms",
			Value:   c.Orchestration.WallClockCapMs,
			Message: "must be positive",
		})
	}

	if c.Orchestration.SilenceTimeoutMs > 0 && c.Orchestration.WallClockCapMs > 0 &&
		c.Orchestration.SilenceTimeoutMs > c.Orchestration.WallClockCapMs {
		errors = append(errors, ValidationError{
			Field:   "orchestration.silence_timeout_ms",
			Value:   c.Orchestration.SilenceTimeoutMs,
			Message: "should not exceed wall_clock_cap_ms",
		})
	}

	if c.Orchestration.LogMaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestration.log_max_size_mb",
			Value:   c.Orchestration.LogMaxSizeMB,
			Message: "must not be negative (0 disables rotation)",
		})
	}

	if c.Orchestration.LogMaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "orchestration.log_max_backups",
			Value:   c.Orchestration.LogMaxBackups,
			Message: "must not be negative",
		})
	}

	if c.Orchestration.LogLevel != "" && !IsValidLogLevel(c.Orchestration.LogLevel) {
		errors = append(errors, ValidationError{
			Field:   "orchestration.log_level",
			Value:   c.Orchestration.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}

// ClampMaxParallel applies the CLI's --max-parallel clamping behavior
// requested value: a positive integer, clamped to candidateCount.
func ClampMaxParallel(requested, candidateCount int) int {
	if requested < 1 {
		requested = 1
	}
	if candidateCount > 0 && requested > candidateCount {
		return candidateCount
	}
	return requested
}
