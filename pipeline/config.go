package pipeline

// RuntimeConfig holds the integer knobs governing retry limits and
// escalation thresholds. Keys absent from the map fall back to defaults,
// so a partially populated config is always usable.
type RuntimeConfig map[string]int

// Config keys.
const (
	KeyMaxPlanRevisions       = "max_plan_revisions"
	KeyMaxDesignRevisions     = "max_design_revisions"
	KeyMaxCodeRevisions       = "max_code_revisions"
	KeyMaxExecutionRetries    = "max_execution_retries"
	KeyMaxPhysicsRetries      = "max_physics_retries"
	KeyMaxComparisonRevisions = "max_comparison_revisions"
	KeyMaxReplans             = "max_replans"
	KeyMaxBacktracks          = "max_backtracks"
	KeyStuckWarnThreshold     = "stuck_warn_threshold"
	KeyStuckErrorThreshold    = "stuck_error_threshold"
	KeyStuckAutoClear         = "stuck_auto_clear_threshold"
	KeyHumanTimeoutSeconds    = "human_timeout_seconds"
)

var configDefaults = RuntimeConfig{
	KeyMaxPlanRevisions:       3,
	KeyMaxDesignRevisions:     3,
	KeyMaxCodeRevisions:       3,
	KeyMaxExecutionRetries:    2,
	KeyMaxPhysicsRetries:      2,
	KeyMaxComparisonRevisions: 3,
	KeyMaxReplans:             2,
	KeyMaxBacktracks:          3,
	KeyStuckWarnThreshold:     3,
	KeyStuckErrorThreshold:    5,
	KeyStuckAutoClear:         7,
	KeyHumanTimeoutSeconds:    600,
}

// DefaultConfig returns a copy of the built-in defaults.
func DefaultConfig() RuntimeConfig {
	out := make(RuntimeConfig, len(configDefaults))
	for k, v := range configDefaults {
		out[k] = v
	}
	return out
}

// Normalize fills missing keys from the defaults, returning a complete
// config. A nil receiver yields the full default set. Use it at the
// configuration boundary so consumers can assume every key is present.
func (c RuntimeConfig) Normalize() RuntimeConfig {
	out := DefaultConfig()
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Value returns the configured value for key, or the built-in default
// when the key is absent. An explicitly configured zero or negative
// value is honored as-is; for the stuck thresholds that disables them.
func (c RuntimeConfig) Value(key string) int {
	if c != nil {
		if v, ok := c[key]; ok {
			return v
		}
	}
	return configDefaults[key]
}

// ValueOr returns the configured value for key, or fallback when absent.
func (c RuntimeConfig) ValueOr(key string, fallback int) int {
	if c != nil {
		if v, ok := c[key]; ok {
			return v
		}
	}
	return fallback
}
