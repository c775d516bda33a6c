package processor

import "strings"

// ProcessorConfig is the per-processor scheduling vocabulary.
type ProcessorConfig struct {
	Enabled           bool               `json:"enabled" mapstructure:"enabled"`
	PollingIntervalMs int                `json:"polling_interval_ms" mapstructure:"pollingIntervalMs"`
	BatchSize         int                `json:"batch_size" mapstructure:"batchSize"`
	BackoffEnabled    bool               `json:"backoff_enabled" mapstructure:"backoffEnabled"`
	BackoffThreshold  int                `json:"backoff_threshold" mapstructure:"backoffThreshold"`
	BackoffMultiplier int                `json:"backoff_multiplier" mapstructure:"backoffMultiplier"`
	BackoffMaxSeconds int                `json:"backoff_max_seconds" mapstructure:"backoffMaxSeconds"`
	MaxErrors         int                `json:"max_errors" mapstructure:"maxErrors"`
	Subscription      SubscriptionConfig `json:"subscription" mapstructure:"subscription"`
}

// SubscriptionConfig is the comma-separated string form used in config files.
// Entries are trimmed; empty entries are dropped.
type SubscriptionConfig struct {
	EventTypes   string `json:"event_types" mapstructure:"eventTypes"`
	RequiredTags string `json:"required_tags" mapstructure:"requiredTags"`
	AnyOfTags    string `json:"any_of_tags" mapstructure:"anyOfTags"`
	ExactTags    string `json:"exact_tags" mapstructure:"exactTags"`
	Publishers   string `json:"publishers" mapstructure:"publishers"`
}

// DefaultProcessorConfig returns the defaults applied where a field is unset.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Enabled:           true,
		PollingIntervalMs: 1000,
		BatchSize:         100,
		BackoffEnabled:    true,
		BackoffThreshold:  3,
		BackoffMultiplier: 2,
		BackoffMaxSeconds: 60,
		MaxErrors:         5,
	}
}

// withDefaults fills unset numeric fields from DefaultProcessorConfig.
func (c ProcessorConfig) withDefaults() ProcessorConfig {
	d := DefaultProcessorConfig()
	if c.PollingIntervalMs <= 0 {
		c.PollingIntervalMs = d.PollingIntervalMs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BackoffThreshold <= 0 {
		c.BackoffThreshold = d.BackoffThreshold
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = d.BackoffMaxSeconds
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	return c
}

// splitSet turns a comma-separated string into a trimmed list, dropping empty
// entries.
func splitSet(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
