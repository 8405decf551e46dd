package middleware

import "time"

// NewDefaultChain assembles the production chain in its declared order:
// redaction, model selection, monitoring, checkpoint trigger, logging.
func NewDefaultChain(modelSelectEnabled bool, metrics *Metrics, checkpointInterval, longOpThreshold time.Duration) *Chain {
	return NewChain(
		NewRedaction(),
		NewModelSelect(modelSelectEnabled),
		NewMonitor(metrics),
		NewCheckpointTrigger(checkpointInterval, longOpThreshold),
		NewLogging(),
	)
}
