package config

import (
	"errors"
	"fmt"
)

// Validate checks cross-field constraints after loading. Empty DSN and
// Redis address are legal (in-memory store, inline dispatch); numeric
// knobs must be sane once set.
func (c *Config) Validate() error {
	if c.Worker.Concurrency <= 0 {
		return errors.New("worker.concurrency must be a positive integer")
	}
	for name, priority := range c.Worker.Queues {
		if name == "" {
			return errors.New("worker.queues contains an empty queue name")
		}
		if priority <= 0 {
			return fmt.Errorf("worker.queues priority for queue '%s' must be positive", name)
		}
	}

	if c.Orchestrator.MaxTaskRetries <= 0 {
		return errors.New("orchestrator.max_task_retries must be a positive integer")
	}
	if c.Orchestrator.BatchConcurrency <= 0 {
		return errors.New("orchestrator.batch_concurrency must be a positive integer")
	}
	if c.Orchestrator.DefaultQueueLimit <= 0 {
		return errors.New("orchestrator.default_queue_limit must be a positive integer")
	}
	if c.Orchestrator.HeartbeatTimeoutSeconds <= 0 {
		return errors.New("orchestrator.heartbeat_timeout_seconds must be a positive integer")
	}
	return nil
}
