// Package vertex runs one operator instance: it consumes the inbound flow,
// applies the checkpoint protocols, calls the operator and dispatches outputs.
package vertex

import (
	"errors"
	"log/slog"
	"time"

	"github.com/linkflow/stream/internal/flow"
	"github.com/linkflow/stream/internal/observability/metrics"
	"github.com/linkflow/stream/internal/protocol"
)

var (
	ErrAlreadyRunning = errors.New("vertex: processing already running")
	ErrInvalidConfig  = errors.New("vertex: invalid config")
)

// Downstream is an operator fed by this vertex. Messages are spread over its
// instances by key.
type Downstream struct {
	Operator  string
	Instances []string
}

type Config struct {
	// Instance is the unique name of this operator instance.
	Instance string
	// Roster names every instance of the graph, coordinators included. The
	// instances named by Inputs and Downstream are always added.
	Roster     []string
	Inputs     []flow.ConnectionKey
	Downstream []Downstream

	CheckpointInterval time.Duration
	DominoThreshold    uint64
	AllowReusingState  bool
	// IdleCheckInterval bounds how long the processor waits before checking
	// the backup protocol on a quiet input.
	IdleCheckInterval time.Duration
	Flow              flow.Config

	Logger  *slog.Logger
	Metrics *metrics.ServiceMetrics
	Now     func() time.Time
}

func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 30 * time.Second,
		DominoThreshold:    protocol.DefaultThreshold,
		AllowReusingState:  true,
		IdleCheckInterval:  time.Second,
		Flow:               flow.DefaultConfig(),
	}
}

func (c *Config) normalize() error {
	if c.Instance == "" {
		return errors.Join(ErrInvalidConfig, errors.New("instance name is required"))
	}
	if c.IdleCheckInterval <= 0 {
		c.IdleCheckInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Discard()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Flow.Logger = c.Logger
	c.Flow.Metrics = c.Metrics
	c.Roster = c.peers()
	return nil
}

// peers is the roster extended with every instance this vertex exchanges
// messages with.
func (c *Config) peers() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, name := range c.Roster {
		add(name)
	}
	for _, key := range c.Inputs {
		add(key.Instance)
	}
	for _, d := range c.Downstream {
		for _, name := range d.Instances {
			add(name)
		}
	}
	return names
}
