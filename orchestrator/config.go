package main

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const envconfigPrefix = "CONVEYOR"

// Store backends selectable through configuration.
const (
	StoreBackendMemory  = "memory"
	StoreBackendMongoDB = "mongodb"
)

// Config represents configuration options for the orchestrator.
type Config struct {
	StoreBackend      string        `envconfig:"STORE_BACKEND"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL"`
	SchedulerInterval time.Duration `envconfig:"SCHEDULER_INTERVAL"`
	MaxJobRequeues    int           `envconfig:"MAX_JOB_REQUEUES"`
	AMQPAddress       string        `envconfig:"AMQP_ADDRESS"`
	AMQPUsername      string        `envconfig:"AMQP_USERNAME"`
	AMQPPassword      string        `envconfig:"AMQP_PASSWORD"`
	EventsQueueName   string        `envconfig:"EVENTS_QUEUE_NAME"`
}

// NewConfigWithDefaults returns a Config object with default values already
// applied. Callers are then free to set custom values for the remaining fields
// and/or override default values.
func NewConfigWithDefaults() Config {
	return Config{
		StoreBackend:      StoreBackendMemory,
		HeartbeatTimeout:  120 * time.Second,
		SweepInterval:     30 * time.Second,
		SchedulerInterval: 2 * time.Second,
		MaxJobRequeues:    3,
		EventsQueueName:   "events",
	}
}

// GetConfigFromEnvironment returns configuration derived from environment
// variables
func GetConfigFromEnvironment() (Config, error) {
	c := NewConfigWithDefaults()
	if err := envconfig.Process(envconfigPrefix, &c); err != nil {
		return c, err
	}

	if c.StoreBackend != StoreBackendMemory &&
		c.StoreBackend != StoreBackendMongoDB {
		return c, errors.Errorf(
			"unrecognized store backend %q; valid values are %q and %q",
			c.StoreBackend,
			StoreBackendMemory,
			StoreBackendMongoDB,
		)
	}

	if c.HeartbeatTimeout <= 0 {
		return c, errors.New("the heartbeat timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return c, errors.New("the sweep interval must be positive")
	}
	if c.SchedulerInterval <= 0 {
		return c, errors.New("the scheduler interval must be positive")
	}
	if c.MaxJobRequeues < 0 {
		return c, errors.New("the max job requeues must not be negative")
	}

	if c.AMQPAddress != "" {
		if c.AMQPUsername == "" {
			return c, errors.New(
				"with an AMQP address configured, a value is required for the " +
					fmt.Sprintf("%s_AMQP_USERNAME environment variable", envconfigPrefix),
			)
		}
		if c.AMQPPassword == "" {
			return c, errors.New(
				"with an AMQP address configured, a value is required for the " +
					fmt.Sprintf("%s_AMQP_PASSWORD environment variable", envconfigPrefix),
			)
		}
	}

	return c, nil
}
