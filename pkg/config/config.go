// Package config adapts CLI flags (with environment-variable overrides,
// per urfave/cli's Sources) into the flat dotted-key configuration
// described by spec §6. There is no YAML loader — out of scope.
package config

import (
	"time"

	cli "github.com/urfave/cli/v3"
)

// DBDriver selects the SubmissionRegistry backend.
type DBDriver string

const (
	DBDriverInMemory   DBDriver = "inmemory"
	DBDriverPostgreSQL DBDriver = "postgresql"
	DBDriverMongoDB    DBDriver = "mongodb"
)

// Config is the flattened view of every dotted key in spec §6, grouped
// by the subsystem that reads it.
type Config struct {
	TmpPath string
	OutPath string

	SchedulerLookupInterval time.Duration

	ControllerLookupInterval        time.Duration
	ControllerLookupOrphansInterval time.Duration

	AgentEnabled              bool
	AgentID                   string
	AgentCapabilities         []string
	AgentBusyTimeout          time.Duration
	AgentIdleTimeout          time.Duration
	AgentOutputLinesToCollect int

	DBDriver   DBDriver
	DBURL      string
	DBUsername string
	DBPassword string

	BusDriver       BusDriver
	BusKafkaBrokers []string

	LeaseRedisURL string

	ServiceCatalogPath string

	LogLevel string

	// TracingEnabled turns on the OTLP/HTTP trace exporter (pkg/otelhelper.NewTracer).
	// Off by default: every StartSpan call is already a safe no-op without a
	// registered provider, so tracing is opt-in rather than required at boot.
	TracingEnabled bool
}

// BusDriver selects the clusterbus.Bus transport.
type BusDriver string

const (
	BusDriverGoChannel BusDriver = "gochannel"
	BusDriverKafka     BusDriver = "kafka"
)

// Flags is the shared urfave/cli flag set every steep binary registers;
// each binary picks the subset its Config.FromCommand call actually reads.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "tmp-path", Value: "/tmp/steep", Sources: cli.EnvVars("TMP_PATH")},
		&cli.StringFlag{Name: "out-path", Value: "/var/lib/steep/out", Sources: cli.EnvVars("OUT_PATH")},

		&cli.DurationFlag{Name: "scheduler-lookup-interval", Value: 20 * time.Second, Sources: cli.EnvVars("SCHEDULER_LOOKUP_INTERVAL_MILLISECONDS")},

		&cli.DurationFlag{Name: "controller-lookup-interval", Value: 2 * time.Second, Sources: cli.EnvVars("CONTROLLER_LOOKUP_INTERVAL_MILLISECONDS")},
		&cli.DurationFlag{Name: "controller-lookup-orphans-interval", Value: 5 * time.Minute, Sources: cli.EnvVars("CONTROLLER_LOOKUP_ORPHANS_INTERVAL_MILLISECONDS")},

		&cli.BoolFlag{Name: "agent-enabled", Value: true, Sources: cli.EnvVars("AGENT_ENABLED")},
		&cli.StringFlag{Name: "agent-id", Sources: cli.EnvVars("AGENT_ID")},
		&cli.StringSliceFlag{Name: "agent-capabilities", Sources: cli.EnvVars("AGENT_CAPABILITIES")},
		&cli.DurationFlag{Name: "agent-busy-timeout", Value: 30 * time.Second, Sources: cli.EnvVars("AGENT_BUSY_TIMEOUT")},
		&cli.DurationFlag{Name: "agent-idle-timeout", Value: 60 * time.Second, Sources: cli.EnvVars("AGENT_IDLE_TIMEOUT")},
		&cli.IntFlag{Name: "agent-output-lines-to-collect", Value: 100, Sources: cli.EnvVars("AGENT_OUTPUT_LINES_TO_COLLECT")},

		&cli.StringFlag{Name: "db-driver", Value: string(DBDriverInMemory), Sources: cli.EnvVars("DB_DRIVER")},
		&cli.StringFlag{Name: "db-url", Sources: cli.EnvVars("DB_URL")},
		&cli.StringFlag{Name: "db-username", Sources: cli.EnvVars("DB_USERNAME")},
		&cli.StringFlag{Name: "db-password", Sources: cli.EnvVars("DB_PASSWORD")},

		&cli.StringFlag{Name: "bus-driver", Value: string(BusDriverGoChannel), Sources: cli.EnvVars("BUS_DRIVER")},
		&cli.StringSliceFlag{Name: "bus-kafka-brokers", Sources: cli.EnvVars("BUS_KAFKA_BROKERS")},

		&cli.StringFlag{Name: "lease-redis-url", Sources: cli.EnvVars("LEASE_REDIS_URL")},

		&cli.StringFlag{Name: "service-catalog-path", Sources: cli.EnvVars("SERVICE_CATALOG_PATH")},

		&cli.StringFlag{Name: "log-level", Value: "info", Sources: cli.EnvVars("LOG_LEVEL")},

		&cli.BoolFlag{Name: "tracing-enabled", Value: false, Sources: cli.EnvVars("TRACING_ENABLED")},
	}
}

// FromCommand reads every flag in Flags() out of an already-parsed
// command into a Config.
func FromCommand(command *cli.Command) Config {
	return Config{
		TmpPath: command.String("tmp-path"),
		OutPath: command.String("out-path"),

		SchedulerLookupInterval: command.Duration("scheduler-lookup-interval"),

		ControllerLookupInterval:        command.Duration("controller-lookup-interval"),
		ControllerLookupOrphansInterval: command.Duration("controller-lookup-orphans-interval"),

		AgentEnabled:              command.Bool("agent-enabled"),
		AgentID:                   command.String("agent-id"),
		AgentCapabilities:         command.StringSlice("agent-capabilities"),
		AgentBusyTimeout:          command.Duration("agent-busy-timeout"),
		AgentIdleTimeout:          command.Duration("agent-idle-timeout"),
		AgentOutputLinesToCollect: int(command.Int("agent-output-lines-to-collect")),

		DBDriver:   DBDriver(command.String("db-driver")),
		DBURL:      command.String("db-url"),
		DBUsername: command.String("db-username"),
		DBPassword: command.String("db-password"),

		BusDriver:       BusDriver(command.String("bus-driver")),
		BusKafkaBrokers: command.StringSlice("bus-kafka-brokers"),

		LeaseRedisURL: command.String("lease-redis-url"),

		ServiceCatalogPath: command.String("service-catalog-path"),

		LogLevel: command.String("log-level"),

		TracingEnabled: command.Bool("tracing-enabled"),
	}
}
