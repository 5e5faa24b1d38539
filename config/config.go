package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	SeedPath     string `yaml:"seed_path"`
	TargetBinary string `yaml:"target_binary"`
	TargetModule string `yaml:"target_module"` // drcov module filter, defaults to the target's base name

	TracerPath    string        `yaml:"tracer_path"`
	TracerLogDir  string        `yaml:"tracer_log_dir"`
	TraceTimeout  time.Duration `yaml:"trace_timeout"`
	CandidatePath string        `yaml:"candidate_path"`
	OutputDir     string        `yaml:"output_dir"`

	Iterations           int           `yaml:"iterations"`
	ExecTimeout          time.Duration `yaml:"exec_timeout"`
	CrashExitCodes       []int         `yaml:"crash_exit_codes"`
	RandSeed             int64         `yaml:"rand_seed"` // 0 seeds from the clock
	ProgressEvery        int           `yaml:"progress_every"`
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"`
	SeedInbox            string        `yaml:"seed_inbox"`

	SchedulerConfig SchedulerConfig `yaml:"scheduler"`
	TriageConfig    TriageConfig    `yaml:"triage"`

	LogLevel           string `yaml:"log_level"`
	ServiceName        string `yaml:"service_name"`
	DatabaseURL        string `yaml:"database_url"`
	RabbitMQURL        string `yaml:"rabbitmq_url"`
	RedisUrl           string `yaml:"redis_url"`
	RedisSentinelHosts string `yaml:"redis_sentinel_hosts"`
	RedisMasterName    string `yaml:"redis_master"`
	OtelEndpoint       string `yaml:"otel_endpoint"`
}

type SchedulerConfig struct {
	PoolSize   int `yaml:"pool_size"`
	Multiplier int `yaml:"multiplier"`
}

type TriageConfig struct {
	DebuggerPath    string        `yaml:"debugger_path"`
	BacktraceFrames int           `yaml:"backtrace_frames"`
	Timeout         time.Duration `yaml:"timeout"`
}

// Args carries what was given on the command line.
type Args struct {
	SeedPath string
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		TracerPath:           "drrun",
		TracerLogDir:         filepath.Join("data", "coverage"),
		TraceTimeout:         60 * time.Second,
		CandidatePath:        filepath.Join("data", "fuzzed.pdf"),
		OutputDir:            "crashes",
		Iterations:           1000,
		ExecTimeout:          2 * time.Second,
		CrashExitCodes:       []int{139, -11},
		ProgressEvery:        100,
		MaxConsecutiveErrors: 100,
		SchedulerConfig: SchedulerConfig{
			PoolSize:   100,
			Multiplier: 10,
		},
		TriageConfig: TriageConfig{
			DebuggerPath:    "gdb",
			BacktraceFrames: 3,
			Timeout:         60 * time.Second,
		},
		LogLevel:    "info",
		ServiceName: "covfuzz",
	}
}

// stopMargin covers draining the crash sinks and flushing the report once
// the last iteration is over.
const stopMargin = 30 * time.Second

// StopTimeout bounds a graceful shutdown: the iteration in flight may still
// need a full trace, a direct run and a debugger pass.
func (c *AppConfig) StopTimeout() time.Duration {
	return c.TraceTimeout + c.ExecTimeout + c.TriageConfig.Timeout + stopMargin
}

func LoadConfig(args Args) (*AppConfig, error) {
	godotenv.Load()
	return Load(args, os.Getenv)
}

// Load layers defaults, the YAML file named by COVFUZZ_CONFIG, the
// environment and finally the command line.
func Load(args Args, getenv func(string) string) (*AppConfig, error) {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	config := defaultConfig()
	if path := getenv("COVFUZZ_CONFIG"); path != "" {
		if err := loadFile(path, config); err != nil {
			return nil, err
		}
		logger.Debug("loaded config file", zap.String("path", path))
	}

	config.SeedPath = parseString(getenv("SEED_PATH"), config.SeedPath)
	config.TargetBinary = parseString(getenv("TARGET_BINARY"), config.TargetBinary)
	config.TargetModule = parseString(getenv("TARGET_MODULE"), config.TargetModule)
	config.TracerPath = parseString(getenv("TRACER_PATH"), config.TracerPath)
	config.TracerLogDir = parseString(getenv("TRACER_LOG_DIR"), config.TracerLogDir)
	config.TraceTimeout = parseDuration(getenv("TRACE_TIMEOUT"), config.TraceTimeout)
	config.CandidatePath = parseString(getenv("CANDIDATE_PATH"), config.CandidatePath)
	config.OutputDir = parseString(getenv("OUTPUT_DIR"), config.OutputDir)
	config.Iterations = parseInt(getenv("ITERATIONS"), config.Iterations)
	config.ExecTimeout = parseDuration(getenv("EXEC_TIMEOUT"), config.ExecTimeout)
	config.CrashExitCodes = parseIntList(getenv("CRASH_EXIT_CODES"), config.CrashExitCodes)
	config.RandSeed = int64(parseInt(getenv("RAND_SEED"), int(config.RandSeed)))
	config.ProgressEvery = parseInt(getenv("PROGRESS_EVERY"), config.ProgressEvery)
	config.MaxConsecutiveErrors = parseInt(getenv("MAX_CONSECUTIVE_ERRORS"), config.MaxConsecutiveErrors)
	config.SeedInbox = parseString(getenv("SEED_INBOX"), config.SeedInbox)
	config.SchedulerConfig.PoolSize = parseInt(getenv("POOL_SIZE"), config.SchedulerConfig.PoolSize)
	config.SchedulerConfig.Multiplier = parseInt(getenv("POOL_MULTIPLIER"), config.SchedulerConfig.Multiplier)
	config.TriageConfig.DebuggerPath = parseString(getenv("DEBUGGER_PATH"), config.TriageConfig.DebuggerPath)
	config.TriageConfig.BacktraceFrames = parseInt(getenv("BACKTRACE_FRAMES"), config.TriageConfig.BacktraceFrames)
	config.TriageConfig.Timeout = parseDuration(getenv("TRIAGE_TIMEOUT"), config.TriageConfig.Timeout)
	config.LogLevel = parseString(getenv("LOG_LEVEL"), config.LogLevel)
	config.ServiceName = parseString(getenv("SERVICE_NAME"), config.ServiceName)
	config.DatabaseURL = parseString(getenv("DATABASE_URL"), config.DatabaseURL)
	config.RabbitMQURL = parseString(getenv("RABBITMQ_URL"), config.RabbitMQURL)
	config.RedisUrl = parseString(getenv("REDIS_URL"), config.RedisUrl)
	config.RedisSentinelHosts = parseString(getenv("REDIS_SENTINEL_HOSTS"), config.RedisSentinelHosts)
	config.RedisMasterName = parseString(getenv("REDIS_MASTER"), config.RedisMasterName)
	config.OtelEndpoint = parseString(getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), config.OtelEndpoint)

	if args.SeedPath != "" {
		config.SeedPath = args.SeedPath
	}

	if config.SeedPath == "" {
		return nil, errors.New("a seed path is required")
	}
	if config.TargetBinary == "" {
		return nil, errors.New("TARGET_BINARY environment variable is required")
	}
	if config.TargetModule == "" {
		config.TargetModule = filepath.Base(config.TargetBinary)
	}
	if config.Iterations < 0 {
		config.Iterations = 0
	}

	return config, nil
}

func loadFile(path string, config *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func parseString(val string, defaultVal string) string {
	if val == "" {
		return defaultVal
	}
	return val
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func parseIntList(val string, defaultVal []int) []int {
	if val == "" {
		return defaultVal
	}
	var out []int
	for _, field := range strings.Split(val, ",") {
		i, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return defaultVal
		}
		out = append(out, i)
	}
	return out
}
