package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"nojudge/internal/common/cache"
	"nojudge/internal/common/db"
	"nojudge/internal/common/mq"
	"nojudge/internal/common/storage"
	"nojudge/internal/judge/sandbox"
	"nojudge/internal/judge/sandbox/engine"
	"nojudge/internal/judge/testdata"
	"nojudge/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultJobRootDir      = "tmp/noj-judge-jobs"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	ClientID      string        `yaml:"clientID"`
	MinBytes      int           `yaml:"minBytes"`
	MaxBytes      int           `yaml:"maxBytes"`
	MaxWait       time.Duration `yaml:"maxWait"`
	BatchSize     int           `yaml:"batchSize"`
	BatchTimeout  time.Duration `yaml:"batchTimeout"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumerGroup"`
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryDelay    time.Duration `yaml:"retryDelay"`
	RetryTopic    string        `yaml:"retryTopic"`
	PoolRetryMax  int           `yaml:"poolRetryMax"`
	PoolRetryBase time.Duration `yaml:"poolRetryBaseDelay"`
	PoolRetryMaxD time.Duration `yaml:"poolRetryMaxDelay"`
	DeadLetter    string        `yaml:"deadLetterTopic"`
	// TopicWeight and RetryWeight set the fetch ratio between new and requeued jobs.
	TopicWeight int `yaml:"topicWeight"`
	RetryWeight int `yaml:"retryWeight"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	PoolSize int           `yaml:"poolSize"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SourceConfig holds source download settings.
type SourceConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// StatusConfig holds status snapshot and event settings.
type StatusConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	Timeout    time.Duration `yaml:"timeout"`
	FinalTopic string        `yaml:"finalTopic"`
}

// JudgeConfig holds checker and artifact settings.
type JudgeConfig struct {
	CheckerTimeout   time.Duration `yaml:"checkerTimeout"`
	ArtifactMaxBytes int64         `yaml:"artifactMaxBytes"`
}

// SandboxConfig holds container and workspace settings.
type SandboxConfig struct {
	Image            string `yaml:"image"`
	CPUs             string `yaml:"cpus"`
	Memory           string `yaml:"memory"`
	PidsLimit        int64  `yaml:"pidsLimit"`
	TmpfsSize        string `yaml:"tmpfsSize"`
	JobRootDir       string `yaml:"jobRootDir"`
	OutputLimitBytes int64  `yaml:"outputLimitBytes"`
	RunOverheadMs    int64  `yaml:"runOverheadMs"`
	FirewallNetwork  string `yaml:"firewallNetwork"`
}

// AppConfig holds judge-worker config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Testdata testdata.Config     `yaml:"testdata"`
	Worker   WorkerConfig        `yaml:"worker"`
	Source   SourceConfig        `yaml:"source"`
	Status   StatusConfig        `yaml:"status"`
	Judge    JudgeConfig         `yaml:"judge"`
	Sandbox  SandboxConfig       `yaml:"sandbox"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads the YAML file, fills defaults and then applies NOJ_*
// environment overrides. A .env file in the working directory is loaded first.
func loadAppConfig(path string) (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env failed: %w", err)
	}
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 1
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = 24 * time.Hour
	}
	if cfg.Status.FinalTopic == "" {
		cfg.Status.FinalTopic = "noj-judge-status"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "noj-judge"
	}
	if cfg.Kafka.RetryTopic == "" {
		cfg.Kafka.RetryTopic = cfg.Kafka.Topic + "-retry"
	}
	if cfg.Kafka.DeadLetter == "" {
		cfg.Kafka.DeadLetter = cfg.Kafka.Topic + "-dlq"
	}
	if cfg.Kafka.PoolRetryMax <= 0 {
		cfg.Kafka.PoolRetryMax = 5
	}
	if cfg.Kafka.PoolRetryBase == 0 {
		cfg.Kafka.PoolRetryBase = time.Second
	}
	if cfg.Kafka.PoolRetryMaxD == 0 {
		cfg.Kafka.PoolRetryMaxD = 30 * time.Second
	}
	if cfg.Kafka.TopicWeight <= 0 {
		cfg.Kafka.TopicWeight = 4
	}
	if cfg.Kafka.RetryWeight <= 0 {
		cfg.Kafka.RetryWeight = 1
	}

	d := engine.DefaultConfig()
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = d.Image
	}
	if cfg.Sandbox.CPUs == "" {
		cfg.Sandbox.CPUs = d.CPUs
	}
	if cfg.Sandbox.Memory == "" {
		cfg.Sandbox.Memory = d.Memory
	}
	if cfg.Sandbox.PidsLimit <= 0 {
		cfg.Sandbox.PidsLimit = d.PidsLimit
	}
	if cfg.Sandbox.TmpfsSize == "" {
		cfg.Sandbox.TmpfsSize = d.TmpfsSize
	}
	if cfg.Sandbox.JobRootDir == "" {
		cfg.Sandbox.JobRootDir = defaultJobRootDir
	}
	r := sandbox.DefaultConfig()
	if cfg.Sandbox.OutputLimitBytes <= 0 {
		cfg.Sandbox.OutputLimitBytes = r.OutputLimitBytes
	}
	if cfg.Sandbox.RunOverheadMs <= 0 {
		cfg.Sandbox.RunOverheadMs = r.RunOverheadMs
	}
	if cfg.Sandbox.FirewallNetwork == "" {
		cfg.Sandbox.FirewallNetwork = r.FirewallNetwork
	}
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides config values from NOJ_* variables.
func applyEnv(cfg *AppConfig, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("NOJ_SANDBOX_IMAGE", &cfg.Sandbox.Image)
	str("NOJ_JUDGE_JOB_ROOT_DIR", &cfg.Sandbox.JobRootDir)
	str("NOJ_SANDBOX_DOCKER_CPUS", &cfg.Sandbox.CPUs)
	str("NOJ_SANDBOX_DOCKER_MEMORY", &cfg.Sandbox.Memory)
	str("NOJ_SANDBOX_DOCKER_TMPFS_SIZE", &cfg.Sandbox.TmpfsSize)
	str("NOJ_REDIS_ADDR", &cfg.Redis.Addr)
	str("NOJ_REDIS_PASSWORD", &cfg.Redis.Password)
	str("NOJ_MYSQL_DSN", &cfg.Database.DSN)
	str("NOJ_MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	str("NOJ_MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	str("NOJ_MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)

	if v, ok := lookup("NOJ_KAFKA_BROKERS"); ok && strings.TrimSpace(v) != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"NOJ_SANDBOX_DOCKER_PIDS_LIMIT", &cfg.Sandbox.PidsLimit},
		{"NOJ_SANDBOX_OUTPUT_LIMIT_BYTES", &cfg.Sandbox.OutputLimitBytes},
		{"NOJ_SANDBOX_RUN_OVERHEAD_MS", &cfg.Sandbox.RunOverheadMs},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s: %q", e.key, v)
		}
		*e.dst = n
	}

	if v, ok := lookup("NOJ_JUDGE_CONCURRENCY"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid NOJ_JUDGE_CONCURRENCY: %q", v)
		}
		cfg.Worker.PoolSize = n
	}
	return nil
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		DialTimeout:  k.DialTimeout,
	}
}

func (k KafkaConfig) weightedTopics() []mq.WeightedTopic {
	return []mq.WeightedTopic{
		{Topic: k.Topic, Weight: k.TopicWeight},
		{Topic: k.RetryTopic, Weight: k.RetryWeight},
	}
}

func (s SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		Image:     s.Image,
		CPUs:      s.CPUs,
		Memory:    s.Memory,
		PidsLimit: s.PidsLimit,
		TmpfsSize: s.TmpfsSize,
	}
}

func (s SandboxConfig) toRunnerConfig() sandbox.Config {
	return sandbox.Config{
		JobRootDir:       s.JobRootDir,
		OutputLimitBytes: s.OutputLimitBytes,
		RunOverheadMs:    s.RunOverheadMs,
		FirewallNetwork:  s.FirewallNetwork,
	}
}
