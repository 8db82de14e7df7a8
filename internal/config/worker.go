package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

// WorkerConfig is the worker-process boot configuration, read from
// {home}/worker.json (or SCALYCLAW_WORKER_CONFIG) with env overrides.
type WorkerConfig struct {
	Redis RedisConfig `json:"redis"`

	// NodeURL is the node gateway the worker fetches skill bundles from.
	NodeURL string `json:"nodeUrl" env:"SCALYCLAW_NODE_URL"`
	// Token authenticates worker calls against the node API.
	Token string `json:"token" env:"SCALYCLAW_WORKER_TOKEN"`
	// WorkDir holds per-job workspaces and the skill cache.
	WorkDir     string `json:"workDir" env:"SCALYCLAW_WORKER_DIR"`
	Concurrency int    `json:"concurrency" env:"SCALYCLAW_WORKER_CONCURRENCY"`
	// Port serves the worker's own small HTTP surface.
	Port int `json:"port" env:"SCALYCLAW_WORKER_PORT"`

	// DeniedCommands are argv prefixes refused after substitution.
	DeniedCommands []string `json:"deniedCommands"`
	// JobTimeout bounds a single skill run when the job carries none.
	JobTimeout time.Duration `json:"-" env:"SCALYCLAW_WORKER_JOB_TIMEOUT"`

	AppEnv          string `json:"-" env:"APP_ENV" envDefault:"dev"`
	OTLPEndpoint    string `json:"-" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `json:"-" env:"OTEL_SERVICE_NAME"`
}

func workerDefaults(home string) WorkerConfig {
	return WorkerConfig{
		Redis:       RedisConfig{Host: "127.0.0.1", Port: 6379},
		NodeURL:     "http://127.0.0.1:4817",
		WorkDir:     filepath.Join(home, "worker"),
		Concurrency: 4,
		Port:        4818,
		DeniedCommands: []string{
			"rm -rf /",
			"sudo",
			"shutdown",
			"reboot",
			"mkfs",
			"dd if=",
		},
		JobTimeout:      10 * time.Minute,
		AppEnv:          "dev",
		OTELServiceName: "scalyclaw-worker",
	}
}

// LoadWorker builds the worker configuration. The file is optional; when the
// path was given explicitly it must exist and parse.
func LoadWorker() (WorkerConfig, error) {
	dir, err := ConfigDir()
	if err != nil {
		return WorkerConfig{}, err
	}
	cfg := workerDefaults(dir)

	path := filepath.Join(dir, "worker.json")
	if p := os.Getenv("SCALYCLAW_WORKER_CONFIG"); p != "" {
		path = p
		if _, err := os.Stat(path); err != nil {
			return WorkerConfig{}, fmt.Errorf("op=config.LoadWorker: %s: %w", path, err)
		}
	}
	if err := decodeFile(path, &cfg); err != nil {
		return WorkerConfig{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return WorkerConfig{}, fmt.Errorf("op=config.LoadWorker: %w", err)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return cfg, nil
}

// SkillCacheDir is where fetched skill bundles unpack.
func (c WorkerConfig) SkillCacheDir() string { return filepath.Join(c.WorkDir, "skills") }

// JobsDir holds one workspace directory per running job.
func (c WorkerConfig) JobsDir() string { return filepath.Join(c.WorkDir, "jobs") }
