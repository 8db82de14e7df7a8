package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v10"
)

// DashboardConfig is the dashboard-process boot configuration, read from
// {home}/dashboard.json with env overrides. The dashboard proxies the node
// API and serves the static UI; it holds no state of its own.
type DashboardConfig struct {
	Redis RedisConfig `json:"redis"`

	// NodeURL is the node gateway every /api and /ws request forwards to.
	NodeURL string `json:"nodeUrl" env:"SCALYCLAW_NODE_URL"`
	// Token gates the proxied surface; usually the same gateway token the
	// node checks again on arrival.
	Token string `json:"token" env:"SCALYCLAW_DASHBOARD_TOKEN"`
	// StaticDir holds the built UI assets.
	StaticDir string `json:"staticDir" env:"SCALYCLAW_DASHBOARD_STATIC"`
	Port      int    `json:"port" env:"SCALYCLAW_DASHBOARD_PORT"`

	AppEnv          string `json:"-" env:"APP_ENV" envDefault:"dev"`
	OTLPEndpoint    string `json:"-" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `json:"-" env:"OTEL_SERVICE_NAME"`
}

func dashboardDefaults(home string) DashboardConfig {
	return DashboardConfig{
		Redis:           RedisConfig{Host: "127.0.0.1", Port: 6379},
		NodeURL:         "http://127.0.0.1:4817",
		StaticDir:       filepath.Join(home, "dashboard"),
		Port:            4819,
		AppEnv:          "dev",
		OTELServiceName: "scalyclaw-dashboard",
	}
}

// LoadDashboard builds the dashboard configuration. The file is optional.
func LoadDashboard() (DashboardConfig, error) {
	dir, err := ConfigDir()
	if err != nil {
		return DashboardConfig{}, err
	}
	cfg := dashboardDefaults(dir)

	path := filepath.Join(dir, "dashboard.json")
	if p := os.Getenv("SCALYCLAW_DASHBOARD_CONFIG"); p != "" {
		path = p
		if _, err := os.Stat(path); err != nil {
			return DashboardConfig{}, fmt.Errorf("op=config.LoadDashboard: %s: %w", path, err)
		}
	}
	if err := decodeFile(path, &cfg); err != nil {
		return DashboardConfig{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return DashboardConfig{}, fmt.Errorf("op=config.LoadDashboard: %w", err)
	}
	return cfg, nil
}
