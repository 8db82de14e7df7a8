// Package registry tracks live ScalyClaw processes in Redis.
//
// Each process writes process:{id} with a 60 second TTL and refreshes it
// every 20 seconds, so a row older than three missed beats disappears on its
// own. Listings sort node before worker before dashboard.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Registry implements domain.Registry.
type Registry struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func New(rdb *redis.Client, logger *slog.Logger) *Registry {
	return &Registry{rdb: rdb, logger: logger}
}

// NewProcessInfo describes the current process for registration.
func NewProcessInfo(ptype domain.ProcessType, version string) domain.ProcessInfo {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	info := domain.ProcessInfo{
		ID:        fmt.Sprintf("%s-%s-%d-%s", ptype, host, os.Getpid(), uuid.NewString()[:8]),
		Type:      ptype,
		Host:      host,
		PID:       os.Getpid(),
		Version:   version,
		StartedAt: time.Now().UTC(),
		Extra: map[string]string{
			"go":   runtime.Version(),
			"cpus": strconv.Itoa(runtime.NumCPU()),
		},
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.Extra["memUsedPct"] = strconv.FormatFloat(vm.UsedPercent, 'f', 1, 64)
	}
	return info
}

// Register writes the process row with the registry TTL.
func (r *Registry) Register(ctx context.Context, info domain.ProcessInfo) error {
	if err := r.write(ctx, info); err != nil {
		return fmt.Errorf("op=registry.Register: %w", err)
	}
	observability.ProcessesRegistered.WithLabelValues(string(info.Type)).Inc()
	return nil
}

// Deregister removes the process row.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, domain.KeyProcess(id)).Err(); err != nil {
		return fmt.Errorf("op=registry.Deregister: %w", err)
	}
	return nil
}

func (r *Registry) write(ctx context.Context, info domain.ProcessInfo) error {
	info.UptimeS = int64(time.Since(info.StartedAt).Seconds())
	if vm, err := mem.VirtualMemory(); err == nil && info.Extra != nil {
		info.Extra["memUsedPct"] = strconv.FormatFloat(vm.UsedPercent, 'f', 1, 64)
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, domain.KeyProcess(info.ID), raw, domain.ProcessTTL).Err()
}

// Heartbeat refreshes the row's TTL and uptime.
func (r *Registry) Heartbeat(ctx context.Context, info domain.ProcessInfo) error {
	if err := r.write(ctx, info); err != nil {
		return fmt.Errorf("op=registry.Heartbeat: %w", err)
	}
	return nil
}

// StartHeartbeat refreshes the registration until the stop func runs.
func (r *Registry) StartHeartbeat(ctx context.Context, info domain.ProcessInfo) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(domain.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := r.Heartbeat(ctx, info); err != nil {
					r.logger.Warn("registry heartbeat failed",
						slog.String("process_id", info.ID), slog.Any("error", err))
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
			observability.ProcessesRegistered.WithLabelValues(string(info.Type)).Dec()
		}
	}
}

var typeRank = map[domain.ProcessType]int{
	domain.ProcessNode:      0,
	domain.ProcessWorker:    1,
	domain.ProcessDashboard: 2,
}

// List scans every process row and sorts by (type, startedAt).
func (r *Registry) List(ctx context.Context) ([]domain.ProcessInfo, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, domain.KeyProcess("*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=registry.List: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("op=registry.List: %w", err)
	}
	out := make([]domain.ProcessInfo, 0, len(rows))
	for i, row := range rows {
		s, ok := row.(string)
		if !ok {
			// Row expired between scan and fetch.
			continue
		}
		var info domain.ProcessInfo
		if err := json.Unmarshal([]byte(s), &info); err != nil {
			r.logger.Warn("skipping malformed process row", slog.String("key", keys[i]))
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := typeRank[out[i].Type], typeRank[out[j].Type]
		if ri != rj {
			return ri < rj
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
