package domain

import "time"

// Redis keyspace. Every key the runtime touches is formatted here; nothing
// else builds key strings.
const (
	KeyConfig           = "scalyclaw:config"
	KeyVaultRecoveryKey = "scalyclaw:vault:recovery-key"
	KeyCancelSet        = "scalyclaw:cancel"
	KeyScheduledIndex   = "scalyclaw:scheduled:index"
	KeyMemory           = "scalyclaw:memory"
)

// KeyMessages holds a channel's transcript as a capped Redis list.
func KeyMessages(channelID string) string { return "scalyclaw:messages:" + channelID }

func KeySecret(name string) string            { return "scalyclaw:secret:" + name }
func KeyChannelState(channelID string) string { return "scalyclaw:channel:state:" + channelID }
func KeyRateLimit(bucket string) string       { return "scalyclaw:ratelimit:" + bucket }
func KeyResponse(jobID string) string         { return "scalyclaw:response:" + jobID }
func KeyActivity(channelID string) string     { return "scalyclaw:activity:" + channelID }
func KeyScheduled(id string) string           { return "scalyclaw:scheduled:" + id }
func KeyCancelFlag(jobID string) string       { return "scalyclaw:cancel:" + jobID }
func KeyPID(jobID string) string              { return "scalyclaw:pid:" + jobID }
func KeyChannelJobs(channelID string) string  { return "scalyclaw:jobs:" + channelID }
func KeyProcess(id string) string             { return "process:" + id }
func KeyProactiveCooldown(ch string) string   { return "proactive:cooldown:" + ch }
func KeyProactiveDaily(ch string) string      { return "proactive:daily:" + ch }
func KeyUsage(day, model string) string       { return "scalyclaw:usage:" + day + ":" + model }
func KeyChannelUsage(day, ch string) string   { return "scalyclaw:usage-channel:" + day + ":" + ch }

// KeyBudgetAlert dedups one soft-threshold alert per scope and period
// (e.g. "daily-tokens", "2026-08-24").
func KeyBudgetAlert(scope, period string) string {
	return "scalyclaw:budget-alert:" + scope + ":" + period
}

// Pub/sub channels.
const (
	ChanCancelSignal = "scalyclaw:cancel:signal"
	ChanConfigReload = "scalyclaw:config:reload"
	ChanSkillsReload = "scalyclaw:skills:reload"
	ChanMCPReload    = "scalyclaw:mcp:reload"
	// ChanProgressPattern matches every per-channel progress channel.
	ChanProgressPattern = "progress:*"
)

// ChanProgress is the per-channel progress pub/sub channel.
func ChanProgress(channelID string) string { return "progress:" + channelID }

// TTLs and intervals shared across processes. Process TTL is three heartbeat
// periods so one missed beat never drops a live process from listings.
const (
	ProcessTTL        = 60 * time.Second
	HeartbeatInterval = 20 * time.Second
	ResponseTTL       = 5 * time.Minute
	CancelFlagTTL     = 60 * time.Second
	RecoveryKeyTTL    = 5 * time.Minute
)
