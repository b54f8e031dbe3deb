package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"driftmesh/go-core/pkg/models"

	ma "github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

// Config is the full node configuration, loaded once at startup.
type Config struct {
	Node       NodeConfig              `yaml:"node"`
	Transports TransportConfigs        `yaml:"transports"`
	Fallback   FallbackConfig          `yaml:"fallback"`
	Sync       SyncConfig              `yaml:"sync"`
	Chunks     ChunkConfig             `yaml:"chunks"`
	Collab     CollabConfig            `yaml:"collaboration"`
	Security   SecurityConfig          `yaml:"security"`
	Roles      map[string][]string     `yaml:"roles"`
	Users      map[string]UserAccount  `yaml:"users"`
}

type NodeConfig struct {
	DisplayName string `yaml:"displayName"`
	DataDir     string `yaml:"dataDir"`
	SeedPath    string `yaml:"seedPath"`
}

// TransportBootstrap is one transport's static bootstrap block.
type TransportBootstrap struct {
	Enabled        *bool         `yaml:"enabled"`
	Discovery      string        `yaml:"discovery"`
	Port           int           `yaml:"port"`
	BootstrapPeers []string      `yaml:"bootstrapPeers"`
	Capabilities   []string      `yaml:"capabilities"`
	AnnounceEvery  time.Duration `yaml:"announceInterval"`
	StaleAfter     time.Duration `yaml:"staleAfter"`
	EvictAfter     time.Duration `yaml:"evictAfter"`
	SignalFloor    int           `yaml:"signalFloor"`
	BucketSize     int           `yaml:"bucketSize"`
}

type TransportConfigs struct {
	Mesh      TransportBootstrap `yaml:"mesh"`
	Local     TransportBootstrap `yaml:"local"`
	Proximity TransportBootstrap `yaml:"proximity"`
}

type FallbackConfig struct {
	HealthInterval   time.Duration  `yaml:"healthInterval"`
	RecoveryInterval time.Duration  `yaml:"recoveryInterval"`
	RecoveryMargin   float64        `yaml:"recoveryMargin"`
	Rules            []FallbackRule `yaml:"rules"`
}

// FallbackRule is one declarative switchover rule, evaluated in order.
type FallbackRule struct {
	From      models.TransportKind `yaml:"from"`
	To        models.TransportKind `yaml:"to"`
	Condition string               `yaml:"condition"`
	Threshold float64              `yaml:"threshold"`
	Disabled  bool                 `yaml:"disabled"`
}

const (
	CondLatencyHigh    = "latency_high"
	CondConnectionLost = "connection_lost"
	CondReliabilityLow = "reliability_low"
)

type SyncConfig struct {
	AntiEntropyInterval  time.Duration `yaml:"antiEntropyInterval"`
	QueueBatch           int           `yaml:"queueBatch"`
	OfflineQueueCapacity int           `yaml:"offlineQueueCapacity"`
}

type ChunkConfig struct {
	ChunkSize         int           `yaml:"chunkSize"`
	ReplicationFactor int           `yaml:"replicationFactor"`
	RetrieveTimeout   time.Duration `yaml:"retrieveTimeout"`
	FetchConcurrency  int           `yaml:"fetchConcurrency"`
	DistributeRPS     float64       `yaml:"distributeRps"`
	DistributeBurst   int           `yaml:"distributeBurst"`
}

type CollabConfig struct {
	HistoryLimit    int           `yaml:"historyLimit"`
	HistoryTrim     int           `yaml:"historyTrim"`
	InactiveAfter   time.Duration `yaml:"inactiveAfter"`
	RemoveAfter     time.Duration `yaml:"removeAfter"`
	SessionIdle     time.Duration `yaml:"sessionIdle"`
	SessionPurge    time.Duration `yaml:"sessionPurge"`
	PresenceSweep   time.Duration `yaml:"presenceSweep"`
	SessionSweep    time.Duration `yaml:"sessionSweep"`
}

type SecurityConfig struct {
	SessionTTL      time.Duration `yaml:"sessionTTL"`
	SessionSweep    time.Duration `yaml:"sessionSweep"`
	AuditLogLimit   int           `yaml:"auditLogLimit"`
	TokenSecretPath string        `yaml:"tokenSecretPath"`
}

type UserAccount struct {
	PasswordHash string `yaml:"passwordHash"`
	Role         string `yaml:"role"`
}

func Default() Config {
	return Config{
		Node: NodeConfig{
			DataDir: "data",
		},
		Transports: TransportConfigs{
			Mesh: TransportBootstrap{
				Discovery:     "dht",
				Port:          7400,
				Capabilities:  []string{"sync", "chunks", "collab"},
				AnnounceEvery: 15 * time.Second,
				StaleAfter:    30 * time.Second,
				EvictAfter:    5 * time.Minute,
				BucketSize:    20,
			},
			Local: TransportBootstrap{
				Discovery:     "broadcast",
				Port:          7401,
				Capabilities:  []string{"sync", "collab"},
				AnnounceEvery: 10 * time.Second,
				StaleAfter:    30 * time.Second,
				EvictAfter:    5 * time.Minute,
			},
			Proximity: TransportBootstrap{
				Discovery:     "advertise",
				Capabilities:  []string{"sync"},
				AnnounceEvery: 20 * time.Second,
				StaleAfter:    time.Minute,
				EvictAfter:    5 * time.Minute,
				SignalFloor:   -75,
			},
		},
		Fallback: FallbackConfig{
			HealthInterval:   5 * time.Second,
			RecoveryInterval: 30 * time.Second,
			RecoveryMargin:   20,
			Rules:            DefaultRules(),
		},
		Sync: SyncConfig{
			AntiEntropyInterval:  30 * time.Second,
			QueueBatch:           5,
			OfflineQueueCapacity: 1000,
		},
		Chunks: ChunkConfig{
			ChunkSize:         64 * 1024,
			ReplicationFactor: 3,
			RetrieveTimeout:   30 * time.Second,
			FetchConcurrency:  5,
			DistributeRPS:     64,
			DistributeBurst:   16,
		},
		Collab: CollabConfig{
			HistoryLimit:  1000,
			HistoryTrim:   500,
			InactiveAfter: 30 * time.Second,
			RemoveAfter:   5 * time.Minute,
			SessionIdle:   time.Hour,
			SessionPurge:  24 * time.Hour,
			PresenceSweep: 10 * time.Second,
			SessionSweep:  5 * time.Minute,
		},
		Security: SecurityConfig{
			SessionTTL:    8 * time.Hour,
			SessionSweep:  5 * time.Minute,
			AuditLogLimit: 10000,
		},
		Roles: DefaultRoles(),
	}
}

// DefaultRules is the standing fallback chain: mesh -> local -> proximity -> offline.
func DefaultRules() []FallbackRule {
	return []FallbackRule{
		{From: models.TransportMesh, To: models.TransportLocal, Condition: CondLatencyHigh, Threshold: 500},
		{From: models.TransportMesh, To: models.TransportLocal, Condition: CondConnectionLost},
		{From: models.TransportMesh, To: models.TransportLocal, Condition: CondReliabilityLow, Threshold: 80},
		{From: models.TransportLocal, To: models.TransportProximity, Condition: CondConnectionLost},
		{From: models.TransportLocal, To: models.TransportProximity, Condition: CondLatencyHigh, Threshold: 1000},
		{From: models.TransportProximity, To: models.TransportOffline, Condition: CondConnectionLost},
		{From: models.TransportProximity, To: models.TransportOffline, Condition: CondReliabilityLow, Threshold: 50},
	}
}

// DefaultRoles is the declarative role -> permission-set table.
func DefaultRoles() map[string][]string {
	return map[string][]string{
		"admin":    {"read", "write", "delete", "manage_users", "manage_security", "network_admin"},
		"editor":   {"read", "write", "collaborate", "store_objects"},
		"reviewer": {"read", "write", "collaborate"},
		"observer": {"read"},
	}
}

// LoadFromPath reads the yaml config at path, falling back to defaults
// for anything unset. A missing file yields the defaults.
func LoadFromPath(path string) (Config, error) {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if path != "" {
		candidates = append(candidates, path)
	} else {
		candidates = append(candidates, "configs/config.yaml", "config.yaml")
	}

	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err != nil {
			continue
		}
		var parsed Config
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", candidate, err)
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(dst *Config, src Config) {
	if src.Node.DisplayName != "" {
		dst.Node.DisplayName = src.Node.DisplayName
	}
	if src.Node.DataDir != "" {
		dst.Node.DataDir = src.Node.DataDir
	}
	if src.Node.SeedPath != "" {
		dst.Node.SeedPath = src.Node.SeedPath
	}
	mergeTransport(&dst.Transports.Mesh, src.Transports.Mesh)
	mergeTransport(&dst.Transports.Local, src.Transports.Local)
	mergeTransport(&dst.Transports.Proximity, src.Transports.Proximity)
	if src.Fallback.HealthInterval != 0 {
		dst.Fallback.HealthInterval = src.Fallback.HealthInterval
	}
	if src.Fallback.RecoveryInterval != 0 {
		dst.Fallback.RecoveryInterval = src.Fallback.RecoveryInterval
	}
	if src.Fallback.RecoveryMargin != 0 {
		dst.Fallback.RecoveryMargin = src.Fallback.RecoveryMargin
	}
	if len(src.Fallback.Rules) > 0 {
		dst.Fallback.Rules = src.Fallback.Rules
	}
	if src.Sync.AntiEntropyInterval != 0 {
		dst.Sync.AntiEntropyInterval = src.Sync.AntiEntropyInterval
	}
	if src.Sync.QueueBatch != 0 {
		dst.Sync.QueueBatch = src.Sync.QueueBatch
	}
	if src.Sync.OfflineQueueCapacity != 0 {
		dst.Sync.OfflineQueueCapacity = src.Sync.OfflineQueueCapacity
	}
	if src.Chunks.ChunkSize != 0 {
		dst.Chunks.ChunkSize = src.Chunks.ChunkSize
	}
	if src.Chunks.ReplicationFactor != 0 {
		dst.Chunks.ReplicationFactor = src.Chunks.ReplicationFactor
	}
	if src.Chunks.RetrieveTimeout != 0 {
		dst.Chunks.RetrieveTimeout = src.Chunks.RetrieveTimeout
	}
	if src.Chunks.FetchConcurrency != 0 {
		dst.Chunks.FetchConcurrency = src.Chunks.FetchConcurrency
	}
	if src.Chunks.DistributeRPS != 0 {
		dst.Chunks.DistributeRPS = src.Chunks.DistributeRPS
	}
	if src.Chunks.DistributeBurst != 0 {
		dst.Chunks.DistributeBurst = src.Chunks.DistributeBurst
	}
	if src.Collab.HistoryLimit != 0 {
		dst.Collab.HistoryLimit = src.Collab.HistoryLimit
	}
	if src.Collab.HistoryTrim != 0 {
		dst.Collab.HistoryTrim = src.Collab.HistoryTrim
	}
	if src.Collab.InactiveAfter != 0 {
		dst.Collab.InactiveAfter = src.Collab.InactiveAfter
	}
	if src.Collab.RemoveAfter != 0 {
		dst.Collab.RemoveAfter = src.Collab.RemoveAfter
	}
	if src.Collab.SessionIdle != 0 {
		dst.Collab.SessionIdle = src.Collab.SessionIdle
	}
	if src.Collab.SessionPurge != 0 {
		dst.Collab.SessionPurge = src.Collab.SessionPurge
	}
	if src.Security.SessionTTL != 0 {
		dst.Security.SessionTTL = src.Security.SessionTTL
	}
	if src.Security.SessionSweep != 0 {
		dst.Security.SessionSweep = src.Security.SessionSweep
	}
	if src.Security.AuditLogLimit != 0 {
		dst.Security.AuditLogLimit = src.Security.AuditLogLimit
	}
	if src.Security.TokenSecretPath != "" {
		dst.Security.TokenSecretPath = src.Security.TokenSecretPath
	}
	if len(src.Roles) > 0 {
		dst.Roles = src.Roles
	}
	if len(src.Users) > 0 {
		dst.Users = src.Users
	}
}

func mergeTransport(dst *TransportBootstrap, src TransportBootstrap) {
	if src.Enabled != nil {
		dst.Enabled = src.Enabled
	}
	if src.Discovery != "" {
		dst.Discovery = src.Discovery
	}
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.BootstrapPeers != nil {
		dst.BootstrapPeers = src.BootstrapPeers
	}
	if src.Capabilities != nil {
		dst.Capabilities = src.Capabilities
	}
	if src.AnnounceEvery != 0 {
		dst.AnnounceEvery = src.AnnounceEvery
	}
	if src.StaleAfter != 0 {
		dst.StaleAfter = src.StaleAfter
	}
	if src.EvictAfter != 0 {
		dst.EvictAfter = src.EvictAfter
	}
	if src.SignalFloor != 0 {
		dst.SignalFloor = src.SignalFloor
	}
	if src.BucketSize != 0 {
		dst.BucketSize = src.BucketSize
	}
}

func applyEnvOverrides(cfg *Config) {
	if dir := strings.TrimSpace(os.Getenv("DRIFTMESH_DATA_DIR")); dir != "" {
		cfg.Node.DataDir = dir
	}
	if raw := strings.TrimSpace(os.Getenv("DRIFTMESH_HEALTH_INTERVAL")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Fallback.HealthInterval = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("DRIFTMESH_SESSION_TTL")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.Security.SessionTTL = d
		}
	}
	if raw := strings.TrimSpace(os.Getenv("DRIFTMESH_MESH_PORT")); raw != "" {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 && p < 65536 {
			cfg.Transports.Mesh.Port = p
		}
	}
}

func normalize(cfg *Config) {
	def := Default()
	if cfg.Fallback.HealthInterval <= 0 {
		cfg.Fallback.HealthInterval = def.Fallback.HealthInterval
	}
	if cfg.Fallback.RecoveryInterval <= 0 {
		cfg.Fallback.RecoveryInterval = def.Fallback.RecoveryInterval
	}
	if cfg.Chunks.ChunkSize <= 0 {
		cfg.Chunks.ChunkSize = def.Chunks.ChunkSize
	}
	if cfg.Chunks.ReplicationFactor <= 0 {
		cfg.Chunks.ReplicationFactor = def.Chunks.ReplicationFactor
	}
	if cfg.Chunks.FetchConcurrency <= 0 {
		cfg.Chunks.FetchConcurrency = def.Chunks.FetchConcurrency
	}
	if cfg.Sync.QueueBatch <= 0 {
		cfg.Sync.QueueBatch = def.Sync.QueueBatch
	}
	if cfg.Sync.OfflineQueueCapacity <= 0 {
		cfg.Sync.OfflineQueueCapacity = def.Sync.OfflineQueueCapacity
	}
	if cfg.Collab.HistoryTrim > cfg.Collab.HistoryLimit {
		cfg.Collab.HistoryTrim = cfg.Collab.HistoryLimit / 2
	}
	if cfg.Security.SessionTTL <= 0 {
		cfg.Security.SessionTTL = def.Security.SessionTTL
	}
	if cfg.Security.AuditLogLimit <= 0 {
		cfg.Security.AuditLogLimit = def.Security.AuditLogLimit
	}
}

// Validate rejects malformed bootstrap addresses and rules up front so a
// bad config fails at startup, not at first switchover.
func Validate(cfg Config) error {
	for _, addr := range cfg.Transports.Mesh.BootstrapPeers {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("mesh bootstrap peer %q: %w", addr, err)
		}
	}
	for _, rule := range cfg.Fallback.Rules {
		if !rule.From.Valid() || !rule.To.Valid() {
			return fmt.Errorf("fallback rule %s -> %s references unknown transport", rule.From, rule.To)
		}
		switch rule.Condition {
		case CondLatencyHigh, CondConnectionLost, CondReliabilityLow:
		default:
			return fmt.Errorf("fallback rule condition %q is not recognized", rule.Condition)
		}
	}
	for name, account := range cfg.Users {
		if _, ok := cfg.Roles[account.Role]; !ok {
			return fmt.Errorf("user %q references unknown role %q", name, account.Role)
		}
	}
	return nil
}
