package server

import (
	"os"
	"strconv"
	"time"

	"holosync/server/internal/authority"
	"holosync/server/internal/interp"
)

// Environment keys recognised by LoadHubConfig.
const (
	envAddr               = "HOLOSYNC_ADDR"
	envTickRate           = "TICK_RATE"
	envAuthorityMode      = "AUTHORITY_MODE"
	envHistoryCapacity    = "HISTORY_CAPACITY"
	envHistoryMaxAgeMS    = "HISTORY_MAX_AGE_MS"
	envPoseBufferSize     = "POSE_BUFFER_SIZE"
	envPoseBufferDelayMS  = "POSE_BUFFER_DELAY_MS"
	envMaxExtrapolationMS = "MAX_EXTRAPOLATION_MS"
)

// HubConfig collects the tunable settings for a replication hub.
type HubConfig struct {
	Addr             string
	TickRate         int
	AuthorityMode    authority.Mode
	HistoryCapacity  int
	HistoryMaxAge    time.Duration
	PoseBufferSize   int
	PoseBufferDelay  time.Duration
	MaxExtrapolation time.Duration
}

// DefaultHubConfig returns the settings used when nothing is overridden.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Addr:             ":8080",
		TickRate:         defaultTickRate,
		AuthorityMode:    authority.ModeOwner,
		HistoryCapacity:  defaultHistoryCapacity,
		HistoryMaxAge:    defaultHistoryMaxAge,
		PoseBufferSize:   defaultPoseBufferSize,
		PoseBufferDelay:  defaultPoseBufferDelay,
		MaxExtrapolation: defaultMaxExtrapolation,
	}
}

// LoadHubConfig reads overrides from the environment falling back to defaults
// when unset or invalid.
func LoadHubConfig() HubConfig {
	cfg := DefaultHubConfig()

	if raw := os.Getenv(envAddr); raw != "" {
		cfg.Addr = raw
	}
	if raw := os.Getenv(envTickRate); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.TickRate = parsed
		}
	}
	if raw := os.Getenv(envAuthorityMode); raw != "" {
		if mode, err := authority.ParseMode(raw); err == nil {
			cfg.AuthorityMode = mode
		}
	}
	if raw := os.Getenv(envHistoryCapacity); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.HistoryCapacity = parsed
		}
	}
	if raw := os.Getenv(envHistoryMaxAgeMS); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.HistoryMaxAge = time.Duration(parsed) * time.Millisecond
		}
	}
	if raw := os.Getenv(envPoseBufferSize); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.PoseBufferSize = parsed
		}
	}
	if raw := os.Getenv(envPoseBufferDelayMS); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			cfg.PoseBufferDelay = time.Duration(parsed) * time.Millisecond
		}
	}
	if raw := os.Getenv(envMaxExtrapolationMS); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			cfg.MaxExtrapolation = time.Duration(parsed) * time.Millisecond
		}
	}

	return cfg
}

func (c HubConfig) normalized() HubConfig {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.TickRate <= 0 {
		c.TickRate = defaultTickRate
	}
	if c.AuthorityMode == "" {
		c.AuthorityMode = authority.ModeOwner
	}
	// The store and the broadcast ledger share these bounds; a zero here
	// would leave the ledger retaining nothing while the store falls back
	// to its default, turning every ack stale.
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = defaultHistoryCapacity
	}
	if c.HistoryMaxAge <= 0 {
		c.HistoryMaxAge = defaultHistoryMaxAge
	}
	if c.PoseBufferSize <= 0 {
		c.PoseBufferSize = defaultPoseBufferSize
	}
	if c.PoseBufferDelay < 0 {
		c.PoseBufferDelay = defaultPoseBufferDelay
	}
	if c.MaxExtrapolation < 0 {
		c.MaxExtrapolation = defaultMaxExtrapolation
	}
	return c
}

func (c HubConfig) interpConfig() interp.Config {
	cfg := interp.DefaultConfig()
	cfg.BufferSize = c.PoseBufferSize
	cfg.BufferDelay = c.PoseBufferDelay
	cfg.MaxExtrapolation = c.MaxExtrapolation
	return cfg
}
