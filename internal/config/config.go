package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type ServiceConfig struct {
	Addr            string
	DatabaseURL     string
	SnapshotPath    string
	ServiceToken    string
	LockLease       time.Duration
	LockWait        time.Duration
	DegradedLockOK  bool
	HandlerTimeout  time.Duration
	IncomeTickEvery time.Duration
	ClaimRetention  time.Duration
}

type BotConfig struct {
	APIBaseURL   string
	ServiceToken string
	DiscordToken string
	GuildID      string
}

type CLIConfig struct {
	APIBaseURL   string
	ServiceToken string
}

func LoadServiceFromEnv() (ServiceConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("GACHAWARD_API_ADDR", ":8080")
	}

	cfg := ServiceConfig{
		Addr:            addr,
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SnapshotPath:    envDefault("GACHAWARD_SNAPSHOT_PATH", "snapshot.json"),
		ServiceToken:    strings.TrimSpace(os.Getenv("GACHAWARD_SERVICE_TOKEN")),
		LockLease:       envDurationDefault("GACHAWARD_LOCK_LEASE", 15*time.Second),
		LockWait:        envDurationDefault("GACHAWARD_LOCK_WAIT", 5*time.Second),
		DegradedLockOK:  envBoolDefault("GACHAWARD_LOCK_DEGRADED_OK", false),
		HandlerTimeout:  envDurationDefault("GACHAWARD_EVENT_HANDLER_TIMEOUT", 5*time.Second),
		IncomeTickEvery: envDurationDefault("GACHAWARD_INCOME_TICK_EVERY", 10*time.Minute),
		ClaimRetention:  envDurationDefault("GACHAWARD_CLAIM_RETENTION", 45*24*time.Hour),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ServiceToken == "" {
		return cfg, fmt.Errorf("GACHAWARD_SERVICE_TOKEN is required")
	}
	return cfg, nil
}

func LoadBotFromEnv() (BotConfig, error) {
	cfg := BotConfig{
		APIBaseURL:   strings.TrimRight(envDefault("GACHAWARD_API_BASE_URL", "http://localhost:8080"), "/"),
		ServiceToken: strings.TrimSpace(os.Getenv("GACHAWARD_SERVICE_TOKEN")),
		DiscordToken: strings.TrimSpace(os.Getenv("GACHAWARD_DISCORD_TOKEN")),
		GuildID:      strings.TrimSpace(os.Getenv("GACHAWARD_DISCORD_GUILD_ID")),
	}
	if cfg.ServiceToken == "" {
		return cfg, fmt.Errorf("GACHAWARD_SERVICE_TOKEN is required")
	}
	if cfg.DiscordToken == "" {
		return cfg, fmt.Errorf("GACHAWARD_DISCORD_TOKEN is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL:   strings.TrimRight(envDefault("GW_API_BASE_URL", "http://localhost:8080"), "/"),
		ServiceToken: strings.TrimSpace(os.Getenv("GACHAWARD_SERVICE_TOKEN")),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
