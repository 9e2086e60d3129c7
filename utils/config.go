package utils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"ffrace-go/race"
)

// Config collects everything the bot reads from the environment. A
// .env file is loaded by main before this runs.
type Config struct {
	Token       string
	DatabaseURL string
	HealthAddr  string

	AnnounceChannelID string
	RaceAlertRoleID   string
	RaceCategoryID    string

	InactivityThreshold time.Duration
	SweepInterval       time.Duration

	PresetFiles map[string]string
	FF4FEAPIKey string
	FF6WCAPIKey string
}

// LoadConfig reads the environment into a Config, applying defaults for
// everything optional. Only the bot token is truly required, and main
// handles its absence.
func LoadConfig() *Config {
	cfg := &Config{
		Token:       os.Getenv("DISCORD_BOT_TOKEN"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		HealthAddr:  getenvDefault("HEALTH_ADDR", ":8080"),

		AnnounceChannelID: os.Getenv("ANNOUNCE_CHANNEL_ID"),
		RaceAlertRoleID:   os.Getenv("RACE_ALERT_ROLE_ID"),
		RaceCategoryID:    os.Getenv("RACE_CATEGORY_ID"),

		InactivityThreshold: getenvDuration("RACE_INACTIVITY_THRESHOLD", race.DefaultInactivityThreshold),
		SweepInterval:       getenvDuration("RACE_SWEEP_INTERVAL", race.DefaultSweepInterval),

		FF4FEAPIKey: os.Getenv("FF4FE_API_KEY"),
		FF6WCAPIKey: os.Getenv("FF6WC_API_KEY"),
	}

	cfg.PresetFiles = make(map[string]string, len(race.Variants))
	for _, variant := range race.Variants {
		envKey := fmt.Sprintf("%s_PRESETS_FILE", variant)
		cfg.PresetFiles[variant] = getenvDefault(envKey, fmt.Sprintf("presets/%s.json", strings.ToLower(variant)))
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
