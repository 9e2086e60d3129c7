package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SeedGenerator rolls randomizer seeds for a race. FF4FE and FF6WC go
// through submit-then-poll HTTP APIs; FF1R and FFMQR build their seed
// URLs locally from a preset flagstring; FF5CD has no API and only
// supports manual submission. The result is advisory to the core: the
// session just records that a seed exists.
type SeedGenerator struct {
	client      *http.Client
	presetFiles map[string]string
	ff4feKey    string
	ff6wcKey    string

	// Overridable for tests.
	ff4feBaseURL string
	ff6wcBaseURL string
	pollInterval time.Duration
}

const seedPollAttempts = 20

// NewSeedGenerator builds a generator from the loaded config.
func NewSeedGenerator(cfg *Config) *SeedGenerator {
	return &SeedGenerator{
		client:       &http.Client{Timeout: 10 * time.Second},
		presetFiles:  cfg.PresetFiles,
		ff4feKey:     cfg.FF4FEAPIKey,
		ff6wcKey:     cfg.FF6WCAPIKey,
		ff4feBaseURL: "https://ff4fe.galeswift.com",
		ff6wcBaseURL: "https://ff6worldscollide.com",
		pollInterval: 1500 * time.Millisecond,
	}
}

// SupportsRolling reports whether /rollseed works for the variant.
// FF5CD seeds must be submitted manually.
func (g *SeedGenerator) SupportsRolling(variant string) bool {
	return variant != "FF5CD"
}

// LoadPresets reads the named flagset presets for a variant. A missing
// file is an empty preset map, not an error.
func (g *SeedGenerator) LoadPresets(variant string) (map[string]string, error) {
	path := g.presetFiles[variant]
	if path == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read presets for %s: %w", variant, err)
	}
	presets := map[string]string{}
	if err := json.Unmarshal(data, &presets); err != nil {
		return nil, fmt.Errorf("failed to parse presets for %s: %w", variant, err)
	}
	return presets, nil
}

// AddPreset stores a named flagstring for a variant.
func (g *SeedGenerator) AddPreset(variant, name, flags string) error {
	path := g.presetFiles[variant]
	if path == "" {
		return fmt.Errorf("no preset file configured for %s", variant)
	}
	presets, err := g.LoadPresets(variant)
	if err != nil {
		return err
	}
	presets[name] = flags

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create preset dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(presets, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write presets for %s: %w", variant, err)
	}
	return nil
}

// Generate rolls a seed for the variant and returns its URL. The
// context bounds the whole operation including API polling.
func (g *SeedGenerator) Generate(ctx context.Context, variant, presetOrFlags string) (string, error) {
	switch variant {
	case "FF4FE":
		return g.generateFF4FE(ctx, presetOrFlags)
	case "FF6WC":
		return g.generateFF6WC(ctx, presetOrFlags)
	case "FF1R":
		return g.generateURLSeed(variant, presetOrFlags, "https://4-8-6.finalfantasyrandomizer.com/")
	case "FFMQR":
		return g.generateURLSeed(variant, presetOrFlags, "https://www.ffmqrando.net/")
	case "FF5CD":
		return "", fmt.Errorf("%s seeds must be submitted manually", variant)
	}
	return "", fmt.Errorf("unknown randomizer %s", variant)
}

// resolveFlags looks presetOrFlags up in the presets, treating a miss
// as a raw flagstring. Empty input picks a random preset.
func (g *SeedGenerator) resolveFlags(variant, presetOrFlags string) (string, error) {
	presets, err := g.LoadPresets(variant)
	if err != nil {
		return "", err
	}
	if flags, ok := presets[presetOrFlags]; ok {
		return flags, nil
	}
	if presetOrFlags != "" {
		return presetOrFlags, nil
	}
	if len(presets) == 0 {
		return "", fmt.Errorf("no presets available for %s", variant)
	}
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	return presets[names[rand.Intn(len(names))]], nil
}

func (g *SeedGenerator) generateFF4FE(ctx context.Context, presetOrFlags string) (string, error) {
	flags, err := g.resolveFlags("FF4FE", presetOrFlags)
	if err != nil {
		return "", err
	}

	var gen struct {
		Status string `json:"status"`
		TaskID string `json:"task_id"`
		SeedID string `json:"seed_id"`
	}
	url := fmt.Sprintf("%s/api/generate?key=%s", g.ff4feBaseURL, g.ff4feKey)
	if err := g.postJSON(ctx, url, map[string]string{"flags": flags}, &gen); err != nil {
		return "", err
	}

	switch gen.Status {
	case "exists":
		return g.ff4feSeedURL(ctx, gen.SeedID)
	case "ok":
		// Generation is queued; poll the task until it lands.
		for attempt := 0; attempt < seedPollAttempts; attempt++ {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(g.pollInterval):
			}
			var task struct {
				Status string `json:"status"`
				SeedID string `json:"seed_id"`
			}
			taskURL := fmt.Sprintf("%s/api/task?key=%s&id=%s", g.ff4feBaseURL, g.ff4feKey, gen.TaskID)
			if err := g.getJSON(ctx, taskURL, &task); err != nil {
				return "", err
			}
			if task.Status == "done" {
				return g.ff4feSeedURL(ctx, task.SeedID)
			}
		}
		return "", fmt.Errorf("FF4FE seed generation timed out")
	}
	return "", fmt.Errorf("FF4FE API returned status %q", gen.Status)
}

func (g *SeedGenerator) ff4feSeedURL(ctx context.Context, seedID string) (string, error) {
	var seed struct {
		URL string `json:"url"`
	}
	url := fmt.Sprintf("%s/api/seed?key=%s&id=%s", g.ff4feBaseURL, g.ff4feKey, seedID)
	if err := g.getJSON(ctx, url, &seed); err != nil {
		return "", err
	}
	if seed.URL == "" {
		return "", fmt.Errorf("FF4FE API returned no seed URL")
	}
	return seed.URL, nil
}

func (g *SeedGenerator) generateFF6WC(ctx context.Context, presetOrFlags string) (string, error) {
	flags, err := g.resolveFlags("FF6WC", presetOrFlags)
	if err != nil {
		return "", err
	}

	var gen struct {
		Status string `json:"status"`
		SeedID string `json:"seed_id"`
	}
	url := fmt.Sprintf("%s/api/seed/create?key=%s", g.ff6wcBaseURL, g.ff6wcKey)
	if err := g.postJSON(ctx, url, map[string]string{"flags": flags}, &gen); err != nil {
		return "", err
	}

	switch gen.Status {
	case "exists":
		return fmt.Sprintf("%s/seed/%s", g.ff6wcBaseURL, gen.SeedID), nil
	case "ok":
		for attempt := 0; attempt < seedPollAttempts; attempt++ {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(g.pollInterval):
			}
			var status struct {
				Status string `json:"status"`
			}
			statusURL := fmt.Sprintf("%s/api/seed/status?key=%s&id=%s", g.ff6wcBaseURL, g.ff6wcKey, gen.SeedID)
			if err := g.getJSON(ctx, statusURL, &status); err != nil {
				return "", err
			}
			if status.Status == "done" {
				return fmt.Sprintf("%s/seed/%s", g.ff6wcBaseURL, gen.SeedID), nil
			}
		}
		return "", fmt.Errorf("FF6WC seed generation timed out")
	}
	return "", fmt.Errorf("FF6WC API returned status %q", gen.Status)
}

// generateURLSeed builds a shareable seed URL from a preset flagset and
// a fresh random hash. No network involved.
func (g *SeedGenerator) generateURLSeed(variant, presetName, baseURL string) (string, error) {
	presets, err := g.LoadPresets(variant)
	if err != nil {
		return "", err
	}
	flagset, ok := presets[presetName]
	if !ok {
		return "", fmt.Errorf("unknown preset %q for %s", presetName, variant)
	}
	hash := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("%s?s=%s&f=%s", baseURL, hash, flagset), nil
}

func (g *SeedGenerator) postJSON(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "DiscordBot")
	return g.doJSON(req, out)
}

func (g *SeedGenerator) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "DiscordBot")
	return g.doJSON(req, out)
}

func (g *SeedGenerator) doJSON(req *http.Request, out any) error {
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("seed API returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
