package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Generation types.
const (
	TypeImage = "image"
	TypeVideo = "video"
)

// Model families share one allowed-parameter schema.
const (
	FamilyImage        = "image"
	FamilyTextToVideo  = "video_t2v"
	FamilyImageToVideo = "video_i2v"
)

type Model struct {
	ID               string `mapstructure:"id" json:"id"`
	Name             string `mapstructure:"name" json:"name"`
	Type             string `mapstructure:"type" json:"type"`
	Family           string `mapstructure:"family" json:"family"`
	Price            int64  `mapstructure:"price" json:"price"`
	EstimatedSeconds int    `mapstructure:"estimated_seconds" json:"estimated_seconds"`
}

type Package struct {
	Credits int64 `mapstructure:"credits" json:"credits"`
	Price   int64 `mapstructure:"price" json:"price"`
}

type GenerationLimits struct {
	MaxActive     int           `mapstructure:"max_active"`
	RateLimit     int           `mapstructure:"rate_limit"`
	RateWindow    time.Duration `mapstructure:"rate_window"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Catalog is the business configuration: prices, packages, limits and
// payout rules. It is loaded once at startup and never mutated.
type Catalog struct {
	Models            []Model          `mapstructure:"models"`
	DefaultPrice      int64            `mapstructure:"default_price"`
	DefaultEstimate   int              `mapstructure:"default_estimate"`
	Packages          []Package        `mapstructure:"packages"`
	CommissionPercent float64          `mapstructure:"commission_percent"`
	MinWithdrawal     int64            `mapstructure:"min_withdrawal"`
	WelcomeBonus      int64            `mapstructure:"welcome_bonus"`
	BotUsername       string           `mapstructure:"bot_username"`
	Generation        GenerationLimits `mapstructure:"generation"`

	byID map[string]Model
}

var defaultModels = []Model{
	{ID: "kling-video/v2.0/master/text-to-video", Name: "Kling 2.0 Master", Type: TypeVideo, Family: FamilyTextToVideo, Price: 15, EstimatedSeconds: 180},
	{ID: "kling-video/v2.0/master/image-to-video", Name: "Kling 2.0 Master I2V", Type: TypeVideo, Family: FamilyImageToVideo, Price: 15, EstimatedSeconds: 120},
	{ID: "kling-video/v1.6/pro/text-to-video", Name: "Kling 1.6 Pro", Type: TypeVideo, Family: FamilyTextToVideo, Price: 10},
	{ID: "kling-video/v1.5/pro/text-to-video", Name: "Kling 1.5 Pro", Type: TypeVideo, Family: FamilyTextToVideo, Price: 7},
	{ID: "minimax-video/video-01", Name: "Minimax Video-01", Type: TypeVideo, Family: FamilyTextToVideo, Price: 12},
	{ID: "runway/gen4-turbo", Name: "Runway Gen4 Turbo", Type: TypeVideo, Family: FamilyImageToVideo, Price: 15, EstimatedSeconds: 150},
	{ID: "bytedance/seedance-1-lite", Name: "Seedance 1 Lite", Type: TypeVideo, Family: FamilyTextToVideo, Price: 8},
	{ID: "google/veo-3.1-generate", Name: "Veo 3.1", Type: TypeVideo, Family: FamilyTextToVideo, Price: 20, EstimatedSeconds: 240},
	{ID: "wan-ai/wan2.1-t2v-turbo", Name: "Wan 2.1 Turbo", Type: TypeVideo, Family: FamilyTextToVideo, Price: 5, EstimatedSeconds: 90},
	{ID: "wan-ai/wan2.6-t2v-turbo", Name: "Wan 2.6 Turbo", Type: TypeVideo, Family: FamilyTextToVideo, Price: 7},
	{ID: "openai/sora-2-pro", Name: "Sora 2 Pro", Type: TypeVideo, Family: FamilyTextToVideo, Price: 20},
	{ID: "flux-pro/v1.1-ultra", Name: "Flux Pro Ultra", Type: TypeImage, Family: FamilyImage, Price: 3, EstimatedSeconds: 30},
	{ID: "google/imagen-4", Name: "Imagen 4", Type: TypeImage, Family: FamilyImage, Price: 4, EstimatedSeconds: 45},
	{ID: "gpt-image-1", Name: "GPT Image", Type: TypeImage, Family: FamilyImage, Price: 5},
	{ID: "nano-banana", Name: "Nano Banana", Type: TypeImage, Family: FamilyImage, Price: 1},
}

var defaultPackages = []Package{
	{Credits: 100, Price: 50_000},
	{Credits: 500, Price: 225_000},
	{Credits: 1000, Price: 400_000},
	{Credits: 5000, Price: 1_750_000},
}

// LoadCatalog reads the optional YAML file at path on top of the built-in defaults.
func LoadCatalog(path string) (*Catalog, error) {
	v := viper.New()
	v.SetDefault("models", defaultModels)
	v.SetDefault("default_price", 10)
	v.SetDefault("default_estimate", 120)
	v.SetDefault("packages", defaultPackages)
	v.SetDefault("commission_percent", 25)
	v.SetDefault("min_withdrawal", 300_000)
	v.SetDefault("welcome_bonus", 10)
	v.SetDefault("bot_username", "nanogen_bot")
	v.SetDefault("generation.max_active", 5)
	v.SetDefault("generation.rate_limit", 10)
	v.SetDefault("generation.rate_window", time.Minute)
	v.SetDefault("generation.timeout", 600*time.Second)
	v.SetDefault("generation.poll_interval", 10*time.Second)
	v.SetDefault("generation.sweep_interval", time.Minute)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read catalog %q: %w", path, err)
		}
	}

	cat := &Catalog{}
	if err := v.Unmarshal(cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	cat.index()
	return cat, nil
}

// DefaultCatalog returns the built-in catalog without reading any file.
func DefaultCatalog() *Catalog {
	cat, err := LoadCatalog("")
	if err != nil {
		panic(err)
	}
	return cat
}

func (c *Catalog) validate() error {
	if c.DefaultPrice <= 0 {
		return fmt.Errorf("catalog: default_price must be > 0")
	}
	if c.CommissionPercent < 0 || c.CommissionPercent > 100 {
		return fmt.Errorf("catalog: commission_percent must be within 0..100")
	}
	for _, m := range c.Models {
		if m.ID == "" || m.Price <= 0 {
			return fmt.Errorf("catalog: model %q needs an id and a positive price", m.ID)
		}
		if m.Type != TypeImage && m.Type != TypeVideo {
			return fmt.Errorf("catalog: model %q has unknown type %q", m.ID, m.Type)
		}
	}
	return nil
}

func (c *Catalog) index() {
	c.byID = make(map[string]Model, len(c.Models))
	for _, m := range c.Models {
		c.byID[m.ID] = m
	}
}

// Model returns the catalog entry for id.
func (c *Catalog) Model(id string) (Model, bool) {
	m, ok := c.byID[id]
	return m, ok
}

// Resolve returns the model for id, or a synthetic entry priced at the
// default price when the id is not listed.
func (c *Catalog) Resolve(id, genType string) Model {
	if m, ok := c.byID[id]; ok {
		return m
	}
	family := FamilyImage
	if genType == TypeVideo {
		family = FamilyTextToVideo
	}
	return Model{ID: id, Name: id, Type: genType, Family: family, Price: c.DefaultPrice, EstimatedSeconds: c.DefaultEstimate}
}

// Estimate returns the expected generation time in seconds.
func (m Model) Estimate(fallback int) int {
	if m.EstimatedSeconds > 0 {
		return m.EstimatedSeconds
	}
	return fallback
}

// Package returns the top-up package with the given credit amount.
func (c *Catalog) Package(credits int64) (Package, bool) {
	for _, p := range c.Packages {
		if p.Credits == credits {
			return p, true
		}
	}
	return Package{}, false
}
