package service

import (
	"strings"

	"github.com/fislearning/fischat/internal/config"
	"github.com/fislearning/fischat/internal/domain"
)

// AvatarCatalog resolves request avatar keys against configuration.
type AvatarCatalog struct {
	defaultKey string
	items      map[string]config.AvatarConfig
}

func NewAvatarCatalog(cfg config.AvatarsConfig) *AvatarCatalog {
	items := make(map[string]config.AvatarConfig, len(cfg.Items))
	for k, v := range cfg.Items {
		items[strings.ToLower(k)] = v
	}
	return &AvatarCatalog{defaultKey: strings.ToLower(cfg.DefaultKey), items: items}
}

// Resolve returns the avatar for key, falling back to the default avatar for
// unknown keys. A non-empty sentiment overrides the avatar's default.
func (c *AvatarCatalog) Resolve(key, sentiment string) domain.AvatarConfig {
	key = strings.ToLower(strings.TrimSpace(key))
	item, ok := c.items[key]
	if !ok {
		key = c.defaultKey
		item = c.items[key]
	}

	out := domain.AvatarConfig{
		Key:         key,
		PresenterID: item.PresenterID,
		AvatarID:    item.AvatarID,
		SentimentID: item.SentimentID,
		VoiceID:     item.VoiceID,
	}
	if s := strings.TrimSpace(sentiment); s != "" {
		out.SentimentID = s
	}
	return out
}

// DefaultKey returns the fallback avatar key.
func (c *AvatarCatalog) DefaultKey() string {
	return c.defaultKey
}

// ModelCatalog is the list of models a script may be generated with.
type ModelCatalog struct {
	models []domain.ModelInfo
}

func NewModelCatalog(cfg []config.ModelConfig) *ModelCatalog {
	models := make([]domain.ModelInfo, 0, len(cfg))
	for _, m := range cfg {
		cost := domain.ModelCostFree
		if strings.EqualFold(m.Cost, string(domain.ModelCostPaid)) {
			cost = domain.ModelCostPaid
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		models = append(models, domain.ModelInfo{ID: m.ID, Name: name, Cost: cost})
	}
	return &ModelCatalog{models: models}
}

// List returns a copy of the catalog in configured order.
func (c *ModelCatalog) List() []domain.ModelInfo {
	return append([]domain.ModelInfo(nil), c.models...)
}

// Default is the first configured model.
func (c *ModelCatalog) Default() string {
	if len(c.models) == 0 {
		return ""
	}
	return c.models[0].ID
}

func (c *ModelCatalog) Contains(id string) bool {
	for _, m := range c.models {
		if m.ID == id {
			return true
		}
	}
	return false
}
