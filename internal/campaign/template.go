package campaign

import (
	"fmt"
	"strings"
	"sync"

	"github.com/omini/omini-core/internal/domain"
	"github.com/osteele/liquid"
)

// Renderer personalizes campaign message text with Liquid templates.
// Parsed templates are cached by campaign id so a blast parses once.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer builds a Renderer with the filters message authors rely on.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ name | default: "there" }}
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	return &Renderer{engine: engine}
}

// Render expands the campaign's message text for one recipient. A parse
// failure is an authoring error, not a delivery error; callers should
// surface it at validation time via CheckTemplate.
func (r *Renderer) Render(cacheKey, text string, lead *domain.Lead, contact *domain.Contact) (string, error) {
	bindings := map[string]interface{}{
		"name":  contact.Name,
		"phone": contact.Phone,
		"stage": lead.Stage,
		"score": lead.Score,
		"tags":  lead.Tags,
	}
	for k, v := range lead.Metadata {
		if _, taken := bindings[k]; !taken {
			bindings[k] = v
		}
	}

	if cached, ok := r.cache.Load(cacheKey); ok {
		return cached.(*liquid.Template).RenderString(bindings)
	}
	tpl, err := r.engine.ParseString(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	if cacheKey != "" {
		r.cache.Store(cacheKey, tpl)
	}
	return tpl.RenderString(bindings)
}

// CheckTemplate validates template syntax without rendering.
func (r *Renderer) CheckTemplate(text string) error {
	if _, err := r.engine.ParseString(text); err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	return nil
}

// Forget drops a campaign's cached template, for edits before scheduling.
func (r *Renderer) Forget(cacheKey string) {
	r.cache.Delete(cacheKey)
}
