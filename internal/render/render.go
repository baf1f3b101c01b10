package render

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Context is the variable set available to campaign bodies. Campaign
// rendering always materializes name, uuid, sub, unsub, and domain;
// block content arrives pre-resolved by the campaigns package.
type Context map[string]interface{}

// CampaignContext builds the per-recipient variable set.
func CampaignContext(name, subscriberUUID, subURL, unsubURL, domain string) Context {
	return Context{
		"name":   name,
		"uuid":   subscriberUUID,
		"sub":    subURL,
		"unsub":  unsubURL,
		"domain": domain,
	}
}

// TestContext builds the stand-in variable set for test sends and
// previews. URLs resolve to a literal '#'.
func TestContext() Context {
	return Context{
		"name":   "<< Test Name >>",
		"uuid":   "[SUBSCRIBER_UUID]",
		"sub":    "#",
		"unsub":  "#",
		"domain": "example.com",
	}
}

// Engine renders campaign bodies with a parse cache keyed by caller-chosen
// cache keys (email UUID + variant). Rendering is side-effect free.
type Engine struct {
	liquid *liquid.Engine
	cache  sync.Map // cacheKey -> *liquid.Template
}

// NewEngine creates a renderer.
func NewEngine() *Engine {
	e := liquid.NewEngine()
	e.RegisterFilter("default", func(value, fallback interface{}) interface{} {
		if value == nil || value == "" {
			return fallback
		}
		return value
	})
	e.RegisterFilter("upcase", strings.ToUpper)
	e.RegisterFilter("downcase", strings.ToLower)
	return &Engine{liquid: e}
}

// Render substitutes variables into src. The parsed template is cached
// under cacheKey; pass an empty key to bypass the cache (test sends).
func (e *Engine) Render(cacheKey, src string, ctx Context) (string, error) {
	var tpl *liquid.Template
	if cacheKey != "" {
		if cached, ok := e.cache.Load(cacheKey); ok {
			tpl = cached.(*liquid.Template)
		}
	}
	if tpl == nil {
		parsed, err := e.liquid.ParseString(src)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		tpl = parsed
		if cacheKey != "" {
			e.cache.Store(cacheKey, tpl)
		}
	}

	out, err := tpl.Render(map[string]interface{}(ctx))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return string(out), nil
}

var openMarkerLine = regexp.MustCompile(`(?m)^.*!\[\]\([^)]*/track/open/[^)]*\).*$\n?`)

// RenderText renders the plain-text variant and strips any markdown
// image line pointing at the open pixel; text mail cannot track opens.
func (e *Engine) RenderText(cacheKey, src string, ctx Context) (string, error) {
	out, err := e.Render(cacheKey, src, ctx)
	if err != nil {
		return "", err
	}
	return openMarkerLine.ReplaceAllString(out, ""), nil
}

// Invalidate drops a cached template after its source changes.
func (e *Engine) Invalidate(cacheKey string) {
	e.cache.Delete(cacheKey)
}
