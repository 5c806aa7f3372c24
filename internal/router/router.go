// Package router resolves public model names to upstream model references.
package router

import (
	"sort"
	"strings"

	"github.com/felipepmaragno/cookie-gateway/internal/domain"
)

const defaultMaxTokens = 64000

// Route is the upstream target for one public model name.
type Route struct {
	Name      string
	ModelRef  string
	MaxTokens int
}

// Router is a static, read-only model registry.
type Router struct {
	routes map[string]Route
}

// builtinRefs lists upstream references; the public name is the last "::" segment.
var builtinRefs = []string{
	"anthropic::2024-10-22::claude-sonnet-4-latest",
	"anthropic::2024-10-22::claude-sonnet-4-thinking-latest",
	"anthropic::2024-10-22::claude-3-7-sonnet-latest",
	"anthropic::2024-10-22::claude-3-7-sonnet-extended-thinking",
	"anthropic::2024-10-22::claude-3-5-sonnet-latest",
	"anthropic::2023-06-01::claude-3-opus",
	"anthropic::2024-10-22::claude-3-5-haiku-latest",
	"anthropic::2023-06-01::claude-3-haiku",
	"anthropic::2023-06-01::claude-3.5-sonnet",
	"anthropic::2023-06-01::claude-3-5-sonnet-20240620",
	"anthropic::2023-06-01::claude-3-sonnet",
	"anthropic::2023-01-01::claude-2.1",
	"anthropic::2023-01-01::claude-2.0",
	"fireworks::v1::deepseek-v3",
	"google::v1::gemini-1.5-pro",
	"google::v1::gemini-1.5-pro-002",
	"google::v1::gemini-2.0-flash-exp",
	"google::v1::gemini-2.0-flash",
	"google::v1::gemini-2.5-flash-preview-04-17",
	"google::v1::gemini-2.0-flash-lite",
	"google::v1::gemini-2.0-pro-exp-02-05",
	"google::v1::gemini-2.5-pro-preview-03-25",
	"google::v1::gemini-1.5-flash",
	"google::v1::gemini-1.5-flash-002",
	"mistral::v1::mixtral-8x7b-instruct",
	"mistral::v1::mixtral-8x22b-instruct",
	"openai::2024-02-01::gpt-4o",
	"openai::2024-02-01::gpt-4.1",
	"openai::2024-02-01::gpt-4o-mini",
	"openai::2024-02-01::gpt-4.1-mini",
	"openai::2024-02-01::gpt-4.1-nano",
	"openai::2024-02-01::o3-mini-medium",
	"openai::2024-02-01::o3",
	"openai::2024-02-01::o4-mini",
	"openai::2024-02-01::o1",
	"openai::2024-02-01::gpt-4-turbo",
	"openai::2024-02-01::gpt-3.5-turbo",
}

// New returns a registry holding the given routes. Later duplicates win.
func New(routes ...Route) *Router {
	r := &Router{routes: make(map[string]Route, len(routes))}
	for _, route := range routes {
		if route.MaxTokens <= 0 {
			route.MaxTokens = defaultMaxTokens
		}
		r.routes[route.Name] = route
	}
	return r
}

// Default returns the registry of models the upstream is known to serve.
func Default() *Router {
	routes := make([]Route, 0, len(builtinRefs))
	for _, ref := range builtinRefs {
		routes = append(routes, Route{
			Name:      ref[strings.LastIndex(ref, "::")+2:],
			ModelRef:  ref,
			MaxTokens: defaultMaxTokens,
		})
	}
	return New(routes...)
}

func (r *Router) Resolve(name string) (Route, bool) {
	route, ok := r.routes[name]
	return route, ok
}

// List returns the registry as OpenAI model objects sorted by id.
func (r *Router) List() []domain.Model {
	models := make([]domain.Model, 0, len(r.routes))
	for _, route := range r.routes {
		models = append(models, toModel(route))
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models
}

// Get returns the OpenAI model object for name.
func (r *Router) Get(name string) (domain.Model, bool) {
	route, ok := r.routes[name]
	if !ok {
		return domain.Model{}, false
	}
	return toModel(route), true
}

func toModel(route Route) domain.Model {
	return domain.Model{
		ID:        route.Name,
		Object:    "model",
		OwnedBy:   "sourcegraph",
		MaxTokens: route.MaxTokens,
	}
}
