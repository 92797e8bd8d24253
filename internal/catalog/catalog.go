// Package catalog resolves model names to wire profiles and providers to
// upstream endpoints.
//
// Classification happens once, at configuration time, through an ordered rule
// table plus exact-name overrides. The transport layer receives a resolved
// Profile and never inspects model names itself.
package catalog

import (
	"fmt"
	"strings"
)

// Wire identifies the upstream wire protocol a model speaks.
type Wire string

const (
	// WireTurns is the chat-completions shape: a list of role/content turns.
	WireTurns Wire = "turns"
	// WireFlattened is the responses shape: one flattened input string.
	WireFlattened Wire = "flattened"
)

// Class identifies how a turn-protocol model takes its token budget.
type Class string

const (
	// ClassStandard models take max_tokens and accept a temperature.
	ClassStandard Class = "standard"
	// ClassReasoning models take max_completion_tokens and a reasoning
	// effort; they reject temperature.
	ClassReasoning Class = "reasoning"
)

// Provider names used throughout the gateway.
const (
	ProviderOpenAI   = "openai"
	ProviderQwen     = "qwen"
	ProviderDeepSeek = "deepseek"
)

// Profile is the resolved wire behavior for one model.
type Profile struct {
	Model string
	Wire  Wire
	Class Class
}

// Rule maps a model-name substring to a profile. Rules are evaluated in
// order; the first match wins.
type Rule struct {
	Substring string
	Wire      Wire
	Class     Class
}

// Endpoint is a provider's upstream base URL.
type Endpoint struct {
	Provider string
	BaseURL  string
}

// Alias redirects models whose name contains Substring to another provider's
// endpoint, regardless of the pool the call drew its credential from.
type Alias struct {
	Substring string
	Provider  string
}

// Catalog holds the rule table, per-model overrides, and provider endpoints.
// It is built once and read-only afterwards, so it needs no locking.
type Catalog struct {
	rules     []Rule
	overrides map[string]Profile
	endpoints map[string]Endpoint
	aliases   []Alias
}

// Default returns a catalog seeded with the known model families:
// the gpt-5.1-codex family speaks the flattened protocol, the gpt-5/o1/o3
// families are reasoning-class on the turn protocol, and everything else is
// standard-class on the turn protocol.
func Default() *Catalog {
	c := &Catalog{
		rules: []Rule{
			{Substring: "gpt-5.1-codex", Wire: WireFlattened, Class: ClassReasoning},
			{Substring: "gpt-5", Wire: WireTurns, Class: ClassReasoning},
			{Substring: "o1", Wire: WireTurns, Class: ClassReasoning},
			{Substring: "o3", Wire: WireTurns, Class: ClassReasoning},
		},
		overrides: make(map[string]Profile),
		endpoints: make(map[string]Endpoint),
		aliases: []Alias{
			{Substring: "deepseek", Provider: ProviderDeepSeek},
		},
	}
	c.SetEndpoint(ProviderOpenAI, "https://api.openai.com/v1")
	c.SetEndpoint(ProviderQwen, "https://dashscope.aliyuncs.com/compatible-mode/v1")
	c.SetEndpoint(ProviderDeepSeek, "https://api.deepseek.com/v1")
	return c
}

// SetEndpoint adds or replaces a provider endpoint. Trailing slashes are
// stripped so path joins stay predictable.
func (c *Catalog) SetEndpoint(provider, baseURL string) {
	c.endpoints[provider] = Endpoint{
		Provider: provider,
		BaseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// Override pins an exact model name to a profile, bypassing the rule table.
func (c *Catalog) Override(model string, wire Wire, class Class) {
	c.overrides[model] = Profile{Model: model, Wire: wire, Class: class}
}

// Resolve classifies a model name. Unmatched names get the turn protocol
// with standard token fields.
func (c *Catalog) Resolve(model string) Profile {
	if p, ok := c.overrides[model]; ok {
		return p
	}
	for _, r := range c.rules {
		if r.Substring != "" && strings.Contains(model, r.Substring) {
			return Profile{Model: model, Wire: r.Wire, Class: r.Class}
		}
	}
	return Profile{Model: model, Wire: WireTurns, Class: ClassStandard}
}

// ResolveEndpoint picks the upstream endpoint for a provider/model pair.
// Model aliases win over the named provider: a deepseek-family model routes
// to the DeepSeek endpoint even when its credential came from another pool.
func (c *Catalog) ResolveEndpoint(provider, model string) (Endpoint, error) {
	for _, a := range c.aliases {
		if strings.Contains(model, a.Substring) {
			if ep, ok := c.endpoints[a.Provider]; ok {
				return ep, nil
			}
		}
	}
	ep, ok := c.endpoints[provider]
	if !ok {
		return Endpoint{}, fmt.Errorf("catalog: no endpoint for provider %q", provider)
	}
	return ep, nil
}

// Providers returns the names of all configured endpoints.
func (c *Catalog) Providers() []string {
	out := make([]string, 0, len(c.endpoints))
	for name := range c.endpoints {
		out = append(out, name)
	}
	return out
}
