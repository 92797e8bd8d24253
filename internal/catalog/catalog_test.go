package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/catalog"
)

func TestResolve(t *testing.T) {
	c := catalog.Default()

	tests := []struct {
		model string
		wire  catalog.Wire
		class catalog.Class
	}{
		{"gpt-5.1-codex", catalog.WireFlattened, catalog.ClassReasoning},
		{"gpt-5.1-codex-mini", catalog.WireFlattened, catalog.ClassReasoning},
		{"gpt-5.1-codex-max", catalog.WireFlattened, catalog.ClassReasoning},
		{"gpt-5", catalog.WireTurns, catalog.ClassReasoning},
		{"gpt-5-turbo", catalog.WireTurns, catalog.ClassReasoning},
		{"o1-preview", catalog.WireTurns, catalog.ClassReasoning},
		{"o3-mini", catalog.WireTurns, catalog.ClassReasoning},
		{"gpt-4.1", catalog.WireTurns, catalog.ClassStandard},
		{"deepseek-chat", catalog.WireTurns, catalog.ClassStandard},
		{"qwen-max", catalog.WireTurns, catalog.ClassStandard},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p := c.Resolve(tt.model)
			assert.Equal(t, tt.wire, p.Wire)
			assert.Equal(t, tt.class, p.Class)
			assert.Equal(t, tt.model, p.Model)
		})
	}
}

func TestOverrideWinsOverRules(t *testing.T) {
	c := catalog.Default()
	c.Override("gpt-5-experimental", catalog.WireFlattened, catalog.ClassReasoning)

	p := c.Resolve("gpt-5-experimental")
	assert.Equal(t, catalog.WireFlattened, p.Wire)

	// Other gpt-5 models still follow the rule table.
	assert.Equal(t, catalog.WireTurns, c.Resolve("gpt-5").Wire)
}

func TestResolveEndpoint(t *testing.T) {
	c := catalog.Default()

	ep, err := c.ResolveEndpoint(catalog.ProviderOpenAI, "gpt-4.1")
	require.NoError(t, err)
	assert.Equal(t, "https://api.openai.com/v1", ep.BaseURL)

	_, err = c.ResolveEndpoint("nonesuch", "gpt-4.1")
	assert.Error(t, err)
}

func TestDeepSeekAliasRedirect(t *testing.T) {
	c := catalog.Default()

	// A deepseek model drawn from the qwen pool still routes to DeepSeek.
	ep, err := c.ResolveEndpoint(catalog.ProviderQwen, "deepseek-chat")
	require.NoError(t, err)
	assert.Equal(t, catalog.ProviderDeepSeek, ep.Provider)
	assert.Equal(t, "https://api.deepseek.com/v1", ep.BaseURL)

	// Non-deepseek models use the named provider.
	ep, err = c.ResolveEndpoint(catalog.ProviderQwen, "qwen-max")
	require.NoError(t, err)
	assert.Equal(t, catalog.ProviderQwen, ep.Provider)
}

func TestSetEndpointTrimsTrailingSlash(t *testing.T) {
	c := catalog.Default()
	c.SetEndpoint("local", "http://127.0.0.1:8089/v1/")

	ep, err := c.ResolveEndpoint("local", "anything")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8089/v1", ep.BaseURL)
}
