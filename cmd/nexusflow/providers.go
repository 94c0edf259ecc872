package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// buildProviderResolver returns a stepexecutor.ProviderResolver that builds
// one C3 adapter per endpoint the first time it's needed and reuses it for
// every subsequent call, switching on the endpoint's declared provider
// kind. bedrock's region comes from the endpoint's provider-specific
// fields since it has no api key to resolve.
func buildProviderResolver() func(ctx context.Context, endpoint flow.LlmEndpoint, apiKey string) (providers.LlmProvider, error) {
	var mu sync.Mutex
	cache := make(map[string]providers.LlmProvider)

	return func(ctx context.Context, endpoint flow.LlmEndpoint, apiKey string) (providers.LlmProvider, error) {
		mu.Lock()
		if p, ok := cache[endpoint.ID]; ok {
			mu.Unlock()
			return p, nil
		}
		mu.Unlock()

		p, err := newProvider(ctx, endpoint, apiKey)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		cache[endpoint.ID] = p
		mu.Unlock()
		return p, nil
	}
}

func newProvider(ctx context.Context, endpoint flow.LlmEndpoint, apiKey string) (providers.LlmProvider, error) {
	switch endpoint.Provider {
	case flow.ProviderAnthropic:
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      endpoint.Config.BaseURL,
			DefaultModel: endpoint.Config.Model,
		})
	case flow.ProviderOpenAIChat:
		return providers.NewOpenAIProvider(apiKey, endpoint.Config.Model)
	case flow.ProviderOpenRouter:
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       apiKey,
			DefaultModel: endpoint.Config.Model,
			SiteURL:      stringField(endpoint.Config.ProviderSpecific, "site_url"),
			AppName:      stringField(endpoint.Config.ProviderSpecific, "app_name"),
		})
	case flow.ProviderOpenAICompat:
		return providers.NewCompatibleProvider(providers.CompatibleConfig{
			Name:         stringField(endpoint.Config.ProviderSpecific, "name"),
			BaseURL:      endpoint.Config.BaseURL,
			APIKey:       apiKey,
			DefaultModel: endpoint.Config.Model,
		})
	case flow.ProviderSubProcessCLI:
		return providers.NewSubProcessCliProvider(providers.SubProcessCliConfig{
			BinPath:      stringField(endpoint.Config.ProviderSpecific, "bin_path"),
			DefaultModel: endpoint.Config.Model,
		})
	case flow.ProviderBedrock:
		return providers.NewBedrockProvider(ctx, providers.BedrockConfig{
			Region:       stringField(endpoint.Config.ProviderSpecific, "region"),
			DefaultModel: endpoint.Config.Model,
		})
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", endpoint.Provider)
	}
}

func stringField(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	s, _ := fields[key].(string)
	return s
}
