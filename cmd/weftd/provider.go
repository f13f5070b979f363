package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/weftlab/weft/features/provider/anthropic"
	"github.com/weftlab/weft/features/provider/bedrock"
	"github.com/weftlab/weft/features/provider/middleware"
	"github.com/weftlab/weft/features/provider/openai"
	"github.com/weftlab/weft/runtime/workflow/provider"
	"github.com/weftlab/weft/runtime/workflow/recorder"
)

const (
	providerScripted  = "scripted"
	providerAnthropic = "anthropic"
	providerOpenAI    = "openai"
	providerBedrock   = "bedrock"
)

// buildProvider constructs the provider the bundled workflows run against.
// In playback mode the provider is only consulted for its identity, so SDK
// providers are stood in for by a playback provider carrying the configured
// name and model. No credentials are needed to replay a recorded session.
func buildProvider(ctx context.Context, cfg *config, recordings recorder.Store) (provider.Provider, error) {
	pc := cfg.Provider
	if cfg.Mode == provider.ModePlayback && pc.Name != providerScripted {
		return provider.NewPlayback(pc.Name, pc.Model, recordings), nil
	}

	var (
		prov provider.Provider
		err  error
	)
	switch pc.Name {
	case providerScripted:
		prov = provider.NewScripted("scripted", "arith-1", arithScript)
	case providerAnthropic:
		prov, err = anthropic.NewFromAPIKey(pc.apiKey(), pc.Model)
	case providerOpenAI:
		prov, err = openai.NewFromAPIKey(pc.apiKey(), pc.Model)
	case providerBedrock:
		awsCfg, cfgErr := awsconfig.LoadDefaultConfig(ctx)
		if cfgErr != nil {
			return nil, fmt.Errorf("load aws config: %w", cfgErr)
		}
		prov, err = bedrock.NewFromConfig(awsCfg, pc.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", pc.Name, err)
	}

	// Playback never reaches a vendor, so the budget only applies live.
	if tpm := pc.RateLimitTPM; tpm > 0 && cfg.Mode == provider.ModeLive {
		limiter := middleware.NewAdaptiveRateLimiter(ctx, nil, "", tpm, tpm)
		prov = limiter.Middleware()(prov)
	}
	return prov, nil
}
