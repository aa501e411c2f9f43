package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relicmap/relicmap-engine/pkg/apperrors"
	"github.com/relicmap/relicmap-engine/pkg/llm"
	"github.com/relicmap/relicmap-engine/pkg/retry"
)

// LLMCapabilityConfig tunes the LLM-backed capability.
type LLMCapabilityConfig struct {
	// CallTimeout bounds each extraction call end to end, retries included.
	CallTimeout time.Duration
	// BreakerThreshold is the number of consecutive transport failures after
	// which the capability reports unavailable.
	BreakerThreshold int
	// BreakerReset is how long the breaker stays open before allowing a probe.
	BreakerReset time.Duration
	// MaxConcurrent caps in-flight capability calls independently of the
	// extraction worker pool, bounding provider load and cost.
	MaxConcurrent int
}

// DefaultLLMCapabilityConfig returns production defaults.
func DefaultLLMCapabilityConfig() LLMCapabilityConfig {
	return LLMCapabilityConfig{
		CallTimeout:      60 * time.Second,
		BreakerThreshold: 5,
		BreakerReset:     30 * time.Second,
		MaxConcurrent:    4,
	}
}

// LLMCapability implements Capability on a chat client.
type LLMCapability struct {
	client     llm.ChatClient
	strategies map[string]Strategy
	config     LLMCapabilityConfig
	breaker    *breaker
	sem        chan struct{}
	logger     *zap.Logger
}

// NewLLMCapability creates the capability. Strategies may be nil, in which
// case the embedded descriptors are loaded.
func NewLLMCapability(client llm.ChatClient, strategies map[string]Strategy, cfg LLMCapabilityConfig, logger *zap.Logger) (*LLMCapability, error) {
	if strategies == nil {
		loaded, err := LoadStrategies()
		if err != nil {
			return nil, err
		}
		strategies = loaded
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultLLMCapabilityConfig().CallTimeout
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = DefaultLLMCapabilityConfig().BreakerThreshold
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = DefaultLLMCapabilityConfig().BreakerReset
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultLLMCapabilityConfig().MaxConcurrent
	}
	return &LLMCapability{
		client:     client,
		strategies: strategies,
		config:     cfg,
		breaker:    newBreaker(cfg.BreakerThreshold, cfg.BreakerReset),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		logger:     logger.Named("semantic"),
	}, nil
}

// Available reports whether the breaker allows calls.
func (c *LLMCapability) Available() bool { return c.breaker.allow() }

// Extract performs one delegated extraction with timeout, retry, response
// cleanup, and schema validation.
func (c *LLMCapability) Extract(ctx context.Context, req *Request) (*Payload, error) {
	strategy, ok := c.strategies[req.Kind]
	if !ok {
		return nil, fmt.Errorf("no extraction strategy for kind %q", req.Kind)
	}
	if !c.breaker.allow() {
		return nil, fmt.Errorf("circuit open: %w", apperrors.ErrCapabilityUnavailable)
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	prompt := buildPrompt(strategy, req)
	response, err := retry.DoWithResult(callCtx, retry.DefaultConfig(), func() (string, error) {
		return c.client.Complete(callCtx, strategy.System, prompt)
	})
	if err != nil {
		classified := llm.ClassifyError(err)
		if classified.Transient() {
			c.breaker.recordFailure()
			return nil, fmt.Errorf("%s: %w", classified.Type, apperrors.ErrCapabilityUnavailable)
		}
		return nil, fmt.Errorf("semantic extraction: %w", err)
	}
	c.breaker.recordSuccess()

	payload, err := parsePayload(response, strategy)
	if err != nil {
		c.logger.Warn("Malformed capability response",
			zap.String("unit", req.UnitPath),
			zap.String("strategy", strategy.Name),
			zap.Error(err))
		return nil, fmt.Errorf("%v: %w", err, apperrors.ErrMalformedResponse)
	}

	c.logger.Debug("Semantic extraction complete",
		zap.String("unit", req.UnitPath),
		zap.Int("nodes", len(payload.Nodes)),
		zap.Int("edges", len(payload.Edges)))

	return payload, nil
}

func buildPrompt(strategy Strategy, req *Request) string {
	var b strings.Builder
	b.WriteString(strategy.Instructions)
	b.WriteString("\n\nSource unit: ")
	b.WriteString(req.UnitPath)
	b.WriteString("\n\n```\n")
	b.WriteString(req.Content)
	b.WriteString("\n```\n")
	return b.String()
}

// parsePayload extracts and validates the structured payload from a raw LLM
// response. An empty payload is valid (the unit contains nothing of
// interest); unknown kinds or missing keys are not.
func parsePayload(response string, strategy Strategy) (*Payload, error) {
	jsonStr, err := llm.ExtractJSON(response)
	if err != nil {
		return nil, err
	}

	var payload Payload
	if err := json.Unmarshal([]byte(jsonStr), &payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	nodeKinds := toSet(strategy.AllowedNodeKinds)
	edgeKinds := toSet(strategy.AllowedEdgeKinds)

	for i, n := range payload.Nodes {
		if strings.TrimSpace(n.Key) == "" {
			return nil, fmt.Errorf("node %d: empty key", i)
		}
		if !nodeKinds[n.Kind] {
			return nil, fmt.Errorf("node %d: kind %q not allowed by strategy %s", i, n.Kind, strategy.Name)
		}
	}
	for i, e := range payload.Edges {
		if !edgeKinds[e.Kind] {
			return nil, fmt.Errorf("edge %d: kind %q not allowed by strategy %s", i, e.Kind, strategy.Name)
		}
		if strings.TrimSpace(e.SourceKey) == "" || strings.TrimSpace(e.TargetName) == "" {
			return nil, fmt.Errorf("edge %d: missing endpoint", i)
		}
	}

	return &payload, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
