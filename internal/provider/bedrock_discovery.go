package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultDiscoveryRefresh       = time.Hour
	DefaultDiscoveryContextWindow = 32000
	DefaultDiscoveryMaxTokens     = 4096
)

// DiscoveryConfig controls Bedrock foundation model discovery.
type DiscoveryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	// ProviderFilter limits discovery to model vendors such as "anthropic".
	ProviderFilter []string `yaml:"provider_filter"`
}

// FoundationModelLister is the subset of the Bedrock control-plane client
// used for discovery.
type FoundationModelLister interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// Discovery lists streaming text models available in a Bedrock region and
// caches the result.
type Discovery struct {
	cfg    DiscoveryConfig
	logger *slog.Logger
	lister FoundationModelLister
	group  singleflight.Group

	mu        sync.RWMutex
	cache     []*Model
	expiresAt time.Time
}

// NewDiscovery creates a Discovery. A nil lister builds a client from the
// default AWS config on first use.
func NewDiscovery(cfg DiscoveryConfig, lister FoundationModelLister, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultDiscoveryRefresh
	}
	if cfg.Region == "" {
		cfg.Region = defaultBedrockRegion
	}
	return &Discovery{cfg: cfg, lister: lister, logger: logger.With("component", "bedrock-discovery")}
}

// Discover returns the cached models, refreshing them when expired. A failed
// refresh falls back to the previous result when there is one.
func (d *Discovery) Discover(ctx context.Context) ([]*Model, error) {
	if !d.cfg.Enabled {
		return nil, nil
	}
	d.mu.RLock()
	if d.cache != nil && time.Now().Before(d.expiresAt) {
		cached := d.cache
		d.mu.RUnlock()
		return cached, nil
	}
	d.mu.RUnlock()

	v, err, _ := d.group.Do("discover", func() (any, error) {
		return d.fetch(ctx)
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		d.logger.Warn("bedrock discovery failed", "error", err)
		if d.cache != nil {
			return d.cache, nil
		}
		return nil, err
	}
	d.cache = v.([]*Model)
	d.expiresAt = time.Now().Add(d.cfg.RefreshInterval)
	return d.cache, nil
}

// Register discovers models and adds them to the catalog's Bedrock provider.
func (d *Discovery) Register(ctx context.Context, catalog *Catalog) error {
	found, err := d.Discover(ctx)
	if err != nil {
		return err
	}
	catalog.AddModels(bedrockProviderID, found)
	d.logger.Info("registered bedrock models", "count", len(found))
	return nil
}

func (d *Discovery) fetch(ctx context.Context) ([]*Model, error) {
	lister := d.lister
	if lister == nil {
		cfg, err := loadAWSConfig(ctx, Credential{Region: d.cfg.Region})
		if err != nil {
			return nil, err
		}
		lister = bedrock.NewFromConfig(cfg)
	}
	output, err := lister.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{})
	if err != nil {
		return nil, fmt.Errorf("list foundation models: %w", wrapAWSError(bedrockProviderID, "", err))
	}
	filter := make(map[string]bool, len(d.cfg.ProviderFilter))
	for _, p := range d.cfg.ProviderFilter {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			filter[p] = true
		}
	}
	var found []*Model
	for _, summary := range output.ModelSummaries {
		if !includeSummary(summary, filter) {
			continue
		}
		found = append(found, summaryModel(summary))
	}
	d.logger.Debug("discovered bedrock models", "total", len(output.ModelSummaries), "included", len(found))
	return found, nil
}

func includeSummary(s bedrocktypes.FoundationModelSummary, filter map[string]bool) bool {
	if s.ModelId == nil || *s.ModelId == "" {
		return false
	}
	if s.ResponseStreamingSupported == nil || !*s.ResponseStreamingSupported {
		return false
	}
	text := false
	for _, m := range s.OutputModalities {
		if m == bedrocktypes.ModelModalityText {
			text = true
		}
	}
	if !text {
		return false
	}
	if s.ModelLifecycle == nil || s.ModelLifecycle.Status != bedrocktypes.FoundationModelLifecycleStatusActive {
		return false
	}
	return len(filter) == 0 || filter[summaryVendor(s)]
}

func summaryVendor(s bedrocktypes.FoundationModelSummary) string {
	if s.ProviderName != nil && *s.ProviderName != "" {
		return strings.ToLower(*s.ProviderName)
	}
	vendor, _, _ := strings.Cut(*s.ModelId, ".")
	return strings.ToLower(vendor)
}

func summaryModel(s bedrocktypes.FoundationModelSummary) *Model {
	id := *s.ModelId
	name := id
	if s.ModelName != nil && *s.ModelName != "" {
		name = *s.ModelName
	}
	m := &Model{
		ID:         id,
		ProviderID: bedrockProviderID,
		Name:       name,
		API:        API{Kind: KindBedrock},
		Limit:      Limit{Context: DefaultDiscoveryContextWindow, Output: DefaultDiscoveryMaxTokens},
	}
	for _, in := range s.InputModalities {
		if in == bedrocktypes.ModelModalityImage {
			m.Capabilities.Attachment = true
		}
	}
	for _, inf := range s.InferenceTypesSupported {
		if inf == bedrocktypes.InferenceTypeOnDemand {
			m.Capabilities.ToolCall = true
		}
	}
	return m
}
