package ldap

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"
)

// ProviderData is handed to Terraform data sources, ephemeral resources and
// functions. Registry is either a single Registry or a Federation over Members.
type ProviderData struct {
	Registry UserRegistry
	Members  []*Registry

	// Gatherer exposes the metrics recorded by the members, when enabled.
	Gatherer prometheus.Gatherer
}

// NewProviderData wraps registries. With more than one registry they are
// federated under realm.
func NewProviderData(ctx context.Context, realm string, qualifyNames bool, registries ...*Registry) (*ProviderData, error) {
	switch len(registries) {
	case 0:
		return nil, fmt.Errorf("no registries configured")
	case 1:
		return &ProviderData{Registry: registries[0], Members: registries}, nil
	}

	fed, err := NewFederation(ctx, FederationOptions{Realm: realm, QualifyNames: qualifyNames}, registries...)
	if err != nil {
		return nil, err
	}
	return &ProviderData{Registry: fed, Members: registries}, nil
}

// ValidateConnection borrows a connection from every member pool.
func (pd *ProviderData) ValidateConnection(ctx context.Context) error {
	if pd == nil || pd.Registry == nil {
		return fmt.Errorf("LDAP registry is not initialized")
	}

	var merr *multierror.Error
	for _, r := range pd.Members {
		start := time.Now()
		err := r.Ping(ctx)
		if err != nil {
			merr = multierror.Append(merr, memberError(r.ID(), err))
			continue
		}
		tflog.Debug(ctx, "Registry connection validated", map[string]any{
			"registry":    r.ID(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	return merr.ErrorOrNil()
}

// GetCombinedStats returns pool and cache statistics per member registry.
func (pd *ProviderData) GetCombinedStats() map[string]any {
	stats := make(map[string]any, len(pd.Members))

	for _, r := range pd.Members {
		pool := r.PoolStats()
		entry := map[string]any{
			"generation": r.GenerationID(),
			"pool": map[string]any{
				"total":          pool.Total,
				"in_use":         pool.InUse,
				"idle":           pool.Idle,
				"created":        pool.Created,
				"errors":         pool.Errors,
				"timed_out":      pool.TimedOut,
				"exhausted":      pool.Exhausted,
				"refreshes":      pool.Refreshes,
				"active_server":  pool.ActiveServer,
				"uptime_seconds": pool.Uptime.Seconds(),
			},
		}
		for _, kind := range []CacheKind{SearchResultsCache, AttributesCache} {
			cs := r.CacheStats(kind)
			entry[kind.String()] = map[string]any{
				"enabled":   cs.Enabled,
				"entries":   cs.Entries,
				"hits":      cs.Hits,
				"misses":    cs.Misses,
				"evictions": cs.Evictions,
				"hit_rate":  cs.HitRate,
			}
		}
		stats[r.ID()] = entry
	}

	return stats
}

// Close closes every member registry.
func (pd *ProviderData) Close() error {
	var merr *multierror.Error
	for _, r := range pd.Members {
		if err := r.Close(); err != nil {
			merr = multierror.Append(merr, memberError(r.ID(), err))
		}
	}
	return merr.ErrorOrNil()
}
