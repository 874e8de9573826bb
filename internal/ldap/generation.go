package ldap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Generation is everything built from one configuration snapshot: its pool,
// caches, compiled filters and resolvers. A generation is retired as a whole when
// the configuration changes.
type Generation struct {
	ctx      context.Context // logging context
	id       string
	cfg      *RegistryConfig
	problems []*RegistryError

	pool    *Pool
	cache   *CacheManager
	engine  *QueryEngine
	filters *Filters
	members *membershipResolver

	userBases   searchBases
	groupBases  searchBases
	userIDMap   IDMap
	groupIDMap  IDMap
	memberIDMap IDMap
	userAttrs   []string
	groupAttrs  []string
	certMapper  CertificateMapper

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
}

// ID returns the unique ID of the generation.
func (g *Generation) ID() string {
	return g.id
}

// Config returns the normalized configuration of the generation. It must not be modified.
func (g *Generation) Config() *RegistryConfig {
	return g.cfg
}

// Problems returns the configuration errors that were corrected with a fallback.
func (g *Generation) Problems() []*RegistryError {
	return g.problems
}

func (g *Generation) tryRef() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retired {
		return false
	}
	g.refs++
	return true
}

func (g *Generation) unref() {
	g.mu.Lock()
	g.refs--
	done := g.retired && g.refs == 0 && !g.closed
	if done {
		g.closed = true
	}
	g.mu.Unlock()

	if done {
		g.shutdown()
	}
}

// retire stops new operations from using g and shuts it down once the operations
// in flight have finished.
func (g *Generation) retire() {
	g.mu.Lock()
	g.retired = true
	done := g.refs == 0 && !g.closed
	if done {
		g.closed = true
	}
	g.mu.Unlock()

	if done {
		g.shutdown()
	}
}

func (g *Generation) shutdown() {
	_ = g.pool.Close()
	g.cache.Close()
	g.cache.InvalidateAll(SearchResultsCache)
	g.cache.InvalidateAll(AttributesCache)
}

type registryOptions struct {
	dialer  Dialer
	metrics *Metrics
	mappers *CertificateMapperRegistry
}

// Option customizes a Registry.
type Option func(*registryOptions)

// WithDialer replaces the network dialer, typically in tests.
func WithDialer(d Dialer) Option {
	return func(o *registryOptions) { o.dialer = d }
}

// WithMetrics records pool, cache and search metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *registryOptions) { o.metrics = m }
}

// WithCertificateMappers supplies the mappers available to the custom certificate map mode.
func WithCertificateMappers(r *CertificateMapperRegistry) Option {
	return func(o *registryOptions) { o.mappers = r }
}

// newGeneration normalizes and validates a copy of cfg and builds its components.
func newGeneration(ctx context.Context, cfg *RegistryConfig, opts *registryOptions) (*Generation, error) {
	if cfg == nil {
		return nil, NewConfigurationError("config", "configuration is required")
	}
	cfg = cfg.Clone()
	problems := cfg.Normalize(ctx)
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigurationError("config", err.Error())
	}

	g := &Generation{
		ctx:      ctx,
		id:       uuid.NewString(),
		cfg:      cfg,
		problems: problems,
	}

	var err error
	if g.userBases, err = parseSearchBases(cfg.UserSearchBases); err != nil {
		return nil, NewConfigurationError("user_search_bases", err.Error())
	}
	if g.groupBases, err = parseSearchBases(cfg.GroupSearchBases); err != nil {
		return nil, NewConfigurationError("group_search_bases", err.Error())
	}

	g.userIDMap = parseIDMapOrDefault(ctx, g, "user_id_map", cfg.UserIDMap, "*:uid")
	g.groupIDMap = parseIDMapOrDefault(ctx, g, "group_id_map", cfg.GroupIDMap, "*:cn")
	g.memberIDMap = parseIDMapOrDefault(ctx, g, "group_member_id_map", cfg.GroupMemberIDMap,
		"groupOfNames:member;groupOfUniqueNames:uniqueMember")

	g.userAttrs = entityAttributes(g.userIDMap, cfg.OutputProperties.UserPrincipalName,
		cfg.OutputProperties.UserSecurityName, cfg.OutputProperties.UserDisplayName, cfg.OutputProperties.UniqueUserID)
	g.groupAttrs = entityAttributes(g.groupIDMap, cfg.OutputProperties.GroupPrincipalName,
		cfg.OutputProperties.GroupSecurityName, cfg.OutputProperties.GroupDisplayName, cfg.OutputProperties.UniqueGroupID)

	g.filters = NewFilters(ctx, cfg)

	if cfg.CertificateMapMode == CertMapCustom {
		if mapper, ok := opts.mappers.Lookup(cfg.CertificateMapperID); ok {
			g.certMapper = mapper
		} else {
			tflog.SubsystemWarn(ctx, SubsystemLDAP, "Certificate mapper not registered", map[string]any{
				"registry":  cfg.ID,
				"mapper_id": cfg.CertificateMapperID,
			})
		}
	}

	servers, err := resolveServers(ctx, cfg)
	if err != nil {
		return nil, NewConfigurationError("servers", err.Error())
	}

	dialer := opts.dialer
	if dialer == nil {
		dialer = &NetDialer{ConnectTimeout: cfg.ConnectTimeout, TLSConfig: cfg.TLSConfig, StartTLS: cfg.StartTLS}
	}
	bind := newBindFunc(cfg)

	g.pool, err = NewPool(ctx, PoolOptions{
		ID:                   cfg.ID,
		Pool:                 cfg.Pool,
		Retry:                cfg.Retry,
		Servers:              servers,
		Dialer:               dialer,
		Bind:                 bind,
		ReadTimeout:          cfg.SearchTimeout,
		ReturnToPrimary:      cfg.ReturnToPrimary,
		PrimaryProbeInterval: cfg.PrimaryProbeInterval,
		Metrics:              opts.metrics,
	})
	if err != nil {
		return nil, NewConfigurationError("servers", err.Error())
	}

	g.cache = NewCacheManager(ctx, cfg.Cache, cfg.SearchTimeout, opts.metrics)
	g.engine = NewQueryEngine(ctx, QueryEngineOptions{
		ID:            cfg.ID,
		Pool:          g.pool,
		Cache:         g.cache,
		Metrics:       opts.metrics,
		Bind:          bind,
		Referral:      cfg.EffectiveReferralMode(),
		PageSize:      cfg.PageSize,
		SearchTimeout: cfg.SearchTimeout,
		RangeStep:     cfg.RangeStep,
	})
	g.members = newMembershipResolver(ctx, cfg, g.engine, g.userBases, g.groupBases, g.memberIDMap)

	return g, nil
}

func parseIDMapOrDefault(ctx context.Context, g *Generation, setting, value, fallback string) IDMap {
	m, err := ParseIDMap(value)
	if err == nil {
		return m
	}
	problem := NewConfigurationError(setting, err.Error())
	g.problems = append(g.problems, problem)
	tflog.SubsystemWarn(ctx, SubsystemLDAP, "Configuration error, using fallback", map[string]any{
		"registry": g.cfg.ID,
		"setting":  setting,
		"error":    problem.Error(),
	})
	m, _ = ParseIDMap(fallback)
	return m
}

// entityAttributes lists the attributes to request for users or groups.
func entityAttributes(idMap IDMap, properties ...string) []string {
	attrs := []string{"objectClass"}
	attrs = append(attrs, idMap.Attributes()...)
	for _, p := range properties {
		if p == "" || p == "dn" {
			continue
		}
		attrs = append(attrs, p)
	}
	slices.Sort(attrs)
	return slices.Compact(attrs)
}

// resolveServers returns the configured servers, discovering them through SRV
// records when only a domain is configured.
func resolveServers(ctx context.Context, cfg *RegistryConfig) ([]*ServerInfo, error) {
	servers, err := cfg.Servers()
	if err != nil {
		return nil, err
	}
	if cfg.Host == "" && len(cfg.LDAPURLs) == 0 && cfg.Domain != "" {
		discovered, err := NewSRVDiscovery(ctx).DiscoverServers(ctx, cfg.Domain)
		if err != nil {
			return nil, fmt.Errorf("server discovery for %s failed: %w", cfg.Domain, err)
		}
		servers = append(discovered, servers...)
	}
	if len(servers) == 0 {
		return nil, errors.New("no directory servers configured")
	}
	return servers, nil
}

// ConfigStore holds the active generation. Readers take one snapshot per
// operation; Swap publishes a new generation and retires the previous one.
type ConfigStore struct {
	ctx  context.Context // logging context
	opts *registryOptions

	swapMu  sync.Mutex
	current atomic.Pointer[Generation]
}

// Swap builds a generation from cfg and makes it current. On error the current
// generation stays active.
func (s *ConfigStore) Swap(ctx context.Context, cfg *RegistryConfig) (*Generation, error) {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	g, err := newGeneration(s.ctx, cfg, s.opts)
	if err != nil {
		return nil, err
	}

	old := s.current.Swap(g)
	fields := map[string]any{
		"registry":   g.cfg.ID,
		"generation": g.id,
	}
	if old != nil {
		fields["previous_generation"] = old.id
		old.retire()
	}
	tflog.SubsystemInfo(ctx, SubsystemLDAP, "Registry configuration applied", fields)
	return g, nil
}

// Current returns the active generation without holding it.
func (s *ConfigStore) Current() *Generation {
	return s.current.Load()
}

// acquire returns the active generation, held until release is called.
func (s *ConfigStore) acquire() (*Generation, func(), error) {
	for {
		g := s.current.Load()
		if g == nil {
			return nil, nil, newRegistryError(KindConfiguration, "", "", "registry is closed", nil)
		}
		if g.tryRef() {
			return g, g.unref, nil
		}
	}
}

// close retires the active generation and leaves the store empty.
func (s *ConfigStore) close() {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	if g := s.current.Swap(nil); g != nil {
		g.retire()
	}
}
