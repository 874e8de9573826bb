package ldap

import (
	"context"
	"crypto/x509"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// UserRegistry is the identity surface shared by a single Registry and a Federation.
type UserRegistry interface {
	CheckPassword(ctx context.Context, principal, password string) (*Identity, error)
	MapCertificate(ctx context.Context, cert *x509.Certificate) (string, error)
	IsValidUser(ctx context.Context, name string) (bool, error)
	IsValidGroup(ctx context.Context, name string) (bool, error)
	GetUsers(ctx context.Context, pattern string, limit int) (*SearchResult, error)
	GetGroups(ctx context.Context, pattern string, limit int) (*SearchResult, error)
	GetUserDisplayName(ctx context.Context, name string) (string, error)
	GetUserSecurityName(ctx context.Context, name string) (string, error)
	GetUniqueUserID(ctx context.Context, name string) (string, error)
	GetGroupDisplayName(ctx context.Context, name string) (string, error)
	GetGroupSecurityName(ctx context.Context, name string) (string, error)
	GetUniqueGroupID(ctx context.Context, name string) (string, error)
	GetGroupsForUser(ctx context.Context, name string) ([]string, error)
	GetUsersForGroup(ctx context.Context, name string, limit int) (*SearchResult, error)
	GetRealm() string
}

var (
	_ UserRegistry = (*Registry)(nil)
	_ UserRegistry = (*Federation)(nil)
)

// Registry is an LDAP-backed user registry. It is safe for concurrent use; each
// operation runs against one configuration generation from start to finish.
type Registry struct {
	ctx   context.Context // logging context
	store *ConfigStore
}

// NewRegistry builds a registry from cfg.
func NewRegistry(ctx context.Context, cfg *RegistryConfig, opts ...Option) (*Registry, error) {
	o := &registryOptions{}
	for _, opt := range opts {
		opt(o)
	}

	ctx = NewLoggingContext(ctx)
	r := &Registry{
		ctx:   ctx,
		store: &ConfigStore{ctx: ctx, opts: o},
	}
	if _, err := r.store.Swap(ctx, cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reconfigure atomically replaces the configuration. Operations already running
// finish on the previous generation, which is then closed.
func (r *Registry) Reconfigure(ctx context.Context, cfg *RegistryConfig) error {
	_, err := r.store.Swap(ctx, cfg)
	return err
}

// Close releases the pool and caches. Operations after Close fail.
func (r *Registry) Close() error {
	r.store.close()
	return nil
}

// Config returns a copy of the active normalized configuration.
func (r *Registry) Config() *RegistryConfig {
	if g := r.store.Current(); g != nil {
		return g.cfg.Clone()
	}
	return nil
}

// GenerationID identifies the active configuration generation.
func (r *Registry) GenerationID() string {
	if g := r.store.Current(); g != nil {
		return g.id
	}
	return ""
}

// ID returns the configured registry ID.
func (r *Registry) ID() string {
	if g := r.store.Current(); g != nil {
		return g.cfg.ID
	}
	return ""
}

// GetRealm returns the configured realm.
func (r *Registry) GetRealm() string {
	if g := r.store.Current(); g != nil {
		return g.cfg.Realm
	}
	return ""
}

// PoolStats reports the connection pool of the active generation.
func (r *Registry) PoolStats() PoolStats {
	if g := r.store.Current(); g != nil {
		return g.pool.Stats()
	}
	return PoolStats{}
}

// CacheStats reports one cache tier of the active generation.
func (r *Registry) CacheStats(kind CacheKind) CacheStats {
	if g := r.store.Current(); g != nil {
		return g.cache.Stats(kind)
	}
	return CacheStats{}
}

// Ping borrows and returns one pooled connection.
func (r *Registry) Ping(ctx context.Context) error {
	return r.run("ping", nil, func(g *Generation) error {
		pc, err := g.pool.Borrow(ctx)
		if err != nil {
			return translateError("ping", "", err)
		}
		pc.Release()
		return nil
	})
}

// run executes fn against a held generation and logs the operation.
func (r *Registry) run(operation string, fields map[string]any, fn func(g *Generation) error) error {
	g, release, err := r.store.acquire()
	if err != nil {
		return err
	}
	defer release()

	if fields == nil {
		fields = map[string]any{}
	}
	fields["registry"] = g.cfg.ID
	return LogOperation(r.ctx, SubsystemLDAP, operation, fields, func() error {
		return fn(g)
	})
}

// CheckPassword authenticates principal. Rejected credentials, unknown principals
// and empty passwords return a nil identity without error; only infrastructure
// failures and ambiguous principals are errors.
func (r *Registry) CheckPassword(ctx context.Context, principal, password string) (*Identity, error) {
	var identity *Identity
	err := r.run("checkPassword", map[string]any{"principal": principal}, func(g *Generation) error {
		if password == "" {
			tflog.SubsystemDebug(r.ctx, SubsystemLDAP, "Rejecting empty password", map[string]any{"principal": principal})
			return nil
		}

		entry, err := g.loginEntry(ctx, principal)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			if isDuplicate(err) {
				return authFailure("checkPassword", err)
			}
			return err
		}

		ok, err := g.pool.Authenticate(ctx, entry.DN, password)
		if err != nil {
			return translateError("checkPassword", principal, err)
		}
		if !ok {
			tflog.SubsystemDebug(r.ctx, SubsystemLDAP, "Credentials rejected", map[string]any{"dn": entry.DN})
			return nil
		}

		identity, err = g.identity(entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// MapCertificate maps a client certificate to a user security name according to
// the configured certificate map mode.
func (r *Registry) MapCertificate(ctx context.Context, cert *x509.Certificate) (string, error) {
	var name string
	err := r.run("mapCertificate", nil, func(g *Generation) error {
		entry, err := g.certificateEntry(ctx, cert)
		if err != nil {
			return err
		}
		name, err = g.property(entry, g.cfg.OutputProperties.UserSecurityName)
		return err
	})
	return name, err
}

// IsValidUser reports whether name identifies a user inside the user search bases.
func (r *Registry) IsValidUser(ctx context.Context, name string) (bool, error) {
	return r.isValid(ctx, "isValidUser", userEntity, name)
}

// IsValidGroup reports whether name identifies a group inside the group search bases.
func (r *Registry) IsValidGroup(ctx context.Context, name string) (bool, error) {
	return r.isValid(ctx, "isValidGroup", groupEntity, name)
}

func (r *Registry) isValid(ctx context.Context, op string, kind entityKind, name string) (bool, error) {
	valid := false
	err := r.run(op, map[string]any{"name": name}, func(g *Generation) error {
		_, err := g.resolve(ctx, op, kind, name)
		switch {
		case err == nil:
			valid = true
			return nil
		case isNotFound(err):
			return nil
		default:
			return err
		}
	})
	return valid, err
}

// GetUsers returns the security names of users matching pattern, at most limit.
func (r *Registry) GetUsers(ctx context.Context, pattern string, limit int) (*SearchResult, error) {
	return r.search(ctx, "getUsers", userEntity, pattern, limit)
}

// GetGroups returns the security names of groups matching pattern, at most limit.
func (r *Registry) GetGroups(ctx context.Context, pattern string, limit int) (*SearchResult, error) {
	return r.search(ctx, "getGroups", groupEntity, pattern, limit)
}

func (r *Registry) search(ctx context.Context, op string, kind entityKind, pattern string, limit int) (*SearchResult, error) {
	if limit <= 0 {
		return emptySearchResult(), nil
	}

	var result *SearchResult
	err := r.run(op, map[string]any{"pattern": pattern, "limit": limit}, func(g *Generation) error {
		filter, err := g.searchFilter(kind, pattern)
		if err != nil {
			return err
		}
		entries, err := g.find(ctx, kind, filter)
		if err != nil {
			return err
		}

		result = &SearchResult{Entries: []string{}, Total: len(entries), Truncated: len(entries) > limit}
		for _, entry := range entries[:min(limit, len(entries))] {
			name, err := g.property(entry, g.securityNameProperty(kind))
			if err != nil {
				return err
			}
			result.Entries = append(result.Entries, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Registry) GetUserDisplayName(ctx context.Context, name string) (string, error) {
	return r.lookupProperty(ctx, "getUserDisplayName", userEntity, name, func(p OutputProperties) string { return p.UserDisplayName })
}

func (r *Registry) GetUserSecurityName(ctx context.Context, name string) (string, error) {
	return r.lookupProperty(ctx, "getUserSecurityName", userEntity, name, func(p OutputProperties) string { return p.UserSecurityName })
}

func (r *Registry) GetUniqueUserID(ctx context.Context, name string) (string, error) {
	return r.lookupProperty(ctx, "getUniqueUserId", userEntity, name, func(p OutputProperties) string { return p.UniqueUserID })
}

func (r *Registry) GetGroupDisplayName(ctx context.Context, name string) (string, error) {
	return r.lookupProperty(ctx, "getGroupDisplayName", groupEntity, name, func(p OutputProperties) string { return p.GroupDisplayName })
}

func (r *Registry) GetGroupSecurityName(ctx context.Context, name string) (string, error) {
	return r.lookupProperty(ctx, "getGroupSecurityName", groupEntity, name, func(p OutputProperties) string { return p.GroupSecurityName })
}

func (r *Registry) GetUniqueGroupID(ctx context.Context, name string) (string, error) {
	return r.lookupProperty(ctx, "getUniqueGroupId", groupEntity, name, func(p OutputProperties) string { return p.UniqueGroupID })
}

func (r *Registry) lookupProperty(ctx context.Context, op string, kind entityKind, name string, prop func(OutputProperties) string) (string, error) {
	var value string
	err := r.run(op, map[string]any{"name": name}, func(g *Generation) error {
		entry, err := g.resolve(ctx, op, kind, name)
		if err != nil {
			return err
		}
		value, err = g.property(entry, prop(g.cfg.OutputProperties))
		return err
	})
	return value, err
}

// GetGroupsForUser returns the security names of the groups containing the user,
// resolved according to the membership scope.
func (r *Registry) GetGroupsForUser(ctx context.Context, name string) ([]string, error) {
	var groups []string
	err := r.run("getGroupsForUser", map[string]any{"name": name}, func(g *Generation) error {
		entry, err := g.resolve(ctx, "getGroupsForUser", userEntity, name)
		if err != nil {
			return err
		}
		dns, err := g.members.GroupsFor(ctx, entry.DN)
		if err != nil {
			return translateError("getGroupsForUser", name, err)
		}
		groups, err = g.namesFor(ctx, groupEntity, dns)
		return err
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// GetUsersForGroup returns the security names of the users in the group, at most limit.
func (r *Registry) GetUsersForGroup(ctx context.Context, name string, limit int) (*SearchResult, error) {
	if limit <= 0 {
		return emptySearchResult(), nil
	}

	var result *SearchResult
	err := r.run("getUsersForGroup", map[string]any{"name": name, "limit": limit}, func(g *Generation) error {
		entry, err := g.resolve(ctx, "getUsersForGroup", groupEntity, name)
		if err != nil {
			return err
		}
		dns, err := g.members.MembersOf(ctx, entry.DN, g.userBases.contains)
		if err != nil {
			return translateError("getUsersForGroup", name, err)
		}

		names, err := g.namesFor(ctx, userEntity, dns[:min(limit, len(dns))])
		if err != nil {
			return err
		}
		result = &SearchResult{Entries: names, Total: len(dns), Truncated: len(dns) > limit}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type entityKind int

const (
	userEntity entityKind = iota
	groupEntity
)

func (k entityKind) String() string {
	if k == groupEntity {
		return "group"
	}
	return "user"
}

func (g *Generation) bases(kind entityKind) searchBases {
	if kind == groupEntity {
		return g.groupBases
	}
	return g.userBases
}

func (g *Generation) attributes(kind entityKind) []string {
	if kind == groupEntity {
		return g.groupAttrs
	}
	return g.userAttrs
}

func (g *Generation) objectClasses(kind entityKind) []string {
	if kind == groupEntity {
		return g.cfg.GroupObjectClasses
	}
	return g.cfg.UserObjectClasses
}

func (g *Generation) securityNameProperty(kind entityKind) string {
	if kind == groupEntity {
		return g.cfg.OutputProperties.GroupSecurityName
	}
	return g.cfg.OutputProperties.UserSecurityName
}

func (g *Generation) nameFilter(kind entityKind, name string) (string, error) {
	if kind == groupEntity {
		return g.filters.BuildGroupFilter(name)
	}
	return g.filters.BuildUserFilter(name)
}

func (g *Generation) searchFilter(kind entityKind, pattern string) (string, error) {
	if kind == groupEntity {
		return g.filters.BuildGroupSearchFilter(pattern)
	}
	return g.filters.BuildUserSearchFilter(pattern)
}

// resolve finds the single entry named by a DN or short name.
func (g *Generation) resolve(ctx context.Context, op string, kind entityKind, name string) (*ldap.Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newRegistryError(KindInvalidIdentifier, op, name, "name is empty", nil)
	}
	if looksLikeDN(name) {
		return g.entryByDN(ctx, op, kind, name)
	}

	filter, err := g.nameFilter(kind, name)
	if err != nil {
		return nil, err
	}
	return g.findOne(ctx, op, kind, name, filter)
}

// entryByDN reads a DN after checking it lies inside the bases of kind.
func (g *Generation) entryByDN(ctx context.Context, op string, kind entityKind, dn string) (*ldap.Entry, error) {
	if err := ValidateDNSyntax(dn); err != nil {
		return nil, newRegistryError(KindInvalidIdentifier, op, dn, "", err)
	}
	if !g.bases(kind).contains(dn) {
		return nil, newRegistryError(KindInvalidIdentifier, op, dn, "outside the configured "+kind.String()+" search bases", nil)
	}

	entry, err := g.engine.GetEntry(ctx, dn, g.attributes(kind))
	if err != nil {
		return nil, err
	}
	classes := entry.GetEqualFoldAttributeValues("objectClass")
	if !hasObjectClass(classes, g.objectClasses(kind)) {
		return nil, newRegistryError(KindEntryNotFound, op, dn, "entry is not a "+kind.String(), nil)
	}
	return entry, nil
}

// findOne runs filter over the bases of kind and requires exactly one match.
func (g *Generation) findOne(ctx context.Context, op string, kind entityKind, name, filter string) (*ldap.Entry, error) {
	entries, err := g.find(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	switch len(entries) {
	case 0:
		return nil, newRegistryError(KindEntryNotFound, op, name, "", nil)
	case 1:
		return entries[0], nil
	default:
		return nil, newRegistryError(KindDuplicateIdentity, op, name, "matches more than one entry", nil)
	}
}

// find searches every base of kind and returns the distinct in-scope entries.
func (g *Generation) find(ctx context.Context, kind entityKind, filter string) ([]*ldap.Entry, error) {
	bases := g.bases(kind)
	seen := make(map[string]struct{})
	var out []*ldap.Entry

	for _, base := range bases.strings() {
		entries, err := g.engine.Search(ctx, SearchRequest{
			BaseDN:     base,
			Scope:      ScopeWholeSubtree,
			Filter:     filter,
			Attributes: g.attributes(kind),
		})
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			key := normalizeDNKey(entry.DN)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if !bases.contains(entry.DN) {
				continue
			}
			out = append(out, entry)
		}
	}
	return out, nil
}

// loginEntry resolves the principal used for authentication.
func (g *Generation) loginEntry(ctx context.Context, principal string) (*ldap.Entry, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return nil, newRegistryError(KindInvalidIdentifier, "checkPassword", principal, "principal is empty", nil)
	}
	if looksLikeDN(principal) {
		return g.entryByDN(ctx, "checkPassword", userEntity, principal)
	}
	filter, err := g.filters.BuildLoginFilter(principal)
	if err != nil {
		return nil, err
	}
	return g.findOne(ctx, "checkPassword", userEntity, principal, filter)
}

// identity builds the authenticated identity of a user entry.
func (g *Generation) identity(entry *ldap.Entry) (*Identity, error) {
	props := g.cfg.OutputProperties

	principalAttr := props.UserPrincipalName
	if principalAttr == "" {
		principalAttr = g.userIDMap.Resolve(entry.GetEqualFoldAttributeValues("objectClass"))
	}
	principal, err := g.property(entry, principalAttr)
	if err != nil {
		return nil, err
	}
	security, err := g.property(entry, props.UserSecurityName)
	if err != nil {
		return nil, err
	}
	unique, err := g.property(entry, props.UniqueUserID)
	if err != nil {
		return nil, err
	}

	return &Identity{
		PrincipalName: principal,
		SecurityName:  security,
		UniqueID:      unique,
		DN:            normalizedDN(entry.DN),
		Realm:         g.cfg.Realm,
		RegistryID:    g.cfg.ID,
	}, nil
}

// property returns the output value of attr on entry. "dn" yields the normalized DN.
func (g *Generation) property(entry *ldap.Entry, attr string) (string, error) {
	if strings.EqualFold(attr, "dn") {
		return normalizedDN(entry.DN), nil
	}
	value, err := attributeValue(entry, attr)
	if err != nil {
		return "", newRegistryError(KindDirectoryUnavailable, "property", entry.DN, "cannot decode "+attr, err)
	}
	return value, nil
}

// namesFor maps DNs to security names, skipping entries that disappeared.
func (g *Generation) namesFor(ctx context.Context, kind entityKind, dns []string) ([]string, error) {
	names := make([]string, 0, len(dns))
	attr := g.securityNameProperty(kind)
	for _, dn := range dns {
		if strings.EqualFold(attr, "dn") {
			names = append(names, normalizedDN(dn))
			continue
		}
		entry, err := g.engine.GetEntry(ctx, dn, g.attributes(kind))
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		name, err := g.property(entry, attr)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// certificateEntry resolves the user a certificate maps to. Every mapping failure
// is reported as an authentication failure wrapping its cause.
// ResolvePrincipal returns the DN of the user entry that principal logs in as,
// without binding. Unknown principals are ErrEntryNotFound.
func (r *Registry) ResolvePrincipal(ctx context.Context, principal string) (string, error) {
	var dn string
	err := r.run("resolvePrincipal", map[string]any{"principal": principal}, func(g *Generation) error {
		entry, err := g.loginEntry(ctx, principal)
		if err != nil {
			return err
		}
		dn = normalizedDN(entry.DN)
		return nil
	})
	return dn, err
}

func (g *Generation) certificateEntry(ctx context.Context, cert *x509.Certificate) (*ldap.Entry, error) {
	const op = "mapCertificate"
	if cert == nil {
		return nil, authFailure(op, newRegistryError(KindInvalidIdentifier, op, "", "no certificate", nil))
	}

	var target string
	switch g.cfg.CertificateMapMode {
	case CertMapExactDN:
		target = cert.Subject.String()
	case CertMapCertificateFilter:
		filter, err := expandCertificateFilter(g.cfg.CertificateFilter, cert)
		if err != nil {
			return nil, authFailure(op, newCertMapError(CertMapperException, "certificate filter", err))
		}
		target = filter
	case CertMapCustom:
		if g.certMapper == nil {
			return nil, authFailure(op, newCertMapError(CertMapperNotFound, "no mapper registered as "+g.cfg.CertificateMapperID, nil))
		}
		mapped, err := g.certMapper.MapCertificate(ctx, cert)
		if err != nil {
			return nil, authFailure(op, newCertMapError(CertMapperException, "mapper "+g.cfg.CertificateMapperID, err))
		}
		if strings.TrimSpace(mapped) == "" {
			return nil, authFailure(op, newCertMapError(CertMapperReturnedNullID, "mapper "+g.cfg.CertificateMapperID, nil))
		}
		target = strings.TrimSpace(mapped)
	default:
		return nil, authFailure(op, newCertMapError(CertMapUnsupported, "certificate authentication is not supported", nil))
	}

	tflog.SubsystemDebug(g.ctx, SubsystemLDAP, "Certificate mapped", map[string]any{
		"registry": g.cfg.ID,
		"subject":  cert.Subject.String(),
		"target":   target,
	})

	var (
		entry *ldap.Entry
		err   error
	)
	if strings.HasPrefix(target, "(") {
		entry, err = g.findOne(ctx, op, userEntity, cert.Subject.String(), target)
	} else {
		entry, err = g.entryByDN(ctx, op, userEntity, target)
	}
	if err != nil && (isNotFound(err) || isDuplicate(err)) {
		return nil, authFailure(op, err)
	}
	return entry, err
}

// normalizedDN returns dn with lowercase attribute types, or dn unchanged if it
// does not parse.
func normalizedDN(dn string) string {
	if out, err := NormalizeDNCase(dn); err == nil {
		return out
	}
	return dn
}
