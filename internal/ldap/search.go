package ldap

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// maxReferralHops bounds how many referrals are chased from one search.
const maxReferralHops = 5

// QueryEngine runs searches for one configuration generation. Results go through
// the search-results cache and directory errors leave it translated into
// RegistryErrors.
type QueryEngine struct {
	ctx      context.Context // logging context
	id       string
	pool     *Pool
	cache    *CacheManager
	metrics  *Metrics
	bind     BindFunc
	referral ReferralMode
	pageSize int
	timeout  time.Duration
	step     int
}

// QueryEngineOptions configures NewQueryEngine.
type QueryEngineOptions struct {
	ID            string
	Pool          *Pool
	Cache         *CacheManager
	Metrics       *Metrics
	Bind          BindFunc // used for connections opened to follow referrals
	Referral      ReferralMode
	PageSize      int
	SearchTimeout time.Duration
	RangeStep     int
}

func NewQueryEngine(ctx context.Context, opts QueryEngineOptions) *QueryEngine {
	bind := opts.Bind
	if bind == nil {
		bind = func(context.Context, Conn, *ServerInfo) error { return nil }
	}
	step := opts.RangeStep
	if step <= 0 {
		step = 1500
	}
	return &QueryEngine{
		ctx:      ctx,
		id:       opts.ID,
		pool:     opts.Pool,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		bind:     bind,
		referral: opts.Referral,
		pageSize: opts.PageSize,
		timeout:  opts.SearchTimeout,
		step:     step,
	}
}

// Search returns every entry matching req, assembling all pages and, when
// referrals are followed, the entries found through them. Callers must not modify
// the returned entries; they may be shared through the cache.
func (e *QueryEngine) Search(ctx context.Context, req SearchRequest) ([]*ldap.Entry, error) {
	entries, err := cached(ctx, e.cache, SearchResultsCache, req.cacheKey(), func(ctx context.Context) ([]*ldap.Entry, int, error) {
		entries, err := e.searchDirectory(ctx, req)
		return entries, len(entries), err
	})
	if err != nil {
		return nil, translateError("search", req.BaseDN, err)
	}
	return entries, nil
}

// GetEntry reads one entry by DN through the attributes cache.
func (e *QueryEngine) GetEntry(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error) {
	key := fmt.Sprintf("%s|%v", normalizeDNKey(dn), attributes)
	entry, err := cached(ctx, e.cache, AttributesCache, key, func(ctx context.Context) (*ldap.Entry, int, error) {
		entries, err := e.searchDirectory(ctx, SearchRequest{
			BaseDN:     dn,
			Scope:      ScopeBaseObject,
			Filter:     "(objectClass=*)",
			Attributes: attributes,
		})
		if err != nil {
			return nil, 0, err
		}
		if len(entries) == 0 {
			return nil, 0, newRegistryError(KindEntryNotFound, "getEntry", dn, "", nil)
		}
		return entries[0], entryValueCount(entries[0]), nil
	})
	if err != nil {
		return nil, translateError("getEntry", dn, err)
	}
	return entry, nil
}

func entryValueCount(entry *ldap.Entry) int {
	n := 0
	for _, attr := range entry.Attributes {
		n += len(attr.Values)
	}
	return n
}

func (e *QueryEngine) searchDirectory(ctx context.Context, req SearchRequest) ([]*ldap.Entry, error) {
	start := time.Now()
	defer e.metrics.ObserveSearch(start)

	var entries []*ldap.Entry
	var referrals []string
	err := e.withConnection(ctx, func(conn Conn) error {
		var err error
		entries, referrals, err = e.searchConn(ctx, conn, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(referrals) > 0 {
		entries = append(entries, e.handleReferrals(ctx, req, referrals, 1)...)
	}

	tflog.SubsystemTrace(e.ctx, SubsystemLDAP, "Search completed", map[string]any{
		"registry":    e.id,
		"base_dn":     req.BaseDN,
		"scope":       req.Scope.String(),
		"filter":      req.Filter,
		"entries":     len(entries),
		"referrals":   len(referrals),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return entries, nil
}

// withConnection runs fn on a pooled connection. A connection that fails with a
// communication error is invalidated and, when a failover server exists, fn is
// retried once on a new connection.
func (e *QueryEngine) withConnection(ctx context.Context, fn func(Conn) error) error {
	attempts := 1
	if e.pool.ServerCount() > 1 {
		attempts = 2
	}

	var err error
	for range attempts {
		pc, borrowErr := e.pool.Borrow(ctx)
		if borrowErr != nil {
			return borrowErr
		}

		err = fn(pc.Conn())
		if err != nil && IsConnectionError(err) {
			e.pool.Invalidate(pc, err)
			continue
		}
		pc.Release()
		return err
	}
	return err
}

// searchConn runs req on conn, page by page when a page size is configured, and
// expands range-limited attributes on the way.
func (e *QueryEngine) searchConn(ctx context.Context, conn Conn, req SearchRequest) ([]*ldap.Entry, []string, error) {
	sr := ldap.NewSearchRequest(
		req.BaseDN,
		req.Scope.ldapScope(),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		int(e.timeout.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	var entries []*ldap.Entry
	var referrals []string

	if e.pageSize <= 0 {
		result, err := conn.Search(sr)
		if err != nil {
			if entries, referrals, err = e.searchError(err, req, entries, referrals); err != nil {
				return nil, nil, err
			}
		} else {
			entries, referrals = result.Entries, result.Referrals
		}
	} else {
		paging := ldap.NewControlPaging(uint32(e.pageSize))
		sr.Controls = []ldap.Control{paging}

		for page := 1; ; page++ {
			if err := ctx.Err(); err != nil {
				return nil, nil, newRegistryError(KindTimeout, "search", req.BaseDN, "", err)
			}

			tflog.SubsystemDebug(e.ctx, SubsystemLDAP, fmt.Sprintf("Search page: %d", page), map[string]any{
				"registry":  e.id,
				"base_dn":   req.BaseDN,
				"filter":    req.Filter,
				"page_size": e.pageSize,
			})

			result, err := conn.Search(sr)
			if err != nil {
				if entries, referrals, err = e.searchError(err, req, entries, referrals); err != nil {
					return nil, nil, err
				}
				break
			}
			e.metrics.incSearchPages()
			entries = append(entries, result.Entries...)
			referrals = append(referrals, result.Referrals...)

			next, ok := ldap.FindControl(result.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
			if !ok || len(next.Cookie) == 0 {
				break
			}
			paging.SetCookie(next.Cookie)
		}
	}

	for i, entry := range entries {
		expanded, err := e.expandRanges(conn, entry)
		if err != nil {
			return nil, nil, err
		}
		entries[i] = expanded
	}

	return entries, referrals, nil
}

// searchError handles the result codes that end a search without failing it. A
// referral result for the base itself yields whatever its URLs produce.
func (e *QueryEngine) searchError(err error, req SearchRequest, entries []*ldap.Entry, referrals []string) ([]*ldap.Entry, []string, error) {
	switch {
	case ldap.IsErrorWithCode(err, ldap.LDAPResultReferral):
		return entries, append(referrals, referralURLs(err)...), nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) && req.Scope != ScopeBaseObject:
		// A configured base that does not exist matches nothing.
		return entries, referrals, nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded):
		tflog.SubsystemDebug(e.ctx, SubsystemLDAP, "Search size limit exceeded, returning partial results", map[string]any{
			"registry": e.id,
			"base_dn":  req.BaseDN,
			"entries":  len(entries),
		})
		return entries, referrals, nil
	}
	return nil, nil, err
}

// referralURLs extracts the referral field of an LDAPResult carried by err.
func referralURLs(err error) []string {
	var resultErr *ldap.Error
	if !errors.As(err, &resultErr) || resultErr.Packet == nil || len(resultErr.Packet.Children) < 2 {
		return nil
	}

	var urls []string
	for _, child := range resultErr.Packet.Children[1].Children {
		if child.ClassType != ber.ClassContext || child.Tag != 3 {
			continue
		}
		for _, u := range child.Children {
			if s, ok := u.Value.(string); ok {
				urls = append(urls, s)
			}
		}
	}
	return urls
}

// handleReferrals follows or drops continuation references according to the
// referral mode. Referral targets that fail are logged and skipped.
func (e *QueryEngine) handleReferrals(ctx context.Context, req SearchRequest, urls []string, hop int) []*ldap.Entry {
	if e.referral != ReferralFollow {
		tflog.SubsystemDebug(e.ctx, SubsystemLDAP, "Ignoring referrals", map[string]any{
			"registry":  e.id,
			"base_dn":   req.BaseDN,
			"referrals": urls,
		})
		return nil
	}
	if hop > maxReferralHops {
		tflog.SubsystemWarn(e.ctx, SubsystemLDAP, "Referral hop limit reached", map[string]any{
			"registry":  e.id,
			"base_dn":   req.BaseDN,
			"referrals": urls,
			"hop_limit": maxReferralHops,
		})
		return nil
	}

	var out []*ldap.Entry
	for _, ref := range urls {
		entries, more, err := e.followReferral(ctx, req, ref)
		if err != nil {
			tflog.SubsystemWarn(e.ctx, SubsystemLDAP, "Failed to follow referral", map[string]any{
				"registry": e.id,
				"referral": ref,
				"error":    err.Error(),
			})
			continue
		}
		out = append(out, entries...)
		if len(more) > 0 {
			out = append(out, e.handleReferrals(ctx, req, more, hop+1)...)
		}
	}
	return out
}

func (e *QueryEngine) followReferral(ctx context.Context, req SearchRequest, ref string) ([]*ldap.Entry, []string, error) {
	server, base, err := parseLDAPURL(ref)
	if err != nil {
		return nil, nil, err
	}
	server.Source = "referral"

	sub := req
	if base != "" {
		sub.BaseDN = base
	}

	tflog.SubsystemDebug(e.ctx, SubsystemLDAP, "Following referral", map[string]any{
		"registry": e.id,
		"server":   server.String(),
		"base_dn":  sub.BaseDN,
	})

	conn, err := e.pool.Dialer().Dial(ctx, server)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Close()

	if e.timeout > 0 {
		conn.SetTimeout(e.timeout)
	}
	if err := e.bind(ctx, conn, server); err != nil {
		return nil, nil, err
	}
	return e.searchConn(ctx, conn, sub)
}

// expandRanges replaces attributes returned as "name;range=low-high" by the full
// value list, requesting further ranges until the server reports the last one.
func (e *QueryEngine) expandRanges(conn Conn, entry *ldap.Entry) (*ldap.Entry, error) {
	ranged := false
	for _, attr := range entry.Attributes {
		if _, _, _, ok := parseRangeAttribute(attr.Name); ok {
			ranged = true
			break
		}
	}
	if !ranged {
		return entry, nil
	}

	out := &ldap.Entry{DN: entry.DN}
	for _, attr := range entry.Attributes {
		name, _, high, ok := parseRangeAttribute(attr.Name)
		if !ok {
			out.Attributes = append(out.Attributes, attr)
			continue
		}

		values := append([]string(nil), attr.Values...)
		for high >= 0 {
			more, nextHigh, err := e.fetchRange(conn, entry.DN, name, high+1)
			if err != nil {
				return nil, err
			}
			values = append(values, more...)
			if nextHigh >= 0 && nextHigh <= high {
				return nil, fmt.Errorf("server repeated range %d of attribute %s on %s", nextHigh, name, entry.DN)
			}
			high = nextHigh
		}

		tflog.SubsystemTrace(e.ctx, SubsystemLDAP, "Expanded range attribute", map[string]any{
			"registry":  e.id,
			"dn":        entry.DN,
			"attribute": name,
			"values":    len(values),
		})
		out.Attributes = append(out.Attributes, ldap.NewEntryAttribute(name, values))
	}
	return out, nil
}

// fetchRange requests values of attr starting at low. The returned high is -1 once
// the server marks the range as final.
func (e *QueryEngine) fetchRange(conn Conn, dn, attr string, low int) ([]string, int, error) {
	requested := fmt.Sprintf("%s;range=%d-%d", attr, low, low+e.step-1)
	sr := ldap.NewSearchRequest(dn, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0,
		int(e.timeout.Seconds()), false, "(objectClass=*)", []string{requested}, nil)

	result, err := conn.Search(sr)
	if err != nil {
		return nil, 0, err
	}
	if len(result.Entries) == 0 {
		return nil, -1, nil
	}

	for _, a := range result.Entries[0].Attributes {
		name, _, high, ok := parseRangeAttribute(a.Name)
		if ok && strings.EqualFold(name, attr) {
			return a.Values, high, nil
		}
		if strings.EqualFold(a.Name, attr) {
			return a.Values, -1, nil
		}
	}
	return nil, -1, nil
}

// parseRangeAttribute splits "member;range=0-1499". high is -1 for "*".
func parseRangeAttribute(name string) (base string, low, high int, ok bool) {
	idx := strings.Index(strings.ToLower(name), ";range=")
	if idx < 0 {
		return "", 0, 0, false
	}
	bounds := name[idx+len(";range="):]
	lo, hi, found := strings.Cut(bounds, "-")
	if !found {
		return "", 0, 0, false
	}

	low, err := strconv.Atoi(lo)
	if err != nil {
		return "", 0, 0, false
	}
	if hi == "*" {
		return name[:idx], low, -1, true
	}
	high, err = strconv.Atoi(hi)
	if err != nil {
		return "", 0, 0, false
	}
	return name[:idx], low, high, true
}
