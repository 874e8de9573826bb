package ldap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
)

// fakeEntry is one directory entry. Attribute names keep their case; lookups fold it.
type fakeEntry struct {
	dn    string
	attrs map[string][]string
}

func (e *fakeEntry) values(attr string) []string {
	for name, values := range e.attrs {
		if strings.EqualFold(name, attr) {
			return values
		}
	}
	return nil
}

// fakeDirectory is an in-memory LDAP server reached through fakeConn. It
// implements Dialer so it can back a Registry or Pool directly.
type fakeDirectory struct {
	mu         sync.Mutex
	entries    map[string]*fakeEntry
	order      []string
	referrals  map[string][]string
	cookies    map[string]int
	nextCookie int

	// rangeLimit caps the values returned per attribute; larger attributes are
	// returned as "attr;range=low-high" slices.
	rangeLimit int
	down       atomic.Bool

	dials    atomic.Int64
	open     atomic.Int64
	binds    atomic.Int64
	searches atomic.Int64
	pages    atomic.Int64
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		entries:   make(map[string]*fakeEntry),
		referrals: make(map[string][]string),
		cookies:   make(map[string]int),
	}
}

// add stores an entry, replacing any entry with the same DN.
func (d *fakeDirectory) add(dn string, attrs map[string][]string) *fakeDirectory {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := normalizeDNKey(dn)
	if _, ok := d.entries[key]; !ok {
		d.order = append(d.order, key)
	}
	d.entries[key] = &fakeEntry{dn: dn, attrs: attrs}
	return d
}

func (d *fakeDirectory) remove(dn string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := normalizeDNKey(dn)
	delete(d.entries, key)
	d.order = slices.DeleteFunc(d.order, func(k string) bool { return k == key })
}

// addReferral makes subtree and one-level searches below base return urls as
// continuation references.
func (d *fakeDirectory) addReferral(base string, urls ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.referrals[normalizeDNKey(base)] = urls
}

func (d *fakeDirectory) Dial(_ context.Context, server *ServerInfo) (Conn, error) {
	d.dials.Add(1)
	if d.down.Load() {
		return nil, fmt.Errorf("dial tcp %s: connection refused", server.Address())
	}
	d.open.Add(1)
	return &fakeConn{dir: d, server: server}, nil
}

// fakeNetwork routes dials by host to separate directories.
type fakeNetwork map[string]*fakeDirectory

func (n fakeNetwork) Dial(ctx context.Context, server *ServerInfo) (Conn, error) {
	dir, ok := n[server.Host]
	if !ok {
		return nil, fmt.Errorf("dial tcp %s: no route to host", server.Address())
	}
	return dir.Dial(ctx, server)
}

type fakeConn struct {
	dir    *fakeDirectory
	server *ServerInfo
	closed atomic.Bool
}

func (c *fakeConn) networkError() error {
	return ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset by peer"))
}

func (c *fakeConn) Bind(username, password string) error {
	c.dir.binds.Add(1)
	if c.closed.Load() || c.dir.down.Load() {
		return c.networkError()
	}
	if username == "" {
		return nil
	}

	c.dir.mu.Lock()
	entry, ok := c.dir.entries[normalizeDNKey(username)]
	c.dir.mu.Unlock()
	if !ok || !slices.Contains(entry.values("userPassword"), password) {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}
	return nil
}

func (c *fakeConn) SetTimeout(time.Duration) {}

func (c *fakeConn) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.dir.open.Add(-1)
	}
}

func (c *fakeConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if c.closed.Load() || c.dir.down.Load() {
		return nil, c.networkError()
	}
	c.dir.searches.Add(1)

	filter, err := ldap.CompileFilter(req.Filter)
	if err != nil {
		return nil, ldap.NewError(ldap.LDAPResultFilterError, err)
	}
	base, err := ldap.ParseDN(req.BaseDN)
	if err != nil {
		return nil, ldap.NewError(ldap.LDAPResultInvalidDNSyntax, err)
	}

	d := c.dir
	d.mu.Lock()
	defer d.mu.Unlock()

	baseKey := normalizeDNKey(req.BaseDN)
	refs := d.referrals[baseKey]
	if _, ok := d.entries[baseKey]; !ok && len(refs) == 0 {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object: %s", req.BaseDN))
	}

	var matched []*ldap.Entry
	for _, key := range d.order {
		entry := d.entries[key]
		if !inScope(base, entry.dn, req.Scope) || !matchFilter(filter, entry) {
			continue
		}
		matched = append(matched, d.project(entry, req.Attributes))
	}

	result := &ldap.SearchResult{}
	if req.Scope != ldap.ScopeBaseObject {
		result.Referrals = append(result.Referrals, refs...)
	}

	paging, ok := ldap.FindControl(req.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
	if !ok {
		result.Entries = matched
		return result, nil
	}

	d.pages.Add(1)
	offset := 0
	if len(paging.Cookie) > 0 {
		offset, ok = d.cookies[string(paging.Cookie)]
		if !ok {
			return nil, ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("unknown paging cookie"))
		}
	}
	end := min(offset+int(paging.PagingSize), len(matched))
	result.Entries = matched[offset:end]

	var cookie []byte
	if end < len(matched) {
		d.nextCookie++
		cookie = []byte(strconv.Itoa(d.nextCookie))
		d.cookies[string(cookie)] = end
	}
	result.Controls = []ldap.Control{&ldap.ControlPaging{PagingSize: paging.PagingSize, Cookie: cookie}}
	return result, nil
}

// project returns the requested attributes of entry, slicing large attributes
// into ranges when rangeLimit is set.
func (d *fakeDirectory) project(entry *fakeEntry, requested []string) *ldap.Entry {
	out := &ldap.Entry{DN: entry.dn}
	if slices.Contains(requested, "1.1") {
		return out
	}

	all := len(requested) == 0 || slices.Contains(requested, "*")
	names := make([]string, 0, len(entry.attrs))
	for name := range entry.attrs {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		values := entry.attrs[name]
		if all || slices.ContainsFunc(requested, func(r string) bool { return strings.EqualFold(r, name) }) {
			out.Attributes = append(out.Attributes, d.rangeSlice(name, values, 0, -1))
			continue
		}
		for _, r := range requested {
			base, low, high, ok := parseRangeAttribute(r)
			if ok && strings.EqualFold(base, name) {
				out.Attributes = append(out.Attributes, d.rangeSlice(name, values, low, high))
			}
		}
	}
	return out
}

func (d *fakeDirectory) rangeSlice(name string, values []string, low, high int) *ldap.EntryAttribute {
	ranged := low > 0 || high >= 0
	if !ranged && (d.rangeLimit <= 0 || len(values) <= d.rangeLimit) {
		return ldap.NewEntryAttribute(name, values)
	}

	last := len(values) - 1
	if d.rangeLimit > 0 {
		last = min(last, low+d.rangeLimit-1)
	}
	if high >= 0 {
		last = min(last, high)
	}
	switch {
	case low >= len(values):
		return ldap.NewEntryAttribute(fmt.Sprintf("%s;range=%d-*", name, low), nil)
	case last >= len(values)-1:
		return ldap.NewEntryAttribute(fmt.Sprintf("%s;range=%d-*", name, low), values[low:])
	default:
		return ldap.NewEntryAttribute(fmt.Sprintf("%s;range=%d-%d", name, low, last), values[low:last+1])
	}
}

func inScope(base *ldap.DN, dn string, scope int) bool {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return false
	}
	switch scope {
	case ldap.ScopeBaseObject:
		return base.EqualFold(parsed)
	case ldap.ScopeSingleLevel:
		return len(parsed.RDNs) == len(base.RDNs)+1 && base.AncestorOfFold(parsed)
	default:
		return base.EqualFold(parsed) || base.AncestorOfFold(parsed)
	}
}

// matchFilter evaluates a compiled filter against entry.
func matchFilter(packet *ber.Packet, entry *fakeEntry) bool {
	switch packet.Tag {
	case ldap.FilterAnd:
		for _, child := range packet.Children {
			if !matchFilter(child, entry) {
				return false
			}
		}
		return true
	case ldap.FilterOr:
		for _, child := range packet.Children {
			if matchFilter(child, entry) {
				return true
			}
		}
		return false
	case ldap.FilterNot:
		return !matchFilter(packet.Children[0], entry)
	case ldap.FilterPresent:
		attr := ber.DecodeString(packet.Data.Bytes())
		return strings.EqualFold(attr, "objectClass") || len(entry.values(attr)) > 0
	case ldap.FilterEqualityMatch, ldap.FilterApproxMatch:
		attr := ber.DecodeString(packet.Children[0].Data.Bytes())
		want := ber.DecodeString(packet.Children[1].Data.Bytes())
		return slices.ContainsFunc(entry.values(attr), func(v string) bool { return equalValues(v, want) })
	case ldap.FilterSubstrings:
		attr := ber.DecodeString(packet.Children[0].Data.Bytes())
		return slices.ContainsFunc(entry.values(attr), func(v string) bool {
			return matchSubstrings(strings.ToLower(v), packet.Children[1].Children)
		})
	}
	return false
}

func equalValues(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	return looksLikeDN(a) && looksLikeDN(b) && normalizeDNKey(a) == normalizeDNKey(b)
}

func matchSubstrings(value string, parts []*ber.Packet) bool {
	pos := 0
	for _, part := range parts {
		s := strings.ToLower(ber.DecodeString(part.Data.Bytes()))
		switch part.Tag {
		case ldap.FilterSubstringsInitial:
			if !strings.HasPrefix(value, s) {
				return false
			}
			pos = len(s)
		case ldap.FilterSubstringsAny:
			idx := strings.Index(value[pos:], s)
			if idx < 0 {
				return false
			}
			pos += idx + len(s)
		case ldap.FilterSubstringsFinal:
			if !strings.HasSuffix(value[pos:], s) {
				return false
			}
		}
	}
	return true
}

// Fixture DNs.
const (
	testBaseDN   = "dc=example,dc=com"
	testUsersOU  = "ou=users,dc=example,dc=com"
	testGroupsOU = "ou=groups,dc=example,dc=com"
	testOtherOU  = "ou=contractors,dc=example,dc=com"

	aliceDN   = "uid=alice,ou=users,dc=example,dc=com"
	bobDN     = "uid=bob,ou=users,dc=example,dc=com"
	parenDN   = "uid=user(1),ou=users,dc=example,dc=com"
	malloryDN = "uid=mallory,ou=contractors,dc=example,dc=com"

	adminsDN      = "cn=admins,ou=groups,dc=example,dc=com"
	staffDN       = "cn=staff,ou=groups,dc=example,dc=com"
	everyoneDN    = "cn=everyone,ou=groups,dc=example,dc=com"
	externalGrpDN = "cn=external,ou=contractors,dc=example,dc=com"
)

func person(uid, password string, extra map[string][]string) map[string][]string {
	attrs := map[string][]string{
		"objectClass":  {"top", "person", "inetOrgPerson"},
		"uid":          {uid},
		"cn":           {uid},
		"sn":           {uid},
		"userPassword": {password},
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return attrs
}

func group(cn string, members ...string) map[string][]string {
	return map[string][]string{
		"objectClass": {"top", "groupOfNames"},
		"cn":          {cn},
		"member":      members,
	}
}

// seedDirectory returns a directory with users, nested groups and entries
// outside the usual search bases.
//
//	everyone -> staff -> admins -> alice
//	staff -> bob
//	external (outside groups OU) -> admins
func seedDirectory() *fakeDirectory {
	return newFakeDirectory().
		add(testBaseDN, map[string][]string{"objectClass": {"top", "domain"}, "dc": {"example"}}).
		add(testUsersOU, map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"users"}}).
		add(testGroupsOU, map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"groups"}}).
		add(testOtherOU, map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"contractors"}}).
		add(aliceDN, person("alice", "alice-pw", map[string][]string{
			"displayName": {"Alice Liddell"},
			"mail":        {"alice@example.com"},
			"postalCode":  {"alice-code"},
		})).
		add(bobDN, person("bob", "bob-pw", map[string][]string{
			"displayName": {"Bob Builder"},
			"mail":        {"bob@example.com"},
		})).
		add(parenDN, person("user(1)", "paren-pw", nil)).
		add(malloryDN, person("mallory", "mallory-pw", nil)).
		add(adminsDN, group("admins", aliceDN)).
		add(staffDN, group("staff", adminsDN, bobDN)).
		add(everyoneDN, group("everyone", staffDN)).
		add(externalGrpDN, group("external", adminsDN))
}

// testConfig returns a registry configuration for seedDirectory with fast retries.
func testConfig(mutate ...func(*RegistryConfig)) *RegistryConfig {
	cfg := DefaultRegistryConfig()
	cfg.Host = "ldap.example.com"
	cfg.BaseDN = testBaseDN
	cfg.UserSearchBases = []string{testUsersOU}
	cfg.GroupSearchBases = []string{testGroupsOU}
	cfg.Retry.MaxRetries = 0
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = time.Millisecond
	for _, m := range mutate {
		m(cfg)
	}
	return cfg
}

func newTestRegistry(t *testing.T, dialer Dialer, cfg *RegistryConfig, opts ...Option) *Registry {
	t.Helper()
	r, err := NewRegistry(t.Context(), cfg, append([]Option{WithDialer(dialer)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}
