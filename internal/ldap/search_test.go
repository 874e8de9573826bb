package ldap

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	bulkOU      = "ou=bulk,dc=example,dc=com"
	otherBaseDN = "ou=people,dc=other,dc=com"
)

var testServer = &ServerInfo{Host: "ldap.example.com", Port: 389, Source: "config"}

type engineFixture struct {
	engine  *QueryEngine
	pool    *Pool
	cache   *CacheManager
	metrics *Metrics
	logs    *logBuffer
}

func newTestEngine(t *testing.T, dialer Dialer, mutate func(*QueryEngineOptions), servers ...*ServerInfo) *engineFixture {
	t.Helper()
	ctx, logs := newLogContext(t)
	metrics := NewMetrics(prometheus.NewRegistry())

	if len(servers) == 0 {
		servers = []*ServerInfo{testServer}
	}
	pool, err := NewPool(ctx, PoolOptions{
		ID:      "test",
		Pool:    testPoolConfig(),
		Retry:   RetryConfig{BackoffFactor: 2},
		Servers: servers,
		Dialer:  dialer,
		Metrics: metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	cache := newCacheManager(ctx, CacheConfig{
		SearchResults: testCacheSettings(func(s *CacheSettings) { s.ResultSizeLimit = 5000 }),
		Attributes:    testCacheSettings(func(s *CacheSettings) { s.ResultSizeLimit = 5000 }),
	}, metrics)
	t.Cleanup(cache.Close)

	opts := QueryEngineOptions{
		ID:            "test",
		Pool:          pool,
		Cache:         cache,
		Metrics:       metrics,
		Referral:      ReferralIgnore,
		SearchTimeout: 10 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &engineFixture{
		engine:  NewQueryEngine(ctx, opts),
		pool:    pool,
		cache:   cache,
		metrics: metrics,
		logs:    logs,
	}
}

func withBulkUsers(dir *fakeDirectory, n int) *fakeDirectory {
	dir.add(bulkOU, map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"bulk"}})
	for i := range n {
		uid := fmt.Sprintf("user%02d", i)
		dir.add("uid="+uid+","+bulkOU, person(uid, "pw", nil))
	}
	return dir
}

func entryDNs(entries []*ldap.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.DN
	}
	return out
}

func TestSearchPaging(t *testing.T) {
	dir := withBulkUsers(seedDirectory(), 20)
	f := newTestEngine(t, dir, func(o *QueryEngineOptions) { o.PageSize = 2 })

	entries, err := f.engine.Search(t.Context(), SearchRequest{
		BaseDN:     bulkOU,
		Scope:      ScopeWholeSubtree,
		Filter:     "(objectclass=inetOrgPerson)",
		Attributes: []string{"uid"},
	})
	require.NoError(t, err)

	assert.Len(t, entries, 20)
	assert.Equal(t, "uid=user00,"+bulkOU, entries[0].DN)
	assert.Equal(t, "uid=user19,"+bulkOU, entries[19].DN)
	assert.Equal(t, int64(10), dir.pages.Load())
	assert.Equal(t, float64(10), testutil.ToFloat64(f.metrics.SearchPages))

	messages := f.logs.messages(t)
	for page := 1; page <= 10; page++ {
		assert.Contains(t, messages, fmt.Sprintf("Search page: %d", page))
	}
	assert.NotContains(t, messages, "Search page: 11")
}

func TestSearchWithoutPaging(t *testing.T) {
	dir := withBulkUsers(seedDirectory(), 5)
	f := newTestEngine(t, dir, nil)

	entries, err := f.engine.Search(t.Context(), SearchRequest{
		BaseDN: bulkOU,
		Scope:  ScopeSingleLevel,
		Filter: "(uid=*)",
	})
	require.NoError(t, err)

	assert.Len(t, entries, 5)
	assert.Equal(t, int64(0), dir.pages.Load())
	assert.NotContains(t, f.logs.messages(t), "Search page: 1")
}

func TestSearchScopes(t *testing.T) {
	f := newTestEngine(t, seedDirectory(), nil)

	tests := []struct {
		scope SearchScope
		base  string
		want  []string
	}{
		{scope: ScopeBaseObject, base: aliceDN, want: []string{aliceDN}},
		{scope: ScopeSingleLevel, base: testUsersOU, want: []string{aliceDN, bobDN, parenDN}},
		{scope: ScopeWholeSubtree, base: testBaseDN, want: []string{aliceDN, bobDN, parenDN, malloryDN}},
	}

	for _, tt := range tests {
		t.Run(tt.scope.String(), func(t *testing.T) {
			entries, err := f.engine.Search(t.Context(), SearchRequest{
				BaseDN: tt.base,
				Scope:  tt.scope,
				Filter: "(objectclass=inetOrgPerson)",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, entryDNs(entries))
		})
	}
}

func TestSearchUsesCache(t *testing.T) {
	dir := seedDirectory()
	f := newTestEngine(t, dir, nil)

	req := SearchRequest{BaseDN: testUsersOU, Scope: ScopeWholeSubtree, Filter: "(uid=alice)", Attributes: []string{"uid"}}
	for range 3 {
		entries, err := f.engine.Search(t.Context(), req)
		require.NoError(t, err)
		assert.Equal(t, []string{aliceDN}, entryDNs(entries))
	}

	assert.Equal(t, int64(1), dir.searches.Load())
	assert.Equal(t, int64(2), f.cache.Stats(SearchResultsCache).Hits)
	assert.Equal(t, 0, f.cache.Stats(AttributesCache).Entries)
}

func TestSearchMissingBase(t *testing.T) {
	f := newTestEngine(t, seedDirectory(), nil)

	entries, err := f.engine.Search(t.Context(), SearchRequest{
		BaseDN: "ou=missing,dc=example,dc=com",
		Scope:  ScopeWholeSubtree,
		Filter: "(uid=*)",
	})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSearchInvalidFilter(t *testing.T) {
	f := newTestEngine(t, seedDirectory(), nil)

	_, err := f.engine.Search(t.Context(), SearchRequest{
		BaseDN: testUsersOU,
		Scope:  ScopeWholeSubtree,
		Filter: "(uid=",
	})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestSearchDirectoryDown(t *testing.T) {
	dir := seedDirectory()
	f := newTestEngine(t, dir, nil)
	dir.down.Store(true)

	_, err := f.engine.Search(t.Context(), SearchRequest{BaseDN: testUsersOU, Scope: ScopeWholeSubtree, Filter: "(uid=*)"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.Equal(t, 0, f.cache.Stats(SearchResultsCache).Entries, "failures are not cached")
}

func TestSearchContextCancelledBetweenPages(t *testing.T) {
	f := newTestEngine(t, withBulkUsers(seedDirectory(), 4), func(o *QueryEngineOptions) { o.PageSize = 2 })

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := f.engine.Search(ctx, SearchRequest{BaseDN: bulkOU, Scope: ScopeWholeSubtree, Filter: "(uid=*)"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearchFailsOverOnConnectionError(t *testing.T) {
	primary, backup := seedDirectory(), seedDirectory()
	backupInfo := &ServerInfo{Host: "backup.example.com", Port: 389, Source: "failover"}
	f := newTestEngine(t, fakeNetwork{
		testServer.Host: primary,
		backupInfo.Host: backup,
	}, nil, testServer, backupInfo)

	// Put a connection to the primary in the pool, then take the primary down.
	pc, err := f.pool.Borrow(t.Context())
	require.NoError(t, err)
	pc.Release()
	primary.down.Store(true)

	entries, err := f.engine.Search(t.Context(), SearchRequest{BaseDN: testUsersOU, Scope: ScopeWholeSubtree, Filter: "(uid=bob)"})
	require.NoError(t, err)
	assert.Equal(t, []string{bobDN}, entryDNs(entries))
	assert.Equal(t, backupInfo.String(), f.pool.Stats().ActiveServer)
	assert.Equal(t, int64(1), backup.searches.Load())
}

func TestGetEntry(t *testing.T) {
	dir := seedDirectory()
	f := newTestEngine(t, dir, nil)

	entry, err := f.engine.GetEntry(t.Context(), "UID=Alice,OU=Users,DC=example,DC=com", []string{"displayName", "mail"})
	require.NoError(t, err)
	assert.Equal(t, "Alice Liddell", entry.GetAttributeValue("displayName"))
	assert.Equal(t, "alice@example.com", entry.GetAttributeValue("mail"))
	assert.Empty(t, entry.GetAttributeValue("uid"), "only requested attributes are returned")

	// Different spelling of the same DN hits the attributes cache.
	_, err = f.engine.GetEntry(t.Context(), aliceDN, []string{"displayName", "mail"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), dir.searches.Load())
	assert.Equal(t, int64(1), f.cache.Stats(AttributesCache).Hits)

	_, err = f.engine.GetEntry(t.Context(), "uid=nobody,ou=users,dc=example,dc=com", nil)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRangeExpansion(t *testing.T) {
	const members = 3200
	dir := seedDirectory()
	dir.rangeLimit = 1500

	values := make([]string, members)
	for i := range values {
		values[i] = fmt.Sprintf("uid=member%04d,%s", i, testUsersOU)
	}
	bigDN := "cn=big,ou=groups,dc=example,dc=com"
	dir.add(bigDN, group("big", values...))

	f := newTestEngine(t, dir, func(o *QueryEngineOptions) { o.RangeStep = 1500 })

	entry, err := f.engine.GetEntry(t.Context(), bigDN, []string{"member", "cn"})
	require.NoError(t, err)

	got := entry.GetAttributeValues("member")
	require.Len(t, got, members)
	assert.Equal(t, values[0], got[0])
	assert.Equal(t, values[1500], got[1500])
	assert.Equal(t, values[members-1], got[members-1])
	assert.Equal(t, "big", entry.GetAttributeValue("cn"))

	for _, attr := range entry.Attributes {
		assert.NotContains(t, attr.Name, ";range=")
	}
	// One base read plus two range requests.
	assert.Equal(t, int64(3), dir.searches.Load())
	assert.Contains(t, f.logs.messages(t), "Expanded range attribute")
}

func TestRangeExpansionInSubtreeSearch(t *testing.T) {
	dir := seedDirectory()
	dir.rangeLimit = 1

	f := newTestEngine(t, dir, func(o *QueryEngineOptions) { o.RangeStep = 1 })

	entries, err := f.engine.Search(t.Context(), SearchRequest{
		BaseDN:     testGroupsOU,
		Scope:      ScopeWholeSubtree,
		Filter:     "(cn=staff)",
		Attributes: []string{"member"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.ElementsMatch(t, []string{adminsDN, bobDN}, entries[0].GetAttributeValues("member"))
}

func TestParseRangeAttribute(t *testing.T) {
	tests := []struct {
		name      string
		attr      string
		base      string
		low, high int
		ok        bool
	}{
		{name: "bounded", attr: "member;range=0-1499", base: "member", low: 0, high: 1499, ok: true},
		{name: "final", attr: "member;range=1500-*", base: "member", low: 1500, high: -1, ok: true},
		{name: "case-insensitive option", attr: "member;Range=0-9", base: "member", low: 0, high: 9, ok: true},
		{name: "plain attribute", attr: "member", ok: false},
		{name: "malformed bounds", attr: "member;range=abc", ok: false},
		{name: "non-numeric high", attr: "member;range=0-x", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, low, high, ok := parseRangeAttribute(tt.attr)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.base, base)
				assert.Equal(t, tt.low, low)
				assert.Equal(t, tt.high, high)
			}
		})
	}
}

func newReferralFixture(t *testing.T, mode ReferralMode, urls ...string) (*engineFixture, *fakeDirectory) {
	t.Helper()
	dir := seedDirectory()
	dir.addReferral(testUsersOU, urls...)

	other := newFakeDirectory().
		add("dc=other,dc=com", map[string][]string{"objectClass": {"domain"}}).
		add(otherBaseDN, map[string][]string{"objectClass": {"organizationalUnit"}}).
		add("uid=zoe,"+otherBaseDN, person("zoe", "zoe-pw", nil))

	f := newTestEngine(t, fakeNetwork{
		testServer.Host:     dir,
		"other.example.com": other,
	}, func(o *QueryEngineOptions) { o.Referral = mode })
	return f, other
}

func TestSearchReferrals(t *testing.T) {
	referral := "ldap://other.example.com:389/" + otherBaseDN

	tests := []struct {
		name    string
		mode    ReferralMode
		want    []string
		message string
	}{
		{
			name:    "ignore",
			mode:    ReferralIgnore,
			want:    []string{aliceDN, bobDN, parenDN},
			message: "Ignoring referrals",
		},
		{
			name:    "follow",
			mode:    ReferralFollow,
			want:    []string{aliceDN, bobDN, parenDN, "uid=zoe," + otherBaseDN},
			message: "Following referral",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newReferralFixture(t, tt.mode, referral)

			entries, err := f.engine.Search(t.Context(), SearchRequest{
				BaseDN: testUsersOU,
				Scope:  ScopeWholeSubtree,
				Filter: "(objectclass=inetOrgPerson)",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, entryDNs(entries))
			assert.Contains(t, f.logs.messages(t), tt.message)
		})
	}
}

func TestSearchReferralTargetFailureIsSkipped(t *testing.T) {
	f, _ := newReferralFixture(t, ReferralFollow,
		"ldap://unreachable.example.com/"+otherBaseDN,
		"not a url",
		"ldap://other.example.com/"+otherBaseDN,
	)

	entries, err := f.engine.Search(t.Context(), SearchRequest{
		BaseDN: testUsersOU,
		Scope:  ScopeWholeSubtree,
		Filter: "(uid=zoe)",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"uid=zoe," + otherBaseDN}, entryDNs(entries))

	failures := 0
	for _, msg := range f.logs.messages(t) {
		if msg == "Failed to follow referral" {
			failures++
		}
	}
	assert.Equal(t, 2, failures)
}

func TestSearchReferralHopLimit(t *testing.T) {
	loopOU := "ou=loop,dc=example,dc=com"
	dir := seedDirectory()
	dir.addReferral(loopOU, "ldap://ldap.example.com:389/"+loopOU)

	f := newTestEngine(t, fakeNetwork{testServer.Host: dir}, func(o *QueryEngineOptions) { o.Referral = ReferralFollow })

	entries, err := f.engine.Search(t.Context(), SearchRequest{BaseDN: loopOU, Scope: ScopeWholeSubtree, Filter: "(uid=*)"})
	require.NoError(t, err)
	assert.Empty(t, entries)

	entry := f.logs.find(t, "Referral hop limit reached", nil)
	require.NotNil(t, entry)
	assert.Equal(t, float64(maxReferralHops), entry["hop_limit"])
}

// referralResult builds the error go-ldap returns for a result with code 10.
func referralResult(urls ...string) error {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	packet.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, 1, "MessageID"))

	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationSearchResultDone, nil, "Search Result Done")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, ldap.LDAPResultReferral, "resultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "diagnosticMessage"))

	ref := ber.Encode(ber.ClassContext, ber.TypeConstructed, 3, nil, "Referral")
	for _, u := range urls {
		ref.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, u, "URI"))
	}
	op.AppendChild(ref)
	packet.AppendChild(op)

	return &ldap.Error{ResultCode: ldap.LDAPResultReferral, Err: errors.New("referral"), Packet: packet}
}

func TestReferralURLs(t *testing.T) {
	urls := []string{"ldap://a.example.com/dc=a", "ldap://b.example.com/dc=b"}
	assert.Equal(t, urls, referralURLs(referralResult(urls...)))

	assert.Nil(t, referralURLs(errors.New("plain error")))
	assert.Nil(t, referralURLs(ldap.NewError(ldap.LDAPResultReferral, errors.New("no packet"))))
}

func TestSearchError(t *testing.T) {
	f := newTestEngine(t, seedDirectory(), nil)
	sub := SearchRequest{BaseDN: testUsersOU, Scope: ScopeWholeSubtree}
	base := SearchRequest{BaseDN: aliceDN, Scope: ScopeBaseObject}
	noSuchObject := ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))

	_, refs, err := f.engine.searchError(referralResult("ldap://x.example.com/dc=x"), sub, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ldap://x.example.com/dc=x"}, refs)

	_, _, err = f.engine.searchError(noSuchObject, sub, nil, nil)
	assert.NoError(t, err)

	_, _, err = f.engine.searchError(noSuchObject, base, nil, nil)
	assert.Error(t, err, "a missing base object is reported")

	partial := []*ldap.Entry{{DN: aliceDN}}
	entries, _, err := f.engine.searchError(ldap.NewError(ldap.LDAPResultSizeLimitExceeded, errors.New("size limit")), sub, partial, nil)
	require.NoError(t, err)
	assert.Equal(t, partial, entries)
}
