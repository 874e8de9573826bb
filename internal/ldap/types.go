package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the part of *ldap.Conn the registry relies on.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	SetTimeout(timeout time.Duration)
	Close()
}

// gssapiConn is implemented by connections able to perform a SASL GSSAPI bind.
type gssapiConn interface {
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
}

// Dialer opens a connection to a single directory server.
type Dialer interface {
	Dial(ctx context.Context, server *ServerInfo) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, server *ServerInfo) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, server *ServerInfo) (Conn, error) {
	return f(ctx, server)
}

// ldapConn adapts *ldap.Conn to Conn.
type ldapConn struct {
	conn *ldap.Conn
}

var _ Conn = &ldapConn{}
var _ gssapiConn = &ldapConn{}

func (c *ldapConn) Bind(username, password string) error {
	return c.conn.Bind(username, password)
}

func (c *ldapConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return c.conn.Search(req)
}

func (c *ldapConn) SetTimeout(timeout time.Duration) {
	c.conn.SetTimeout(timeout)
}

func (c *ldapConn) Close() {
	c.conn.Close()
}

func (c *ldapConn) GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error {
	return c.conn.GSSAPIBind(client, servicePrincipal, authzid)
}

// NetDialer dials real directory servers with go-ldap.
type NetDialer struct {
	ConnectTimeout time.Duration
	TLSConfig      *tls.Config
	StartTLS       bool
}

func (d *NetDialer) Dial(_ context.Context, server *ServerInfo) (Conn, error) {
	url := ServerInfoToURL(server)
	opts := []ldap.DialOpt{ldap.DialWithDialer(&net.Dialer{Timeout: d.ConnectTimeout})}
	if server.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(d.tlsConfig(server)))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	if !server.UseTLS && d.StartTLS {
		if err := conn.StartTLS(d.tlsConfig(server)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("StartTLS with %s failed: %w", url, err)
		}
	}

	return &ldapConn{conn: conn}, nil
}

func (d *NetDialer) tlsConfig(server *ServerInfo) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = server.Host
	}
	return cfg
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "config", "failover", "srv", "fallback", "referral"
}

// Address returns host:port.
func (s *ServerInfo) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s *ServerInfo) String() string {
	return ServerInfoToURL(s)
}

// SearchScope represents LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "onelevel"
	case ScopeWholeSubtree:
		return "subtree"
	default:
		return "unknown"
	}
}

func (s SearchScope) ldapScope() int {
	switch s {
	case ScopeBaseObject:
		return ldap.ScopeBaseObject
	case ScopeSingleLevel:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

// SearchRequest describes a registry search before it is turned into protocol requests.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
}

// cacheKey identifies the request in the search-results cache.
func (r *SearchRequest) cacheKey() string {
	return fmt.Sprintf("%s|%s|%s|%v", normalizeDNKey(r.BaseDN), r.Scope, r.Filter, r.Attributes)
}

// SearchResult is the outcome of a limited registry search.
type SearchResult struct {
	Entries   []string // principal or security names, directory order
	Total     int      // matches before the limit was applied
	Truncated bool     // more matches exist than were returned
}

// emptySearchResult is returned for non-positive limits.
func emptySearchResult() *SearchResult {
	return &SearchResult{Entries: []string{}}
}

// Identity is the outcome of a successful authentication or certificate mapping.
type Identity struct {
	PrincipalName string
	SecurityName  string
	UniqueID      string
	DN            string
	Realm         string
	RegistryID    string
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Idle         int
	InUse        int
	Total        int
	Created      int64
	Errors       int64
	TimedOut     int64
	Exhausted    int64
	Refreshes    int64
	Generation   uint64
	ActiveServer string
	Uptime       time.Duration
}
