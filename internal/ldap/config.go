package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Default filters used when no explicit user or group filter is configured.
const (
	DefaultUserFilter  = "(&(uid=%v)(objectclass=inetOrgPerson))"
	DefaultGroupFilter = "(&(cn=%v)(|(objectclass=groupOfNames)(objectclass=groupOfUniqueNames)))"
)

// AuthMethod represents the bind method used for pooled connections.
type AuthMethod string

const (
	AuthMethodSimple   AuthMethod = "simple"
	AuthMethodKerberos AuthMethod = "kerberos"
)

// ReferralMode controls how search continuation references are handled.
type ReferralMode string

const (
	ReferralIgnore ReferralMode = "ignore"
	ReferralFollow ReferralMode = "follow"
)

// ParseReferralMode parses a referral setting, case-insensitively.
func ParseReferralMode(value string) (ReferralMode, error) {
	switch ReferralMode(strings.ToLower(strings.TrimSpace(value))) {
	case ReferralIgnore:
		return ReferralIgnore, nil
	case ReferralFollow:
		return ReferralFollow, nil
	default:
		return ReferralIgnore, fmt.Errorf("invalid referral mode %q: must be %q or %q", value, ReferralFollow, ReferralIgnore)
	}
}

// CertificateMapMode selects how client certificates are mapped to entries.
type CertificateMapMode string

const (
	CertMapExactDN           CertificateMapMode = "exact_dn"
	CertMapCertificateFilter CertificateMapMode = "certificate_filter"
	CertMapCustom            CertificateMapMode = "custom"
	CertMapNotSupported      CertificateMapMode = "not_supported"
)

// MembershipScope controls how far group membership is resolved.
type MembershipScope string

const (
	MembershipDirect MembershipScope = "direct"
	MembershipNested MembershipScope = "nested"
	MembershipAll    MembershipScope = "all"
)

// ServerAddress is a configured host and port.
type ServerAddress struct {
	Host string
	Port int `default:"389"`
}

// PoolConfig holds the connection pool settings.
type PoolConfig struct {
	Enabled       bool          `default:"true"`
	InitialSize   int           `default:"1"`
	MaxSize       int           `default:"0"` // 0 = unbounded
	PreferredSize int           `default:"3"`
	Timeout       time.Duration `default:"0s"` // 0 = connections never time out
	WaitTime      time.Duration `default:"3000ms"`
}

// RetryConfig controls dialing retries across the server list.
type RetryConfig struct {
	MaxRetries     int           `default:"2"`
	InitialBackoff time.Duration `default:"200ms"`
	MaxBackoff     time.Duration `default:"5s"`
	BackoffFactor  float64       `default:"2.0"`
}

// CacheSettings configures one cache tier.
type CacheSettings struct {
	Enabled         bool          `default:"true"`
	Size            int           `default:"2000"`
	SizeLimit       int           `default:"2000"`
	ResultSizeLimit int           `default:"2000"`
	Timeout         time.Duration `default:"20m"`
}

// CacheConfig configures both cache tiers.
type CacheConfig struct {
	Attributes    CacheSettings
	SearchResults CacheSettings
}

// OutputProperties select which attribute is returned for each identity property.
// The value "dn" returns the entry DN. An empty principal name falls back to the ID map.
type OutputProperties struct {
	UserPrincipalName  string
	UserSecurityName   string `default:"dn"`
	UserDisplayName    string `default:"displayName"`
	UniqueUserID       string `default:"dn"`
	GroupPrincipalName string
	GroupSecurityName  string `default:"dn"`
	GroupDisplayName   string `default:"cn"`
	UniqueGroupID      string `default:"dn"`
}

// KerberosConfig holds GSSAPI bind settings.
type KerberosConfig struct {
	Realm  string
	Config string `default:"/etc/krb5.conf"`
	Keytab string
	CCache string
	SPN    string
}

// RegistryConfig is an immutable snapshot of one registry configuration.
// Build it with DefaultRegistryConfig, adjust it, then hand it to NewRegistry or
// Registry.Reconfigure. It must not be modified afterwards.
type RegistryConfig struct {
	ID    string `default:"ldap"`
	Realm string `default:"LdapRegistry"`

	// Server sources, in order of precedence: LDAPURLs, Host, Domain.
	Host            string
	Port            int `default:"389"`
	LDAPURLs        []string
	Domain          string
	FailoverServers []ServerAddress

	ReturnToPrimary      bool          `default:"true"`
	PrimaryProbeInterval time.Duration `default:"15m"`

	SSLEnabled bool
	StartTLS   bool
	TLSConfig  *tls.Config

	BindDN         string
	BindPassword   string
	BindAuthMethod AuthMethod `default:"simple"`
	Kerberos       KerberosConfig

	BaseDN           string
	UserSearchBases  []string
	GroupSearchBases []string

	UserFilter         string // empty selects DefaultUserFilter
	GroupFilter        string // empty selects DefaultGroupFilter
	UserObjectClasses  []string
	GroupObjectClasses []string
	LoginProperties    []string

	UserIDMap        string `default:"*:uid"`
	GroupIDMap       string `default:"*:cn"`
	GroupMemberIDMap string `default:"groupOfNames:member;groupOfUniqueNames:uniqueMember"`

	MembershipAttribute string
	MembershipScope     MembershipScope `default:"direct"`
	RecursiveSearch     bool

	OutputProperties OutputProperties

	CertificateMapMode  CertificateMapMode `default:"exact_dn"`
	CertificateFilter   string
	CertificateMapperID string

	Referral       string `default:"ignore"`
	LegacyReferral *string // the historical "referal" key; nil when not set

	PageSize       int
	SearchTimeout  time.Duration `default:"1m"`
	ConnectTimeout time.Duration `default:"1m"`
	RangeStep      int           `default:"1500"`

	Pool  PoolConfig
	Retry RetryConfig
	Cache CacheConfig
}

// DefaultRegistryConfig returns a configuration with every documented default applied.
func DefaultRegistryConfig() *RegistryConfig {
	cfg := &RegistryConfig{}
	if err := defaults.Set(cfg); err != nil {
		// Only reachable through a malformed struct tag.
		panic(fmt.Sprintf("invalid registry config defaults: %v", err))
	}
	cfg.UserObjectClasses = []string{"inetOrgPerson"}
	cfg.GroupObjectClasses = []string{"groupOfNames", "groupOfUniqueNames"}
	return cfg
}

// Clone returns a copy that can be modified without affecting the receiver.
func (c *RegistryConfig) Clone() *RegistryConfig {
	out := *c
	out.LDAPURLs = append([]string(nil), c.LDAPURLs...)
	out.FailoverServers = append([]ServerAddress(nil), c.FailoverServers...)
	out.UserSearchBases = append([]string(nil), c.UserSearchBases...)
	out.GroupSearchBases = append([]string(nil), c.GroupSearchBases...)
	out.UserObjectClasses = append([]string(nil), c.UserObjectClasses...)
	out.GroupObjectClasses = append([]string(nil), c.GroupObjectClasses...)
	out.LoginProperties = append([]string(nil), c.LoginProperties...)
	if c.LegacyReferral != nil {
		v := *c.LegacyReferral
		out.LegacyReferral = &v
	}
	if c.TLSConfig != nil {
		out.TLSConfig = c.TLSConfig.Clone()
	}
	return &out
}

// Validate reports configuration problems that have no safe fallback.
func (c *RegistryConfig) Validate() error {
	if c.BaseDN == "" {
		return errors.New("base DN is required")
	}
	if err := ValidateDNSyntax(c.BaseDN); err != nil {
		return fmt.Errorf("invalid base DN: %w", err)
	}
	if c.Host == "" && len(c.LDAPURLs) == 0 && c.Domain == "" {
		return errors.New("one of host, LDAP URLs or domain must be specified")
	}
	for _, base := range append(append([]string{}, c.UserSearchBases...), c.GroupSearchBases...) {
		if err := ValidateDNSyntax(base); err != nil {
			return fmt.Errorf("invalid search base %q: %w", base, err)
		}
	}
	if c.Pool.MaxSize < 0 {
		return errors.New("pool max size cannot be negative")
	}
	if c.Pool.MaxSize > 0 && c.Pool.InitialSize > c.Pool.MaxSize {
		return fmt.Errorf("pool initial size %d exceeds max size %d", c.Pool.InitialSize, c.Pool.MaxSize)
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}
	if c.Retry.BackoffFactor < 1.0 {
		return errors.New("backoff factor must be at least 1.0")
	}
	if c.BindAuthMethod != AuthMethodSimple && c.BindAuthMethod != AuthMethodKerberos {
		return fmt.Errorf("unsupported bind authentication method %q", c.BindAuthMethod)
	}
	return nil
}

// Normalize applies safe fallbacks for recoverable misconfiguration and returns
// what it had to correct. Each problem is logged as a warning.
func (c *RegistryConfig) Normalize(ctx context.Context) []*RegistryError {
	var problems []*RegistryError
	warn := func(setting, msg string) {
		err := NewConfigurationError(setting, msg)
		problems = append(problems, err)
		tflog.SubsystemWarn(ctx, SubsystemLDAP, "Configuration error, using fallback", map[string]any{
			"registry": c.ID,
			"setting":  setting,
			"error":    err.Error(),
		})
	}

	if _, err := ParseReferralMode(c.Referral); err != nil {
		warn("referral", err.Error())
		c.Referral = string(ReferralIgnore)
	}
	if c.LegacyReferral != nil {
		if _, err := ParseReferralMode(*c.LegacyReferral); err != nil {
			warn("referal", err.Error())
			v := string(ReferralIgnore)
			c.LegacyReferral = &v
		}
	}

	switch c.MembershipScope {
	case MembershipDirect, MembershipNested, MembershipAll:
	default:
		warn("membership_scope", fmt.Sprintf("invalid membership scope %q", c.MembershipScope))
		c.MembershipScope = MembershipDirect
	}

	switch c.CertificateMapMode {
	case CertMapExactDN, CertMapCertificateFilter, CertMapCustom, CertMapNotSupported:
	default:
		warn("certificate_map_mode", fmt.Sprintf("invalid certificate map mode %q", c.CertificateMapMode))
		c.CertificateMapMode = CertMapNotSupported
	}

	if c.PageSize < 0 {
		warn("page_size", "page size cannot be negative")
		c.PageSize = 0
	}
	if c.RangeStep <= 0 {
		c.RangeStep = 1500
	}
	if c.Pool.Timeout < 0 {
		c.Pool.Timeout = 0
	}
	if c.Pool.PreferredSize < 0 {
		c.Pool.PreferredSize = 0
	}

	if len(c.UserSearchBases) == 0 {
		c.UserSearchBases = []string{c.BaseDN}
	}
	if len(c.GroupSearchBases) == 0 {
		c.GroupSearchBases = []string{c.BaseDN}
	}

	if len(c.LoginProperties) > 0 && c.UserFilter != "" {
		tflog.SubsystemWarn(ctx, SubsystemLDAP, "Login properties override the configured user filter", map[string]any{
			"registry":         c.ID,
			"user_filter":      c.UserFilter,
			"login_properties": c.LoginProperties,
		})
	}

	return problems
}

// EffectiveReferralMode resolves the referral behaviour. The legacy key wins
// whenever it was set explicitly.
func (c *RegistryConfig) EffectiveReferralMode() ReferralMode {
	if c.LegacyReferral != nil {
		if mode, err := ParseReferralMode(*c.LegacyReferral); err == nil {
			return mode
		}
	}
	mode, _ := ParseReferralMode(c.Referral)
	return mode
}

// Servers returns the ordered server list: primary source first, then failover servers.
func (c *RegistryConfig) Servers() ([]*ServerInfo, error) {
	var servers []*ServerInfo

	switch {
	case len(c.LDAPURLs) > 0:
		for _, u := range c.LDAPURLs {
			server, err := ParseLDAPURL(u)
			if err != nil {
				return nil, fmt.Errorf("invalid LDAP URL %s: %w", u, err)
			}
			servers = append(servers, server)
		}
	case c.Host != "":
		servers = append(servers, &ServerInfo{
			Host:   c.Host,
			Port:   c.Port,
			UseTLS: c.SSLEnabled,
			Weight: 100,
			Source: "config",
		})
	}

	for i, fs := range c.FailoverServers {
		port := fs.Port
		if port == 0 {
			port = c.Port
		}
		servers = append(servers, &ServerInfo{
			Host:     fs.Host,
			Port:     port,
			UseTLS:   c.SSLEnabled,
			Priority: i + 1,
			Weight:   100,
			Source:   "failover",
		})
	}

	for _, s := range servers {
		if err := ValidateServerInfo(s); err != nil {
			return nil, err
		}
	}
	return servers, nil
}

var (
	unitlessNumber = regexp.MustCompile(`^[+-]?\d+$`)
	leadingNumber  = regexp.MustCompile(`^[+-]?\d+`)
)

// ParsePoolTimeout parses a pool timeout setting.
//
//   - "" and "0" disable the timeout
//   - negative values are treated as unset, which also disables it
//   - a number without a unit is a count of milliseconds ("2" is 2ms)
//   - a value with a unit is rounded up to whole seconds ("1500ms" is 2s)
//   - a malformed value keeps its leading number as milliseconds ("5 secs" is 5ms)
//
// Only a value that does not start with a number is an error.
func ParsePoolTimeout(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	if unitlessNumber.MatchString(value) {
		return parseMilliseconds(value)
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		if number := leadingNumber.FindString(value); number != "" {
			return parseMilliseconds(number)
		}
		return 0, fmt.Errorf("invalid timeout %q: %w", value, err)
	}
	if d <= 0 {
		return 0, nil
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d, nil
}

// IsMalformedPoolTimeout reports whether ParsePoolTimeout only accepts value by
// keeping its leading number.
func IsMalformedPoolTimeout(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" || unitlessNumber.MatchString(value) {
		return false
	}
	_, err := time.ParseDuration(value)
	return err != nil && leadingNumber.MatchString(value)
}

func parseMilliseconds(value string) (time.Duration, error) {
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: %w", value, err)
	}
	if ms <= 0 {
		return 0, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}
