package provider

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/types"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
	"github.com/isometry/terraform-provider-ldapregistry/internal/provider/helpers"
)

var ldapURLPattern = regexp.MustCompile(`^(?i)ldaps?://`)

// buildRegistryConfigs constructs the configuration of the primary registry and of
// every federated registry from provider config and environment variables.
func (p *LdapRegistryProvider) buildRegistryConfigs(ctx context.Context, data *LdapRegistryProviderModel, diags *diag.Diagnostics) []*ldapclient.RegistryConfig {
	primary := p.buildRegistryConfig(ctx, data, diags)
	if diags.HasError() {
		return nil
	}

	configs := []*ldapclient.RegistryConfig{primary}
	seen := map[string]bool{primary.ID: true}
	for i, member := range data.FederatedRegistries {
		cfg := p.buildFederatedConfig(ctx, primary, &member, diags)
		if diags.HasError() {
			return nil
		}
		if seen[cfg.ID] {
			diags.AddAttributeError(
				path.Root("federated_registries").AtListIndex(i).AtName("id"),
				"Duplicate Registry ID",
				fmt.Sprintf("The registry ID %q is used more than once. Every registry of the realm needs its own ID.", cfg.ID),
			)
			return nil
		}
		seen[cfg.ID] = true
		configs = append(configs, cfg)
	}
	return configs
}

// buildRegistryConfig constructs the primary registry configuration.
func (p *LdapRegistryProvider) buildRegistryConfig(ctx context.Context, data *LdapRegistryProviderModel, diags *diag.Diagnostics) *ldapclient.RegistryConfig {
	config := ldapclient.DefaultRegistryConfig()

	if id := p.getStringValue(data.ID, "LDAPREGISTRY_ID"); id != "" {
		config.ID = id
	}
	if realm := p.getStringValue(data.Realm, "LDAPREGISTRY_REALM"); realm != "" {
		config.Realm = realm
	}

	// Directory servers
	config.Host = p.getStringValue(data.Host, "LDAPREGISTRY_HOST")
	config.Port = int(p.getInt64Value(data.Port, "LDAPREGISTRY_PORT", int64(config.Port)))
	config.LDAPURLs = p.getListValue(ctx, data.LdapURLs, "LDAPREGISTRY_LDAP_URLS", ",", diags)
	config.Domain = p.getStringValue(data.Domain, "LDAPREGISTRY_DOMAIN")
	config.ReturnToPrimary = p.getBoolValue(data.ReturnToPrimary, "LDAPREGISTRY_RETURN_TO_PRIMARY", config.ReturnToPrimary)
	config.PrimaryProbeInterval = p.getDurationValue(data.PrimaryProbeInterval, "LDAPREGISTRY_PRIMARY_PROBE_INTERVAL", config.PrimaryProbeInterval, diags)

	failover, d := helpers.StringsFromList(ctx, data.FailoverServers)
	diags.Append(d...)
	for i, server := range failover {
		addr, err := parseServerAddress(server)
		if err != nil {
			diags.AddAttributeError(path.Root("failover_servers").AtListIndex(i), "Invalid Failover Server", err.Error())
			continue
		}
		config.FailoverServers = append(config.FailoverServers, addr)
	}

	if config.Host == "" && len(config.LDAPURLs) == 0 && config.Domain == "" {
		diags.AddError(
			"Missing Directory Server",
			"One of 'ldap_urls', 'host' or 'domain' must be configured, "+
				"or set via the LDAPREGISTRY_LDAP_URLS, LDAPREGISTRY_HOST or LDAPREGISTRY_DOMAIN environment variables.",
		)
	}

	// TLS settings
	config.SSLEnabled = p.getBoolValue(data.SSLEnabled, "LDAPREGISTRY_SSL_ENABLED", false)
	config.StartTLS = p.getBoolValue(data.StartTLS, "LDAPREGISTRY_START_TLS", false)
	config.TLSConfig = p.buildTLSConfig(data, diags)

	// Bind settings
	config.BindDN = p.getStringValue(data.BindDN, "LDAPREGISTRY_BIND_DN")
	config.BindPassword = p.getStringValue(data.BindPassword, "LDAPREGISTRY_BIND_PASSWORD")
	if method := p.getStringValue(data.BindAuthMethod, "LDAPREGISTRY_BIND_AUTH_METHOD"); method != "" {
		config.BindAuthMethod = ldapclient.AuthMethod(strings.ToLower(strings.TrimSpace(method)))
	}
	config.Kerberos.Realm = p.getStringValue(data.KerberosRealm, "LDAPREGISTRY_KERBEROS_REALM")
	config.Kerberos.Keytab = p.getStringValue(data.KerberosKeytab, "LDAPREGISTRY_KERBEROS_KEYTAB")
	config.Kerberos.CCache = p.getStringValue(data.KerberosCCache, "LDAPREGISTRY_KERBEROS_CCACHE")
	config.Kerberos.SPN = p.getStringValue(data.KerberosSPN, "LDAPREGISTRY_KERBEROS_SPN")
	if krb5conf := p.getStringValue(data.KerberosConfig, "LDAPREGISTRY_KERBEROS_CONFIG"); krb5conf != "" {
		config.Kerberos.Config = krb5conf
	}

	if config.BindAuthMethod == ldapclient.AuthMethodKerberos && config.Kerberos.Realm == "" {
		diags.AddError(
			"Missing Kerberos Configuration",
			"The kerberos bind method requires 'kerberos_realm' or the LDAPREGISTRY_KERBEROS_REALM environment variable.",
		)
	}
	if config.BindDN != "" && config.BindPassword == "" && config.BindAuthMethod == ldapclient.AuthMethodSimple {
		diags.AddWarning(
			"Missing Bind Password",
			"'bind_dn' is set without a password. Most directories treat this as an unauthenticated bind.",
		)
	}

	// Search scope
	config.BaseDN = p.getStringValue(data.BaseDN, "LDAPREGISTRY_BASE_DN")
	if config.BaseDN == "" {
		diags.AddError(
			"Missing Base DN",
			"'base_dn' must be configured or set via the LDAPREGISTRY_BASE_DN environment variable.",
		)
	}
	config.UserSearchBases = p.getListValue(ctx, data.UserSearchBases, "LDAPREGISTRY_USER_SEARCH_BASES", ";", diags)
	config.GroupSearchBases = p.getListValue(ctx, data.GroupSearchBases, "LDAPREGISTRY_GROUP_SEARCH_BASES", ";", diags)
	config.UserFilter = p.getStringValue(data.UserFilter, "LDAPREGISTRY_USER_FILTER")
	config.GroupFilter = p.getStringValue(data.GroupFilter, "LDAPREGISTRY_GROUP_FILTER")
	if classes := p.getListValue(ctx, data.UserObjectClasses, "LDAPREGISTRY_USER_OBJECT_CLASSES", ",", diags); len(classes) > 0 {
		config.UserObjectClasses = classes
	}
	if classes := p.getListValue(ctx, data.GroupObjectClasses, "LDAPREGISTRY_GROUP_OBJECT_CLASSES", ",", diags); len(classes) > 0 {
		config.GroupObjectClasses = classes
	}
	config.LoginProperties = p.getListValue(ctx, data.LoginProperties, "LDAPREGISTRY_LOGIN_PROPERTIES", ",", diags)

	// Identity mapping
	setString(&config.UserIDMap, data.UserIDMap)
	setString(&config.GroupIDMap, data.GroupIDMap)
	setString(&config.GroupMemberIDMap, data.GroupMemberIDMap)
	setString(&config.OutputProperties.UserPrincipalName, data.UserPrincipalNameProperty)
	setString(&config.OutputProperties.UserSecurityName, data.UserSecurityNameProperty)
	setString(&config.OutputProperties.UserDisplayName, data.UserDisplayNameProperty)
	setString(&config.OutputProperties.UniqueUserID, data.UniqueUserIDProperty)
	setString(&config.OutputProperties.GroupSecurityName, data.GroupSecurityNameProperty)
	setString(&config.OutputProperties.GroupDisplayName, data.GroupDisplayNameProperty)
	setString(&config.OutputProperties.UniqueGroupID, data.UniqueGroupIDProperty)

	// Membership
	setString(&config.MembershipAttribute, data.MembershipAttribute)
	if scope := p.getStringValue(data.MembershipScope, "LDAPREGISTRY_MEMBERSHIP_SCOPE"); scope != "" {
		config.MembershipScope = ldapclient.MembershipScope(strings.ToLower(strings.TrimSpace(scope)))
	}
	config.RecursiveSearch = p.getBoolValue(data.RecursiveSearch, "LDAPREGISTRY_RECURSIVE_SEARCH", false)

	// Certificate mapping
	if mode := data.CertificateMapMode.ValueString(); mode != "" {
		config.CertificateMapMode = ldapclient.CertificateMapMode(strings.ToLower(strings.TrimSpace(mode)))
	}
	setString(&config.CertificateFilter, data.CertificateFilter)
	if id := p.getStringValue(data.CertificateMapperID, "LDAPREGISTRY_CERTIFICATE_MAPPER_ID"); id != "" {
		config.CertificateMapperID = id
	}

	// Search behaviour
	if referral := p.getStringValue(data.Referral, "LDAPREGISTRY_REFERRAL"); referral != "" {
		config.Referral = referral
	}
	if !data.LegacyReferral.IsNull() && !data.LegacyReferral.IsUnknown() {
		legacy := data.LegacyReferral.ValueString()
		config.LegacyReferral = &legacy
	}
	config.PageSize = int(p.getInt64Value(data.PageSize, "LDAPREGISTRY_PAGE_SIZE", int64(config.PageSize)))
	config.RangeStep = int(p.getInt64Value(data.RangeStep, "LDAPREGISTRY_RANGE_STEP", int64(config.RangeStep)))
	config.SearchTimeout = p.getDurationValue(data.SearchTimeout, "LDAPREGISTRY_SEARCH_TIMEOUT", config.SearchTimeout, diags)
	config.ConnectTimeout = p.getDurationValue(data.ConnectTimeout, "LDAPREGISTRY_CONNECT_TIMEOUT", config.ConnectTimeout, diags)

	// Connection pool settings
	pool := &config.Pool
	pool.Enabled = p.getBoolValue(data.PoolEnabled, "LDAPREGISTRY_POOL_ENABLED", pool.Enabled)
	pool.InitialSize = int(p.getInt64Value(data.PoolInitialSize, "LDAPREGISTRY_POOL_INITIAL_SIZE", int64(pool.InitialSize)))
	pool.MaxSize = int(p.getInt64Value(data.PoolMaxSize, "LDAPREGISTRY_POOL_MAX_SIZE", int64(pool.MaxSize)))
	pool.PreferredSize = int(p.getInt64Value(data.PoolPreferredSize, "LDAPREGISTRY_POOL_PREFERRED_SIZE", int64(pool.PreferredSize)))
	pool.Timeout = p.getDurationValue(data.PoolTimeout, "LDAPREGISTRY_POOL_TIMEOUT", pool.Timeout, diags)
	pool.WaitTime = p.getDurationValue(data.PoolWaitTime, "LDAPREGISTRY_POOL_WAIT_TIME", pool.WaitTime, diags)

	if pool.MaxSize > 0 && pool.InitialSize > pool.MaxSize {
		diags.AddAttributeError(
			path.Root("pool_initial_size"),
			"Invalid Pool Size",
			fmt.Sprintf("pool_initial_size (%d) cannot exceed pool_max_size (%d).", pool.InitialSize, pool.MaxSize),
		)
	}

	// Retry settings
	config.Retry.MaxRetries = int(p.getInt64Value(data.MaxRetries, "LDAPREGISTRY_MAX_RETRIES", int64(config.Retry.MaxRetries)))
	config.Retry.InitialBackoff = p.getDurationValue(data.InitialBackoff, "LDAPREGISTRY_INITIAL_BACKOFF", config.Retry.InitialBackoff, diags)
	config.Retry.MaxBackoff = p.getDurationValue(data.MaxBackoff, "LDAPREGISTRY_MAX_BACKOFF", config.Retry.MaxBackoff, diags)

	// Cache settings
	search := &config.Cache.SearchResults
	search.Enabled = p.getBoolValue(data.SearchCacheEnabled, "LDAPREGISTRY_SEARCH_CACHE_ENABLED", search.Enabled)
	search.Size = int(p.getInt64Value(data.SearchCacheSize, "LDAPREGISTRY_SEARCH_CACHE_SIZE", int64(search.Size)))
	search.SizeLimit = int(p.getInt64Value(data.SearchCacheSizeLimit, "LDAPREGISTRY_SEARCH_CACHE_SIZE_LIMIT", int64(search.SizeLimit)))
	search.ResultSizeLimit = int(p.getInt64Value(data.SearchCacheResultSizeLimit, "LDAPREGISTRY_SEARCH_CACHE_RESULT_SIZE_LIMIT", int64(search.ResultSizeLimit)))
	search.Timeout = p.getDurationValue(data.SearchCacheTimeout, "LDAPREGISTRY_SEARCH_CACHE_TIMEOUT", search.Timeout, diags)

	attributes := &config.Cache.Attributes
	attributes.Enabled = p.getBoolValue(data.AttributeCacheEnabled, "LDAPREGISTRY_ATTRIBUTE_CACHE_ENABLED", attributes.Enabled)
	attributes.Size = int(p.getInt64Value(data.AttributeCacheSize, "LDAPREGISTRY_ATTRIBUTE_CACHE_SIZE", int64(attributes.Size)))
	attributes.SizeLimit = int(p.getInt64Value(data.AttributeCacheSizeLimit, "LDAPREGISTRY_ATTRIBUTE_CACHE_SIZE_LIMIT", int64(attributes.SizeLimit)))
	attributes.Timeout = p.getDurationValue(data.AttributeCacheTimeout, "LDAPREGISTRY_ATTRIBUTE_CACHE_TIMEOUT", attributes.Timeout, diags)

	return config
}

// buildFederatedConfig derives a member registry configuration from the primary one.
func (p *LdapRegistryProvider) buildFederatedConfig(ctx context.Context, primary *ldapclient.RegistryConfig, member *FederatedRegistryModel, diags *diag.Diagnostics) *ldapclient.RegistryConfig {
	config := primary.Clone()

	config.ID = member.ID.ValueString()
	setString(&config.Realm, member.Realm)
	config.BaseDN = member.BaseDN.ValueString()
	config.FailoverServers = nil

	urls, d := helpers.StringsFromList(ctx, member.LdapURLs)
	diags.Append(d...)
	if len(urls) > 0 || !member.Host.IsNull() {
		config.LDAPURLs = urls
		config.Host = member.Host.ValueString()
		config.Domain = ""
	}
	if !member.Port.IsNull() {
		config.Port = int(member.Port.ValueInt64())
	}

	setString(&config.BindDN, member.BindDN)
	setString(&config.BindPassword, member.BindPassword)
	setString(&config.UserFilter, member.UserFilter)
	setString(&config.GroupFilter, member.GroupFilter)

	userBases, d := helpers.StringsFromList(ctx, member.UserSearchBases)
	diags.Append(d...)
	groupBases, d := helpers.StringsFromList(ctx, member.GroupSearchBases)
	diags.Append(d...)
	config.UserSearchBases = userBases
	config.GroupSearchBases = groupBases

	return config
}

// buildTLSConfig returns nil when no TLS setting deviates from the defaults.
func (p *LdapRegistryProvider) buildTLSConfig(data *LdapRegistryProviderModel, diags *diag.Diagnostics) *tls.Config {
	skipVerify := p.getBoolValue(data.SkipTLSVerify, "LDAPREGISTRY_SKIP_TLS_VERIFY", false)
	caFile := p.getStringValue(data.TLSCACertFile, "LDAPREGISTRY_TLS_CA_CERT_FILE")
	caPEM := p.getStringValue(data.TLSCACert, "LDAPREGISTRY_TLS_CA_CERT")
	certFile := p.getStringValue(data.TLSClientCertFile, "LDAPREGISTRY_TLS_CLIENT_CERT_FILE")
	keyFile := p.getStringValue(data.TLSClientKeyFile, "LDAPREGISTRY_TLS_CLIENT_KEY_FILE")

	if !skipVerify && caFile == "" && caPEM == "" && certFile == "" && keyFile == "" {
		return nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: skipVerify,
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			diags.AddAttributeError(path.Root("tls_ca_cert_file"), "Unable to Read CA Certificate", err.Error())
			return nil
		}
		caPEM = string(pem)
	}
	if caPEM != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(caPEM)) {
			diags.AddError("Invalid CA Certificate", "The CA certificate bundle contains no PEM encoded certificates.")
			return nil
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			diags.AddError(
				"Incomplete Client Certificate",
				"Both 'tls_client_cert_file' and 'tls_client_key_file' must be set for mutual TLS.",
			)
			return nil
		}
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			diags.AddError("Unable to Load Client Certificate", err.Error())
			return nil
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig
}

// parseServerAddress parses "host" or "host:port". A missing port is left zero so
// the registry port applies.
func parseServerAddress(value string) (ldapclient.ServerAddress, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return ldapclient.ServerAddress{}, fmt.Errorf("server address cannot be empty")
	}

	host, port, err := net.SplitHostPort(value)
	if err != nil {
		// No port given.
		return ldapclient.ServerAddress{Host: strings.Trim(value, "[]")}, nil
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return ldapclient.ServerAddress{}, fmt.Errorf("invalid port in server address %q", value)
	}
	return ldapclient.ServerAddress{Host: host, Port: n}, nil
}

// setString overwrites target when value is set.
func setString(target *string, value types.String) {
	if !value.IsNull() && !value.IsUnknown() && value.ValueString() != "" {
		*target = value.ValueString()
	}
}

// Helper functions for configuration value resolution

func (p *LdapRegistryProvider) getStringValue(configValue types.String, envVar string) string {
	if !configValue.IsNull() && configValue.ValueString() != "" {
		return configValue.ValueString()
	}
	return os.Getenv(envVar)
}

func (p *LdapRegistryProvider) getBoolValue(configValue types.Bool, envVar string, defaultValue bool) bool {
	if !configValue.IsNull() {
		return configValue.ValueBool()
	}
	if envValue := os.Getenv(envVar); envValue != "" {
		if parsed, err := strconv.ParseBool(envValue); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (p *LdapRegistryProvider) getInt64Value(configValue types.Int64, envVar string, defaultValue int64) int64 {
	if !configValue.IsNull() {
		return configValue.ValueInt64()
	}
	if envValue := os.Getenv(envVar); envValue != "" {
		if parsed, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (p *LdapRegistryProvider) getListValue(ctx context.Context, configValue types.List, envVar, sep string, diags *diag.Diagnostics) []string {
	if !configValue.IsNull() && !configValue.IsUnknown() {
		values, d := helpers.StringsFromList(ctx, configValue)
		diags.Append(d...)
		return values
	}
	return helpers.SplitList(os.Getenv(envVar), sep)
}

func (p *LdapRegistryProvider) getDurationValue(configValue types.String, envVar string, defaultValue time.Duration, diags *diag.Diagnostics) time.Duration {
	value := p.getStringValue(configValue, envVar)
	if value == "" {
		return defaultValue
	}
	d, err := ldapclient.ParsePoolTimeout(value)
	if err != nil {
		diags.AddError("Invalid Duration", fmt.Sprintf("%s: %s", envVar, err.Error()))
		return defaultValue
	}
	return d
}
