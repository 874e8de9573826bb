package provider

import (
	"context"
	"time"

	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/listvalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/providervalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/ephemeral"
	"github.com/hashicorp/terraform-plugin-framework/function"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/provider/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
	"github.com/isometry/terraform-provider-ldapregistry/internal/provider/validators"
)

// Ensure LdapRegistryProvider satisfies various provider interfaces.
var _ provider.Provider = &LdapRegistryProvider{}
var _ provider.ProviderWithFunctions = &LdapRegistryProvider{}
var _ provider.ProviderWithEphemeralResources = &LdapRegistryProvider{}
var _ provider.ProviderWithConfigValidators = &LdapRegistryProvider{}

// LdapRegistryProvider defines the provider implementation.
type LdapRegistryProvider struct {
	// version is set to the provider version on release, "dev" when the
	// provider is built and ran locally, and "test" when running acceptance
	// testing.
	version      string
	providerData *ldapclient.ProviderData

	// dialer replaces the network dialer of every registry in unit tests.
	dialer ldapclient.Dialer
}

// LdapRegistryProviderModel describes the provider data model.
type LdapRegistryProviderModel struct {
	ID           types.String `tfsdk:"id"`
	Realm        types.String `tfsdk:"realm"`
	QualifyNames types.Bool   `tfsdk:"qualify_names"`

	// Directory servers, in order of precedence: ldap_urls, host, domain
	Host                 types.String `tfsdk:"host"`
	Port                 types.Int64  `tfsdk:"port"`
	LdapURLs             types.List   `tfsdk:"ldap_urls"`
	Domain               types.String `tfsdk:"domain"`
	FailoverServers      types.List   `tfsdk:"failover_servers"`
	ReturnToPrimary      types.Bool   `tfsdk:"return_to_primary"`
	PrimaryProbeInterval types.String `tfsdk:"primary_probe_interval"`

	// TLS settings
	SSLEnabled        types.Bool   `tfsdk:"ssl_enabled"`
	StartTLS          types.Bool   `tfsdk:"start_tls"`
	SkipTLSVerify     types.Bool   `tfsdk:"skip_tls_verify"`
	TLSCACertFile     types.String `tfsdk:"tls_ca_cert_file"`
	TLSCACert         types.String `tfsdk:"tls_ca_cert"`
	TLSClientCertFile types.String `tfsdk:"tls_client_cert_file"`
	TLSClientKeyFile  types.String `tfsdk:"tls_client_key_file"`

	// Bind settings
	BindDN         types.String `tfsdk:"bind_dn"`
	BindPassword   types.String `tfsdk:"bind_password"`
	BindAuthMethod types.String `tfsdk:"bind_auth_method"`
	KerberosRealm  types.String `tfsdk:"kerberos_realm"`
	KerberosKeytab types.String `tfsdk:"kerberos_keytab"`
	KerberosConfig types.String `tfsdk:"kerberos_config"`
	KerberosCCache types.String `tfsdk:"kerberos_ccache"`
	KerberosSPN    types.String `tfsdk:"kerberos_spn"`

	// Search scope
	BaseDN             types.String `tfsdk:"base_dn"`
	UserSearchBases    types.List   `tfsdk:"user_search_bases"`
	GroupSearchBases   types.List   `tfsdk:"group_search_bases"`
	UserFilter         types.String `tfsdk:"user_filter"`
	GroupFilter        types.String `tfsdk:"group_filter"`
	UserObjectClasses  types.List   `tfsdk:"user_object_classes"`
	GroupObjectClasses types.List   `tfsdk:"group_object_classes"`
	LoginProperties    types.List   `tfsdk:"login_properties"`

	// Identity mapping
	UserIDMap                 types.String `tfsdk:"user_id_map"`
	GroupIDMap                types.String `tfsdk:"group_id_map"`
	GroupMemberIDMap          types.String `tfsdk:"group_member_id_map"`
	UserPrincipalNameProperty types.String `tfsdk:"user_principal_name_property"`
	UserSecurityNameProperty  types.String `tfsdk:"user_security_name_property"`
	UserDisplayNameProperty   types.String `tfsdk:"user_display_name_property"`
	UniqueUserIDProperty      types.String `tfsdk:"unique_user_id_property"`
	GroupSecurityNameProperty types.String `tfsdk:"group_security_name_property"`
	GroupDisplayNameProperty  types.String `tfsdk:"group_display_name_property"`
	UniqueGroupIDProperty     types.String `tfsdk:"unique_group_id_property"`

	// Membership
	MembershipAttribute types.String `tfsdk:"membership_attribute"`
	MembershipScope     types.String `tfsdk:"membership_scope"`
	RecursiveSearch     types.Bool   `tfsdk:"recursive_search"`

	// Certificate mapping
	CertificateMapMode  types.String `tfsdk:"certificate_map_mode"`
	CertificateFilter   types.String `tfsdk:"certificate_filter"`
	CertificateMapperID types.String `tfsdk:"certificate_mapper_id"`

	// Search behaviour
	Referral       types.String `tfsdk:"referral"`
	LegacyReferral types.String `tfsdk:"referal"`
	PageSize       types.Int64  `tfsdk:"page_size"`
	RangeStep      types.Int64  `tfsdk:"range_step"`
	SearchTimeout  types.String `tfsdk:"search_timeout"`
	ConnectTimeout types.String `tfsdk:"connect_timeout"`

	// Connection pool settings
	PoolEnabled       types.Bool   `tfsdk:"pool_enabled"`
	PoolInitialSize   types.Int64  `tfsdk:"pool_initial_size"`
	PoolMaxSize       types.Int64  `tfsdk:"pool_max_size"`
	PoolPreferredSize types.Int64  `tfsdk:"pool_preferred_size"`
	PoolTimeout       types.String `tfsdk:"pool_timeout"`
	PoolWaitTime      types.String `tfsdk:"pool_wait_time"`

	// Retry settings
	MaxRetries     types.Int64  `tfsdk:"max_retries"`
	InitialBackoff types.String `tfsdk:"initial_backoff"`
	MaxBackoff     types.String `tfsdk:"max_backoff"`

	// Cache settings
	SearchCacheEnabled         types.Bool   `tfsdk:"search_cache_enabled"`
	SearchCacheSize            types.Int64  `tfsdk:"search_cache_size"`
	SearchCacheSizeLimit       types.Int64  `tfsdk:"search_cache_size_limit"`
	SearchCacheResultSizeLimit types.Int64  `tfsdk:"search_cache_result_size_limit"`
	SearchCacheTimeout         types.String `tfsdk:"search_cache_timeout"`
	AttributeCacheEnabled      types.Bool   `tfsdk:"attribute_cache_enabled"`
	AttributeCacheSize         types.Int64  `tfsdk:"attribute_cache_size"`
	AttributeCacheSizeLimit    types.Int64  `tfsdk:"attribute_cache_size_limit"`
	AttributeCacheTimeout      types.String `tfsdk:"attribute_cache_timeout"`

	MetricsEnabled types.Bool `tfsdk:"metrics_enabled"`

	FederatedRegistries []FederatedRegistryModel `tfsdk:"federated_registries"`
}

// FederatedRegistryModel describes an additional registry of the realm. Settings
// it leaves unset are inherited from the provider.
type FederatedRegistryModel struct {
	ID               types.String `tfsdk:"id"`
	Realm            types.String `tfsdk:"realm"`
	Host             types.String `tfsdk:"host"`
	Port             types.Int64  `tfsdk:"port"`
	LdapURLs         types.List   `tfsdk:"ldap_urls"`
	BaseDN           types.String `tfsdk:"base_dn"`
	BindDN           types.String `tfsdk:"bind_dn"`
	BindPassword     types.String `tfsdk:"bind_password"`
	UserFilter       types.String `tfsdk:"user_filter"`
	GroupFilter      types.String `tfsdk:"group_filter"`
	UserSearchBases  types.List   `tfsdk:"user_search_bases"`
	GroupSearchBases types.List   `tfsdk:"group_search_bases"`
}

func (p *LdapRegistryProvider) Metadata(ctx context.Context, req provider.MetadataRequest, resp *provider.MetadataResponse) {
	resp.TypeName = "ldapregistry"
	resp.Version = p.version
}

func durationAttribute(description, envVar string) schema.StringAttribute {
	return schema.StringAttribute{
		MarkdownDescription: description + " A number without a unit is read as milliseconds; other values " +
			"(`30s`, `5m`) are rounded up to whole seconds. Can be set via the `" + envVar + "` environment variable.",
		Optional: true,
		Validators: []validator.String{
			validators.PoolDuration(),
		},
	}
}

func (p *LdapRegistryProvider) Schema(ctx context.Context, req provider.SchemaRequest, resp *provider.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "The LDAP registry provider resolves users and groups from LDAP directories through a pooled, " +
			"cached connection. Several directories can be federated into one realm.",
		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "ID of the registry, used in logs and metrics. Defaults to `ldap`. " +
					"Can be set via the `LDAPREGISTRY_ID` environment variable.",
				Optional: true,
			},
			"realm": schema.StringAttribute{
				MarkdownDescription: "Realm of the registry. Defaults to `LdapRegistry`. " +
					"Can be set via the `LDAPREGISTRY_REALM` environment variable.",
				Optional: true,
			},
			"qualify_names": schema.BoolAttribute{
				MarkdownDescription: "Append `@realm` to the names returned by federated registries. Defaults to `false`.",
				Optional:            true,
			},

			// Directory servers
			"host": schema.StringAttribute{
				MarkdownDescription: "Host name of the directory server. " +
					"Can be set via the `LDAPREGISTRY_HOST` environment variable.",
				Optional: true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"port": schema.Int64Attribute{
				MarkdownDescription: "Port of the directory server. Defaults to `389`. " +
					"Can be set via the `LDAPREGISTRY_PORT` environment variable.",
				Optional: true,
				Validators: []validator.Int64{
					int64validator.Between(1, 65535),
				},
			},
			"ldap_urls": schema.ListAttribute{
				MarkdownDescription: "LDAP URLs of the directory servers (e.g., `ldaps://dc1.example.com:636`), tried in order. " +
					"Takes precedence over `host`. Can be set as a comma separated list via the `LDAPREGISTRY_LDAP_URLS` environment variable.",
				ElementType: types.StringType,
				Optional:    true,
				Validators: []validator.List{
					listvalidator.SizeAtLeast(1),
					listvalidator.ValueStringsAre(stringvalidator.RegexMatches(ldapURLPattern, "must be an ldap:// or ldaps:// URL")),
				},
			},
			"domain": schema.StringAttribute{
				MarkdownDescription: "Domain name used to discover directory servers through DNS SRV records (e.g., `example.com`). " +
					"Used when neither `ldap_urls` nor `host` is set. Can be set via the `LDAPREGISTRY_DOMAIN` environment variable.",
				Optional: true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"failover_servers": schema.ListAttribute{
				MarkdownDescription: "Failover servers as `host` or `host:port`, tried in order after the primary server.",
				ElementType:         types.StringType,
				Optional:            true,
			},
			"return_to_primary": schema.BoolAttribute{
				MarkdownDescription: "Reconnect to the primary server once it is reachable again. Defaults to `true`.",
				Optional:            true,
			},
			"primary_probe_interval": durationAttribute("How often to probe the primary server after a failover. Defaults to `15m`.",
				"LDAPREGISTRY_PRIMARY_PROBE_INTERVAL"),

			// TLS settings
			"ssl_enabled": schema.BoolAttribute{
				MarkdownDescription: "Connect with LDAPS to `host` and the failover servers. Defaults to `false`. " +
					"Can be set via the `LDAPREGISTRY_SSL_ENABLED` environment variable.",
				Optional: true,
			},
			"start_tls": schema.BoolAttribute{
				MarkdownDescription: "Upgrade plain connections with StartTLS. Defaults to `false`. " +
					"Can be set via the `LDAPREGISTRY_START_TLS` environment variable.",
				Optional: true,
			},
			"skip_tls_verify": schema.BoolAttribute{
				MarkdownDescription: "Skip TLS certificate verification. Not recommended for production. Defaults to `false`. " +
					"Can be set via the `LDAPREGISTRY_SKIP_TLS_VERIFY` environment variable.",
				Optional: true,
			},
			"tls_ca_cert_file": schema.StringAttribute{
				MarkdownDescription: "Path to a PEM CA bundle for TLS verification. " +
					"Can be set via the `LDAPREGISTRY_TLS_CA_CERT_FILE` environment variable.",
				Optional: true,
			},
			"tls_ca_cert": schema.StringAttribute{
				MarkdownDescription: "PEM CA bundle for TLS verification. " +
					"Can be set via the `LDAPREGISTRY_TLS_CA_CERT` environment variable.",
				Optional:  true,
				Sensitive: true,
			},
			"tls_client_cert_file": schema.StringAttribute{
				MarkdownDescription: "Path to a client certificate for mutual TLS. " +
					"Can be set via the `LDAPREGISTRY_TLS_CLIENT_CERT_FILE` environment variable.",
				Optional: true,
			},
			"tls_client_key_file": schema.StringAttribute{
				MarkdownDescription: "Path to the private key of the client certificate. " +
					"Can be set via the `LDAPREGISTRY_TLS_CLIENT_KEY_FILE` environment variable.",
				Optional:  true,
				Sensitive: true,
			},

			// Bind settings
			"bind_dn": schema.StringAttribute{
				MarkdownDescription: "DN used to bind pooled connections. Anonymous when unset. " +
					"Can be set via the `LDAPREGISTRY_BIND_DN` environment variable.",
				Optional: true,
			},
			"bind_password": schema.StringAttribute{
				MarkdownDescription: "Password of `bind_dn`. " +
					"Can be set via the `LDAPREGISTRY_BIND_PASSWORD` environment variable.",
				Optional:  true,
				Sensitive: true,
			},
			"bind_auth_method": schema.StringAttribute{
				MarkdownDescription: "Bind method of pooled connections: `simple` or `kerberos`. Defaults to `simple`. " +
					"Can be set via the `LDAPREGISTRY_BIND_AUTH_METHOD` environment variable.",
				Optional: true,
				Validators: []validator.String{
					validators.RegistryEnum(ldapclient.AuthMethodSimple, ldapclient.AuthMethodKerberos),
				},
			},
			"kerberos_realm": schema.StringAttribute{
				MarkdownDescription: "Kerberos realm for GSSAPI binds (e.g., `EXAMPLE.COM`). " +
					"Can be set via the `LDAPREGISTRY_KERBEROS_REALM` environment variable.",
				Optional: true,
			},
			"kerberos_keytab": schema.StringAttribute{
				MarkdownDescription: "Path to a Kerberos keytab. " +
					"Can be set via the `LDAPREGISTRY_KERBEROS_KEYTAB` environment variable.",
				Optional: true,
			},
			"kerberos_config": schema.StringAttribute{
				MarkdownDescription: "Path to the Kerberos configuration file. Defaults to `/etc/krb5.conf`. " +
					"Can be set via the `LDAPREGISTRY_KERBEROS_CONFIG` environment variable.",
				Optional: true,
			},
			"kerberos_ccache": schema.StringAttribute{
				MarkdownDescription: "Path to a Kerberos credential cache. " +
					"Can be set via the `LDAPREGISTRY_KERBEROS_CCACHE` environment variable.",
				Optional: true,
			},
			"kerberos_spn": schema.StringAttribute{
				MarkdownDescription: "Service principal name of the directory, when it differs from `ldap/<host>`. " +
					"Can be set via the `LDAPREGISTRY_KERBEROS_SPN` environment variable.",
				Optional: true,
			},

			// Search scope
			"base_dn": schema.StringAttribute{
				MarkdownDescription: "Base DN of the registry (e.g., `dc=example,dc=com`). " +
					"Can be set via the `LDAPREGISTRY_BASE_DN` environment variable.",
				Optional: true,
				Validators: []validator.String{
					validators.IsValidDN(),
				},
			},
			"user_search_bases": schema.ListAttribute{
				MarkdownDescription: "DNs below which users are searched. Defaults to `base_dn`. " +
					"Can be set as a `;` separated list via the `LDAPREGISTRY_USER_SEARCH_BASES` environment variable.",
				ElementType: types.StringType,
				Optional:    true,
				Validators: []validator.List{
					validators.AllValidDNs(),
				},
			},
			"group_search_bases": schema.ListAttribute{
				MarkdownDescription: "DNs below which groups are searched. Defaults to `base_dn`. " +
					"Can be set as a `;` separated list via the `LDAPREGISTRY_GROUP_SEARCH_BASES` environment variable.",
				ElementType: types.StringType,
				Optional:    true,
				Validators: []validator.List{
					validators.AllValidDNs(),
				},
			},
			"user_filter": schema.StringAttribute{
				MarkdownDescription: "User filter template; `%v` is replaced by the name. " +
					"Defaults to `" + ldapclient.DefaultUserFilter + "`. Can be set via the `LDAPREGISTRY_USER_FILTER` environment variable.",
				Optional: true,
				Validators: []validator.String{
					validators.FilterTemplate("user"),
				},
			},
			"group_filter": schema.StringAttribute{
				MarkdownDescription: "Group filter template; `%v` is replaced by the name. " +
					"Defaults to `" + ldapclient.DefaultGroupFilter + "`. Can be set via the `LDAPREGISTRY_GROUP_FILTER` environment variable.",
				Optional: true,
				Validators: []validator.String{
					validators.FilterTemplate("group"),
				},
			},
			"user_object_classes": schema.ListAttribute{
				MarkdownDescription: "Object classes identifying user entries. Defaults to `[\"inetOrgPerson\"]`.",
				ElementType:         types.StringType,
				Optional:            true,
			},
			"group_object_classes": schema.ListAttribute{
				MarkdownDescription: "Object classes identifying group entries. Defaults to `[\"groupOfNames\", \"groupOfUniqueNames\"]`.",
				ElementType:         types.StringType,
				Optional:            true,
			},
			"login_properties": schema.ListAttribute{
				MarkdownDescription: "Attributes matched against the principal when checking passwords (e.g., `[\"uid\", \"mail\"]`). " +
					"Replaces the user filter for authentication only.",
				ElementType: types.StringType,
				Optional:    true,
			},

			// Identity mapping
			"user_id_map": schema.StringAttribute{
				MarkdownDescription: "Maps object classes to the attribute naming users, as `objectclass:attribute` pairs " +
					"separated by `;`. Defaults to `*:uid`.",
				Optional: true,
			},
			"group_id_map": schema.StringAttribute{
				MarkdownDescription: "Maps object classes to the attribute naming groups. Defaults to `*:cn`.",
				Optional:            true,
			},
			"group_member_id_map": schema.StringAttribute{
				MarkdownDescription: "Maps group object classes to their member attribute. " +
					"Defaults to `groupOfNames:member;groupOfUniqueNames:uniqueMember`.",
				Optional: true,
			},
			"user_principal_name_property": schema.StringAttribute{
				MarkdownDescription: "Attribute returned as the user principal name. Defaults to the attribute of `user_id_map`.",
				Optional:            true,
			},
			"user_security_name_property": schema.StringAttribute{
				MarkdownDescription: "Attribute returned as the user security name; `dn` returns the entry DN. Defaults to `dn`.",
				Optional:            true,
			},
			"user_display_name_property": schema.StringAttribute{
				MarkdownDescription: "Attribute returned as the user display name. Defaults to `displayName`.",
				Optional:            true,
			},
			"unique_user_id_property": schema.StringAttribute{
				MarkdownDescription: "Attribute returned as the unique user ID; `objectGUID` and `objectSid` are decoded. Defaults to `dn`.",
				Optional:            true,
			},
			"group_security_name_property": schema.StringAttribute{
				MarkdownDescription: "Attribute returned as the group security name. Defaults to `dn`.",
				Optional:            true,
			},
			"group_display_name_property": schema.StringAttribute{
				MarkdownDescription: "Attribute returned as the group display name. Defaults to `cn`.",
				Optional:            true,
			},
			"unique_group_id_property": schema.StringAttribute{
				MarkdownDescription: "Attribute returned as the unique group ID. Defaults to `dn`.",
				Optional:            true,
			},

			// Membership
			"membership_attribute": schema.StringAttribute{
				MarkdownDescription: "Attribute of user entries listing their groups (e.g., `memberOf`). " +
					"When unset, groups are found by searching their member attributes.",
				Optional: true,
			},
			"membership_scope": schema.StringAttribute{
				MarkdownDescription: "How far group membership is resolved: `direct`, `nested` or `all`. Defaults to `direct`. " +
					"Can be set via the `LDAPREGISTRY_MEMBERSHIP_SCOPE` environment variable.",
				Optional: true,
				Validators: []validator.String{
					validators.RegistryEnum(ldapclient.MembershipDirect, ldapclient.MembershipNested, ldapclient.MembershipAll),
				},
			},
			"recursive_search": schema.BoolAttribute{
				MarkdownDescription: "Expand nested groups when listing group members. Defaults to `false`.",
				Optional:            true,
			},

			// Certificate mapping
			"certificate_map_mode": schema.StringAttribute{
				MarkdownDescription: "How client certificates are mapped to users: `exact_dn`, `certificate_filter`, " +
					"`custom` or `not_supported`. Defaults to `exact_dn`.",
				Optional: true,
				Validators: []validator.String{
					validators.RegistryEnum(
						ldapclient.CertMapExactDN,
						ldapclient.CertMapCertificateFilter,
						ldapclient.CertMapCustom,
						ldapclient.CertMapNotSupported,
					),
				},
			},
			"certificate_filter": schema.StringAttribute{
				MarkdownDescription: "Filter template for the `certificate_filter` mode, using `${SubjectCN}`, `${SubjectDN}` " +
					"and the other certificate variables.",
				Optional: true,
			},
			"certificate_mapper_id": schema.StringAttribute{
				MarkdownDescription: "Built-in mapper used by the `custom` mode: `subject_cn` matches `cn`, `subject_uid` " +
					"matches `uid` against the subject common name and `subject_email` matches `mail` against the first " +
					"certificate email address. Can be set via the `LDAPREGISTRY_CERTIFICATE_MAPPER_ID` environment variable.",
				Optional: true,
				Validators: []validator.String{
					stringvalidator.OneOf(ldapclient.BuiltinCertificateMapperIDs()...),
				},
			},

			// Search behaviour
			"referral": schema.StringAttribute{
				MarkdownDescription: "Referral handling: `ignore` or `follow`. Defaults to `ignore`. " +
					"Can be set via the `LDAPREGISTRY_REFERRAL` environment variable.",
				Optional: true,
				Validators: []validator.String{
					validators.RegistryEnum(ldapclient.ReferralIgnore, ldapclient.ReferralFollow),
				},
			},
			"referal": schema.StringAttribute{
				MarkdownDescription: "Historical spelling of `referral`. Takes precedence when set.",
				DeprecationMessage:  "Use referral instead.",
				Optional:            true,
				Validators: []validator.String{
					validators.RegistryEnum(ldapclient.ReferralIgnore, ldapclient.ReferralFollow),
				},
			},
			"page_size": schema.Int64Attribute{
				MarkdownDescription: "Page size of paged searches; `0` disables paging. Defaults to `0`.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"range_step": schema.Int64Attribute{
				MarkdownDescription: "Number of values fetched per ranged attribute retrieval. Defaults to `1500`.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(1),
				},
			},
			"search_timeout": durationAttribute("Time limit of a directory search. Defaults to `1m`.", "LDAPREGISTRY_SEARCH_TIMEOUT"),
			"connect_timeout": durationAttribute("Time limit for opening a connection. Defaults to `1m`.",
				"LDAPREGISTRY_CONNECT_TIMEOUT"),

			// Connection pool settings
			"pool_enabled": schema.BoolAttribute{
				MarkdownDescription: "Reuse connections between operations. Defaults to `true`. " +
					"Can be set via the `LDAPREGISTRY_POOL_ENABLED` environment variable.",
				Optional: true,
			},
			"pool_initial_size": schema.Int64Attribute{
				MarkdownDescription: "Connections opened when the pool starts. Defaults to `1`.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"pool_max_size": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of connections; `0` is unbounded. Defaults to `0`. " +
					"Can be set via the `LDAPREGISTRY_POOL_MAX_SIZE` environment variable.",
				Optional: true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"pool_preferred_size": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of idle connections kept. Defaults to `3`.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"pool_timeout": durationAttribute("Lifetime of a pooled connection; `0` keeps connections forever. Defaults to `0`.",
				"LDAPREGISTRY_POOL_TIMEOUT"),
			"pool_wait_time": durationAttribute("How long to wait for a connection when the pool is full. Defaults to `3000`.",
				"LDAPREGISTRY_POOL_WAIT_TIME"),

			// Retry settings
			"max_retries": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of retries when every server failed. Defaults to `2`. " +
					"Can be set via the `LDAPREGISTRY_MAX_RETRIES` environment variable.",
				Optional: true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"initial_backoff": durationAttribute("Delay before the first retry. Defaults to `200`.", "LDAPREGISTRY_INITIAL_BACKOFF"),
			"max_backoff":     durationAttribute("Upper bound of the retry delay. Defaults to `5s`.", "LDAPREGISTRY_MAX_BACKOFF"),

			// Cache settings
			"search_cache_enabled": schema.BoolAttribute{
				MarkdownDescription: "Cache search results. Defaults to `true`. " +
					"Can be set via the `LDAPREGISTRY_SEARCH_CACHE_ENABLED` environment variable.",
				Optional: true,
			},
			"search_cache_size": schema.Int64Attribute{
				MarkdownDescription: "Initial capacity of the search results cache. Defaults to `2000`.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"search_cache_size_limit": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of cached search results. Defaults to `2000`.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(1),
				},
			},
			"search_cache_result_size_limit": schema.Int64Attribute{
				MarkdownDescription: "Searches returning more entries than this are not cached. Defaults to `2000`.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(1),
				},
			},
			"search_cache_timeout": durationAttribute("Lifetime of a cached search result. Defaults to `20m`.",
				"LDAPREGISTRY_SEARCH_CACHE_TIMEOUT"),
			"attribute_cache_enabled": schema.BoolAttribute{
				MarkdownDescription: "Cache entry attributes. Defaults to `true`. " +
					"Can be set via the `LDAPREGISTRY_ATTRIBUTE_CACHE_ENABLED` environment variable.",
				Optional: true,
			},
			"attribute_cache_size": schema.Int64Attribute{
				MarkdownDescription: "Initial capacity of the attributes cache. Defaults to `2000`.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"attribute_cache_size_limit": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of cached entries. Defaults to `2000`.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(1),
				},
			},
			"attribute_cache_timeout": durationAttribute("Lifetime of cached attributes. Defaults to `20m`.",
				"LDAPREGISTRY_ATTRIBUTE_CACHE_TIMEOUT"),

			"metrics_enabled": schema.BoolAttribute{
				MarkdownDescription: "Record pool, cache and search metrics, reported by the `ldapregistry_status` data source. " +
					"Defaults to `true`.",
				Optional: true,
			},

			"federated_registries": schema.ListNestedAttribute{
				MarkdownDescription: "Additional directories federated with the one configured above. " +
					"Unset settings are inherited from the provider.",
				Optional: true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: map[string]schema.Attribute{
						"id": schema.StringAttribute{
							MarkdownDescription: "Unique ID of the registry.",
							Required:            true,
							Validators: []validator.String{
								stringvalidator.LengthAtLeast(1),
							},
						},
						"realm": schema.StringAttribute{
							MarkdownDescription: "Realm of the registry.",
							Optional:            true,
						},
						"host": schema.StringAttribute{
							MarkdownDescription: "Host name of the directory server.",
							Optional:            true,
						},
						"port": schema.Int64Attribute{
							MarkdownDescription: "Port of the directory server.",
							Optional:            true,
							Validators: []validator.Int64{
								int64validator.Between(1, 65535),
							},
						},
						"ldap_urls": schema.ListAttribute{
							MarkdownDescription: "LDAP URLs of the directory servers.",
							ElementType:         types.StringType,
							Optional:            true,
						},
						"base_dn": schema.StringAttribute{
							MarkdownDescription: "Base DN of the registry.",
							Required:            true,
							Validators: []validator.String{
								validators.IsValidDN(),
							},
						},
						"bind_dn": schema.StringAttribute{
							MarkdownDescription: "DN used to bind pooled connections.",
							Optional:            true,
						},
						"bind_password": schema.StringAttribute{
							MarkdownDescription: "Password of `bind_dn`.",
							Optional:            true,
							Sensitive:           true,
						},
						"user_filter": schema.StringAttribute{
							MarkdownDescription: "User filter template.",
							Optional:            true,
							Validators: []validator.String{
								validators.FilterTemplate("user"),
							},
						},
						"group_filter": schema.StringAttribute{
							MarkdownDescription: "Group filter template.",
							Optional:            true,
							Validators: []validator.String{
								validators.FilterTemplate("group"),
							},
						},
						"user_search_bases": schema.ListAttribute{
							MarkdownDescription: "DNs below which users are searched.",
							ElementType:         types.StringType,
							Optional:            true,
							Validators: []validator.List{
								validators.AllValidDNs(),
							},
						},
						"group_search_bases": schema.ListAttribute{
							MarkdownDescription: "DNs below which groups are searched.",
							ElementType:         types.StringType,
							Optional:            true,
							Validators: []validator.List{
								validators.AllValidDNs(),
							},
						},
					},
				},
			},
		},
	}
}

// ConfigValidators implements provider.ProviderWithConfigValidators.
func (p *LdapRegistryProvider) ConfigValidators(ctx context.Context) []provider.ConfigValidator {
	return []provider.ConfigValidator{
		// TLS cert file and cert content are mutually exclusive
		providervalidator.Conflicting(
			path.MatchRoot("tls_ca_cert_file"),
			path.MatchRoot("tls_ca_cert"),
		),
		// LDAPS and StartTLS are alternatives
		providervalidator.Conflicting(
			path.MatchRoot("ssl_enabled"),
			path.MatchRoot("start_tls"),
		),
		providervalidator.RequiredTogether(
			path.MatchRoot("tls_client_cert_file"),
			path.MatchRoot("tls_client_key_file"),
		),
	}
}

func (p *LdapRegistryProvider) Configure(ctx context.Context, req provider.ConfigureRequest, resp *provider.ConfigureResponse) {
	var data LdapRegistryProviderModel

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	// Configure logging subsystems and set up provider context
	ctx = p.configureLogging(ctx)

	tflog.Info(ctx, "Configuring LDAP registry provider", map[string]any{
		"version": p.version,
	})

	configs := p.buildRegistryConfigs(ctx, &data, &resp.Diagnostics)
	if resp.Diagnostics.HasError() {
		return
	}

	opts := []ldapclient.Option{ldapclient.WithCertificateMappers(ldapclient.DefaultCertificateMappers())}
	if p.dialer != nil {
		opts = append(opts, ldapclient.WithDialer(p.dialer))
	}

	var metrics *prometheus.Registry
	if p.getBoolValue(data.MetricsEnabled, "LDAPREGISTRY_METRICS_ENABLED", true) {
		metrics = prometheus.NewRegistry()
	}

	start := time.Now()
	registries := make([]*ldapclient.Registry, 0, len(configs))
	for _, cfg := range configs {
		registryOpts := opts
		if metrics != nil {
			reg := prometheus.WrapRegistererWith(prometheus.Labels{"registry": cfg.ID}, metrics)
			registryOpts = append(append([]ldapclient.Option{}, opts...), ldapclient.WithMetrics(ldapclient.NewMetrics(reg)))
		}

		registry, err := ldapclient.NewRegistry(ctx, cfg, registryOpts...)
		if err != nil {
			tflog.Error(ctx, "Failed to create LDAP registry", map[string]any{
				"registry":    cfg.ID,
				"error":       err.Error(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
			resp.Diagnostics.AddError(
				"Unable to Create LDAP Registry",
				"The provider could not create the registry \""+cfg.ID+"\". "+
					"Please verify your configuration settings.\n\n"+
					"Registry Error: "+err.Error(),
			)
			closeRegistries(registries)
			return
		}
		registries = append(registries, registry)
	}

	providerData, err := ldapclient.NewProviderData(ctx, configs[0].Realm, p.getBoolValue(data.QualifyNames, "LDAPREGISTRY_QUALIFY_NAMES", false), registries...)
	if err != nil {
		resp.Diagnostics.AddError(
			"Unable to Federate LDAP Registries",
			"The configured registries could not be combined into one realm.\n\n"+
				"Federation Error: "+err.Error(),
		)
		closeRegistries(registries)
		return
	}
	if metrics != nil {
		providerData.Gatherer = metrics
	}

	tflog.Debug(ctx, "LDAP registries created", map[string]any{
		"registries":  len(registries),
		"duration_ms": time.Since(start).Milliseconds(),
	})

	// Test connection
	start = time.Now()
	if err := providerData.ValidateConnection(ctx); err != nil {
		tflog.Error(ctx, "Connection test failed", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		resp.Diagnostics.AddError(
			"Unable to Connect to LDAP Directory",
			"The provider could not establish a connection to the directory. "+
				"Please verify your configuration settings.\n\n"+
				"Connection Error: "+err.Error(),
		)
		_ = providerData.Close()
		return
	}

	tflog.Info(ctx, "Connection established successfully", map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
	})

	// Configure may run more than once per process.
	if p.providerData != nil {
		_ = p.providerData.Close()
	}
	p.providerData = providerData

	tflog.Info(ctx, "LDAP registry provider configured successfully", map[string]any{
		"realm": providerData.Registry.GetRealm(),
	})

	resp.DataSourceData = providerData
	resp.EphemeralResourceData = providerData
}

// configureLogging sets up logging configuration based on environment variables.
func (p *LdapRegistryProvider) configureLogging(ctx context.Context) context.Context {
	ctx = ldapclient.NewLoggingContext(initializeLogging(ctx))

	// Add persistent fields for all logs
	ctx = tflog.SetField(ctx, "provider", "ldapregistry")
	ctx = tflog.SetField(ctx, "provider_version", p.version)

	tflog.Debug(ctx, "LDAP registry provider logging configured")

	return ctx
}

func closeRegistries(registries []*ldapclient.Registry) {
	for _, r := range registries {
		_ = r.Close()
	}
}

func (p *LdapRegistryProvider) Resources(ctx context.Context) []func() resource.Resource {
	return []func() resource.Resource{}
}

func (p *LdapRegistryProvider) EphemeralResources(ctx context.Context) []func() ephemeral.EphemeralResource {
	return []func() ephemeral.EphemeralResource{
		NewCredentialCheckEphemeralResource,
		NewCertificateCheckEphemeralResource,
	}
}

func (p *LdapRegistryProvider) DataSources(ctx context.Context) []func() datasource.DataSource {
	return []func() datasource.DataSource{
		NewGroupDataSource,
		NewGroupsDataSource,
		NewStatusDataSource,
		NewUserDataSource,
		NewUsersDataSource,
	}
}

func (p *LdapRegistryProvider) Functions(ctx context.Context) []func() function.Function {
	return []func() function.Function{
		NewBuildFilterFunction,
	}
}

func New(version string) func() provider.Provider {
	return func() provider.Provider {
		return &LdapRegistryProvider{
			version: version,
		}
	}
}
