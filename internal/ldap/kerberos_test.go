package ldap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKrb5Conf = `[libdefaults]
  default_realm = EXAMPLE.COM

[realms]
  EXAMPLE.COM = {
    kdc = kdc.example.com:88
  }
`

// gssapiFakeConn records GSSAPI binds instead of talking to a KDC.
type gssapiFakeConn struct {
	*fakeConn
	spn    string
	client ldap.GSSAPIClient
}

func (c *gssapiFakeConn) GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, _ string) error {
	c.client = client
	c.spn = servicePrincipal
	return nil
}

func writeKrb5Conf(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "krb5.conf")
	require.NoError(t, os.WriteFile(path, []byte(testKrb5Conf), 0o600))
	return path
}

func TestNewBindFuncSimple(t *testing.T) {
	tests := []struct {
		name      string
		bindDN    string
		password  string
		wantBinds int64
		wantErr   bool
	}{
		{name: "anonymous", wantBinds: 0},
		{name: "service account", bindDN: aliceDN, password: "alice-pw", wantBinds: 1},
		{name: "wrong password", bindDN: aliceDN, password: "nope", wantBinds: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := seedDirectory()
			conn, err := dir.Dial(t.Context(), testServer)
			require.NoError(t, err)
			defer conn.Close()

			bind := newBindFunc(testConfig(func(c *RegistryConfig) {
				c.BindDN = tt.bindDN
				c.BindPassword = tt.password
			}))

			err = bind(t.Context(), conn, testServer)
			if tt.wantErr {
				assert.True(t, IsInvalidCredentials(err))
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantBinds, dir.binds.Load())
		})
	}
}

func TestKerberosBind(t *testing.T) {
	t.Setenv("KRB5CCNAME", filepath.Join(t.TempDir(), "missing-ccache"))
	conf := writeKrb5Conf(t)

	tests := []struct {
		name      string
		krb       KerberosConfig
		principal string
		password  string
		wantSPN   string
		wantErr   string
	}{
		{
			name:      "password with configured realm",
			krb:       KerberosConfig{Realm: "EXAMPLE.COM", Config: conf},
			principal: "svc-registry",
			password:  "secret",
			wantSPN:   "ldap/ldap.example.com",
		},
		{
			name:      "realm from principal",
			krb:       KerberosConfig{Config: conf},
			principal: "svc-registry@EXAMPLE.COM",
			password:  "secret",
			wantSPN:   "ldap/ldap.example.com",
		},
		{
			name:      "explicit service principal",
			krb:       KerberosConfig{Realm: "EXAMPLE.COM", Config: conf, SPN: "ldap/dc1.example.com@EXAMPLE.COM"},
			principal: "svc-registry",
			password:  "secret",
			wantSPN:   "ldap/dc1.example.com@EXAMPLE.COM",
		},
		{
			name:      "missing realm",
			krb:       KerberosConfig{Config: conf},
			principal: "svc-registry",
			password:  "secret",
			wantErr:   "kerberos realm is required",
		},
		{
			name:      "missing configuration file",
			krb:       KerberosConfig{Realm: "EXAMPLE.COM", Config: filepath.Join(t.TempDir(), "absent.conf")},
			principal: "svc-registry",
			password:  "secret",
			wantErr:   "kerberos configuration file not found",
		},
		{
			name:      "no credentials",
			krb:       KerberosConfig{Realm: "EXAMPLE.COM", Config: conf},
			principal: "svc-registry",
			wantErr:   "no suitable credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &gssapiFakeConn{fakeConn: &fakeConn{dir: seedDirectory(), server: testServer}}

			err := kerberosBind(conn, tt.krb, tt.principal, tt.password, testServer)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, conn.client)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSPN, conn.spn)
			assert.NotNil(t, conn.client)
		})
	}
}

func TestKerberosBindInvalidKeytab(t *testing.T) {
	conf := writeKrb5Conf(t)
	keytab := filepath.Join(t.TempDir(), "registry.keytab")
	require.NoError(t, os.WriteFile(keytab, []byte("not a keytab"), 0o600))

	conn := &gssapiFakeConn{fakeConn: &fakeConn{dir: seedDirectory(), server: testServer}}
	err := kerberosBind(conn, KerberosConfig{Realm: "EXAMPLE.COM", Config: conf, Keytab: keytab}, "svc-registry", "", testServer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create GSSAPI client")
}

func TestKerberosBindRequiresGSSAPIConn(t *testing.T) {
	bind := newBindFunc(testConfig(func(c *RegistryConfig) {
		c.BindAuthMethod = AuthMethodKerberos
		c.BindDN = "svc-registry@EXAMPLE.COM"
	}))

	conn, err := seedDirectory().Dial(t.Context(), testServer)
	require.NoError(t, err)
	defer conn.Close()

	err = bind(t.Context(), conn, testServer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not support GSSAPI bind")
}

func TestSplitPrincipal(t *testing.T) {
	tests := []struct {
		principal string
		realm     string
		wantUser  string
		wantRealm string
	}{
		{principal: "svc", realm: "EXAMPLE.COM", wantUser: "svc", wantRealm: "EXAMPLE.COM"},
		{principal: "svc@CORP.COM", realm: "", wantUser: "svc", wantRealm: "CORP.COM"},
		{principal: "svc@CORP.COM", realm: "EXAMPLE.COM", wantUser: "svc@CORP.COM", wantRealm: "EXAMPLE.COM"},
		{principal: "svc", realm: "", wantUser: "svc", wantRealm: ""},
	}

	for _, tt := range tests {
		t.Run(tt.principal+"/"+tt.realm, func(t *testing.T) {
			user, realm := splitPrincipal(tt.principal, tt.realm)
			assert.Equal(t, tt.wantUser, user)
			assert.Equal(t, tt.wantRealm, realm)
		})
	}
}

func TestDefaultCCachePath(t *testing.T) {
	t.Setenv("KRB5CCNAME", "FILE:/tmp/krb5cc_custom")
	assert.Equal(t, "/tmp/krb5cc_custom", defaultCCachePath())

	t.Setenv("KRB5CCNAME", "")
	assert.Contains(t, defaultCCachePath(), "/tmp/krb5cc_")
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "krb5.conf")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	assert.True(t, fileExists(file))
	assert.False(t, fileExists(dir), "directories are not files")
	assert.False(t, fileExists(filepath.Join(dir, "missing")))
}
