package ldap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

// newBindFunc returns the bind used for pooled and referral connections. An empty
// bind DN with simple authentication leaves the connection anonymous.
func newBindFunc(cfg *RegistryConfig) BindFunc {
	if cfg.BindAuthMethod == AuthMethodKerberos {
		krb := cfg.Kerberos
		return func(_ context.Context, conn Conn, server *ServerInfo) error {
			return kerberosBind(conn, krb, cfg.BindDN, cfg.BindPassword, server)
		}
	}

	bindDN, password := cfg.BindDN, cfg.BindPassword
	return func(_ context.Context, conn Conn, _ *ServerInfo) error {
		if bindDN == "" {
			return nil
		}
		return conn.Bind(bindDN, password)
	}
}

// kerberosBind performs a SASL GSSAPI bind as principal.
func kerberosBind(conn Conn, krb KerberosConfig, principal, password string, server *ServerInfo) error {
	gc, ok := conn.(gssapiConn)
	if !ok {
		return errors.New("connection does not support GSSAPI bind")
	}

	username, realm := splitPrincipal(principal, krb.Realm)
	if realm == "" {
		return fmt.Errorf("kerberos realm is required (set the kerberos realm or bind as user@REALM)")
	}

	client, err := newGSSAPIClient(krb, username, realm, password)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	if err := gc.GSSAPIBind(client, servicePrincipal(krb, server), ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}
	return nil
}

func splitPrincipal(principal, realm string) (string, string) {
	if user, r, ok := strings.Cut(principal, "@"); ok && realm == "" {
		return user, r
	}
	return principal, realm
}

// newGSSAPIClient picks credentials in order: configured credential cache,
// default credential cache, configured keytab, password.
func newGSSAPIClient(krb KerberosConfig, username, realm, password string) (ldap.GSSAPIClient, error) {
	conf := krb.Config
	if conf == "" {
		conf = "/etc/krb5.conf"
	}
	if !fileExists(conf) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", conf)
	}

	switch {
	case krb.CCache != "" && fileExists(krb.CCache):
		return gssapi.NewClientFromCCache(krb.CCache, conf, krb5client.DisablePAFXFAST(true))
	case krb.CCache == "" && krb.Keytab == "" && password == "" && fileExists(defaultCCachePath()):
		return gssapi.NewClientFromCCache(defaultCCachePath(), conf, krb5client.DisablePAFXFAST(true))
	case krb.Keytab != "" && fileExists(krb.Keytab):
		return gssapi.NewClientWithKeytab(username, realm, krb.Keytab, conf, krb5client.DisablePAFXFAST(true))
	case username != "" && password != "":
		return gssapi.NewClientWithPassword(username, realm, password, conf, krb5client.DisablePAFXFAST(true))
	}
	return nil, errors.New("no suitable credentials found for Kerberos authentication")
}

// servicePrincipal returns the configured SPN or ldap/<host>.
func servicePrincipal(krb KerberosConfig, server *ServerInfo) string {
	if krb.SPN != "" {
		return krb.SPN
	}
	return "ldap/" + server.Host
}

func defaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
