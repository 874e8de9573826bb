package ldap

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandCertificateFilter(t *testing.T) {
	cert := &x509.Certificate{
		SerialNumber: big.NewInt(1234),
		Subject: pkix.Name{
			CommonName:         "Alice (Ops)",
			Organization:       []string{"Example"},
			OrganizationalUnit: []string{"People"},
			Country:            []string{"GB"},
		},
		Issuer:         pkix.Name{CommonName: "Example CA", Organization: []string{"Example"}},
		EmailAddresses: []string{"alice@example.com"},
	}

	tests := []struct {
		name     string
		template string
		want     string
		wantErr  string
	}{
		{name: "common name is escaped", template: "(cn=${SubjectCN})", want: `(cn=Alice \28Ops\29)`},
		{name: "serial number", template: "(serialNumber=${SerialNumber})", want: "(serialNumber=1234)"},
		{
			name:     "several placeholders",
			template: "(&(mail=${SubjectEmail})(o=${SubjectO})(ou=${SubjectOU})(c=${SubjectC}))",
			want:     "(&(mail=alice@example.com)(o=Example)(ou=People)(c=GB))",
		},
		{name: "issuer", template: "(issuer=${IssuerDN})", want: "(issuer=CN=Example CA,O=Example)"},
		{name: "issuer common name", template: "(issuerCN=${IssuerCN})", want: "(issuerCN=Example CA)"},
		{name: "subject DN", template: "(seeAlso=${SubjectDN})", want: `(seeAlso=CN=Alice \28Ops\29,OU=People,O=Example,C=GB)`},
		{name: "unknown placeholder", template: "(uid=${Nickname})", wantErr: "unknown certificate filter placeholders: Nickname"},
		{name: "invalid filter", template: "(uid=${SubjectCN}", wantErr: "not a valid LDAP filter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandCertificateFilter(tt.template, cert)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCertificateFieldMissingValues(t *testing.T) {
	cert := &x509.Certificate{SerialNumber: big.NewInt(1)}

	for _, name := range []string{"SubjectO", "SubjectOU", "SubjectC", "SubjectEmail"} {
		value, ok := certificateField(cert, name)
		assert.True(t, ok, name)
		assert.Empty(t, value, name)
	}

	_, ok := certificateField(cert, "Thumbprint")
	assert.False(t, ok)
}

func TestCertificateMapperRegistry(t *testing.T) {
	var nilRegistry *CertificateMapperRegistry
	_, ok := nilRegistry.Lookup("any")
	assert.False(t, ok)

	r := NewCertificateMapperRegistry()
	_, ok = r.Lookup("by-email")
	assert.False(t, ok)

	r.RegisterCertificateMapper("by-email", CertificateMapperFunc(func(context.Context, *x509.Certificate) (string, error) {
		return "first", nil
	}))
	r.RegisterCertificateMapper("by-email", CertificateMapperFunc(func(context.Context, *x509.Certificate) (string, error) {
		return "second", nil
	}))

	mapper, ok := r.Lookup("by-email")
	require.True(t, ok)
	got, err := mapper.MapCertificate(t.Context(), &x509.Certificate{})
	require.NoError(t, err)
	assert.Equal(t, "second", got, "registering again replaces the mapper")
}
