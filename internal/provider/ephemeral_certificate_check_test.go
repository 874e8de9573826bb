package provider

import (
	"crypto/x509"
	"errors"
	"testing"

	"github.com/hashicorp/terraform-plugin-go/tftypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

func certificateValues(certPEM string) map[string]tftypes.Value {
	return map[string]tftypes.Value{
		"certificate": tftypes.NewValue(tftypes.String, certPEM),
	}
}

var testSubject = mock.MatchedBy(func(cert *x509.Certificate) bool {
	return cert.Subject.CommonName == "ldapregistry test"
})

func TestCertificateCheckOpen(t *testing.T) {
	_, _, certPEM := writeTestCertificate(t)

	registry := &mockRegistry{}
	registry.On("MapCertificate", testSubject).Return("uid=alice,dc=example,dc=com", nil)
	registry.On("GetRealm").Return("corp")

	resp := openEphemeral(t, NewCertificateCheckEphemeralResource(), registry, certificateValues(string(certPEM)))
	require.False(t, resp.Diagnostics.HasError(), "diagnostics: %v", resp.Diagnostics)
	registry.AssertExpectations(t)

	var data CertificateCheckEphemeralResourceModel
	require.False(t, resp.Result.Get(t.Context(), &data).HasError())
	assert.Equal(t, "uid=alice,dc=example,dc=com", data.SecurityName.ValueString())
	assert.Equal(t, "corp", data.Realm.ValueString())
}

func TestCertificateCheckOpenErrors(t *testing.T) {
	_, _, certPEM := writeTestCertificate(t)

	testCases := []struct {
		name    string
		err     error
		summary string
	}{
		{
			name:    "no mapping",
			err:     ldapclient.ErrAuthenticationFailed,
			summary: "Authentication Failed",
		},
		{
			name: "mapper not registered",
			err: &ldapclient.RegistryError{
				Kind:  ldapclient.KindAuthenticationFailed,
				Cause: ldapclient.ErrCertificateMapperNotFound,
			},
			summary: "Authentication Failed",
		},
		{
			name:    "directory unavailable",
			err:     &ldapclient.RegistryError{Kind: ldapclient.KindDirectoryUnavailable},
			summary: "Error Mapping Certificate",
		},
		{
			name:    "unclassified",
			err:     errors.New("boom"),
			summary: "Error Mapping Certificate",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			registry := &mockRegistry{}
			registry.On("MapCertificate", testSubject).Return("", tc.err)

			resp := openEphemeral(t, NewCertificateCheckEphemeralResource(), registry, certificateValues(string(certPEM)))

			require.True(t, resp.Diagnostics.HasError())
			assert.Equal(t, tc.summary, resp.Diagnostics.Errors()[0].Summary())
			registry.AssertNotCalled(t, "GetRealm")
		})
	}
}

func TestCertificateCheckInvalidPEM(t *testing.T) {
	testCases := []struct {
		name  string
		value string
	}{
		{name: "not pem", value: "not a certificate"},
		{name: "wrong block type", value: "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n"},
		{name: "corrupt der", value: "-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			registry := &mockRegistry{}

			resp := openEphemeral(t, NewCertificateCheckEphemeralResource(), registry, certificateValues(tc.value))

			require.True(t, resp.Diagnostics.HasError())
			assert.Equal(t, "Invalid Certificate", resp.Diagnostics.Errors()[0].Summary())
			registry.AssertNotCalled(t, "MapCertificate", mock.Anything)
		})
	}
}
