package validators

import (
	"testing"

	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

func TestRegistryEnum(t *testing.T) {
	scopes := RegistryEnum(ldapclient.MembershipDirect, ldapclient.MembershipNested, ldapclient.MembershipAll)
	certModes := RegistryEnum(
		ldapclient.CertMapExactDN,
		ldapclient.CertMapCertificateFilter,
		ldapclient.CertMapCustom,
		ldapclient.CertMapNotSupported,
	)
	referrals := RegistryEnum(ldapclient.ReferralIgnore, ldapclient.ReferralFollow)

	tests := []struct {
		name       string
		validator  validator.String
		input      types.String
		wantErr    bool
		suggestion string
	}{
		{name: "exact", validator: scopes, input: types.StringValue("nested")},
		{name: "uppercase", validator: scopes, input: types.StringValue("ALL")},
		{name: "mixed case", validator: referrals, input: types.StringValue("FoLLow")},
		{name: "surrounding whitespace", validator: referrals, input: types.StringValue("  ignore  ")},
		{name: "underscored enum", validator: certModes, input: types.StringValue("Certificate_Filter")},
		{name: "unsupported", validator: referrals, input: types.StringValue("chase"), wantErr: true},
		{name: "prefix only", validator: scopes, input: types.StringValue("nest"), wantErr: true},
		{name: "empty", validator: scopes, input: types.StringValue(""), wantErr: true},
		{
			name:       "hyphenated spelling",
			validator:  certModes,
			input:      types.StringValue("not-supported"),
			wantErr:    true,
			suggestion: `Did you mean "not_supported"?`,
		},
		{
			name:       "spaced spelling",
			validator:  certModes,
			input:      types.StringValue("Exact DN"),
			wantErr:    true,
			suggestion: `Did you mean "exact_dn"?`,
		},
		{name: "null", validator: scopes, input: types.StringNull()},
		{name: "unknown", validator: scopes, input: types.StringUnknown()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &validator.StringResponse{}
			tt.validator.ValidateString(t.Context(), validator.StringRequest{
				Path:        path.Root("membership_scope"),
				ConfigValue: tt.input,
			}, resp)

			if !tt.wantErr {
				assert.False(t, resp.Diagnostics.HasError(), "diagnostics: %v", resp.Diagnostics)
				return
			}
			require.True(t, resp.Diagnostics.HasError())
			diag := resp.Diagnostics.Errors()[0]
			assert.Equal(t, "Invalid Value", diag.Summary())
			if tt.suggestion != "" {
				assert.Contains(t, diag.Detail(), tt.suggestion)
			} else {
				assert.NotContains(t, diag.Detail(), "Did you mean")
			}
		})
	}
}

func TestRegistryEnumDescription(t *testing.T) {
	v := RegistryEnum(ldapclient.AuthMethodSimple, ldapclient.AuthMethodKerberos)

	assert.Equal(t, `one of "simple", "kerberos", in any case`, v.Description(t.Context()))
	assert.Equal(t, "one of `simple`, `kerberos`, in any case", v.MarkdownDescription(t.Context()))
}
