package validators

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

var (
	_ validator.String = dnValidator{}
	_ validator.List   = dnListValidator{}
)

// dnValidator validates that a string is a Distinguished Name, such as a base DN
// or a search base.
type dnValidator struct{}

func (v dnValidator) Description(_ context.Context) string {
	return "value must be a valid Distinguished Name (DN)"
}

func (v dnValidator) MarkdownDescription(ctx context.Context) string {
	return v.Description(ctx)
}

func (v dnValidator) ValidateString(ctx context.Context, request validator.StringRequest, response *validator.StringResponse) {
	if request.ConfigValue.IsNull() || request.ConfigValue.IsUnknown() {
		return
	}

	value := request.ConfigValue.ValueString()
	if err := ldapclient.ValidateDNSyntax(value); err != nil {
		response.Diagnostics.AddAttributeError(
			request.Path,
			"Invalid Distinguished Name",
			fmt.Sprintf("The value %q is not a valid Distinguished Name format: %s", value, err.Error()),
		)
	}
}

// IsValidDN returns a validator which ensures that any configured
// attribute value is a valid Distinguished Name (DN).
//
// Unknown values and null values are skipped from validation.
func IsValidDN() validator.String {
	return dnValidator{}
}

// dnListValidator applies dnValidator to every element of a list of strings.
type dnListValidator struct{}

func (v dnListValidator) Description(_ context.Context) string {
	return "each element must be a valid Distinguished Name (DN)"
}

func (v dnListValidator) MarkdownDescription(ctx context.Context) string {
	return v.Description(ctx)
}

func (v dnListValidator) ValidateList(ctx context.Context, request validator.ListRequest, response *validator.ListResponse) {
	if request.ConfigValue.IsNull() || request.ConfigValue.IsUnknown() {
		return
	}

	for i, element := range request.ConfigValue.Elements() {
		value, ok := element.(types.String)
		if !ok || value.IsNull() || value.IsUnknown() {
			continue
		}
		if err := ldapclient.ValidateDNSyntax(value.ValueString()); err != nil {
			response.Diagnostics.AddAttributeError(
				request.Path.AtListIndex(i),
				"Invalid Distinguished Name",
				fmt.Sprintf("The value %q is not a valid Distinguished Name format: %s", value.ValueString(), err.Error()),
			)
		}
	}
}

// AllValidDNs returns a list validator which ensures that every element is a
// valid Distinguished Name. Null and unknown elements are skipped.
func AllValidDNs() validator.List {
	return dnListValidator{}
}
