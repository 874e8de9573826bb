package validators

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/schema/validator"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

var _ validator.String = filterTemplateValidator{}

// filterTemplateValidator validates a search filter template: it must contain the
// %v substitution token and compile as an LDAP filter once substituted.
type filterTemplateValidator struct {
	kind string
}

func (v filterTemplateValidator) Description(_ context.Context) string {
	return fmt.Sprintf("value must be an LDAP filter containing the %s substitution token", ldapclient.SubstitutionToken)
}

func (v filterTemplateValidator) MarkdownDescription(_ context.Context) string {
	return fmt.Sprintf("value must be an LDAP filter containing the `%s` substitution token", ldapclient.SubstitutionToken)
}

func (v filterTemplateValidator) ValidateString(ctx context.Context, request validator.StringRequest, response *validator.StringResponse) {
	if request.ConfigValue.IsNull() || request.ConfigValue.IsUnknown() {
		return
	}

	if _, err := ldapclient.ParseFilterTemplate(v.kind, request.ConfigValue.ValueString()); err != nil {
		response.Diagnostics.AddAttributeError(
			request.Path,
			"Invalid Filter Template",
			err.Error(),
		)
	}
}

// FilterTemplate returns a validator for user and group filter templates. kind
// names the template in error messages.
func FilterTemplate(kind string) validator.String {
	return filterTemplateValidator{kind: kind}
}
