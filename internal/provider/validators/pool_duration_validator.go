package validators

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/schema/validator"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

var _ validator.String = poolDurationValidator{}

type poolDurationValidator struct{}

func (v poolDurationValidator) Description(_ context.Context) string {
	return "value must be a duration such as 30s or 5m, or a number of milliseconds"
}

func (v poolDurationValidator) MarkdownDescription(_ context.Context) string {
	return "value must be a duration such as `30s` or `5m`, or a number of milliseconds"
}

func (v poolDurationValidator) ValidateString(ctx context.Context, request validator.StringRequest, response *validator.StringResponse) {
	if request.ConfigValue.IsNull() || request.ConfigValue.IsUnknown() {
		return
	}

	value := request.ConfigValue.ValueString()
	d, err := ldapclient.ParsePoolTimeout(value)
	switch {
	case err != nil:
		response.Diagnostics.AddAttributeError(
			request.Path,
			"Invalid Duration",
			fmt.Sprintf("The value %q is not a valid duration: %s", value, err.Error()),
		)
	case ldapclient.IsMalformedPoolTimeout(value):
		response.Diagnostics.AddAttributeWarning(
			request.Path,
			"Malformed Duration",
			fmt.Sprintf("The value %q has an unrecognised unit and is read as %s.", value, d),
		)
	}
}

// PoolDuration returns a validator for pool and search durations. Values
// without a unit are milliseconds; values with a unit are rounded up to whole
// seconds. A value with an unrecognised unit keeps its number as milliseconds
// and draws a warning.
func PoolDuration() validator.String {
	return poolDurationValidator{}
}
