package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/diag"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

// providerDataFrom extracts the registry handed over by the provider's Configure.
// kind names the receiving component in the error ("Data Source", "Ephemeral Resource").
func providerDataFrom(data any, kind string, diags *diag.Diagnostics) *ldapclient.ProviderData {
	providerData, ok := data.(*ldapclient.ProviderData)
	if !ok || providerData == nil {
		diags.AddError(
			"Unexpected "+kind+" Configure Type",
			fmt.Sprintf("Expected *ldapclient.ProviderData, got: %T. Please report this issue to the provider developers.", data),
		)
		return nil
	}
	return providerData
}

// addLookupError reports a failed registry lookup, distinguishing missing and
// ambiguous entries from directory failures.
func addLookupError(diags *diag.Diagnostics, entity, name string, err error) {
	noun := strings.ToLower(entity)

	switch {
	case errors.Is(err, ldapclient.ErrEntryNotFound):
		diags.AddError(
			entity+" Not Found",
			fmt.Sprintf("No %s named %q was found in the LDAP registry.", noun, name),
		)
	case errors.Is(err, ldapclient.ErrInvalidIdentifier):
		diags.AddError(
			"Invalid "+entity+" Name",
			fmt.Sprintf("The name %q cannot identify a %s: %s", name, noun, err.Error()),
		)
	case errors.Is(err, ldapclient.ErrDuplicateIdentity):
		diags.AddError(
			"Ambiguous "+entity+" Name",
			fmt.Sprintf("The name %q matches more than one %s: %s", name, noun, err.Error()),
		)
	default:
		diags.AddError(
			"Error Reading "+entity,
			fmt.Sprintf("Could not read %s %q from the LDAP registry: %s", noun, name, err.Error()),
		)
	}
}
