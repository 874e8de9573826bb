package provider

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

const subsystemProvider = "provider"

// initializeLogging initializes the provider subsystem for consistent logging.
// Call it at the start of every data source Read, ephemeral Open and function Run.
// The level follows TF_LOG_PROVIDER_LDAPREGISTRY_PROVIDER.
func initializeLogging(ctx context.Context) context.Context {
	return tflog.NewSubsystem(ctx, subsystemProvider,
		tflog.WithLevelFromEnv("TF_LOG_PROVIDER_LDAPREGISTRY_PROVIDER"))
}

// firstError turns the first error diagnostic into an error for completion logging.
func firstError(diags diag.Diagnostics) error {
	for _, d := range diags.Errors() {
		return fmt.Errorf("%s: %s", d.Summary(), d.Detail())
	}
	return nil
}
