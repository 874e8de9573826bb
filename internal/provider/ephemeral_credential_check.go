package provider

import (
	"context"
	"errors"

	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/ephemeral"
	"github.com/hashicorp/terraform-plugin-framework/ephemeral/schema"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
	"github.com/isometry/terraform-provider-ldapregistry/internal/provider/helpers"
)

var (
	_ ephemeral.EphemeralResource              = &CredentialCheckEphemeralResource{}
	_ ephemeral.EphemeralResourceWithConfigure = &CredentialCheckEphemeralResource{}
)

func NewCredentialCheckEphemeralResource() ephemeral.EphemeralResource {
	return &CredentialCheckEphemeralResource{}
}

// CredentialCheckEphemeralResource verifies a principal and password against the
// registry without storing either in state.
type CredentialCheckEphemeralResource struct {
	registry ldapclient.UserRegistry
}

type CredentialCheckEphemeralResourceModel struct {
	Principal    types.String `tfsdk:"principal"`
	Password     types.String `tfsdk:"password"`
	Valid        types.Bool   `tfsdk:"valid"`
	SecurityName types.String `tfsdk:"security_name"`
	UniqueID     types.String `tfsdk:"unique_id"`
	Realm        types.String `tfsdk:"realm"`
	RegistryID   types.String `tfsdk:"registry_id"`
}

func (r *CredentialCheckEphemeralResource) Metadata(ctx context.Context, req ephemeral.MetadataRequest, resp *ephemeral.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_credential_check"
}

func (r *CredentialCheckEphemeralResource) Schema(ctx context.Context, req ephemeral.SchemaRequest, resp *ephemeral.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Checks a password against the LDAP registry. Rejected credentials are reported through " +
			"`valid` rather than as an error; only directory failures fail the run.",

		Attributes: map[string]schema.Attribute{
			"principal": schema.StringAttribute{
				MarkdownDescription: "The login name. Matched with the login properties, or the user filter when none are configured.",
				Required:            true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"password": schema.StringAttribute{
				MarkdownDescription: "The password to check. An empty password is always rejected.",
				Required:            true,
				Sensitive:           true,
			},
			"valid": schema.BoolAttribute{
				MarkdownDescription: "Whether the directory accepted the credentials.",
				Computed:            true,
			},
			"security_name": schema.StringAttribute{
				MarkdownDescription: "The security name of the authenticated user. Null when `valid` is `false`.",
				Computed:            true,
			},
			"unique_id": schema.StringAttribute{
				MarkdownDescription: "The unique ID of the authenticated user. Null when `valid` is `false`.",
				Computed:            true,
			},
			"realm": schema.StringAttribute{
				MarkdownDescription: "The realm of the registry that authenticated the user.",
				Computed:            true,
			},
			"registry_id": schema.StringAttribute{
				MarkdownDescription: "The ID of the registry that authenticated the user.",
				Computed:            true,
			},
		},
	}
}

func (r *CredentialCheckEphemeralResource) Configure(ctx context.Context, req ephemeral.ConfigureRequest, resp *ephemeral.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}

	if providerData := providerDataFrom(req.ProviderData, "Ephemeral Resource", &resp.Diagnostics); providerData != nil {
		r.registry = providerData.Registry
	}
}

func (r *CredentialCheckEphemeralResource) Open(ctx context.Context, req ephemeral.OpenRequest, resp *ephemeral.OpenResponse) {
	var data CredentialCheckEphemeralResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	principal := data.Principal.ValueString()
	logCompletion := ldapclient.LogDataSourceOperation(ctx, "ldapregistry_credential_check", "open", map[string]any{
		"principal": principal,
	})
	defer func() { logCompletion(firstError(resp.Diagnostics)) }()

	if r.registry == nil {
		resp.Diagnostics.AddError("Provider Not Configured", "The LDAP registry has not been configured.")
		return
	}

	identity, err := r.registry.CheckPassword(ctx, principal, data.Password.ValueString())
	switch {
	case errors.Is(err, ldapclient.ErrAuthenticationFailed):
		resp.Diagnostics.AddError(
			"Authentication Failed",
			"The registry could not decide whether the credentials are valid.\n\n"+
				"Error: "+err.Error(),
		)
		return
	case err != nil:
		resp.Diagnostics.AddError(
			"Error Checking Credentials",
			"The LDAP registry could not be queried.\n\n"+
				"Error: "+err.Error(),
		)
		return
	}

	data.Valid = types.BoolValue(identity != nil)
	if identity != nil {
		data.SecurityName = types.StringValue(identity.SecurityName)
		data.UniqueID = helpers.StringOrNull(identity.UniqueID)
		data.Realm = types.StringValue(identity.Realm)
		data.RegistryID = helpers.StringOrNull(identity.RegistryID)
	} else {
		data.SecurityName = types.StringNull()
		data.UniqueID = types.StringNull()
		data.Realm = types.StringValue(r.registry.GetRealm())
		data.RegistryID = types.StringNull()
	}

	tflog.Debug(ctx, "Checked credentials", map[string]any{
		"principal": principal,
		"valid":     identity != nil,
	})

	resp.Diagnostics.Append(resp.Result.Set(ctx, &data)...)
}
