package provider

import (
	"context"

	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
	customtypes "github.com/isometry/terraform-provider-ldapregistry/internal/provider/types"
)

var _ datasource.DataSource = &UserDataSource{}

func NewUserDataSource() datasource.DataSource {
	return &UserDataSource{}
}

// UserDataSource resolves a single user of the registry.
type UserDataSource struct {
	registry ldapclient.UserRegistry
}

// UserDataSourceModel describes the data source data model.
type UserDataSourceModel struct {
	Name          types.String                     `tfsdk:"name"`           // user name, principal name or DN
	IncludeGroups types.Bool                       `tfsdk:"include_groups"` // resolve group membership
	ID            types.String                     `tfsdk:"id"`             // unique user ID
	SecurityName  customtypes.SecurityNameValue    `tfsdk:"security_name"`
	DisplayName   types.String                     `tfsdk:"display_name"`
	UniqueID      types.String                     `tfsdk:"unique_id"`
	Groups        customtypes.SecurityNameSetValue `tfsdk:"groups"`
}

func (d *UserDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_user"
}

func (d *UserDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Resolves a user of the LDAP registry. The name may be a user name matched with the user filter, " +
			"or the Distinguished Name of an entry below one of the user search bases.",

		Attributes: map[string]schema.Attribute{
			"name": schema.StringAttribute{
				MarkdownDescription: "The user to look up. Example: `alice` or `uid=alice,ou=people,dc=example,dc=com`.",
				Required:            true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"include_groups": schema.BoolAttribute{
				MarkdownDescription: "Whether to resolve the groups of the user according to the membership scope. Defaults to `true`.",
				Optional:            true,
			},
			"id": schema.StringAttribute{
				MarkdownDescription: "The unique user ID, as configured by `unique_user_id_property`.",
				Computed:            true,
			},
			"security_name": schema.StringAttribute{
				MarkdownDescription: "The security name of the user. Qualified with `@realm` when the provider federates several registries with `qualify_names` set.",
				CustomType:          customtypes.SecurityNameType{},
				Computed:            true,
			},
			"display_name": schema.StringAttribute{
				MarkdownDescription: "The display name of the user.",
				Computed:            true,
			},
			"unique_id": schema.StringAttribute{
				MarkdownDescription: "The unique user ID.",
				Computed:            true,
			},
			"groups": schema.SetAttribute{
				MarkdownDescription: "Security names of the groups containing the user. Empty when `include_groups` is `false`.",
				CustomType:          customtypes.NewSecurityNameSetType(),
				ElementType:         types.StringType,
				Computed:            true,
			},
		},
	}
}

func (d *UserDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}

	providerData := providerDataFrom(req.ProviderData, "Data Source", &resp.Diagnostics)
	if providerData == nil {
		return
	}
	d.registry = providerData.Registry
}

func (d *UserDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data UserDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	name := data.Name.ValueString()
	logCompletion := ldapclient.LogDataSourceOperation(ctx, "ldapregistry_user", "read", map[string]any{"name": name})
	defer func() { logCompletion(firstError(resp.Diagnostics)) }()

	if d.registry == nil {
		resp.Diagnostics.AddError("Provider Not Configured", "The LDAP registry has not been configured.")
		return
	}

	securityName, err := d.registry.GetUserSecurityName(ctx, name)
	if err != nil {
		addLookupError(&resp.Diagnostics, "User", name, err)
		return
	}

	displayName, err := d.registry.GetUserDisplayName(ctx, name)
	if err != nil {
		addLookupError(&resp.Diagnostics, "User", name, err)
		return
	}

	uniqueID, err := d.registry.GetUniqueUserID(ctx, name)
	if err != nil {
		addLookupError(&resp.Diagnostics, "User", name, err)
		return
	}

	groups := []string{}
	if data.IncludeGroups.IsNull() || data.IncludeGroups.ValueBool() {
		groups, err = d.registry.GetGroupsForUser(ctx, name)
		if err != nil {
			addLookupError(&resp.Diagnostics, "User", name, err)
			return
		}
	}

	tflog.Debug(ctx, "Resolved registry user", map[string]any{
		"name":          name,
		"security_name": securityName,
		"group_count":   len(groups),
	})

	data.ID = types.StringValue(uniqueID)
	data.SecurityName = customtypes.SecurityName(securityName)
	data.DisplayName = types.StringValue(displayName)
	data.UniqueID = types.StringValue(uniqueID)

	groupSet, diags := customtypes.SecurityNameSet(ctx, groups)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}
	data.Groups = groupSet

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}
