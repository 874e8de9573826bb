package provider

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
	"github.com/isometry/terraform-provider-ldapregistry/internal/provider/helpers"
)

const defaultSearchLimit = 100

var _ datasource.DataSource = &UsersDataSource{}

func NewUsersDataSource() datasource.DataSource {
	return &UsersDataSource{}
}

// UsersDataSource searches the registry for users matching a pattern.
type UsersDataSource struct {
	registry ldapclient.UserRegistry
}

// UsersDataSourceModel describes the data source data model.
type UsersDataSourceModel struct {
	Pattern   types.String `tfsdk:"pattern"`
	Limit     types.Int64  `tfsdk:"limit"`
	ID        types.String `tfsdk:"id"`
	Users     types.List   `tfsdk:"users"`      // security names, directory order
	UserCount types.Int64  `tfsdk:"user_count"` // matches before limit applied
	Truncated types.Bool   `tfsdk:"truncated"`
}

func (d *UsersDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_users"
}

func (d *UsersDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Searches the LDAP registry for users whose name matches a pattern. " +
			"The pattern is substituted into the user filter; `*` matches any characters.",

		Attributes: map[string]schema.Attribute{
			"pattern": schema.StringAttribute{
				MarkdownDescription: "The search pattern. Example: `a*` or `*`.",
				Required:            true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"limit": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of users to return. Defaults to `100`; `0` returns no users.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"id": schema.StringAttribute{
				MarkdownDescription: "A computed identifier for this search.",
				Computed:            true,
			},
			"users": schema.ListAttribute{
				MarkdownDescription: "Security names of the matching users, in directory order.",
				ElementType:         types.StringType,
				Computed:            true,
			},
			"user_count": schema.Int64Attribute{
				MarkdownDescription: "Number of matching users before `limit` was applied.",
				Computed:            true,
			},
			"truncated": schema.BoolAttribute{
				MarkdownDescription: "Whether more users match than `limit`.",
				Computed:            true,
			},
		},
	}
}

func (d *UsersDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}

	if providerData := providerDataFrom(req.ProviderData, "Data Source", &resp.Diagnostics); providerData != nil {
		d.registry = providerData.Registry
	}
}

func (d *UsersDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data UsersDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	pattern := data.Pattern.ValueString()
	limit := searchLimit(data.Limit)

	logCompletion := ldapclient.LogDataSourceOperation(ctx, "ldapregistry_users", "read", map[string]any{
		"pattern": pattern,
		"limit":   limit,
	})
	defer func() { logCompletion(firstError(resp.Diagnostics)) }()

	if d.registry == nil {
		resp.Diagnostics.AddError("Provider Not Configured", "The LDAP registry has not been configured.")
		return
	}

	result, err := d.registry.GetUsers(ctx, pattern, limit)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Searching Users",
			fmt.Sprintf("Could not search the LDAP registry for users matching %q: %s", pattern, err.Error()),
		)
		return
	}

	tflog.Debug(ctx, "Found registry users", map[string]any{
		"returned":  len(result.Entries),
		"total":     result.Total,
		"truncated": result.Truncated,
	})

	users, diags := helpers.StringList(result.Entries)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	data.Users = users
	data.UserCount = types.Int64Value(int64(result.Total))
	data.Truncated = types.BoolValue(result.Truncated)
	data.ID = types.StringValue(searchID("users", pattern, limit))

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// searchLimit resolves the optional limit attribute of the search data sources.
func searchLimit(limit types.Int64) int {
	if limit.IsNull() || limit.IsUnknown() {
		return defaultSearchLimit
	}
	return int(limit.ValueInt64())
}

func searchID(kind, pattern string, limit int) string {
	return fmt.Sprintf("%s-search-%s-%d", kind, pattern, limit)
}
