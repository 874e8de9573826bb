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

var _ datasource.DataSource = &GroupsDataSource{}

func NewGroupsDataSource() datasource.DataSource {
	return &GroupsDataSource{}
}

// GroupsDataSource searches the registry for groups matching a pattern.
type GroupsDataSource struct {
	registry ldapclient.UserRegistry
}

// GroupsDataSourceModel describes the data source data model.
type GroupsDataSourceModel struct {
	Pattern    types.String `tfsdk:"pattern"`
	Limit      types.Int64  `tfsdk:"limit"`
	ID         types.String `tfsdk:"id"`
	Groups     types.List   `tfsdk:"groups"`      // security names, directory order
	GroupCount types.Int64  `tfsdk:"group_count"` // matches before limit applied
	Truncated  types.Bool   `tfsdk:"truncated"`
}

func (d *GroupsDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_groups"
}

func (d *GroupsDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Searches the LDAP registry for groups whose name matches a pattern. " +
			"The pattern is substituted into the group filter; `*` matches any characters.",

		Attributes: map[string]schema.Attribute{
			"pattern": schema.StringAttribute{
				MarkdownDescription: "The search pattern. Example: `eng-*` or `*`.",
				Required:            true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"limit": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of groups to return. Defaults to `100`; `0` returns no groups.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"id": schema.StringAttribute{
				MarkdownDescription: "A computed identifier for this search.",
				Computed:            true,
			},
			"groups": schema.ListAttribute{
				MarkdownDescription: "Security names of the matching groups, in directory order.",
				ElementType:         types.StringType,
				Computed:            true,
			},
			"group_count": schema.Int64Attribute{
				MarkdownDescription: "Number of matching groups before `limit` was applied.",
				Computed:            true,
			},
			"truncated": schema.BoolAttribute{
				MarkdownDescription: "Whether more groups match than `limit`.",
				Computed:            true,
			},
		},
	}
}

func (d *GroupsDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}

	if providerData := providerDataFrom(req.ProviderData, "Data Source", &resp.Diagnostics); providerData != nil {
		d.registry = providerData.Registry
	}
}

func (d *GroupsDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data GroupsDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	pattern := data.Pattern.ValueString()
	limit := searchLimit(data.Limit)

	logCompletion := ldapclient.LogDataSourceOperation(ctx, "ldapregistry_groups", "read", map[string]any{
		"pattern": pattern,
		"limit":   limit,
	})
	defer func() { logCompletion(firstError(resp.Diagnostics)) }()

	if d.registry == nil {
		resp.Diagnostics.AddError("Provider Not Configured", "The LDAP registry has not been configured.")
		return
	}

	result, err := d.registry.GetGroups(ctx, pattern, limit)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Searching Groups",
			fmt.Sprintf("Could not search the LDAP registry for groups matching %q: %s", pattern, err.Error()),
		)
		return
	}

	tflog.Debug(ctx, "Found registry groups", map[string]any{
		"returned":  len(result.Entries),
		"total":     result.Total,
		"truncated": result.Truncated,
	})

	groups, diags := helpers.StringList(result.Entries)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	data.Groups = groups
	data.GroupCount = types.Int64Value(int64(result.Total))
	data.Truncated = types.BoolValue(result.Truncated)
	data.ID = types.StringValue(searchID("groups", pattern, limit))

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}
