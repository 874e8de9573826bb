package provider

import (
	"context"

	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
	"github.com/isometry/terraform-provider-ldapregistry/internal/provider/helpers"
	customtypes "github.com/isometry/terraform-provider-ldapregistry/internal/provider/types"
)

const defaultMemberLimit = 1000

var _ datasource.DataSource = &GroupDataSource{}

func NewGroupDataSource() datasource.DataSource {
	return &GroupDataSource{}
}

// GroupDataSource resolves a single group of the registry and its members.
type GroupDataSource struct {
	registry ldapclient.UserRegistry
}

// GroupDataSourceModel describes the data source data model.
type GroupDataSourceModel struct {
	Name             types.String                  `tfsdk:"name"`
	MemberLimit      types.Int64                   `tfsdk:"member_limit"`
	ID               types.String                  `tfsdk:"id"`
	SecurityName     customtypes.SecurityNameValue `tfsdk:"security_name"`
	DisplayName      types.String                  `tfsdk:"display_name"`
	UniqueID         types.String                  `tfsdk:"unique_id"`
	Members          types.List                    `tfsdk:"members"`           // user security names, directory order
	MemberCount      types.Int64                   `tfsdk:"member_count"`      // members before member_limit applied
	MembersTruncated types.Bool                    `tfsdk:"members_truncated"` // member_count > member_limit
}

func (d *GroupDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_group"
}

func (d *GroupDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Resolves a group of the LDAP registry and lists the users it contains. " +
			"Members outside the user search bases are not returned.",

		Attributes: map[string]schema.Attribute{
			"name": schema.StringAttribute{
				MarkdownDescription: "The group to look up. Example: `admins` or `cn=admins,ou=groups,dc=example,dc=com`.",
				Required:            true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"member_limit": schema.Int64Attribute{
				MarkdownDescription: "Maximum number of members to return. Defaults to `1000`; `0` returns no members.",
				Optional:            true,
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
			},
			"id": schema.StringAttribute{
				MarkdownDescription: "The unique group ID.",
				Computed:            true,
			},
			"security_name": schema.StringAttribute{
				MarkdownDescription: "The security name of the group.",
				CustomType:          customtypes.SecurityNameType{},
				Computed:            true,
			},
			"display_name": schema.StringAttribute{
				MarkdownDescription: "The display name of the group.",
				Computed:            true,
			},
			"unique_id": schema.StringAttribute{
				MarkdownDescription: "The unique group ID.",
				Computed:            true,
			},
			"members": schema.ListAttribute{
				MarkdownDescription: "Security names of the users in the group, in directory order.",
				ElementType:         types.StringType,
				Computed:            true,
			},
			"member_count": schema.Int64Attribute{
				MarkdownDescription: "Number of users in the group before `member_limit` was applied.",
				Computed:            true,
			},
			"members_truncated": schema.BoolAttribute{
				MarkdownDescription: "Whether the group has more members than `member_limit`.",
				Computed:            true,
			},
		},
	}
}

func (d *GroupDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}

	if providerData := providerDataFrom(req.ProviderData, "Data Source", &resp.Diagnostics); providerData != nil {
		d.registry = providerData.Registry
	}
}

func (d *GroupDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data GroupDataSourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	name := data.Name.ValueString()
	limit := defaultMemberLimit
	if !data.MemberLimit.IsNull() {
		limit = int(data.MemberLimit.ValueInt64())
	}

	logCompletion := ldapclient.LogDataSourceOperation(ctx, "ldapregistry_group", "read", map[string]any{
		"name":         name,
		"member_limit": limit,
	})
	defer func() { logCompletion(firstError(resp.Diagnostics)) }()

	if d.registry == nil {
		resp.Diagnostics.AddError("Provider Not Configured", "The LDAP registry has not been configured.")
		return
	}

	securityName, err := d.registry.GetGroupSecurityName(ctx, name)
	if err != nil {
		addLookupError(&resp.Diagnostics, "Group", name, err)
		return
	}

	displayName, err := d.registry.GetGroupDisplayName(ctx, name)
	if err != nil {
		addLookupError(&resp.Diagnostics, "Group", name, err)
		return
	}

	uniqueID, err := d.registry.GetUniqueGroupID(ctx, name)
	if err != nil {
		addLookupError(&resp.Diagnostics, "Group", name, err)
		return
	}

	members, err := d.registry.GetUsersForGroup(ctx, name, limit)
	if err != nil {
		addLookupError(&resp.Diagnostics, "Group", name, err)
		return
	}

	tflog.Debug(ctx, "Resolved registry group", map[string]any{
		"name":          name,
		"security_name": securityName,
		"member_count":  members.Total,
		"truncated":     members.Truncated,
	})

	data.ID = types.StringValue(uniqueID)
	data.SecurityName = customtypes.SecurityName(securityName)
	data.DisplayName = types.StringValue(displayName)
	data.UniqueID = types.StringValue(uniqueID)
	data.MemberCount = types.Int64Value(int64(members.Total))
	data.MembersTruncated = types.BoolValue(members.Truncated)

	memberList, diags := helpers.StringList(members.Entries)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}
	data.Members = memberList

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}
