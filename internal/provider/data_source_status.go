package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

var _ datasource.DataSource = &StatusDataSource{}

func NewStatusDataSource() datasource.DataSource {
	return &StatusDataSource{}
}

// StatusDataSource reports the health, connection pools and caches of the
// configured registries.
type StatusDataSource struct {
	providerData *ldapclient.ProviderData
}

// StatusDataSourceModel describes the data source data model.
type StatusDataSourceModel struct {
	ID         types.String `tfsdk:"id"`
	Realm      types.String `tfsdk:"realm"`
	Healthy    types.Bool   `tfsdk:"healthy"`
	Registries types.List   `tfsdk:"registries"`
	Metrics    types.Map    `tfsdk:"metrics"`
	Stats      types.String `tfsdk:"stats_json"`
}

// registryStatusModel describes one member registry.
type registryStatusModel struct {
	ID                    types.String  `tfsdk:"id"`
	Realm                 types.String  `tfsdk:"realm"`
	Generation            types.String  `tfsdk:"generation"`
	ActiveServer          types.String  `tfsdk:"active_server"`
	Error                 types.String  `tfsdk:"error"`
	PoolTotal             types.Int64   `tfsdk:"pool_total"`
	PoolInUse             types.Int64   `tfsdk:"pool_in_use"`
	PoolIdle              types.Int64   `tfsdk:"pool_idle"`
	SearchCacheEntries    types.Int64   `tfsdk:"search_cache_entries"`
	SearchCacheHitRate    types.Float64 `tfsdk:"search_cache_hit_rate"`
	AttributeCacheEntries types.Int64   `tfsdk:"attribute_cache_entries"`
	AttributeCacheHitRate types.Float64 `tfsdk:"attribute_cache_hit_rate"`
}

var registryStatusAttrTypes = map[string]attr.Type{
	"id":                       types.StringType,
	"realm":                    types.StringType,
	"generation":               types.StringType,
	"active_server":            types.StringType,
	"error":                    types.StringType,
	"pool_total":               types.Int64Type,
	"pool_in_use":              types.Int64Type,
	"pool_idle":                types.Int64Type,
	"search_cache_entries":     types.Int64Type,
	"search_cache_hit_rate":    types.Float64Type,
	"attribute_cache_entries":  types.Int64Type,
	"attribute_cache_hit_rate": types.Float64Type,
}

func (d *StatusDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_status"
}

func (d *StatusDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Reports the state of the configured LDAP registries. Reading the data source borrows a " +
			"connection from every pool, so `healthy` reflects the directories at read time.",

		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				MarkdownDescription: "The realm of the provider.",
				Computed:            true,
			},
			"realm": schema.StringAttribute{
				MarkdownDescription: "The realm under which names are returned.",
				Computed:            true,
			},
			"healthy": schema.BoolAttribute{
				MarkdownDescription: "Whether every registry could reach its directory.",
				Computed:            true,
			},
			"registries": schema.ListNestedAttribute{
				MarkdownDescription: "One entry per configured registry.",
				Computed:            true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: map[string]schema.Attribute{
						"id": schema.StringAttribute{
							MarkdownDescription: "The registry ID.",
							Computed:            true,
						},
						"realm": schema.StringAttribute{
							MarkdownDescription: "The realm of the registry.",
							Computed:            true,
						},
						"generation": schema.StringAttribute{
							MarkdownDescription: "The ID of the active configuration generation.",
							Computed:            true,
						},
						"active_server": schema.StringAttribute{
							MarkdownDescription: "The directory server the pool currently connects to.",
							Computed:            true,
						},
						"error": schema.StringAttribute{
							MarkdownDescription: "Why the directory could not be reached, when it could not.",
							Computed:            true,
						},
						"pool_total": schema.Int64Attribute{
							MarkdownDescription: "Connections held by the pool.",
							Computed:            true,
						},
						"pool_in_use": schema.Int64Attribute{
							MarkdownDescription: "Connections currently borrowed.",
							Computed:            true,
						},
						"pool_idle": schema.Int64Attribute{
							MarkdownDescription: "Idle connections.",
							Computed:            true,
						},
						"search_cache_entries": schema.Int64Attribute{
							MarkdownDescription: "Entries in the search results cache.",
							Computed:            true,
						},
						"search_cache_hit_rate": schema.Float64Attribute{
							MarkdownDescription: "Hit rate of the search results cache, between 0 and 1.",
							Computed:            true,
						},
						"attribute_cache_entries": schema.Int64Attribute{
							MarkdownDescription: "Entries in the attributes cache.",
							Computed:            true,
						},
						"attribute_cache_hit_rate": schema.Float64Attribute{
							MarkdownDescription: "Hit rate of the attributes cache, between 0 and 1.",
							Computed:            true,
						},
					},
				},
			},
			"metrics": schema.MapAttribute{
				MarkdownDescription: "Registry metrics by name. Counters and gauges are summed over their labels; histograms report their sample count.",
				ElementType:         types.Float64Type,
				Computed:            true,
			},
			"stats_json": schema.StringAttribute{
				MarkdownDescription: "Pool and cache statistics of every registry, JSON encoded.",
				Computed:            true,
			},
		},
	}
}

func (d *StatusDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}

	d.providerData = providerDataFrom(req.ProviderData, "Data Source", &resp.Diagnostics)
}

func (d *StatusDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data StatusDataSourceModel

	ctx = initializeLogging(ctx)

	logCompletion := ldapclient.LogDataSourceOperation(ctx, "ldapregistry_status", "read", nil)
	defer func() { logCompletion(firstError(resp.Diagnostics)) }()

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	if d.providerData == nil || d.providerData.Registry == nil {
		resp.Diagnostics.AddError("Provider Not Configured", "The LDAP registry has not been configured.")
		return
	}

	healthy := true
	statuses := make([]registryStatusModel, 0, len(d.providerData.Members))
	for _, r := range d.providerData.Members {
		status := registryStatus(r)
		if err := r.Ping(ctx); err != nil {
			healthy = false
			status.Error = types.StringValue(err.Error())
			tflog.Warn(ctx, "Registry is not reachable", map[string]any{
				"registry": r.ID(),
				"error":    err.Error(),
			})
		}
		statuses = append(statuses, status)
	}

	registries, diags := types.ListValueFrom(ctx, types.ObjectType{AttrTypes: registryStatusAttrTypes}, statuses)
	resp.Diagnostics.Append(diags...)

	metrics, err := gatherMetrics(d.providerData.Gatherer)
	if err != nil {
		resp.Diagnostics.AddWarning("Metrics Unavailable", fmt.Sprintf("Could not gather registry metrics: %s", err.Error()))
		metrics = map[string]float64{}
	}
	metricMap, diags := types.MapValueFrom(ctx, types.Float64Type, metrics)
	resp.Diagnostics.Append(diags...)

	stats, err := json.Marshal(d.providerData.GetCombinedStats())
	if err != nil {
		resp.Diagnostics.AddError("Error Encoding Statistics", err.Error())
	}
	if resp.Diagnostics.HasError() {
		return
	}

	realm := d.providerData.Registry.GetRealm()
	data.ID = types.StringValue(realm)
	data.Realm = types.StringValue(realm)
	data.Healthy = types.BoolValue(healthy)
	data.Registries = registries
	data.Metrics = metricMap
	data.Stats = types.StringValue(string(stats))

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func registryStatus(r *ldapclient.Registry) registryStatusModel {
	pool := r.PoolStats()
	search := r.CacheStats(ldapclient.SearchResultsCache)
	attributes := r.CacheStats(ldapclient.AttributesCache)

	return registryStatusModel{
		ID:                    types.StringValue(r.ID()),
		Realm:                 types.StringValue(r.GetRealm()),
		Generation:            types.StringValue(r.GenerationID()),
		ActiveServer:          types.StringValue(pool.ActiveServer),
		Error:                 types.StringNull(),
		PoolTotal:             types.Int64Value(int64(pool.Total)),
		PoolInUse:             types.Int64Value(int64(pool.InUse)),
		PoolIdle:              types.Int64Value(int64(pool.Idle)),
		SearchCacheEntries:    types.Int64Value(int64(search.Entries)),
		SearchCacheHitRate:    types.Float64Value(search.HitRate),
		AttributeCacheEntries: types.Int64Value(int64(attributes.Entries)),
		AttributeCacheHitRate: types.Float64Value(attributes.HitRate),
	}
}

// gatherMetrics flattens the gathered metric families into one value per family.
func gatherMetrics(gatherer prometheus.Gatherer) (map[string]float64, error) {
	values := map[string]float64{}
	if gatherer == nil {
		return values, nil
	}

	families, err := gatherer.Gather()
	if err != nil {
		return nil, err
	}

	for _, family := range families {
		var sum float64
		for _, m := range family.GetMetric() {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				sum += m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				sum += m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				sum += float64(m.GetHistogram().GetSampleCount())
			case dto.MetricType_UNTYPED:
				sum += m.GetUntyped().GetValue()
			}
		}
		values[family.GetName()] = sum
	}
	return values, nil
}
