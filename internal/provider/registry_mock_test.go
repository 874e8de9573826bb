package provider

import (
	"context"
	"crypto/x509"
	"testing"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/ephemeral"
	"github.com/hashicorp/terraform-plugin-framework/tfsdk"
	"github.com/hashicorp/terraform-plugin-go/tftypes"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

// mockRegistry is a UserRegistry whose answers are set up per test.
type mockRegistry struct {
	mock.Mock
}

var _ ldapclient.UserRegistry = (*mockRegistry)(nil)

func (m *mockRegistry) CheckPassword(ctx context.Context, principal, password string) (*ldapclient.Identity, error) {
	args := m.Called(principal, password)
	identity, _ := args.Get(0).(*ldapclient.Identity)
	return identity, args.Error(1)
}

func (m *mockRegistry) MapCertificate(ctx context.Context, cert *x509.Certificate) (string, error) {
	args := m.Called(cert)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) IsValidUser(ctx context.Context, name string) (bool, error) {
	args := m.Called(name)
	return args.Bool(0), args.Error(1)
}

func (m *mockRegistry) IsValidGroup(ctx context.Context, name string) (bool, error) {
	args := m.Called(name)
	return args.Bool(0), args.Error(1)
}

func (m *mockRegistry) GetUsers(ctx context.Context, pattern string, limit int) (*ldapclient.SearchResult, error) {
	args := m.Called(pattern, limit)
	result, _ := args.Get(0).(*ldapclient.SearchResult)
	return result, args.Error(1)
}

func (m *mockRegistry) GetGroups(ctx context.Context, pattern string, limit int) (*ldapclient.SearchResult, error) {
	args := m.Called(pattern, limit)
	result, _ := args.Get(0).(*ldapclient.SearchResult)
	return result, args.Error(1)
}

func (m *mockRegistry) GetUserDisplayName(ctx context.Context, name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) GetUserSecurityName(ctx context.Context, name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) GetUniqueUserID(ctx context.Context, name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) GetGroupDisplayName(ctx context.Context, name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) GetGroupSecurityName(ctx context.Context, name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) GetUniqueGroupID(ctx context.Context, name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func (m *mockRegistry) GetGroupsForUser(ctx context.Context, name string) ([]string, error) {
	args := m.Called(name)
	groups, _ := args.Get(0).([]string)
	return groups, args.Error(1)
}

func (m *mockRegistry) GetUsersForGroup(ctx context.Context, name string, limit int) (*ldapclient.SearchResult, error) {
	args := m.Called(name, limit)
	result, _ := args.Get(0).(*ldapclient.SearchResult)
	return result, args.Error(1)
}

func (m *mockRegistry) GetRealm() string {
	return m.Called().String(0)
}

// objectValue builds an object of typ; attributes missing from values are null.
func objectValue(t *testing.T, typ tftypes.Type, values map[string]tftypes.Value) tftypes.Value {
	t.Helper()

	objectType, ok := typ.(tftypes.Object)
	require.True(t, ok)

	attrs := make(map[string]tftypes.Value, len(objectType.AttributeTypes))
	for name, attrType := range objectType.AttributeTypes {
		if v, ok := values[name]; ok {
			attrs[name] = v
			continue
		}
		attrs[name] = tftypes.NewValue(attrType, nil)
	}
	return tftypes.NewValue(objectType, attrs)
}

// readDataSource configures ds with registry and reads it with config values.
func readDataSource(t *testing.T, ds datasource.DataSource, registry ldapclient.UserRegistry, values map[string]tftypes.Value) *datasource.ReadResponse {
	t.Helper()
	ctx := t.Context()

	if registry != nil {
		configureResp := &datasource.ConfigureResponse{}
		ds.(datasource.DataSourceWithConfigure).Configure(ctx, datasource.ConfigureRequest{
			ProviderData: &ldapclient.ProviderData{Registry: registry},
		}, configureResp)
		require.False(t, configureResp.Diagnostics.HasError())
	}

	schemaResp := &datasource.SchemaResponse{}
	ds.Schema(ctx, datasource.SchemaRequest{}, schemaResp)
	require.False(t, schemaResp.Diagnostics.HasError())

	typ := schemaResp.Schema.Type().TerraformType(ctx)
	resp := &datasource.ReadResponse{
		State: tfsdk.State{Schema: schemaResp.Schema, Raw: tftypes.NewValue(typ, nil)},
	}
	ds.Read(ctx, datasource.ReadRequest{
		Config: tfsdk.Config{Schema: schemaResp.Schema, Raw: objectValue(t, typ, values)},
	}, resp)
	return resp
}

// openEphemeral configures r with registry and opens it with config values.
func openEphemeral(t *testing.T, r ephemeral.EphemeralResource, registry ldapclient.UserRegistry, values map[string]tftypes.Value) *ephemeral.OpenResponse {
	t.Helper()
	ctx := t.Context()

	configureResp := &ephemeral.ConfigureResponse{}
	r.(ephemeral.EphemeralResourceWithConfigure).Configure(ctx, ephemeral.ConfigureRequest{
		ProviderData: &ldapclient.ProviderData{Registry: registry},
	}, configureResp)
	require.False(t, configureResp.Diagnostics.HasError())

	schemaResp := &ephemeral.SchemaResponse{}
	r.Schema(ctx, ephemeral.SchemaRequest{}, schemaResp)
	require.False(t, schemaResp.Diagnostics.HasError())

	typ := schemaResp.Schema.Type().TerraformType(ctx)
	resp := &ephemeral.OpenResponse{
		Result: tfsdk.EphemeralResultData{Schema: schemaResp.Schema, Raw: tftypes.NewValue(typ, nil)},
	}
	r.Open(ctx, ephemeral.OpenRequest{
		Config: tfsdk.Config{Schema: schemaResp.Schema, Raw: objectValue(t, typ, values)},
	}, resp)
	return resp
}
