package provider

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"

	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/ephemeral"
	"github.com/hashicorp/terraform-plugin-framework/ephemeral/schema"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

var (
	_ ephemeral.EphemeralResource              = &CertificateCheckEphemeralResource{}
	_ ephemeral.EphemeralResourceWithConfigure = &CertificateCheckEphemeralResource{}
)

func NewCertificateCheckEphemeralResource() ephemeral.EphemeralResource {
	return &CertificateCheckEphemeralResource{}
}

// CertificateCheckEphemeralResource maps a client certificate to the user it
// authenticates, using the configured certificate map mode.
type CertificateCheckEphemeralResource struct {
	registry ldapclient.UserRegistry
}

type CertificateCheckEphemeralResourceModel struct {
	Certificate  types.String `tfsdk:"certificate"`
	SecurityName types.String `tfsdk:"security_name"`
	Realm        types.String `tfsdk:"realm"`
}

func (r *CertificateCheckEphemeralResource) Metadata(ctx context.Context, req ephemeral.MetadataRequest, resp *ephemeral.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_certificate_check"
}

func (r *CertificateCheckEphemeralResource) Schema(ctx context.Context, req ephemeral.SchemaRequest, resp *ephemeral.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Maps a PEM encoded client certificate to a user with the provider's `certificate_map_mode`. " +
			"A certificate that maps to no user, or to more than one, fails the run.",

		Attributes: map[string]schema.Attribute{
			"certificate": schema.StringAttribute{
				MarkdownDescription: "The client certificate in PEM format. Only the first certificate block is used.",
				Required:            true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},
			"security_name": schema.StringAttribute{
				MarkdownDescription: "The security name of the user the certificate maps to.",
				Computed:            true,
			},
			"realm": schema.StringAttribute{
				MarkdownDescription: "The realm of the registry.",
				Computed:            true,
			},
		},
	}
}

func (r *CertificateCheckEphemeralResource) Configure(ctx context.Context, req ephemeral.ConfigureRequest, resp *ephemeral.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}

	if providerData := providerDataFrom(req.ProviderData, "Ephemeral Resource", &resp.Diagnostics); providerData != nil {
		r.registry = providerData.Registry
	}
}

func (r *CertificateCheckEphemeralResource) Open(ctx context.Context, req ephemeral.OpenRequest, resp *ephemeral.OpenResponse) {
	var data CertificateCheckEphemeralResourceModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	cert, err := parseCertificatePEM(data.Certificate.ValueString())
	if err != nil {
		resp.Diagnostics.AddAttributeError(path.Root("certificate"), "Invalid Certificate", err.Error())
		return
	}

	logCompletion := ldapclient.LogDataSourceOperation(ctx, "ldapregistry_certificate_check", "open", map[string]any{
		"subject": cert.Subject.String(),
	})
	defer func() { logCompletion(firstError(resp.Diagnostics)) }()

	if r.registry == nil {
		resp.Diagnostics.AddError("Provider Not Configured", "The LDAP registry has not been configured.")
		return
	}

	name, err := r.registry.MapCertificate(ctx, cert)
	switch {
	case errors.Is(err, ldapclient.ErrAuthenticationFailed):
		resp.Diagnostics.AddError(
			"Authentication Failed",
			"The certificate does not map to exactly one user.\n\n"+
				"Error: "+err.Error(),
		)
		return
	case err != nil:
		resp.Diagnostics.AddError(
			"Error Mapping Certificate",
			"The LDAP registry could not be queried.\n\n"+
				"Error: "+err.Error(),
		)
		return
	}

	data.SecurityName = types.StringValue(name)
	data.Realm = types.StringValue(r.registry.GetRealm())

	tflog.Debug(ctx, "Mapped certificate", map[string]any{
		"subject":       cert.Subject.String(),
		"security_name": name,
	})

	resp.Diagnostics.Append(resp.Result.Set(ctx, &data)...)
}

func parseCertificatePEM(value string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(value))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if block.Type != "CERTIFICATE" {
		return nil, errors.New("PEM block is a " + block.Type + ", not a CERTIFICATE")
	}
	return x509.ParseCertificate(block.Bytes)
}
