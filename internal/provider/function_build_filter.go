package provider

import (
	"context"

	"github.com/hashicorp/terraform-plugin-framework/function"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

var _ function.Function = &BuildFilterFunction{}

// BuildFilterFunction implements the build_filter function.
type BuildFilterFunction struct{}

func NewBuildFilterFunction() function.Function {
	return &BuildFilterFunction{}
}

func (f BuildFilterFunction) Metadata(_ context.Context, req function.MetadataRequest, resp *function.MetadataResponse) {
	resp.Name = "build_filter"
}

func (f BuildFilterFunction) Definition(_ context.Context, req function.DefinitionRequest, resp *function.DefinitionResponse) {
	resp.Definition = function.Definition{
		Summary:     "Substitute a value into an LDAP filter template",
		Description: "Replaces every %v in the template with the value, escaping LDAP filter metacharacters. Asterisks in the value are kept as wildcards.",
		MarkdownDescription: "Replaces every `%v` in the template with the value, the way the registry builds its search filters.\n\n" +
			"- `(`, `)`, `\\` and NUL in the value are escaped\n" +
			"- `*` is kept, so the value may be a wildcard pattern\n" +
			"- The template must contain `%v` and be a valid filter once substituted",
		Parameters: []function.Parameter{
			function.StringParameter{
				Name:                "template",
				Description:         "The filter template, for example (&(uid=%v)(objectclass=inetOrgPerson)).",
				MarkdownDescription: "The filter template, for example `(&(uid=%v)(objectclass=inetOrgPerson))`.",
			},
			function.StringParameter{
				Name:                "value",
				Description:         "The value to substitute.",
				MarkdownDescription: "The value to substitute.",
			},
		},
		Return: function.StringReturn{},
	}
}

func (f BuildFilterFunction) Run(ctx context.Context, req function.RunRequest, resp *function.RunResponse) {
	var template, value string

	resp.Error = function.ConcatFuncErrors(resp.Error, req.Arguments.Get(ctx, &template, &value))
	if resp.Error != nil {
		return
	}

	filter, err := ldapclient.BuildFilter(template, value)
	if err != nil {
		resp.Error = function.NewArgumentFuncError(0, err.Error())
		return
	}

	resp.Error = resp.Result.Set(ctx, filter)
}
