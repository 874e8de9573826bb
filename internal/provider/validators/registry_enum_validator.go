package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
)

var _ validator.String = registryEnumValidator{}

// registryEnumValidator accepts the values of one registry setting enum, such as
// bind_auth_method, membership_scope, referral or certificate_map_mode. Matching
// ignores case and surrounding whitespace, as the registry does when it applies
// the setting.
type registryEnumValidator struct {
	canonical []string
	byFold    map[string]string
}

func (v registryEnumValidator) Description(_ context.Context) string {
	return fmt.Sprintf("one of %s, in any case", v.quoted())
}

func (v registryEnumValidator) MarkdownDescription(_ context.Context) string {
	backticked := make([]string, len(v.canonical))
	for i, value := range v.canonical {
		backticked[i] = "`" + value + "`"
	}
	return "one of " + strings.Join(backticked, ", ") + ", in any case"
}

func (v registryEnumValidator) ValidateString(_ context.Context, req validator.StringRequest, resp *validator.StringResponse) {
	if req.ConfigValue.IsNull() || req.ConfigValue.IsUnknown() {
		return
	}

	raw := req.ConfigValue.ValueString()
	if _, ok := v.byFold[fold(raw)]; ok {
		return
	}

	detail := fmt.Sprintf("%q is not a supported setting. Use %s.", raw, v.quoted())
	if suggestion, ok := v.byFold[fold(strings.NewReplacer("-", "_", " ", "_").Replace(strings.TrimSpace(raw)))]; ok {
		detail += fmt.Sprintf(" Did you mean %q?", suggestion)
	}
	resp.Diagnostics.AddAttributeError(req.Path, "Invalid Value", detail)
}

func (v registryEnumValidator) quoted() string {
	quoted := make([]string, len(v.canonical))
	for i, value := range v.canonical {
		quoted[i] = fmt.Sprintf("%q", value)
	}
	return strings.Join(quoted, ", ")
}

func fold(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// RegistryEnum validates a string attribute against the constants of a registry
// enum type. Null and unknown values pass.
func RegistryEnum[T ~string](values ...T) validator.String {
	v := registryEnumValidator{
		canonical: make([]string, len(values)),
		byFold:    make(map[string]string, len(values)),
	}
	for i, value := range values {
		v.canonical[i] = string(value)
		v.byFold[fold(string(value))] = string(value)
	}
	return v
}
