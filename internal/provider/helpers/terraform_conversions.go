package helpers

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types"
)

// StringList converts values to a Terraform list of strings, preserving order.
// A nil slice yields an empty list rather than a null one.
func StringList(values []string) (types.List, diag.Diagnostics) {
	elements := make([]attr.Value, len(values))
	for i, v := range values {
		elements[i] = types.StringValue(v)
	}
	return types.ListValue(types.StringType, elements)
}

// StringsFromList returns the elements of a list of strings. Null and unknown
// lists yield nil.
func StringsFromList(ctx context.Context, list types.List) ([]string, diag.Diagnostics) {
	if list.IsNull() || list.IsUnknown() {
		return nil, nil
	}

	var values []string
	diags := list.ElementsAs(ctx, &values, false)
	return values, diags
}

// StringOrNull maps the empty string to a null Terraform string.
func StringOrNull(value string) types.String {
	if value == "" {
		return types.StringNull()
	}
	return types.StringValue(value)
}

// SplitList parses a sep separated list, as used by list-valued environment
// variables. Blank elements are dropped.
func SplitList(value, sep string) []string {
	fields := strings.Split(value, sep)

	values := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			values = append(values, f)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
