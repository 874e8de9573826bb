package types

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types/basetypes"
	"github.com/hashicorp/terraform-plugin-go/tftypes"

	ldapclient "github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

var (
	_ basetypes.StringTypable                    = SecurityNameType{}
	_ basetypes.StringValuable                   = SecurityNameValue{}
	_ basetypes.StringValuableWithSemanticEquals = SecurityNameValue{}
)

// SecurityNameType is a string holding a registry security name. Security names
// are usually DNs, so two values are semantically equal when they name the same
// entry regardless of case or whitespace between RDNs.
type SecurityNameType struct {
	basetypes.StringType
}

func (t SecurityNameType) String() string {
	return "SecurityNameType"
}

func (t SecurityNameType) ValueType(ctx context.Context) attr.Value {
	return SecurityNameValue{}
}

func (t SecurityNameType) Equal(o attr.Type) bool {
	other, ok := o.(SecurityNameType)
	if !ok {
		return false
	}
	return t.StringType.Equal(other.StringType)
}

func (t SecurityNameType) ValueFromString(ctx context.Context, in basetypes.StringValue) (basetypes.StringValuable, diag.Diagnostics) {
	return SecurityNameValue{StringValue: in}, nil
}

func (t SecurityNameType) ValueFromTerraform(ctx context.Context, in tftypes.Value) (attr.Value, error) {
	attrValue, err := t.StringType.ValueFromTerraform(ctx, in)
	if err != nil {
		return nil, err
	}

	stringValue, ok := attrValue.(basetypes.StringValue)
	if !ok {
		return nil, fmt.Errorf("expected basetypes.StringValue, got: %T", attrValue)
	}

	value, diags := t.ValueFromString(ctx, stringValue)
	if diags.HasError() {
		return nil, fmt.Errorf("could not create SecurityNameValue: %v", diags.Errors())
	}
	return value, nil
}

// SecurityNameValue is a security name with DN-aware semantic equality.
type SecurityNameValue struct {
	basetypes.StringValue
}

func (v SecurityNameValue) Equal(o attr.Value) bool {
	other, ok := o.(SecurityNameValue)
	if !ok {
		return false
	}
	return v.StringValue.Equal(other.StringValue)
}

func (v SecurityNameValue) Type(ctx context.Context) attr.Type {
	return SecurityNameType{}
}

// StringSemanticEquals compares both values as DNs. Values that are not DNs, such
// as uid security names, are compared case-insensitively.
func (v SecurityNameValue) StringSemanticEquals(ctx context.Context, newValuable basetypes.StringValuable) (bool, diag.Diagnostics) {
	var diags diag.Diagnostics

	newValue, ok := newValuable.(SecurityNameValue)
	if !ok {
		diags.AddError(
			"Semantic Equality Check Error",
			"An unexpected value type was received while attempting to perform semantic equality checks. "+
				"This is always an error in the provider. Please report the following to the provider developer:\n\n"+
				fmt.Sprintf("Expected SecurityNameValue, but got: %T", newValuable),
		)
		return false, diags
	}

	if v.IsNull() || v.IsUnknown() || newValue.IsNull() || newValue.IsUnknown() {
		return v.Equal(newValue), diags
	}

	return sameSecurityName(v.ValueString(), newValue.ValueString()), diags
}

// SecurityName creates a known SecurityNameValue.
func SecurityName(value string) SecurityNameValue {
	return SecurityNameValue{StringValue: basetypes.NewStringValue(value)}
}

// SecurityNameNull creates a null SecurityNameValue.
func SecurityNameNull() SecurityNameValue {
	return SecurityNameValue{StringValue: basetypes.NewStringNull()}
}

// SecurityNameUnknown creates an unknown SecurityNameValue.
func SecurityNameUnknown() SecurityNameValue {
	return SecurityNameValue{StringValue: basetypes.NewStringUnknown()}
}

// canonicalSecurityName folds a security name for comparison.
func canonicalSecurityName(name string) string {
	if normalized, err := ldapclient.NormalizeDNCase(name); err == nil {
		return strings.ToLower(normalized)
	}
	return strings.ToLower(strings.TrimSpace(name))
}

func sameSecurityName(a, b string) bool {
	return canonicalSecurityName(a) == canonicalSecurityName(b)
}
