package types

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types/basetypes"
	"github.com/hashicorp/terraform-plugin-go/tftypes"
)

var (
	_ basetypes.SetTypable                    = SecurityNameSetType{}
	_ basetypes.SetValuable                   = SecurityNameSetValue{}
	_ basetypes.SetValuableWithSemanticEquals = SecurityNameSetValue{}
)

// SecurityNameSetType is a set of security names, such as the groups of a user.
type SecurityNameSetType struct {
	basetypes.SetType
}

// NewSecurityNameSetType returns the set type with its string element type set.
func NewSecurityNameSetType() SecurityNameSetType {
	return SecurityNameSetType{
		SetType: basetypes.SetType{ElemType: basetypes.StringType{}},
	}
}

func (t SecurityNameSetType) String() string {
	return "SecurityNameSetType"
}

func (t SecurityNameSetType) ValueType(ctx context.Context) attr.Value {
	return SecurityNameSetValue{}
}

func (t SecurityNameSetType) Equal(o attr.Type) bool {
	other, ok := o.(SecurityNameSetType)
	if !ok {
		return false
	}
	return t.SetType.Equal(other.SetType)
}

func (t SecurityNameSetType) ValueFromSet(ctx context.Context, in basetypes.SetValue) (basetypes.SetValuable, diag.Diagnostics) {
	return SecurityNameSetValue{SetValue: in}, nil
}

func (t SecurityNameSetType) ValueFromTerraform(ctx context.Context, in tftypes.Value) (attr.Value, error) {
	attrValue, err := t.SetType.ValueFromTerraform(ctx, in)
	if err != nil {
		return nil, err
	}

	setValue, ok := attrValue.(basetypes.SetValue)
	if !ok {
		return nil, fmt.Errorf("expected basetypes.SetValue, got: %T", attrValue)
	}

	value, diags := t.ValueFromSet(ctx, setValue)
	if diags.HasError() {
		return nil, fmt.Errorf("could not create SecurityNameSetValue: %v", diags.Errors())
	}
	return value, nil
}

// SecurityNameSetValue is a set of security names compared entry by entry.
type SecurityNameSetValue struct {
	basetypes.SetValue
}

func (v SecurityNameSetValue) Equal(o attr.Value) bool {
	other, ok := o.(SecurityNameSetValue)
	if !ok {
		return false
	}
	return v.SetValue.Equal(other.SetValue)
}

func (v SecurityNameSetValue) Type(ctx context.Context) attr.Type {
	return NewSecurityNameSetType()
}

// SetSemanticEquals reports whether both sets name the same entries.
func (v SecurityNameSetValue) SetSemanticEquals(ctx context.Context, newValuable basetypes.SetValuable) (bool, diag.Diagnostics) {
	var diags diag.Diagnostics

	newValue, ok := newValuable.(SecurityNameSetValue)
	if !ok {
		diags.AddError(
			"Semantic Equality Check Error",
			"An unexpected value type was received while attempting to perform semantic equality checks. "+
				"This is always an error in the provider. Please report the following to the provider developer:\n\n"+
				fmt.Sprintf("Expected SecurityNameSetValue, but got: %T", newValuable),
		)
		return false, diags
	}

	if v.IsNull() || v.IsUnknown() || newValue.IsNull() || newValue.IsUnknown() {
		return v.Equal(newValue), diags
	}

	var oldNames, newNames []string
	diags.Append(v.ElementsAs(ctx, &oldNames, false)...)
	diags.Append(newValue.ElementsAs(ctx, &newNames, false)...)
	if diags.HasError() {
		return false, diags
	}

	return sameNameSet(oldNames, newNames), diags
}

func sameNameSet(a, b []string) bool {
	left := make(map[string]struct{}, len(a))
	for _, name := range a {
		left[canonicalSecurityName(name)] = struct{}{}
	}

	right := make(map[string]struct{}, len(b))
	for _, name := range b {
		key := canonicalSecurityName(name)
		if _, ok := left[key]; !ok {
			return false
		}
		right[key] = struct{}{}
	}
	return len(left) == len(right)
}

// SecurityNameSet creates a SecurityNameSetValue from names.
func SecurityNameSet(ctx context.Context, names []string) (SecurityNameSetValue, diag.Diagnostics) {
	elements := make([]attr.Value, len(names))
	for i, name := range names {
		elements[i] = basetypes.NewStringValue(name)
	}

	setValue, diags := basetypes.NewSetValue(basetypes.StringType{}, elements)
	if diags.HasError() {
		return SecurityNameSetValue{}, diags
	}
	return SecurityNameSetValue{SetValue: setValue}, diags
}

// SecurityNameSetNull creates a null SecurityNameSetValue.
func SecurityNameSetNull(ctx context.Context) SecurityNameSetValue {
	return SecurityNameSetValue{SetValue: basetypes.NewSetNull(basetypes.StringType{})}
}
