package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// NormalizeDNCase rewrites a DN with lowercase attribute type descriptors and no
// insignificant whitespace. Attribute values keep their case.
//
// Input:  "CN=John, OU=Users,DC=example,DC=com"
// Output: "cn=John,ou=Users,dc=example,dc=com"
func NormalizeDNCase(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	rdns := make([]string, len(parsed.RDNs))
	for i, rdn := range parsed.RDNs {
		attrs := make([]string, len(rdn.Attributes))
		for j, attr := range rdn.Attributes {
			attrs[j] = strings.ToLower(attr.Type) + "=" + ldap.EscapeDN(attr.Value)
		}
		rdns[i] = strings.Join(attrs, "+")
	}
	return strings.Join(rdns, ","), nil
}

// normalizeDNKey returns a case-folded DN suitable as a map or cache key. Values
// that do not parse are folded as plain strings.
func normalizeDNKey(dn string) string {
	parsed, err := ldap.ParseDN(strings.TrimSpace(dn))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(dn))
	}
	return strings.ToLower(parsed.String())
}

// ValidateDNSyntax validates that a string is a properly formatted Distinguished Name.
func ValidateDNSyntax(dn string) error {
	if dn == "" {
		return fmt.Errorf("DN cannot be empty")
	}

	if _, err := ldap.ParseDN(dn); err != nil {
		return fmt.Errorf("invalid DN syntax: %w", err)
	}

	return nil
}

// looksLikeDN reports whether a name should be treated as a DN rather than a short name.
func looksLikeDN(name string) bool {
	eq := strings.IndexByte(name, '=')
	return eq > 0 && !strings.ContainsAny(name[:eq], "()*")
}

// ExtractRDNValue extracts the value of the first RDN component with the specified attribute type.
// For example, extracting "CN" from "CN=John Doe,OU=Users,DC=example,DC=com" returns "John Doe".
func ExtractRDNValue(dn, attrType string) (string, error) {
	if dn == "" {
		return "", fmt.Errorf("DN cannot be empty")
	}

	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, attrType) {
				return attr.Value, nil
			}
		}
	}

	return "", fmt.Errorf("attribute type '%s' not found in DN '%s'", attrType, dn)
}

// IsDNChild checks if childDN is a direct or indirect child of parentDN.
func IsDNChild(childDN, parentDN string) (bool, error) {
	if childDN == "" || parentDN == "" {
		return false, fmt.Errorf("DNs cannot be empty")
	}

	child, err := ldap.ParseDN(childDN)
	if err != nil {
		return false, fmt.Errorf("invalid child DN syntax: %w", err)
	}
	parent, err := ldap.ParseDN(parentDN)
	if err != nil {
		return false, fmt.Errorf("invalid parent DN syntax: %w", err)
	}

	return parent.AncestorOfFold(child), nil
}

// searchBases is a parsed list of search bases for one entity category.
type searchBases []*ldap.DN

func parseSearchBases(bases []string) (searchBases, error) {
	out := make(searchBases, 0, len(bases))
	for _, base := range bases {
		parsed, err := ldap.ParseDN(base)
		if err != nil {
			return nil, fmt.Errorf("invalid search base %q: %w", base, err)
		}
		out = append(out, parsed)
	}
	return out, nil
}

// contains reports whether dn is one of the bases or lies beneath one. A malformed
// dn is never contained.
func (b searchBases) contains(dn string) bool {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return false
	}
	for _, base := range b {
		if base.EqualFold(parsed) || base.AncestorOfFold(parsed) {
			return true
		}
	}
	return false
}

func (b searchBases) strings() []string {
	out := make([]string, len(b))
	for i, base := range b {
		out[i] = base.String()
	}
	return out
}
