package ldap

import (
	"fmt"
	"slices"
	"strings"
)

// IDMapping maps entries of one object class to the attribute naming them.
// ObjectClass "*" matches every entry.
type IDMapping struct {
	ObjectClass string
	Attribute   string
}

// IDMap is an ordered list of mappings parsed from "objectclass:attribute;...".
type IDMap []IDMapping

// ParseIDMap parses an ID map such as "*:uid" or
// "groupOfNames:member;groupOfUniqueNames:uniqueMember".
func ParseIDMap(value string) (IDMap, error) {
	var m IDMap
	for part := range strings.SplitSeq(value, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		oc, attr, ok := strings.Cut(part, ":")
		oc, attr = strings.TrimSpace(oc), strings.TrimSpace(attr)
		if !ok || oc == "" || attr == "" {
			return nil, fmt.Errorf("invalid ID map entry %q: expected objectclass:attribute", part)
		}
		m = append(m, IDMapping{ObjectClass: oc, Attribute: attr})
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("ID map %q has no entries", value)
	}
	return m, nil
}

// Resolve returns the attribute for an entry with the given object classes. A
// mapping for one of the entry's object classes wins over the wildcard.
func (m IDMap) Resolve(objectClasses []string) string {
	wildcard := ""
	for _, mapping := range m {
		if mapping.ObjectClass == "*" {
			if wildcard == "" {
				wildcard = mapping.Attribute
			}
			continue
		}
		if slices.ContainsFunc(objectClasses, func(oc string) bool {
			return strings.EqualFold(oc, mapping.ObjectClass)
		}) {
			return mapping.Attribute
		}
	}
	return wildcard
}

// Attributes returns every distinct attribute named by the map, in order.
func (m IDMap) Attributes() []string {
	var out []string
	for _, mapping := range m {
		if !slices.ContainsFunc(out, func(a string) bool { return strings.EqualFold(a, mapping.Attribute) }) {
			out = append(out, mapping.Attribute)
		}
	}
	return out
}

func (m IDMap) String() string {
	parts := make([]string, len(m))
	for i, mapping := range m {
		parts[i] = mapping.ObjectClass + ":" + mapping.Attribute
	}
	return strings.Join(parts, ";")
}
