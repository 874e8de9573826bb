package ldap

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

const guidBytesLength = 16

// decodeObjectGUID converts an Active Directory objectGUID to its string form.
// The first three fields are stored little-endian.
func decodeObjectGUID(raw []byte) (string, error) {
	if len(raw) != guidBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", guidBytesLength, len(raw))
	}

	b := make([]byte, guidBytesLength)
	b[0], b[1], b[2], b[3] = raw[3], raw[2], raw[1], raw[0]
	b[4], b[5] = raw[5], raw[4]
	b[6], b[7] = raw[7], raw[6]
	copy(b[8:], raw[8:])

	id, err := uuid.FromBytes(b)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// encodeObjectGUID is the inverse of decodeObjectGUID.
func encodeObjectGUID(guid string) ([]byte, error) {
	id, err := uuid.Parse(guid)
	if err != nil {
		return nil, fmt.Errorf("invalid GUID %q: %w", guid, err)
	}

	b := id[:]
	raw := make([]byte, guidBytesLength)
	raw[0], raw[1], raw[2], raw[3] = b[3], b[2], b[1], b[0]
	raw[4], raw[5] = b[5], b[4]
	raw[6], raw[7] = b[7], b[6]
	copy(raw[8:], b[8:])
	return raw, nil
}

// decodeObjectSid converts a binary objectSid to S-1-5-21-... form.
func decodeObjectSid(raw []byte) (string, error) {
	if len(raw) < 8 {
		return "", fmt.Errorf("binary SID too short: %d bytes", len(raw))
	}
	return objectsid.Decode(raw).String(), nil
}

// attributeValue returns the string form of attr on entry. "dn" yields the entry
// DN; binary identifiers are decoded. A missing attribute yields "".
func attributeValue(entry *ldap.Entry, attr string) (string, error) {
	switch {
	case attr == "":
		return "", nil
	case strings.EqualFold(attr, "dn"):
		return entry.DN, nil
	case strings.EqualFold(attr, "objectGUID"):
		raw := entry.GetEqualFoldRawAttributeValue(attr)
		if len(raw) == 0 {
			return "", nil
		}
		return decodeObjectGUID(raw)
	case strings.EqualFold(attr, "objectSid"):
		raw := entry.GetEqualFoldRawAttributeValue(attr)
		if len(raw) == 0 {
			return "", nil
		}
		return decodeObjectSid(raw)
	default:
		return entry.GetEqualFoldAttributeValue(attr), nil
	}
}
