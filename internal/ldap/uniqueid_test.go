package ldap

import (
	"encoding/hex"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectGUIDRoundTrip(t *testing.T) {
	// Bytes as stored by Active Directory for {a1b2c3d4-e5f6-0718-293a-4b5c6d7e8f90}.
	raw, err := hex.DecodeString("d4c3b2a1f6e51807293a4b5c6d7e8f90")
	require.NoError(t, err)

	guid, err := decodeObjectGUID(raw)
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4-e5f6-0718-293a-4b5c6d7e8f90", guid)

	encoded, err := encodeObjectGUID(guid)
	require.NoError(t, err)
	assert.Equal(t, raw, encoded)

	_, err = decodeObjectGUID(raw[:8])
	assert.Error(t, err)
	_, err = encodeObjectGUID("not-a-guid")
	assert.Error(t, err)
}

func TestDecodeObjectSid(t *testing.T) {
	// S-1-5-21-1004336348-1177238915-682003330-512
	raw, err := hex.DecodeString("010500000000000515000000dcf4dc3b833d2b46828ba628" + "00020000")
	require.NoError(t, err)

	sid, err := decodeObjectSid(raw)
	require.NoError(t, err)
	assert.Equal(t, "S-1-5-21-1004336348-1177238915-682003330-512", sid)

	_, err = decodeObjectSid([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestAttributeValue(t *testing.T) {
	rawGUID, err := hex.DecodeString("d4c3b2a1f6e51807293a4b5c6d7e8f90")
	require.NoError(t, err)

	entry := &ldap.Entry{
		DN: aliceDN,
		Attributes: []*ldap.EntryAttribute{
			ldap.NewEntryAttribute("displayName", []string{"Alice Liddell", "Alice"}),
			{Name: "objectGUID", Values: []string{string(rawGUID)}, ByteValues: [][]byte{rawGUID}},
		},
	}

	tests := []struct {
		name string
		attr string
		want string
	}{
		{name: "empty attribute", attr: "", want: ""},
		{name: "dn", attr: "DN", want: aliceDN},
		{name: "first value", attr: "displayname", want: "Alice Liddell"},
		{name: "missing", attr: "mail", want: ""},
		{name: "binary GUID", attr: "objectGUID", want: "a1b2c3d4-e5f6-0718-293a-4b5c6d7e8f90"},
		{name: "missing SID", attr: "objectSid", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := attributeValue(entry, tt.attr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	broken := &ldap.Entry{DN: aliceDN, Attributes: []*ldap.EntryAttribute{
		{Name: "objectGUID", Values: []string{"xx"}, ByteValues: [][]byte{[]byte("xx")}},
	}}
	_, err = attributeValue(broken, "objectGUID")
	assert.Error(t, err)
}
