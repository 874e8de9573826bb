package ldap

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hashicorp/terraform-plugin-log/tflogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logBuffer collects JSON log lines written from several goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// entries decodes everything logged so far.
func (b *logBuffer) entries(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	data := bytes.Clone(b.buf.Bytes())
	b.mu.Unlock()

	entries, err := tflogtest.MultilineJSONDecode(bytes.NewReader(data))
	require.NoError(t, err)
	return entries
}

func (b *logBuffer) messages(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, e := range b.entries(t) {
		if msg, ok := e["@message"].(string); ok {
			out = append(out, msg)
		}
	}
	return out
}

// find returns the first entry with message msg whose fields include match.
func (b *logBuffer) find(t *testing.T, msg string, match map[string]any) map[string]any {
	t.Helper()
next:
	for _, e := range b.entries(t) {
		if e["@message"] != msg {
			continue
		}
		for k, v := range match {
			if e[k] != v {
				continue next
			}
		}
		return e
	}
	return nil
}

// newLogContext returns a context whose registry subsystems log to the returned buffer.
func newLogContext(t *testing.T) (context.Context, *logBuffer) {
	t.Helper()
	buf := &logBuffer{}
	ctx := tflogtest.RootLogger(t.Context(), buf)
	return NewLoggingContext(ctx), buf
}

func TestSanitizeFields(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   map[string]any
	}{
		{
			name:   "sensitive key",
			fields: map[string]any{"bind_password": "hunter2", "registry": "ldap"},
			want:   map[string]any{"bind_password": "[REDACTED]", "registry": "ldap"},
		},
		{
			name:   "key case is ignored",
			fields: map[string]any{"Password": "hunter2"},
			want:   map[string]any{"Password": "[REDACTED]"},
		},
		{
			name:   "sensitive value",
			fields: map[string]any{"filter": "(userPassword=secret)"},
			want:   map[string]any{"filter": "[REDACTED]"},
		},
		{
			name:   "non string values kept",
			fields: map[string]any{"attempt": 3, "dn": aliceDN},
			want:   map[string]any{"attempt": 3, "dn": aliceDN},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFields(tt.fields))
		})
	}
}

func TestLogOperation(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
		level   string
	}{
		{name: "success", err: nil, message: "Operation completed", level: "trace"},
		{name: "not found", err: newRegistryError(KindEntryNotFound, "getUser", "x", "", nil), message: "Operation returned no entry", level: "debug"},
		{name: "failure", err: errors.New("boom"), message: "Operation failed", level: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, logs := newLogContext(t)

			err := LogOperation(ctx, SubsystemLDAP, "getUser", map[string]any{"registry": "ldap"}, func() error {
				return tt.err
			})
			assert.Equal(t, tt.err, err)

			entry := logs.find(t, tt.message, map[string]any{"operation": "getUser", "registry": "ldap"})
			require.NotNil(t, entry, "messages: %v", logs.messages(t))
			assert.Equal(t, tt.level, entry["@level"])
			assert.Contains(t, entry, "duration_ms")
		})
	}
}

func TestLogPoolEventLevels(t *testing.T) {
	tests := []struct {
		event string
		level string
	}{
		{"connection_created", "trace"},
		{"connection_released", "trace"},
		{"pool_exhausted", "warn"},
		{"failover", "warn"},
		{"all_servers_failed", "error"},
		{"pool_closed", "debug"},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			ctx, logs := newLogContext(t)
			LogPoolEvent(ctx, tt.event, map[string]any{"registry": "ldap"})

			entry := logs.find(t, "Pool event", map[string]any{"event": tt.event})
			require.NotNil(t, entry)
			assert.Equal(t, tt.level, entry["@level"])
		})
	}
}

func TestLogLDAPErrorRedacts(t *testing.T) {
	ctx, logs := newLogContext(t)

	LogLDAPError(ctx, SubsystemLDAP, "bind", errors.New("bind failed"), map[string]any{
		"dn":       aliceDN,
		"password": "alice-pw",
	})

	entry := logs.find(t, "LDAP operation failed", nil)
	require.NotNil(t, entry)
	assert.Equal(t, "[REDACTED]", entry["password"])
	assert.Equal(t, aliceDN, entry["dn"])
	assert.Equal(t, "bind", entry["operation"])
}
