package ldap

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Logging subsystems used by the registry.
const (
	SubsystemLDAP  = "ldap"
	SubsystemPool  = "pool"
	SubsystemCache = "cache"
)

// NewLoggingContext creates the registry logging subsystems on ctx. Levels follow
// TF_LOG_PROVIDER_LDAPREGISTRY_<SUBSYSTEM>.
func NewLoggingContext(ctx context.Context) context.Context {
	for _, subsystem := range []string{SubsystemLDAP, SubsystemPool, SubsystemCache} {
		ctx = tflog.NewSubsystem(ctx, subsystem,
			tflog.WithLevelFromEnv("TF_LOG_PROVIDER_LDAPREGISTRY", strings.ToUpper(subsystem)))
	}
	return ctx
}

// LogOperation runs fn and logs its start, duration and outcome.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	logFields := make(map[string]any, len(fields)+3)
	maps.Copy(logFields, fields)
	logFields["operation"] = operation

	tflog.SubsystemTrace(ctx, subsystem, "Starting operation", logFields)

	err := fn()

	logFields["duration_ms"] = time.Since(start).Milliseconds()
	switch {
	case err == nil:
		tflog.SubsystemTrace(ctx, subsystem, "Operation completed", logFields)
	case errors.Is(err, ErrEntryNotFound), errors.Is(err, ErrInvalidIdentifier):
		// Expected outcomes for lookups.
		logFields["error"] = err.Error()
		tflog.SubsystemDebug(ctx, subsystem, "Operation returned no entry", logFields)
	default:
		logFields["error"] = err.Error()
		tflog.SubsystemError(ctx, subsystem, "Operation failed", logFields)
	}

	return err
}

// LogLDAPError logs protocol-level error detail.
func LogLDAPError(ctx context.Context, subsystem, operation string, err error, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+4)
	maps.Copy(logFields, fields)
	logFields["operation"] = operation
	logFields["error"] = err.Error()

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		logFields["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			logFields["ldap_matched_dn"] = resultErr.MatchedDN
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", SanitizeFields(logFields))
}

// LogPoolEvent logs connection pool events at a level chosen by event.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	logFields := make(map[string]any, len(fields)+1)
	maps.Copy(logFields, fields)
	logFields["event"] = event

	switch event {
	case "connection_created", "connection_closed", "connection_borrowed", "connection_released":
		tflog.SubsystemTrace(ctx, SubsystemPool, "Pool event", logFields)
	case "pool_exhausted", "connection_failed", "failover":
		tflog.SubsystemWarn(ctx, SubsystemPool, "Pool event", logFields)
	case "all_servers_failed":
		tflog.SubsystemError(ctx, SubsystemPool, "Pool event", logFields)
	default:
		tflog.SubsystemDebug(ctx, SubsystemPool, "Pool event", logFields)
	}
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		switch strings.ToLower(k) {
		case "password", "passwd", "bind_password", "secret", "token", "credential", "credentials":
			sanitized[k] = "[REDACTED]"
			continue
		}
		if s, ok := v.(string); ok && containsSensitivePattern(s) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

func containsSensitivePattern(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range []string{"password=", "passwd=", "userpassword=", "secret=", "token="} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// LogDataSourceOperation logs entry into a Terraform data source operation and
// returns a function that logs its completion.
func LogDataSourceOperation(ctx context.Context, dataSource, operation string, fields map[string]any) func(error) {
	start := time.Now()

	entry := make(map[string]any, len(fields)+2)
	maps.Copy(entry, fields)
	entry["data_source"] = dataSource
	entry["operation"] = operation

	tflog.SubsystemDebug(ctx, "provider", "Starting data source operation", entry)

	return func(err error) {
		exit := make(map[string]any, len(entry)+3)
		maps.Copy(exit, entry)
		exit["duration_ms"] = time.Since(start).Milliseconds()
		exit["has_error"] = err != nil

		if err != nil {
			exit["error"] = err.Error()
			tflog.SubsystemError(ctx, "provider", "Data source operation failed", exit)
			return
		}
		tflog.SubsystemDebug(ctx, "provider", "Data source operation completed", exit)
	}
}
