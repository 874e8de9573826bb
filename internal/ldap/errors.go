package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryReferral       ErrorCategory = "referral"
	ErrorCategoryTimeout        ErrorCategory = "timeout"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError carries protocol-level detail for a failed directory operation.
type LDAPError struct {
	Operation string
	Category  ErrorCategory
	LDAPCode  uint16
	Message   string
	ServerMsg string
	DN        string
	Retryable bool
	Cause     error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, "server: "+e.ServerMsg)
	}
	if e.DN != "" {
		parts = append(parts, "DN: "+e.DN)
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// NewLDAPError classifies err, which usually comes from go-ldap.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	out := &LDAPError{Operation: operation, Cause: err}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		out.LDAPCode = resultErr.ResultCode
		out.DN = resultErr.MatchedDN
		if resultErr.Err != nil {
			out.ServerMsg = resultErr.Err.Error()
		}
		out.Category = categorizeError(resultErr.ResultCode, out.ServerMsg)
		out.Retryable = isLDAPCodeRetryable(resultErr.ResultCode)
		out.Message = ldapCodeMessage(resultErr.ResultCode)
		return out
	}

	out.Category = categorizeGenericError(err)
	out.Retryable = out.Category == ErrorCategoryConnection || out.Category == ErrorCategoryTimeout
	out.Message = err.Error()
	return out
}

func categorizeError(code uint16, serverMsg string) ErrorCategory {
	switch code {
	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject:
		return ErrorCategoryNotFound

	case ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultFilterError,
		ldap.LDAPResultNamingViolation:
		return ErrorCategoryValidation

	case ldap.LDAPResultReferral, ldap.LDAPResultReferralLimitExceeded:
		return ErrorCategoryReferral

	case ldap.LDAPResultTimeLimitExceeded, ldap.LDAPResultTimeout:
		return ErrorCategoryTimeout

	case ldap.ErrorNetwork:
		if strings.Contains(strings.ToLower(serverMsg), "timed out") {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryConnection

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultConnectError,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy:
		return ErrorCategoryConnection

	case ldap.LDAPResultAdminLimitExceeded,
		ldap.LDAPResultUnwillingToPerform,
		ldap.LDAPResultOperationsError,
		ldap.LDAPResultProtocolError:
		return ErrorCategoryServer

	default:
		return ErrorCategoryUnknown
	}
}

func categorizeGenericError(err error) ErrorCategory {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"), strings.Contains(msg, "deadline exceeded"):
		return ErrorCategoryTimeout
	case strings.Contains(msg, "connection"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "eof"):
		return ErrorCategoryConnection
	case strings.Contains(msg, "credentials"):
		return ErrorCategoryAuthentication
	default:
		return ErrorCategoryUnknown
	}
}

func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultConnectError,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.ErrorNetwork:
		return true
	default:
		return false
	}
}

func ldapCodeMessage(code uint16) string {
	if text, ok := ldap.LDAPResultCodeMap[code]; ok {
		return text
	}
	return fmt.Sprintf("Unknown LDAP error (code %d)", code)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		msg := ""
		if resultErr.Err != nil {
			msg = resultErr.Err.Error()
		}
		return categorizeError(resultErr.ResultCode, msg)
	}

	return categorizeGenericError(err)
}

// IsConnectionError reports whether err means the connection itself is unusable.
func IsConnectionError(err error) bool {
	switch GetErrorCategory(err) {
	case ErrorCategoryConnection, ErrorCategoryTimeout:
		return true
	default:
		return false
	}
}

// IsInvalidCredentials reports a failed bind caused by the supplied credentials.
func IsInvalidCredentials(err error) bool {
	return ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials)
}

// ErrorKind is the registry-level classification of a failure.
type ErrorKind string

const (
	KindEntryNotFound        ErrorKind = "EntryNotFound"
	KindInvalidIdentifier    ErrorKind = "InvalidIdentifier"
	KindDuplicateIdentity    ErrorKind = "DuplicateIdentity"
	KindCertificateMapping   ErrorKind = "CertificateMappingFailure"
	KindConfiguration        ErrorKind = "ConfigurationError"
	KindDirectoryUnavailable ErrorKind = "DirectoryUnavailable"
	KindPoolExhausted        ErrorKind = "PoolExhausted"
	KindTimeout              ErrorKind = "Timeout"
	KindAuthenticationFailed ErrorKind = "AuthenticationFailed"
)

// Sentinel errors for use with errors.Is.
var (
	ErrEntryNotFound        = &RegistryError{Kind: KindEntryNotFound}
	ErrInvalidIdentifier    = &RegistryError{Kind: KindInvalidIdentifier}
	ErrDuplicateIdentity    = &RegistryError{Kind: KindDuplicateIdentity}
	ErrCertificateMapping   = &RegistryError{Kind: KindCertificateMapping}
	ErrConfiguration        = &RegistryError{Kind: KindConfiguration}
	ErrDirectoryUnavailable = &RegistryError{Kind: KindDirectoryUnavailable}
	ErrPoolExhausted        = &RegistryError{Kind: KindPoolExhausted}
	ErrTimeout              = &RegistryError{Kind: KindTimeout}
	ErrAuthenticationFailed = &RegistryError{Kind: KindAuthenticationFailed}
)

// CertMapFailure identifies why certificate mapping failed.
type CertMapFailure string

const (
	CertMapUnsupported         CertMapFailure = "unsupported"
	CertMapperException        CertMapFailure = "mapper_exception"
	CertMapperNotFound         CertMapFailure = "mapper_not_found"
	CertMapperReturnedNullID   CertMapFailure = "mapper_returned_null_id"
	certMapFailureUnclassified CertMapFailure = ""
)

// RegistryError is the error type returned by every public registry operation.
type RegistryError struct {
	Kind       ErrorKind
	CertMap    CertMapFailure
	Operation  string
	Identifier string
	Message    string
	Cause      error
}

func (e *RegistryError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.CertMap != certMapFailureUnclassified {
		b.WriteString("(" + string(e.CertMap) + ")")
	}
	if e.Operation != "" {
		b.WriteString(" in " + e.Operation)
	}
	if e.Identifier != "" {
		fmt.Fprintf(&b, " for %q", e.Identifier)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

func (e *RegistryError) Unwrap() error {
	return e.Cause
}

// Is matches on Kind, and on the certificate mapping subtype when the target sets one.
func (e *RegistryError) Is(target error) bool {
	t, ok := target.(*RegistryError)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.CertMap == certMapFailureUnclassified || t.CertMap == e.CertMap
}

// IsRetryable reports whether the operation may succeed if repeated.
func (e *RegistryError) IsRetryable() bool {
	switch e.Kind {
	case KindDirectoryUnavailable, KindTimeout, KindPoolExhausted:
		return true
	default:
		return false
	}
}

func newRegistryError(kind ErrorKind, op, identifier, msg string, cause error) *RegistryError {
	return &RegistryError{Kind: kind, Operation: op, Identifier: identifier, Message: msg, Cause: cause}
}

// NewConfigurationError reports a setting that could not be applied.
func NewConfigurationError(setting, msg string) *RegistryError {
	return &RegistryError{Kind: KindConfiguration, Identifier: setting, Message: msg}
}

func newCertMapError(failure CertMapFailure, msg string, cause error) *RegistryError {
	return &RegistryError{
		Kind:      KindCertificateMapping,
		CertMap:   failure,
		Operation: "mapCertificate",
		Message:   msg,
		Cause:     cause,
	}
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var regErr *RegistryError
	if errors.As(err, &regErr) {
		return regErr.IsRetryable()
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Retryable
	}

	return IsConnectionError(err)
}

// translateError converts a directory error into the registry taxonomy. Errors that
// are already RegistryErrors pass through unchanged.
func translateError(operation, identifier string, err error) error {
	if err == nil {
		return nil
	}

	var regErr *RegistryError
	if errors.As(err, &regErr) {
		return err
	}

	ldapErr := NewLDAPError(operation, err)
	switch ldapErr.Category {
	case ErrorCategoryNotFound:
		return newRegistryError(KindEntryNotFound, operation, identifier, "", ldapErr)
	case ErrorCategoryValidation:
		return newRegistryError(KindInvalidIdentifier, operation, identifier, "", ldapErr)
	case ErrorCategoryTimeout:
		return newRegistryError(KindTimeout, operation, identifier, "", ldapErr)
	case ErrorCategoryConnection:
		return newRegistryError(KindDirectoryUnavailable, operation, identifier, "", ldapErr)
	default:
		return newRegistryError(KindDirectoryUnavailable, operation, identifier, ldapErr.Message, ldapErr)
	}
}

// authFailure wraps cause in the uniform authentication rejection. errors.Is
// matches both ErrAuthenticationFailed and the cause.
func authFailure(op string, cause error) error {
	return &RegistryError{Kind: KindAuthenticationFailed, Operation: op, Cause: cause}
}

// isNotFound reports a lookup that found no usable entry.
func isNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrInvalidIdentifier)
}

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateIdentity)
}
