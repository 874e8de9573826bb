package ldap

import (
	"context"
	"crypto/x509"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
)

// CertificateMapper maps a client certificate to either a DN or an LDAP filter
// (a value starting with "(") identifying one user entry.
type CertificateMapper interface {
	MapCertificate(ctx context.Context, cert *x509.Certificate) (string, error)
}

// CertificateMapperFunc adapts a function to CertificateMapper.
type CertificateMapperFunc func(ctx context.Context, cert *x509.Certificate) (string, error)

func (f CertificateMapperFunc) MapCertificate(ctx context.Context, cert *x509.Certificate) (string, error) {
	return f(ctx, cert)
}

// CertificateMapperRegistry holds custom mappers by ID. Registries resolve their
// configured mapper when a configuration generation is built.
type CertificateMapperRegistry struct {
	mu      sync.RWMutex
	mappers map[string]CertificateMapper
}

func NewCertificateMapperRegistry() *CertificateMapperRegistry {
	return &CertificateMapperRegistry{mappers: make(map[string]CertificateMapper)}
}

// RegisterCertificateMapper adds or replaces the mapper for id.
func (r *CertificateMapperRegistry) RegisterCertificateMapper(id string, mapper CertificateMapper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappers[id] = mapper
}

// Lookup returns the mapper registered for id.
func (r *CertificateMapperRegistry) Lookup(id string) (CertificateMapper, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.mappers[id]
	return m, ok
}

// Built-in mapper IDs registered by DefaultCertificateMappers.
const (
	CertMapperSubjectCN    = "subject_cn"
	CertMapperSubjectEmail = "subject_email"
	CertMapperSubjectUID   = "subject_uid"
)

// BuiltinCertificateMapperIDs lists the IDs DefaultCertificateMappers registers.
func BuiltinCertificateMapperIDs() []string {
	return []string{CertMapperSubjectCN, CertMapperSubjectEmail, CertMapperSubjectUID}
}

// DefaultCertificateMappers returns a mapper table preloaded with the built-in
// mappers. Callers may register further mappers on the result.
func DefaultCertificateMappers() *CertificateMapperRegistry {
	r := NewCertificateMapperRegistry()
	r.RegisterCertificateMapper(CertMapperSubjectCN, attributeMapper("cn", "SubjectCN"))
	r.RegisterCertificateMapper(CertMapperSubjectEmail, attributeMapper("mail", "SubjectEmail"))
	r.RegisterCertificateMapper(CertMapperSubjectUID, attributeMapper("uid", "SubjectCN"))
	return r
}

// attributeMapper matches the user whose attr equals the certificate field.
// A certificate without the field maps to nothing.
func attributeMapper(attr, field string) CertificateMapper {
	return CertificateMapperFunc(func(_ context.Context, cert *x509.Certificate) (string, error) {
		value, _ := certificateField(cert, field)
		if value == "" {
			return "", nil
		}
		return "(" + attr + "=" + ldap.EscapeFilter(value) + ")", nil
	})
}

// Certificate mapping sentinels for errors.Is.
var (
	ErrCertificateMapNotSupported      = &RegistryError{Kind: KindCertificateMapping, CertMap: CertMapUnsupported}
	ErrCertificateMapperException      = &RegistryError{Kind: KindCertificateMapping, CertMap: CertMapperException}
	ErrCertificateMapperNotFound       = &RegistryError{Kind: KindCertificateMapping, CertMap: CertMapperNotFound}
	ErrCertificateMapperReturnedNullID = &RegistryError{Kind: KindCertificateMapping, CertMap: CertMapperReturnedNullID}
)

var certPlaceholder = regexp.MustCompile(`\$\{([A-Za-z]+)\}`)

// expandCertificateFilter replaces ${SubjectCN} style placeholders with escaped
// certificate values.
func expandCertificateFilter(template string, cert *x509.Certificate) (string, error) {
	var unknown []string
	out := certPlaceholder.ReplaceAllStringFunc(template, func(match string) string {
		name := certPlaceholder.FindStringSubmatch(match)[1]
		value, ok := certificateField(cert, name)
		if !ok {
			unknown = append(unknown, name)
			return match
		}
		return ldap.EscapeFilter(value)
	})
	if len(unknown) > 0 {
		return "", fmt.Errorf("unknown certificate filter placeholders: %s", strings.Join(unknown, ", "))
	}
	if _, err := ldap.CompileFilter(out); err != nil {
		return "", fmt.Errorf("certificate filter %q is not a valid LDAP filter: %w", out, err)
	}
	return out, nil
}

func certificateField(cert *x509.Certificate, name string) (string, bool) {
	first := func(values []string) string {
		if len(values) == 0 {
			return ""
		}
		return values[0]
	}

	switch name {
	case "SubjectCN":
		return cert.Subject.CommonName, true
	case "SubjectDN":
		return cert.Subject.String(), true
	case "IssuerCN":
		return cert.Issuer.CommonName, true
	case "IssuerDN":
		return cert.Issuer.String(), true
	case "SerialNumber":
		return cert.SerialNumber.String(), true
	case "SubjectO":
		return first(cert.Subject.Organization), true
	case "SubjectOU":
		return first(cert.Subject.OrganizationalUnit), true
	case "SubjectC":
		return first(cert.Subject.Country), true
	case "SubjectEmail":
		return first(cert.EmailAddresses), true
	}
	return "", false
}
