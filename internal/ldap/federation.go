package ldap

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/errgroup"
)

// Federation combines several registries into one realm. Registries are queried
// concurrently and their answers merged in registry order.
type Federation struct {
	ctx          context.Context // logging context
	realm        string
	qualifyNames bool
	registries   []*Registry
}

// FederationOptions configures a Federation.
type FederationOptions struct {
	Realm string
	// QualifyNames appends "@realm" to returned security names.
	QualifyNames bool
}

// NewFederation groups registries under one realm. An empty realm uses the realm of
// the first registry.
func NewFederation(ctx context.Context, opts FederationOptions, registries ...*Registry) (*Federation, error) {
	if len(registries) == 0 {
		return nil, NewConfigurationError("registries", "a federation needs at least one registry")
	}

	ids := make(map[string]struct{}, len(registries))
	for _, r := range registries {
		id := r.ID()
		if _, ok := ids[id]; ok {
			return nil, NewConfigurationError("registries", fmt.Sprintf("registry ID %q is used more than once", id))
		}
		ids[id] = struct{}{}
	}

	realm := opts.Realm
	if realm == "" {
		realm = registries[0].GetRealm()
	}

	ctx = NewLoggingContext(ctx)
	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Federation configured", map[string]any{
		"realm":         realm,
		"registries":    len(registries),
		"qualify_names": opts.QualifyNames,
	})

	return &Federation{
		ctx:          ctx,
		realm:        realm,
		qualifyNames: opts.QualifyNames,
		registries:   registries,
	}, nil
}

// GetRealm returns the federation realm.
func (f *Federation) GetRealm() string {
	return f.realm
}

type memberResult[T any] struct {
	registry string
	value    T
	err      error
}

// fanOut calls fn on every registry concurrently. Results keep registry order.
func fanOut[T any](ctx context.Context, f *Federation, fn func(context.Context, *Registry) (T, error)) []memberResult[T] {
	results := make([]memberResult[T], len(f.registries))

	var g errgroup.Group
	for i, r := range f.registries {
		g.Go(func() error {
			v, err := fn(ctx, r)
			results[i] = memberResult[T]{registry: r.ID(), value: v, err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// memberError labels err with the registry it came from.
func memberError(registry string, err error) error {
	return fmt.Errorf("registry %s: %w", registry, err)
}

// pickOne returns the single registry answer for a lookup. Infrastructure failures
// win, since a failed registry may hold a duplicate of the identity.
func pickOne[T any](op, name string, results []memberResult[T]) (T, error) {
	var (
		zero    T
		merr    *multierror.Error
		found   []memberResult[T]
		invalid int
	)
	for _, res := range results {
		switch {
		case res.err == nil:
			found = append(found, res)
		case errors.Is(res.err, ErrInvalidIdentifier):
			invalid++
		case errors.Is(res.err, ErrEntryNotFound):
		default:
			merr = multierror.Append(merr, memberError(res.registry, res.err))
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		return zero, err
	}
	switch {
	case len(found) > 1:
		ids := make([]string, len(found))
		for i, res := range found {
			ids[i] = res.registry
		}
		return zero, newRegistryError(KindDuplicateIdentity, op, name, "found in registries "+strings.Join(ids, ", "), nil)
	case len(found) == 1:
		return found[0].value, nil
	case invalid == len(results):
		return zero, newRegistryError(KindInvalidIdentifier, op, name, "", nil)
	default:
		return zero, newRegistryError(KindEntryNotFound, op, name, "", nil)
	}
}

// unqualify strips the "@realm" suffix from name.
func (f *Federation) unqualify(name string) string {
	if f.realm == "" {
		return name
	}
	suffix := "@" + f.realm
	if len(name) > len(suffix) && strings.EqualFold(name[len(name)-len(suffix):], suffix) {
		return name[:len(name)-len(suffix)]
	}
	return name
}

// qualify appends "@realm" to name when name qualification is enabled.
func (f *Federation) qualify(name string) string {
	if !f.qualifyNames || name == "" || f.realm == "" {
		return name
	}
	return name + "@" + f.realm
}

func (f *Federation) qualifyAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = f.qualify(n)
	}
	return out
}

// CheckPassword resolves principal in every registry before binding. A principal
// known to more than one registry is rejected as a duplicate identity whatever
// the password, and only the registry holding it checks the password.
func (f *Federation) CheckPassword(ctx context.Context, principal, password string) (*Identity, error) {
	principal = f.unqualify(principal)
	if password == "" {
		return nil, nil
	}

	results := fanOut(ctx, f, func(ctx context.Context, r *Registry) (string, error) {
		return r.ResolvePrincipal(ctx, principal)
	})

	var (
		merr  *multierror.Error
		owner *Registry
		ids   []string
	)
	for i, res := range results {
		switch {
		case res.err == nil:
			owner = f.registries[i]
			ids = append(ids, res.registry)
		case isNotFound(res.err):
		case isDuplicate(res.err):
			return nil, authFailure("checkPassword", memberError(res.registry, res.err))
		default:
			merr = multierror.Append(merr, memberError(res.registry, res.err))
		}
	}

	if len(ids) > 1 {
		tflog.SubsystemWarn(f.ctx, SubsystemLDAP, "Principal found in more than one registry", map[string]any{
			"principal":  principal,
			"registries": ids,
		})
		return nil, authFailure("checkPassword",
			newRegistryError(KindDuplicateIdentity, "checkPassword", principal, "found in registries "+strings.Join(ids, ", "), nil))
	}
	if err := merr.ErrorOrNil(); err != nil {
		// A failed registry may hold a duplicate of the principal.
		if owner != nil {
			return nil, authFailure("checkPassword", err)
		}
		return nil, err
	}
	if owner == nil {
		return nil, nil
	}

	identity, err := owner.CheckPassword(ctx, principal, password)
	if err != nil {
		return nil, memberError(owner.ID(), err)
	}
	if identity == nil {
		return nil, nil
	}

	qualified := *identity
	qualified.Realm = f.realm
	qualified.SecurityName = f.qualify(qualified.SecurityName)
	qualified.PrincipalName = f.qualify(qualified.PrincipalName)
	return &qualified, nil
}

// MapCertificate maps cert in every registry. Exactly one registry must accept it.
func (f *Federation) MapCertificate(ctx context.Context, cert *x509.Certificate) (string, error) {
	results := fanOut(ctx, f, func(ctx context.Context, r *Registry) (string, error) {
		return r.MapCertificate(ctx, cert)
	})

	var (
		rejected *multierror.Error
		failed   *multierror.Error
		found    []memberResult[string]
	)
	for _, res := range results {
		switch {
		case res.err == nil:
			found = append(found, res)
		case errors.Is(res.err, ErrAuthenticationFailed):
			rejected = multierror.Append(rejected, memberError(res.registry, res.err))
		default:
			failed = multierror.Append(failed, memberError(res.registry, res.err))
		}
	}

	if err := failed.ErrorOrNil(); err != nil {
		return "", err
	}
	switch len(found) {
	case 0:
		return "", authFailure("mapCertificate", rejected.ErrorOrNil())
	case 1:
		return f.qualify(found[0].value), nil
	default:
		return "", authFailure("mapCertificate",
			newRegistryError(KindDuplicateIdentity, "mapCertificate", cert.Subject.String(), "mapped by more than one registry", nil))
	}
}

func (f *Federation) IsValidUser(ctx context.Context, name string) (bool, error) {
	return f.isValid(ctx, name, (*Registry).IsValidUser)
}

func (f *Federation) IsValidGroup(ctx context.Context, name string) (bool, error) {
	return f.isValid(ctx, name, (*Registry).IsValidGroup)
}

func (f *Federation) isValid(ctx context.Context, name string, fn func(*Registry, context.Context, string) (bool, error)) (bool, error) {
	name = f.unqualify(name)
	results := fanOut(ctx, f, func(ctx context.Context, r *Registry) (bool, error) {
		return fn(r, ctx, name)
	})

	var merr *multierror.Error
	for _, res := range results {
		if res.err != nil {
			merr = multierror.Append(merr, memberError(res.registry, res.err))
			continue
		}
		if res.value {
			return true, nil
		}
	}
	return false, merr.ErrorOrNil()
}

func (f *Federation) GetUsers(ctx context.Context, pattern string, limit int) (*SearchResult, error) {
	return f.search(ctx, pattern, limit, (*Registry).GetUsers)
}

func (f *Federation) GetGroups(ctx context.Context, pattern string, limit int) (*SearchResult, error) {
	return f.search(ctx, pattern, limit, (*Registry).GetGroups)
}

func (f *Federation) search(ctx context.Context, pattern string, limit int, fn func(*Registry, context.Context, string, int) (*SearchResult, error)) (*SearchResult, error) {
	if limit <= 0 {
		return emptySearchResult(), nil
	}
	pattern = f.unqualify(pattern)
	results := fanOut(ctx, f, func(ctx context.Context, r *Registry) (*SearchResult, error) {
		return fn(r, ctx, pattern, limit)
	})
	return f.merge(results, limit)
}

// merge concatenates per-registry results in registry order without duplicates.
func (f *Federation) merge(results []memberResult[*SearchResult], limit int) (*SearchResult, error) {
	var merr *multierror.Error
	for _, res := range results {
		if res.err != nil {
			merr = multierror.Append(merr, memberError(res.registry, res.err))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}

	out := &SearchResult{Entries: []string{}}
	seen := make(map[string]struct{})
	for _, res := range results {
		out.Total += res.value.Total
		out.Truncated = out.Truncated || res.value.Truncated
		for _, name := range res.value.Entries {
			name = f.qualify(name)
			if _, ok := seen[name]; ok {
				out.Total--
				continue
			}
			seen[name] = struct{}{}
			if len(out.Entries) < limit {
				out.Entries = append(out.Entries, name)
			}
		}
	}
	out.Truncated = out.Truncated || out.Total > len(out.Entries)
	return out, nil
}

func (f *Federation) GetUserDisplayName(ctx context.Context, name string) (string, error) {
	return f.lookup(ctx, "getUserDisplayName", name, false, (*Registry).GetUserDisplayName)
}

func (f *Federation) GetUserSecurityName(ctx context.Context, name string) (string, error) {
	return f.lookup(ctx, "getUserSecurityName", name, true, (*Registry).GetUserSecurityName)
}

func (f *Federation) GetUniqueUserID(ctx context.Context, name string) (string, error) {
	return f.lookup(ctx, "getUniqueUserId", name, false, (*Registry).GetUniqueUserID)
}

func (f *Federation) GetGroupDisplayName(ctx context.Context, name string) (string, error) {
	return f.lookup(ctx, "getGroupDisplayName", name, false, (*Registry).GetGroupDisplayName)
}

func (f *Federation) GetGroupSecurityName(ctx context.Context, name string) (string, error) {
	return f.lookup(ctx, "getGroupSecurityName", name, true, (*Registry).GetGroupSecurityName)
}

func (f *Federation) GetUniqueGroupID(ctx context.Context, name string) (string, error) {
	return f.lookup(ctx, "getUniqueGroupId", name, false, (*Registry).GetUniqueGroupID)
}

func (f *Federation) lookup(ctx context.Context, op, name string, qualify bool, fn func(*Registry, context.Context, string) (string, error)) (string, error) {
	name = f.unqualify(name)
	value, err := pickOne(op, name, fanOut(ctx, f, func(ctx context.Context, r *Registry) (string, error) {
		return fn(r, ctx, name)
	}))
	if err != nil {
		return "", err
	}
	if qualify {
		return f.qualify(value), nil
	}
	return value, nil
}

// GetGroupsForUser returns the groups of the user from the one registry holding it.
func (f *Federation) GetGroupsForUser(ctx context.Context, name string) ([]string, error) {
	name = f.unqualify(name)
	groups, err := pickOne("getGroupsForUser", name, fanOut(ctx, f, func(ctx context.Context, r *Registry) ([]string, error) {
		return r.GetGroupsForUser(ctx, name)
	}))
	if err != nil {
		return nil, err
	}
	return f.qualifyAll(groups), nil
}

// GetUsersForGroup returns the members of the group from the one registry holding it.
func (f *Federation) GetUsersForGroup(ctx context.Context, name string, limit int) (*SearchResult, error) {
	if limit <= 0 {
		return emptySearchResult(), nil
	}
	name = f.unqualify(name)
	result, err := pickOne("getUsersForGroup", name, fanOut(ctx, f, func(ctx context.Context, r *Registry) (*SearchResult, error) {
		return r.GetUsersForGroup(ctx, name, limit)
	}))
	if err != nil {
		return nil, err
	}
	return &SearchResult{
		Entries:   f.qualifyAll(result.Entries),
		Total:     result.Total,
		Truncated: result.Truncated,
	}, nil
}

// Close closes every member registry.
func (f *Federation) Close() error {
	var merr *multierror.Error
	for _, r := range f.registries {
		if err := r.Close(); err != nil {
			merr = multierror.Append(merr, memberError(r.ID(), err))
		}
	}
	return merr.ErrorOrNil()
}
