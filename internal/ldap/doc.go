/*
Package ldap implements a read-only user registry backed by an LDAP directory.

# Architecture Overview

The package is organized into four layers, each usable on its own:

  - Pool: bound directory connections with failover and primary return
  - CacheManager: the search-results and attributes caches
  - QueryEngine: filter templates, ID maps, paged and referral-aware searches
  - Registry: the identity operations exposed to callers

A Federation combines several registries that share one realm.

# Connection Management

Connections are dialed through a Dialer and bound with the configured identity
(simple bind or Kerberos). Servers come from an explicit host, an LDAP URL list
or DNS SRV discovery, followed by any configured failover servers:

  - Idle connections older than the pool timeout are closed, never reused
  - Borrowers wait up to the pool wait time when the pool is at its maximum
  - A communication failure moves the pool to the next server in the list
  - When the primary server answers again the pool is refreshed

# Caching

Two caches sit in front of the directory. Search results are keyed by base,
scope and filter; entry attributes are keyed by DN. Entries expire a fixed
time after they were created, whatever happens in the other cache.

# Configuration

RegistryConfig is an immutable snapshot. Registry.Reconfigure builds a new
generation (pool, caches and compiled filters) and swaps it in atomically, so
an operation only ever sees one configuration.

# Error Handling

Directory errors are translated into RegistryError values at the query
boundary. Callers use errors.Is with the sentinel errors (ErrEntryNotFound,
ErrInvalidIdentifier, ErrDuplicateIdentity and so on) to tell them apart.

# Logging

All logging goes through tflog subsystems ("ldap", "pool", "cache"). Use
NewLoggingContext to create them before constructing a Registry.

# Usage Example

	ctx = ldap.NewLoggingContext(ctx)

	cfg := ldap.DefaultRegistryConfig()
	cfg.Host = "ldap.example.com"
	cfg.BaseDN = "dc=example,dc=com"
	cfg.BindDN = "cn=admin,dc=example,dc=com"
	cfg.BindPassword = "secret"

	registry, err := ldap.NewRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer registry.Close()

	identity, err := registry.CheckPassword(ctx, "jdoe", password)
	if err != nil {
		return err // directory unavailable
	}
	if identity == nil {
		return ldap.ErrAuthenticationFailed
	}
*/
package ldap
