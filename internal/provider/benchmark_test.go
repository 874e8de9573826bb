package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/function"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
)

func BenchmarkBuildFilterFunction(b *testing.B) {
	ctx := context.Background()
	f := NewBuildFilterFunction()

	for b.Loop() {
		resp := &function.RunResponse{Result: function.NewResultData(types.StringUnknown())}
		f.Run(ctx, function.RunRequest{
			Arguments: function.NewArgumentsData([]attr.Value{
				types.StringValue("(&(objectClass=inetOrgPerson)(|(uid=%v)(mail=%v)))"),
				types.StringValue("al*ce (admin)"),
			}),
		}, resp)
		if resp.Error != nil {
			b.Fatal(resp.Error)
		}
	}
}

// BenchmarkRegistryLookups measures cached and uncached lookups against a live directory.
func BenchmarkRegistryLookups(b *testing.B) {
	SkipIfNotAccTest(b)
	testAccPreCheckWithConfig(b)

	ctx := context.Background()
	config := GetTestConfig()

	registry, err := newTestRegistry(ctx)
	if err != nil {
		b.Fatalf("failed to create LDAP registry: %v", err)
	}
	defer registry.Close()

	b.Run("GetUserSecurityName", func(b *testing.B) {
		for b.Loop() {
			if _, err := registry.GetUserSecurityName(ctx, config.User); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("GetGroupsForUser", func(b *testing.B) {
		for b.Loop() {
			if _, err := registry.GetGroupsForUser(ctx, config.User); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("GetUsers", func(b *testing.B) {
		for b.Loop() {
			if _, err := registry.GetUsers(ctx, "*", 100); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("IsValidUserMissing", func(b *testing.B) {
		for b.Loop() {
			_, err := registry.IsValidUser(ctx, "no-such-user")
			if err != nil && !errors.Is(err, ldap.ErrEntryNotFound) {
				b.Fatal(err)
			}
		}
	})

	b.Run("ParallelBorrow", func(b *testing.B) {
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if err := registry.Ping(ctx); err != nil {
					b.Error(err)
					return
				}
			}
		})
	})
}
