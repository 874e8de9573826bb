package provider

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/hashicorp/terraform-plugin-testing/helper/resource"
	"github.com/hashicorp/terraform-plugin-testing/terraform"

	"github.com/isometry/terraform-provider-ldapregistry/internal/ldap"
	customtypes "github.com/isometry/terraform-provider-ldapregistry/internal/provider/types"
)

// Test environment configuration constants.
const (
	// Environment variables for test configuration.
	EnvTestLDAPURL      = "LDAPREGISTRY_TEST_LDAP_URL"
	EnvTestBindDN       = "LDAPREGISTRY_TEST_BIND_DN"
	EnvTestBindPassword = "LDAPREGISTRY_TEST_BIND_PASSWORD"
	EnvTestBaseDN       = "LDAPREGISTRY_TEST_BASE_DN"
	EnvTestUser         = "LDAPREGISTRY_TEST_USER"
	EnvTestUserPassword = "LDAPREGISTRY_TEST_USER_PASSWORD"
	EnvTestGroup        = "LDAPREGISTRY_TEST_GROUP"

	// Default values for testing.
	DefaultTestBaseDN = "dc=example,dc=com"
	DefaultTestUser   = "alice"
	DefaultTestGroup  = "admins"
)

// TestConfig holds common test configuration.
type TestConfig struct {
	LDAPURL      string
	BindDN       string
	BindPassword string
	BaseDN       string
	User         string
	UserPassword string
	Group        string
}

// GetTestConfig returns the test configuration from environment variables.
func GetTestConfig() *TestConfig {
	return &TestConfig{
		LDAPURL:      os.Getenv(EnvTestLDAPURL),
		BindDN:       os.Getenv(EnvTestBindDN),
		BindPassword: os.Getenv(EnvTestBindPassword),
		BaseDN:       getEnvWithDefault(EnvTestBaseDN, DefaultTestBaseDN),
		User:         getEnvWithDefault(EnvTestUser, DefaultTestUser),
		UserPassword: os.Getenv(EnvTestUserPassword),
		Group:        getEnvWithDefault(EnvTestGroup, DefaultTestGroup),
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsAccTest returns true if acceptance tests should run.
func IsAccTest() bool {
	return os.Getenv("TF_ACC") != ""
}

// SkipIfNotAccTest skips the test if TF_ACC is not set.
func SkipIfNotAccTest(t testing.TB) {
	if !IsAccTest() {
		t.Skip("Skipping acceptance test - set TF_ACC=1 to run")
	}
}

// testAccPreCheckWithConfig validates the acceptance test environment.
func testAccPreCheckWithConfig(t testing.TB) *TestConfig {
	SkipIfNotAccTest(t)

	config := GetTestConfig()
	if config.LDAPURL == "" {
		t.Skipf("Skipping test: %s must be set to a test directory", EnvTestLDAPURL)
	}
	if config.BindDN != "" && config.BindPassword == "" {
		t.Skipf("Skipping test: %s must be set with %s", EnvTestBindPassword, EnvTestBindDN)
	}

	return config
}

// testProviderConfig generates provider configuration for tests.
func testProviderConfig() string {
	config := GetTestConfig()

	var providerConfig strings.Builder
	providerConfig.WriteString("provider \"ldapregistry\" {\n")
	providerConfig.WriteString(fmt.Sprintf("  ldap_urls = [%q]\n", config.LDAPURL))
	providerConfig.WriteString(fmt.Sprintf("  base_dn   = %q\n", config.BaseDN))
	if config.BindDN != "" {
		providerConfig.WriteString(fmt.Sprintf("  bind_dn       = %q\n", config.BindDN))
		providerConfig.WriteString(fmt.Sprintf("  bind_password = %q\n", config.BindPassword))
	}
	providerConfig.WriteString("}\n")
	return providerConfig.String()
}

// newTestRegistry connects to the test directory outside of Terraform.
func newTestRegistry(ctx context.Context) (*ldap.Registry, error) {
	config := GetTestConfig()

	cfg := ldap.DefaultRegistryConfig()
	cfg.LDAPURLs = []string{config.LDAPURL}
	cfg.BaseDN = config.BaseDN
	cfg.BindDN = config.BindDN
	cfg.BindPassword = config.BindPassword

	return ldap.NewRegistry(ctx, cfg)
}

// Test check functions for acceptance tests

// testCheckUserSecurityName verifies that a user data source agrees with the directory.
func testCheckUserSecurityName(resourceName, name string) resource.TestCheckFunc {
	return func(s *terraform.State) error {
		rs, ok := s.RootModule().Resources[resourceName]
		if !ok {
			return fmt.Errorf("resource not found: %s", resourceName)
		}

		ctx := context.Background()
		registry, err := newTestRegistry(ctx)
		if err != nil {
			return fmt.Errorf("failed to create LDAP registry: %v", err)
		}
		defer registry.Close()

		securityName, err := registry.GetUserSecurityName(ctx, name)
		if err != nil {
			return fmt.Errorf("user %s does not exist: %v", name, err)
		}

		got := rs.Primary.Attributes["security_name"]
		same, diags := customtypes.SecurityName(got).StringSemanticEquals(ctx, customtypes.SecurityName(securityName))
		if diags.HasError() || !same {
			return fmt.Errorf("security_name is %q, directory has %q", got, securityName)
		}
		return nil
	}
}
