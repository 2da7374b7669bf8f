// Package testutil holds helpers shared by integration-style tests.
package testutil

import (
	"os"
	"strconv"
	"testing"

	"github.com/nimburion/odm/pkg/config"
)

// SkipIfShort skips the test if running in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// SkipIfCI skips the test if running in CI environment
func SkipIfCI(t *testing.T) {
	t.Helper()
	if os.Getenv("CI") != "" {
		t.Skip("skipping test in CI environment")
	}
}

// RequireIntegration skips the test unless INTEGRATION_TESTS=1 is set
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("INTEGRATION_TESTS") == "" && os.Getenv("CI") != "" {
		t.Skip("skipping integration test (set INTEGRATION_TESTS=1 to run)")
	}
}

// MongoSettings returns connection settings for the test MongoDB, or skips
// the test when ODM_TEST_MONGO_HOST is not set. Port and database default to
// 27017 and "odm_test" and can be overridden through ODM_TEST_MONGO_PORT and
// ODM_TEST_MONGO_DB.
func MongoSettings(t *testing.T) config.ConnectionSettings {
	t.Helper()
	RequireIntegration(t)

	host := os.Getenv("ODM_TEST_MONGO_HOST")
	if host == "" {
		t.Skip("skipping MongoDB test (set ODM_TEST_MONGO_HOST to run)")
	}

	settings := config.ConnectionSettings{
		Host:     host,
		Port:     config.DefaultPort,
		Database: "odm_test",
	}
	if raw := os.Getenv("ODM_TEST_MONGO_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			t.Fatalf("invalid ODM_TEST_MONGO_PORT %q: %v", raw, err)
		}
		settings.Port = port
	}
	if db := os.Getenv("ODM_TEST_MONGO_DB"); db != "" {
		settings.Database = db
	}
	return settings
}
