package testutil

import (
	"os"
	"testing"
)

// RequireIntegration skips tests that need Docker. They run with -short disabled and,
// on CI, only when INTEGRATION_TESTS is set.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("CI") != "" && os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("skipping integration test on CI (set INTEGRATION_TESTS=1 to run)")
	}
}
