package testutil

import (
	"os"
	"testing"
)

// testEnv returns the named environment variable or skips the test.
func testEnv(t *testing.T, name string) string {
	t.Helper()
	v := os.Getenv(name)
	if v == "" {
		t.Skipf("%s not set, skipping integration test", name)
	}
	return v
}
