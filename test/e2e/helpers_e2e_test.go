//go:build e2e

package e2e_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/labtasker/pkg/client"
	"github.com/fairyhunter13/labtasker/pkg/docval"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string { return getenv("E2E_BASE_URL", "http://localhost:9321") }

// newE2EClient creates a throwaway queue on the target server and
// returns a client bound to it.
func newE2EClient(t *testing.T) *client.Client {
	t.Helper()
	name := fmt.Sprintf("e2e-%d", time.Now().UnixNano())
	c := client.New(baseURL(), name, "e2e-password")
	_, err := c.CreateQueue(context.Background(), docval.Object(nil))
	require.NoError(t, err)
	return c
}
