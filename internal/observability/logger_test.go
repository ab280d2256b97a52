package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/labtasker/internal/config"
)

func TestNewLogger_DevEnablesDebug(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	lg := newLogger(&buf, config.Config{AppEnv: "dev", OTELServiceName: "labtasker"})

	require.True(t, lg.Enabled(context.Background(), slog.LevelDebug))
	lg.Debug("dispatch trace")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "labtasker", rec["service"])
	assert.Equal(t, "dev", rec["env"])
	assert.Equal(t, "dispatch trace", rec["msg"])
}

func TestNewLogger_ProdSuppressesDebug(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	lg := newLogger(&buf, config.Config{AppEnv: "prod", OTELServiceName: "labtasker"})

	assert.False(t, lg.Enabled(context.Background(), slog.LevelDebug))
	lg.Debug("hidden")
	assert.Zero(t, buf.Len())
}
