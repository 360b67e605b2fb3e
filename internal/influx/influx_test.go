package influx

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ert-concierge/concierge/internal/config"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(config.InfluxConfig{Enabled: false}, zerolog.Nop(), "")
	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
	assert.False(t, m.IsValid)
}

func TestClientPoint_LineProtocol(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	line := influxdb2_write.PointToLineProtocol(ClientPoint("viewer", "leave", 90*time.Second, ts), time.Second)

	assert.Contains(t, line, MeasurementClients)
	assert.Contains(t, line, "client=viewer")
	assert.Contains(t, line, "event=leave")
	assert.Contains(t, line, "connected_seconds=90")
	assert.Contains(t, line, "1700000000")
}

func TestRoutePoint_LineProtocol(t *testing.T) {
	line := influxdb2_write.PointToLineProtocol(RoutePoint("GROUP", 3, time.Unix(0, 0)), time.Second)

	assert.Contains(t, line, MeasurementRoutes)
	assert.Contains(t, line, "target=GROUP")
	assert.Contains(t, line, "recipients=3i")
}

func TestConnect_UnreachableWritesBackup(t *testing.T) {
	backup := filepath.Join(t.TempDir(), "influx_backup.lp.gz")
	m := NewManager(config.InfluxConfig{
		Enabled:  true,
		Protocol: "http",
		Host:     "127.0.0.1",
		Port:     "1",
		Org:      "org",
		Bucket:   "bucket",
	}, zerolog.Nop(), backup)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	assert.False(t, m.IsValid)

	require.NoError(t, m.RecordJoin("viewer"))
	require.NoError(t, m.RecordRoute("NAME", 1))
	require.NoError(t, m.Close())

	f, err := os.Open(backup)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)

	assert.Contains(t, string(data), "client=viewer")
	assert.Contains(t, string(data), "target=NAME")
}

func TestWritePoint_NoBackupDiscards(t *testing.T) {
	m := NewManager(config.InfluxConfig{}, zerolog.Nop(), "")
	assert.NoError(t, m.RecordLeave("viewer", time.Second))
	assert.NoError(t, m.Close())
}
