package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	arrowclient "github.com/23skdu/longbow-octdiff/internal/arrow_client"
	"github.com/23skdu/longbow-octdiff/internal/config"
	"github.com/23skdu/longbow-octdiff/internal/denoise"
	"github.com/23skdu/longbow-octdiff/internal/device"
	"github.com/23skdu/longbow-octdiff/internal/fieldio"
	"github.com/23skdu/longbow-octdiff/internal/monitoring"
	"github.com/23skdu/longbow-octdiff/internal/noise"
)

func TestRandomSpheresInsideCube(t *testing.T) {
	for _, s := range randomSpheres(50, noise.NewGaussian(1)) {
		assert.GreaterOrEqual(t, s.Radius, 0.2)
		assert.LessOrEqual(t, s.Radius, 0.6)
		for _, c := range []float64{s.Center.X, s.Center.Y, s.Center.Z} {
			assert.LessOrEqual(t, c+s.Radius, 0.9+1e-12)
			assert.GreaterOrEqual(t, c-s.Radius, -0.9-1e-12)
		}
	}
}

func TestWriteSamplesRoundTrip(t *testing.T) {
	dev := device.NewContext()
	ref, batch, err := loadReference(dev, "", 3, 2, 0.05, 4)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, writeSamples(dir, []*device.Tensor{ref, ref}, batch))

	f, err := os.Open(filepath.Join(dir, "sample-001.arrow"))
	require.NoError(t, err)
	defer f.Close()
	got, gotBatch, err := fieldio.Read(f)
	require.NoError(t, err)
	assert.Equal(t, ref.Data(), got.Data())
	assert.Equal(t, 2, gotBatch.BatchSize())

	again, _, err := loadReference(dev, filepath.Join(dir, "sample-000.arrow"), 0, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, ref.Data(), again.Data())
}

func TestPushFields(t *testing.T) {
	dev := device.NewContext()
	ref, batch, err := loadReference(dev, "", 3, 1, 0.05, 9)
	require.NoError(t, err)

	store := arrowclient.NewMockFieldStore()
	require.NoError(t, pushFields(context.Background(), store, []*device.Tensor{ref, ref, ref}, batch))
	assert.Equal(t, []string{"sample-000", "sample-001", "sample-002"}, store.Names())
}

func TestFlightHostPort(t *testing.T) {
	tests := []struct {
		addr     string
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{"localhost:3000", "localhost", 3000, false},
		{":4000", "localhost", 4000, false},
		{"", "", 0, true},
		{"nohost", "", 0, true},
		{"host:port", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			a := &app{cfg: config.Default()}
			a.cfg.FlightAddr = tt.addr
			host, port, err := a.flightHostPort()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestNewDenoiser(t *testing.T) {
	dev := device.NewContext()
	ref, _, err := loadReference(dev, "", 3, 1, 0.05, 2)
	require.NoError(t, err)

	d, err := newDenoiser(dev, denoiserGaussian, ref)
	require.NoError(t, err)
	assert.IsType(t, &denoise.Gaussian{}, d)

	d, err = newDenoiser(dev, denoiserOracle, ref)
	require.NoError(t, err)
	assert.IsType(t, &denoise.Oracle{}, d)

	_, err = newDenoiser(dev, "unet", ref)
	assert.ErrorContains(t, err, "unet")
}

func TestNewContextHonoursThreads(t *testing.T) {
	a := &app{cfg: config.Default()}
	a.cfg.Threads = 3
	assert.Equal(t, 3, a.newContext().NumThreads())

	a.cfg.Threads = 0
	assert.Equal(t, device.NewContext().NumThreads(), a.newContext().NumThreads())
}

func TestStartMonitorOnlyWhenConfigured(t *testing.T) {
	a := &app{cfg: config.Default(), monitor: monitoring.NewHealthMonitor("test", monitoring.SamplerInfo{})}
	require.NoError(t, a.startMonitor(), "an empty address leaves the endpoint off")

	taken := monitoring.NewHealthMonitor("test", monitoring.SamplerInfo{})
	addr, err := taken.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Stop(context.Background())

	a.cfg.MetricsAddr = addr.String()
	assert.Error(t, a.startMonitor(), "bind failures must reach the caller")
}

func TestListStoredFields(t *testing.T) {
	dev := device.NewContext()
	ref, batch, err := loadReference(dev, "", 3, 1, 0.05, 5)
	require.NoError(t, err)

	store := arrowclient.NewMockFieldStore()
	require.NoError(t, pushFields(context.Background(), store, []*device.Tensor{ref, ref}, batch))
	require.NoError(t, store.Connect(context.Background()))
	names, err := store.ListFields(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sample-000", "sample-001"}, names)
	assert.NoError(t, renderNames(names))
}
