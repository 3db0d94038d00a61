package controlplane_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oobleck-ml/oobleck/internal/controlplane"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_RoundTrip(t *testing.T) {
	dist := controlplane.DistInfo{Hosts: []controlplane.HostEntry{{IP: "10.0.0.1", Slots: 2, Port: 29500}}}
	master := controlplane.NewMaster(dist, controlplane.CodeInfo{Path: "train.py"})
	srv := httptest.NewServer(controlplane.NewHTTPHandler(master))
	defer srv.Close()

	client := controlplane.NewHTTPClient(srv.URL, 10*time.Millisecond)
	ctx := context.Background()

	got, err := client.GetDistInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, dist, got)

	code, err := client.GetCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "train.py", code.Path)

	require.NoError(t, client.SetMasterRankPort(ctx, 55000))

	portCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	port, err := client.GetMasterRankPort(portCtx)
	require.NoError(t, err)
	assert.Equal(t, 55000, port)
}

func TestHTTPTransport_WatchReconfiguration(t *testing.T) {
	dist := controlplane.DistInfo{Hosts: []controlplane.HostEntry{{IP: "10.0.0.1", Slots: 1, Port: 29500}}}
	master := controlplane.NewMaster(dist, controlplane.CodeInfo{})
	srv := httptest.NewServer(controlplane.NewHTTPHandler(master))
	defer srv.Close()

	client := controlplane.NewHTTPClient(srv.URL, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events, err := client.WatchReconfigurationNotification(ctx)
	require.NoError(t, err)

	newDist := controlplane.DistInfo{Hosts: []controlplane.HostEntry{
		{IP: "10.0.0.1", Slots: 1, Port: 29500},
		{IP: "10.0.0.2", Slots: 1, Port: 29500},
	}}
	master.Reconfigure(newDist)

	select {
	case ev := <-events:
		assert.Equal(t, newDist, ev.DistInfo)
	case <-time.After(time.Second):
		t.Fatal("did not observe reconfiguration over HTTP polling")
	}
}
