package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDist() DistInfo {
	return DistInfo{Hosts: []HostEntry{
		{IP: "10.0.0.1", Slots: 2, Port: 29500},
		{IP: "10.0.0.2", Slots: 2, Port: 29500},
	}}
}

func TestMaster_GetDistInfoAndCode(t *testing.T) {
	m := NewMaster(testDist(), CodeInfo{Path: "train.py", Args: []string{"--epochs", "3"}})
	ctx := context.Background()

	dist, err := m.GetDistInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, dist.TotalSlots())

	code, err := m.GetCode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "train.py", code.Path)
}

func TestMaster_GetMasterRankPortBlocksUntilSet(t *testing.T) {
	m := NewMaster(testDist(), CodeInfo{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resultCh := make(chan int, 1)
	go func() {
		port, err := m.GetMasterRankPort(ctx)
		require.NoError(t, err)
		resultCh <- port
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.SetMasterRankPort(ctx, 34567))

	select {
	case port := <-resultCh:
		assert.Equal(t, 34567, port)
	case <-time.After(time.Second):
		t.Fatal("GetMasterRankPort never returned after SetMasterRankPort")
	}
}

func TestMaster_GetMasterRankPortCanceled(t *testing.T) {
	m := NewMaster(testDist(), CodeInfo{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.GetMasterRankPort(ctx)
	assert.Error(t, err)
}

func TestMaster_ReconfigureNotifiesWatchersAndResetsPort(t *testing.T) {
	m := NewMaster(testDist(), CodeInfo{})
	ctx := context.Background()
	require.NoError(t, m.SetMasterRankPort(ctx, 111))

	watchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := m.WatchReconfigurationNotification(watchCtx)
	require.NoError(t, err)

	newDist := DistInfo{Hosts: []HostEntry{{IP: "10.0.0.1", Slots: 2, Port: 29500}}}
	m.Reconfigure(newDist)

	select {
	case ev := <-events:
		assert.Equal(t, newDist, ev.DistInfo)
	case <-time.After(time.Second):
		t.Fatal("did not receive reconfiguration event")
	}

	dist, _ := m.GetDistInfo(ctx)
	assert.Equal(t, newDist, dist)

	portCtx, portCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer portCancel()
	_, err = m.GetMasterRankPort(portCtx)
	assert.Error(t, err, "port should have been reset by Reconfigure")
}
