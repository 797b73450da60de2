package control

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesAttachedClients(t *testing.T) {
	h := NewHub(4)
	a, b := h.Attach(), h.Attach()
	require.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, h.Len())

	n, err := h.Broadcast(Message{Type: UpdateAvailable})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, UpdateAvailable, (<-a.Messages()).Type)
	assert.Equal(t, UpdateAvailable, (<-b.Messages()).Type)
}

func TestBroadcastNeverBlocks(t *testing.T) {
	h := NewHub(1)
	slow := h.Attach()
	fast := h.Attach()

	_, err := h.Broadcast(Message{Type: SyncRequested})
	require.NoError(t, err)
	<-fast.Messages()

	n, err := h.Broadcast(Message{Type: SyncRequested})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, ErrClientBusy)
	assert.Contains(t, err.Error(), slow.ID)
}

func TestDetach(t *testing.T) {
	h := NewHub(1)
	c := h.Attach()
	c.Detach()
	c.Detach()

	_, ok := <-c.Messages()
	assert.False(t, ok, "detached client channel should be closed")
	n, err := h.Broadcast(Message{Type: Navigate})
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseDetachesEveryone(t *testing.T) {
	h := NewHub(1)
	a := h.Attach()
	h.Close()
	_, ok := <-a.Messages()
	assert.False(t, ok)

	late := h.Attach()
	_, ok = <-late.Messages()
	assert.False(t, ok, "attach after close returns a closed client")
	assert.Zero(t, h.Len())
	late.Detach()
}

func TestConcurrentAttachBroadcast(t *testing.T) {
	h := NewHub(8)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := h.Attach()
			c.Detach()
		}()
		go func() {
			defer wg.Done()
			_, _ = h.Broadcast(Message{Type: StateChange})
		}()
	}
	wg.Wait()
	assert.Zero(t, h.Len())
}
