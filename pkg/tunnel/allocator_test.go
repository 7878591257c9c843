package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticewan/lattice/pkg/log"
	"github.com/latticewan/lattice/pkg/storage"
	"github.com/latticewan/lattice/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAllocateIncrementsPerOrg(t *testing.T) {
	store := newTestStore(t)
	alloc := NewAllocator(store, 100)

	for want := 1; want <= 3; want++ {
		num, err := alloc.Allocate("org-1")
		require.NoError(t, err)
		assert.Equal(t, want, num)
	}

	// Counters are independent per organization
	num, err := alloc.Allocate("org-2")
	require.NoError(t, err)
	assert.Equal(t, 1, num)
}

func TestAllocateReclaimsFreedNumberFirst(t *testing.T) {
	store := newTestStore(t)
	alloc := NewAllocator(store, 100)

	for num := 1; num <= 2; num++ {
		got, err := alloc.Allocate("org-1")
		require.NoError(t, err)
		require.NoError(t, store.UpsertTunnel(&types.Tunnel{
			Org: "org-1", Num: got, IsActive: true,
			DeviceAConf: true, DeviceBConf: true,
		}))
	}

	require.NoError(t, store.DeactivateTunnel("org-1", 1))

	num, err := alloc.Allocate("org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, num, "freed number must be reused before the counter grows")

	// Reclaiming reactivates the row with conf flags cleared
	tunnel, err := store.GetTunnel("org-1", 1)
	require.NoError(t, err)
	assert.True(t, tunnel.IsActive)
	assert.False(t, tunnel.DeviceAConf)
	assert.False(t, tunnel.DeviceBConf)

	num, err = alloc.Allocate("org-1")
	require.NoError(t, err)
	assert.Equal(t, 3, num)
}

func TestAllocateExhaustionIsTerminal(t *testing.T) {
	store := newTestStore(t)
	alloc := NewAllocator(store, 2)

	_, err := alloc.Allocate("org-1")
	require.NoError(t, err)
	_, err = alloc.Allocate("org-1")
	require.NoError(t, err)

	_, err = alloc.Allocate("org-1")
	require.ErrorIs(t, err, ErrExhausted)
}
