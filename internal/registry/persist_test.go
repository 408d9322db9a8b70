package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"code.dogecoin.org/registry/internal/spec"
)

// memStore is an in-memory spec.Store for snapshot tests.
type memStore struct {
	version string
	data    []byte
}

func (s *memStore) WithCtx(ctx context.Context) spec.Store { return s }

func (s *memStore) SaveSnapshot(version string, data []byte) error {
	s.version, s.data = version, data
	return nil
}

func (s *memStore) LoadSnapshot(version string) ([]byte, error) {
	if s.data == nil || s.version != version {
		return nil, spec.NotFoundError
	}
	return s.data, nil
}

func (s *memStore) TrimSnapshots(keep int) (int64, error) { return 0, nil }

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	e1, _ := f.insertEntry(t, 1, 10)
	e2, _ := f.insertEntry(t, 2, 11)
	e1.LastPaidBlock = 123
	e2.PoSeBanScore = 3
	f.mgr.AllowMixing(e1.Outpoint)

	store := &memStore{}
	require.NoError(t, f.mgr.SaveTo(store))

	// restore into a second manager
	g := newFixture(t, nil)
	require.NoError(t, g.mgr.LoadFrom(store))

	require.Equal(t, 2, g.mgr.Count(1))
	snap1, ok := g.mgr.Get(e1.Outpoint)
	require.True(t, ok)
	require.Equal(t, 123, snap1.LastPaidBlock)
	require.Equal(t, e1.Addr.String(), snap1.Addr.String())
	snap2, ok := g.mgr.Get(e2.Outpoint)
	require.True(t, ok)
	require.Equal(t, 3, snap2.PoSeBanScore)

	// the seen-broadcast cache survives (serving sync needs it)
	g.mgr.mu.Lock()
	require.Len(t, g.mgr.seenBroadcast, 2)
	g.mgr.mu.Unlock()

	// dsq counter carried over
	require.Equal(t, uint64(1), g.mgr.Status().DsqCount)
}

func TestSnapshotVersionMismatchRebuilds(t *testing.T) {
	f := newFixture(t, nil)
	f.insertEntry(t, 1, 10)

	store := &memStore{}
	require.NoError(t, f.mgr.SaveTo(store))
	store.version = "CMasternodeMan-Version-7" // schema drift

	g := newFixture(t, nil)
	require.NoError(t, g.mgr.LoadFrom(store))
	require.Equal(t, 0, g.mgr.Count(1))
}

func TestSnapshotCorruptBlobRejected(t *testing.T) {
	f := newFixture(t, nil)
	f.insertEntry(t, 1, 10)

	store := &memStore{}
	require.NoError(t, f.mgr.SaveTo(store))
	store.data = store.data[:len(store.data)/2]

	g := newFixture(t, nil)
	require.NoError(t, g.mgr.LoadFrom(store))
	require.Equal(t, 0, g.mgr.Count(1))
}
