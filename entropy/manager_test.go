package entropy

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/require"

	"github.com/jeanparpaillon/riak-kv/hashtree"
	"github.com/jeanparpaillon/riak-kv/kv"
	"github.com/jeanparpaillon/riak-kv/storage"
)

const testSegments = 8

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, partition uint64, locks *LockManager) (*Manager, *kv.DBStore) {
	t.Helper()
	if locks == nil {
		locks = NewLockManager(4, 2)
	}
	db := storage.NewMemDB()
	store := kv.NewDBStore(db, partition)
	m, err := NewManager(Config{
		Partition: partition,
		Store:     store,
		Ring:      kv.NewModRing([]uint64{partition}, 1),
		Factory:   hashtree.NewStoreFactory(db, hashtree.Options{Segments: testSegments, Fanout: 2}),
		Locks:     locks,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, store
}

func segmentOfKey(key string) int {
	return int(xxhash.Sum64String(key) % testSegments)
}

func storedObject(t *testing.T, value string) []byte {
	t.Helper()
	data, err := kv.EncodeObject(kv.Object{
		Value: []byte(value),
		Clock: []kv.ClockEntry{{Actor: "n1", Counter: 1, Timestamp: 1}},
	})
	require.NoError(t, err)
	return data
}

func TestOperationsOnUnknownGroup(t *testing.T) {
	m, _ := newTestManager(t, 1, nil)
	group := kv.Group{Partition: 1, Index: 1}

	require.ErrorIs(t, m.Insert(group, "k", []byte("d")), ErrUnknownGroup)
	require.ErrorIs(t, m.Update(group), ErrNotResponsible)
	_, err := m.ExchangeBucket(group, 1, 0)
	require.ErrorIs(t, err, ErrNotResponsible)
	_, err = m.ExchangeSegment(group, 0)
	require.ErrorIs(t, err, ErrNotResponsible)
	_, err = m.Compare(group, nil)
	require.ErrorIs(t, err, ErrNotResponsible)
}

func TestCreateTreeRejectsInvalidIdentifier(t *testing.T) {
	m, _ := newTestManager(t, 1, nil)
	err := m.CreateTree(kv.Group{Partition: 1, Index: 1})
	require.NoError(t, err)
}

func TestFreshTreesAreComparable(t *testing.T) {
	m, _ := newTestManager(t, 1, nil)
	g1 := kv.Group{Partition: 1, Index: 1}
	g2 := kv.Group{Partition: 1, Index: 2}
	require.NoError(t, m.CreateTree(g1))
	require.NoError(t, m.CreateTree(g2))
	require.NoError(t, m.Update(g1))
	require.NoError(t, m.Update(g2))

	keys, err := m.Compare(g1, m.View(g2))
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestInsertUpdateSegment(t *testing.T) {
	m, _ := newTestManager(t, 7, nil)
	group := kv.Group{Partition: 7, Index: 1}
	require.NoError(t, m.CreateTree(group))

	for i := 1; i <= 100; i++ {
		key := fmt.Sprintf("K%d", i)
		require.NoError(t, m.Insert(group, key, []byte(fmt.Sprintf("D%d", i))))
	}
	require.NoError(t, m.Update(group))

	entries, err := m.ExchangeSegment(group, segmentOfKey("K1"))
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Key == "K1" {
			found = true
			require.Equal(t, []byte("D1"), e.Digest)
		}
	}
	require.True(t, found, "segment must contain K1")
}

func TestCompareAcrossManagers(t *testing.T) {
	local, _ := newTestManager(t, 3, nil)
	remote, _ := newTestManager(t, 3, nil)
	group := kv.Group{Partition: 3, Index: 1}
	require.NoError(t, local.CreateTree(group))
	require.NoError(t, remote.CreateTree(group))

	for i := 0; i < 40; i++ {
		key := fmt.Sprintf("key-%d", i)
		digest := []byte(fmt.Sprintf("digest-%d", i))
		require.NoError(t, local.Insert(group, key, digest))
		require.NoError(t, remote.Insert(group, key, digest))
	}
	require.NoError(t, local.Update(group))
	require.NoError(t, remote.Update(group))

	keys, err := local.Compare(group, remote.View(group))
	require.NoError(t, err)
	require.Empty(t, keys, "replicas with identical contents must not diverge")

	require.NoError(t, remote.Insert(group, "key-11", []byte("corrupted")))
	require.NoError(t, remote.Update(group))
	keys, err = local.Compare(group, remote.View(group))
	require.NoError(t, err)
	require.Equal(t, []string{"key-11"}, keys)
}

func TestExchangeSessionExclusive(t *testing.T) {
	m, _ := newTestManager(t, 1, nil)
	group := kv.Group{Partition: 1, Index: 1}
	require.NoError(t, m.CreateTree(group))

	driver := make(chan struct{})
	session, err := m.StartExchangeRemote(MonitorChannel(driver), group)
	require.NoError(t, err)
	require.NotNil(t, session)

	_, err = m.StartExchangeRemote(MonitorChannel(make(chan struct{})), group)
	require.ErrorIs(t, err, ErrAlreadyExchanging)

	session.End()
	require.Eventually(t, func() bool {
		s, err := m.StartExchangeRemote(MonitorChannel(driver), group)
		if err != nil {
			return false
		}
		s.End()
		return true
	}, time.Second, 5*time.Millisecond, "explicit End must free the exchange slot")
}

func TestDriverCrashReleasesExchangeLock(t *testing.T) {
	locks := NewLockManager(4, 1)
	m, _ := newTestManager(t, 1, locks)
	group := kv.Group{Partition: 1, Index: 1}
	require.NoError(t, m.CreateTree(group))

	driver := make(chan struct{})
	_, err := m.StartExchangeRemote(MonitorChannel(driver), group)
	require.NoError(t, err)

	// The single node-wide exchange token is held by the session.
	_, err = locks.AcquireExchange()
	require.ErrorIs(t, err, ErrMaxConcurrency)

	// Simulate the remote driver dying without ending its session.
	close(driver)

	require.Eventually(t, func() bool {
		tok, err := locks.AcquireExchange()
		if err != nil {
			return false
		}
		tok.Release()
		return true
	}, time.Second, 5*time.Millisecond, "driver death must release the lock without explicit cooperation")
}

func TestExchangePoolExhaustion(t *testing.T) {
	locks := NewLockManager(4, 1)
	m, _ := newTestManager(t, 1, locks)
	group := kv.Group{Partition: 1, Index: 1}
	require.NoError(t, m.CreateTree(group))

	tok, err := locks.AcquireExchange()
	require.NoError(t, err)
	defer tok.Release()

	_, err = m.StartExchangeRemote(MonitorChannel(make(chan struct{})), group)
	require.ErrorIs(t, err, ErrMaxConcurrency)
}

func TestBuildFoldsStore(t *testing.T) {
	m, store := newTestManager(t, 5, nil)
	group := kv.Group{Partition: 5, Index: 1}
	require.NoError(t, m.CreateTree(group))

	objects := make(map[string][]byte)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("build-%d", i)
		obj := storedObject(t, fmt.Sprintf("value-%d", i))
		objects[key] = obj
		require.NoError(t, store.Put([]byte(key), obj))
	}

	require.False(t, m.Built())
	require.NoError(t, m.TriggerBuild())
	require.True(t, m.Built())

	require.NoError(t, m.Update(group))
	for key, obj := range objects {
		expected, err := kv.ObjectDigest(obj)
		require.NoError(t, err)
		entries, err := m.ExchangeSegment(group, segmentOfKey(key))
		require.NoError(t, err)
		found := false
		for _, e := range entries {
			if e.Key == key {
				found = true
				require.Equal(t, expected, e.Digest)
			}
		}
		require.True(t, found, "built tree must contain %s", key)
	}
}

func TestBuildDeferredOnLockExhaustion(t *testing.T) {
	locks := NewLockManager(1, 1)
	m, _ := newTestManager(t, 2, locks)
	require.NoError(t, m.CreateTree(kv.Group{Partition: 2, Index: 1}))

	tok, err := locks.AcquireBuild()
	require.NoError(t, err)

	require.ErrorIs(t, m.TriggerBuild(), ErrMaxConcurrency)
	require.False(t, m.Built())

	tok.Release()
	require.NoError(t, m.TriggerBuild())
	require.True(t, m.Built())

	// Terminal state: a second trigger is a no-op.
	require.NoError(t, m.TriggerBuild())
	require.True(t, m.Built())
}

func TestInsertObjectHashesIntoResponsibleTrees(t *testing.T) {
	m, _ := newTestManager(t, 4, nil)
	group := kv.Group{Partition: 4, Index: 1}
	require.NoError(t, m.CreateTree(group))

	obj := storedObject(t, "payload")
	require.NoError(t, m.InsertObject([]byte("obj-key"), obj))
	require.NoError(t, m.Update(group))

	expected, err := kv.ObjectDigest(obj)
	require.NoError(t, err)
	entries, err := m.ExchangeSegment(group, segmentOfKey("obj-key"))
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Key == "obj-key" {
			found = true
			require.Equal(t, expected, e.Digest)
		}
	}
	require.True(t, found)
}

func TestStoppedManagerRefusesRequests(t *testing.T) {
	m, _ := newTestManager(t, 1, nil)
	m.Stop()
	require.ErrorIs(t, m.CreateTree(kv.Group{Partition: 1, Index: 1}), ErrManagerStopped)
	require.ErrorIs(t, m.Insert(kv.Group{Partition: 1, Index: 1}, "k", nil), ErrManagerStopped)
}
