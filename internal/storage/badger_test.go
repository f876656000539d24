package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStoreInMemory(t *testing.T) {
	store := NewBadgerStore("", nil)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}

func TestBadgerStorePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewBadgerStore(dir, nil)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.AppendParentCall(ctx, testParentCall("run-1", 0)))
	require.NoError(t, store.Close())

	reopened := NewBadgerStore(dir, nil)
	require.NoError(t, reopened.Init(ctx))
	t.Cleanup(func() { _ = reopened.Close() })
	calls, err := reopened.ListParentCalls(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, -3.5, calls[0].Parent.Energy)
}

func TestBadgerStoreRejectsOtherVersions(t *testing.T) {
	ctx := context.Background()
	store := NewBadgerStore("", nil)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { _ = store.Close() })

	record := testParentCall("run-1", 0)
	record.SchemaVersion = CurrentSchemaVersion + 1
	require.NoError(t, store.AppendParentCall(ctx, record))
	_, err := store.ListParentCalls(ctx, "run-1")
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestBadgerStoreCompressesPayloads(t *testing.T) {
	ctx := context.Background()
	store := NewBadgerStore("", nil)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.AppendParentCall(ctx, testParentCall("run-1", 7)))

	db, err := store.getDB()
	require.NoError(t, err)
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(parentCallKey("run-1", 7))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if _, err := DecodeParentCall(raw); err == nil {
			return errors.New("payload stored uncompressed")
		}
		payload, err := decompressPayload(raw)
		if err != nil {
			return err
		}
		_, err = DecodeParentCall(payload)
		return err
	})
	require.NoError(t, err)
}

func TestBadgerStoreRequiresInit(t *testing.T) {
	_, err := NewBadgerStore("", nil).ListRuns(context.Background())
	assert.Error(t, err)
}
