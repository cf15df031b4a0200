package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisp-im/whisp/delivery"
	"github.com/whisp-im/whisp/keyexchange"
)

func sampleRequest() *keyexchange.Request {
	return &keyexchange.Request{
		ID:         "req-1",
		FromPeerID: "alice",
		ToPeerID:   "bob",
		Status:     keyexchange.StatusSent,
		Phrase:     "hi, it's alice",
		CreatedAt:  time.Now().Truncate(time.Millisecond),
	}
}

func sampleRecord() *delivery.Record {
	return &delivery.Record{
		MessageID: "msg-1",
		State:     delivery.StateSent,
		Attempts:  2,
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	store := NewMemory()

	require.NoError(t, store.SaveRequest(sampleRequest()))
	req, err := store.LoadRequest("req-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, keyexchange.StatusSent, req.Status)

	missing, err := store.LoadRequest("ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.SaveDeliveryRecord(sampleRecord()))
	rec, err := store.LoadDeliveryRecord("msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.Attempts)
}

func TestMemoryReturnsCopies(t *testing.T) {
	store := NewMemory()
	require.NoError(t, store.SaveRequest(sampleRequest()))

	req, err := store.LoadRequest("req-1")
	require.NoError(t, err)
	req.Status = keyexchange.StatusFailed

	again, err := store.LoadRequest("req-1")
	require.NoError(t, err)
	assert.Equal(t, keyexchange.StatusSent, again.Status)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveRequest(sampleRequest()))
	require.NoError(t, store.SaveDeliveryRecord(sampleRecord()))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)

	req, err := reopened.LoadRequest("req-1")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "alice", req.FromPeerID)
	assert.Equal(t, "hi, it's alice", req.Phrase)

	rec, err := reopened.LoadDeliveryRecord("msg-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, delivery.StateSent, rec.State)
}

func TestFileStoreMissingEntity(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	req, err := store.LoadRequest("ghost")
	require.NoError(t, err)
	assert.Nil(t, req)

	rec, err := store.LoadDeliveryRecord("ghost")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestFileStoreOverwrites(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	rec := sampleRecord()
	require.NoError(t, store.SaveDeliveryRecord(rec))
	rec.State = delivery.StateDelivered
	require.NoError(t, store.SaveDeliveryRecord(rec))

	loaded, err := store.LoadDeliveryRecord("msg-1")
	require.NoError(t, err)
	assert.Equal(t, delivery.StateDelivered, loaded.State)
}

func TestFileStoreSanitizesHostileIDs(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	rec := sampleRecord()
	rec.MessageID = "../../../etc/passwd"
	require.NoError(t, store.SaveDeliveryRecord(rec))

	loaded, err := store.LoadDeliveryRecord("../../../etc/passwd")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, delivery.StateSent, loaded.State)
}
