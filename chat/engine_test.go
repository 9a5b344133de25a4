package chat

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"megagram/chain"
	"megagram/crypto"
	"megagram/keystore"
	"megagram/models"
)

func messageIDs(messages []models.Message) []string {
	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.MessageID
	}
	return ids
}

func TestSyncMessagesSortsAndDeduplicates(t *testing.T) {
	client := newFakeClient(1000)
	client.addLog(chain.EventMessageSent, directMessage(t, "0x03", peerAddr, viewerAddr, "third", 300, 30))
	client.addLog(chain.EventMessageSent, directMessage(t, "0x01", viewerAddr, peerAddr, "first", 100, 10))
	client.addLog(chain.EventMessageSent, directMessage(t, "0x02", peerAddr, viewerAddr, "second", 200, 20))
	client.addLog(chain.EventMessageSent, directMessage(t, "0x02", peerAddr, viewerAddr, "second", 200, 21))
	client.addLog(chain.EventMessageSent, directMessage(t, "0x09", otherAddr, viewerAddr, "elsewhere", 150, 15))

	engine, _ := newTestEngine(t, client)
	require.NoError(t, engine.SyncMessages(context.Background(), peerAddr, false))

	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x01", "0x02", "0x03"}, messageIDs(messages))
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "second", messages[1].Content)
	for _, m := range messages {
		assert.Equal(t, models.StatusDelivered, m.Status)
		assert.NotEmpty(t, m.TxHash)
	}
}

func TestSyncMessagesPublishesMostRecentPage(t *testing.T) {
	client := newFakeClient(1000)
	for i, content := range []string{"a", "b", "c"} {
		id := "0x0" + string(rune('1'+i))
		client.addLog(chain.EventMessageSent,
			directMessage(t, id, peerAddr, viewerAddr, content, int64(100+i), uint64(10+i)))
	}

	engine, _ := newTestEngine(t, client, WithPageSize(2))
	require.NoError(t, engine.SyncMessages(context.Background(), peerAddr, false))

	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x02", "0x03"}, messageIDs(messages))
}

func TestSyncMessagesServesFreshCache(t *testing.T) {
	mock := clock.NewMock()
	client := newFakeClient(1000)
	client.addLog(chain.EventMessageSent, directMessage(t, "0x01", peerAddr, viewerAddr, "hi", 100, 10))

	engine, _ := newTestEngine(t, client, WithClock(mock))
	ctx := context.Background()

	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	blocks, logs := client.counts()
	assert.Equal(t, 1, blocks)
	assert.Equal(t, 1, logs)

	first, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)

	mock.Add(DefaultCacheTTL)
	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	_, logs = client.counts()
	assert.Equal(t, 2, logs)

	second, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSyncMessagesQueriesBoundedWindow(t *testing.T) {
	cases := []struct {
		latest   uint64
		wantFrom uint64
	}{
		{latest: 100000, wantFrom: 100000 - DefaultMaxBlockRange},
		{latest: 100, wantFrom: 0},
	}
	for _, tc := range cases {
		client := newFakeClient(tc.latest)
		engine, _ := newTestEngine(t, client)
		require.NoError(t, engine.SyncMessages(context.Background(), peerAddr, false))

		require.Len(t, client.logRanges, 1)
		assert.Equal(t, [2]uint64{tc.wantFrom, tc.latest}, client.logRanges[0])
	}
}

func TestSyncMessagesDropsConcurrentSync(t *testing.T) {
	client := newFakeClient(1000)
	client.entered = make(chan struct{})
	client.release = make(chan struct{})

	engine, _ := newTestEngine(t, client)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- engine.SyncMessages(ctx, peerAddr, false) }()
	<-client.entered

	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	close(client.release)
	require.NoError(t, <-done)

	blocks, logs := client.counts()
	assert.Equal(t, 1, blocks)
	assert.Equal(t, 1, logs)
}

func TestSyncMessagesPropagatesExhaustedRetries(t *testing.T) {
	client := newFakeClient(1000)
	client.blockErrs = 10

	engine, _ := newTestEngine(t, client)
	err := engine.SyncMessages(context.Background(), peerAddr, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetworkOperationFailed)
	assert.ErrorIs(t, err, errRPC)

	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "getBlockNumber", opErr.Label)

	blocks, logs := client.counts()
	assert.Equal(t, len(fastSchedule), blocks)
	assert.Zero(t, logs)
}

func TestSyncMessagesRecoversWithinRetries(t *testing.T) {
	client := newFakeClient(1000)
	client.logErrs = 3
	client.addLog(chain.EventMessageSent, directMessage(t, "0x01", peerAddr, viewerAddr, "late", 100, 10))

	engine, _ := newTestEngine(t, client)
	require.NoError(t, engine.SyncMessages(context.Background(), peerAddr, false))

	_, logs := client.counts()
	assert.Equal(t, 4, logs)
	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "late", messages[0].Content)
}

func TestSyncMessagesWithoutClient(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	assert.ErrorIs(t, engine.SyncMessages(context.Background(), peerAddr, false), ErrPublicClientUnavailable)
}

func TestDirectConversationRequiresWallet(t *testing.T) {
	engine := NewEngine(newFakeClient(10), nil, WithRateInterval(0))
	t.Cleanup(engine.Close)

	assert.ErrorIs(t, engine.SyncMessages(context.Background(), peerAddr, false), ErrWalletNotConnected)
	_, err := engine.SendMessage(context.Background(), "hi", peerAddr, false)
	assert.ErrorIs(t, err, ErrWalletNotConnected)

	_, err = engine.ConversationKey("not-an-address", false)
	assert.ErrorIs(t, err, ErrWalletNotConnected)
}

func TestConversationKeyRejectsInvalidPeer(t *testing.T) {
	engine, _ := newTestEngine(t, newFakeClient(10))
	_, err := engine.ConversationKey("not-an-address", false)
	assert.ErrorIs(t, err, ErrInvalidTarget)

	key, err := engine.ConversationKey(peerAddr, false)
	require.NoError(t, err)
	want, err := crypto.ConversationKey(viewerAddr, peerAddr)
	require.NoError(t, err)
	assert.Equal(t, want, key)

	groupKey, err := engine.ConversationKey(groupID, true)
	require.NoError(t, err)
	assert.Equal(t, groupID, groupKey)
}

func TestSyncGroupConversation(t *testing.T) {
	client := newFakeClient(1000)
	client.addLog(chain.EventGroupMessageSent, groupMessage(t, "0x01", peerAddr, "group-alpha", "hello group", 100, 10))
	client.addLog(chain.EventGroupMessageSent, groupMessage(t, "0x02", otherAddr, "group-beta", "wrong group", 110, 11))

	engine, _ := newTestEngine(t, client)
	require.NoError(t, engine.SyncMessages(context.Background(), groupID, true))

	messages, err := engine.Messages(groupID, true)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello group", messages[0].Content)
}

func TestLoadMoreStopsAtGenesis(t *testing.T) {
	client := newFakeClient(100)
	engine, _ := newTestEngine(t, client)
	ctx := context.Background()

	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	assert.False(t, engine.LoadMoreMessages(ctx, peerAddr, false))

	_, logs := client.counts()
	assert.Equal(t, 1, logs)
}

func TestLoadMoreMergesOlderWindow(t *testing.T) {
	latest := DefaultMaxBlockRange + 10000
	client := newFakeClient(latest)
	client.addLog(chain.EventMessageSent, directMessage(t, "0x02", peerAddr, viewerAddr, "recent", 200, latest-5))
	client.addLog(chain.EventMessageSent, directMessage(t, "0x01", viewerAddr, peerAddr, "old", 100, 5000))

	engine, _ := newTestEngine(t, client)
	ctx := context.Background()

	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x02"}, messageIDs(messages))

	assert.True(t, engine.LoadMoreMessages(ctx, peerAddr, false))
	earliest := latest - DefaultMaxBlockRange
	assert.Equal(t, [2]uint64{earliest - DefaultLoadMoreBlocks, earliest - 1}, client.logRanges[1])

	messages, err = engine.Messages(peerAddr, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x01", "0x02"}, messageIDs(messages))

	assert.False(t, engine.LoadMoreMessages(ctx, peerAddr, false))
	assert.Equal(t, [2]uint64{0, earliest - DefaultLoadMoreBlocks - 1}, client.logRanges[2])
}

func TestLoadMoreFailureKeepsState(t *testing.T) {
	latest := DefaultMaxBlockRange + 10000
	client := newFakeClient(latest)
	client.addLog(chain.EventMessageSent, directMessage(t, "0x02", peerAddr, viewerAddr, "recent", 200, latest-5))

	engine, _ := newTestEngine(t, client)
	ctx := context.Background()
	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))

	client.mux.Lock()
	client.logErrs = 10
	client.mux.Unlock()
	assert.True(t, engine.LoadMoreMessages(ctx, peerAddr, false))

	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x02"}, messageIDs(messages))

	client.mux.Lock()
	client.logErrs = 0
	client.mux.Unlock()
	assert.True(t, engine.LoadMoreMessages(ctx, peerAddr, false))
	earliest := latest - DefaultMaxBlockRange
	assert.Equal(t, [2]uint64{earliest - DefaultLoadMoreBlocks, earliest - 1}, client.logRanges[len(client.logRanges)-1])
}

func TestFetchOlderMessages(t *testing.T) {
	client := newFakeClient(1000)
	client.addLog(chain.EventMessageSent, directMessage(t, "0x01", peerAddr, viewerAddr, "one", 100, 10))
	client.addLog(chain.EventMessageSent, directMessage(t, "0x02", viewerAddr, peerAddr, "two", 200, 20))
	client.addLog(chain.EventMessageSent, directMessage(t, "0x03", peerAddr, viewerAddr, "three", 300, 30))

	engine, _ := newTestEngine(t, client)
	ctx := context.Background()

	older := engine.FetchOlderMessages(ctx, peerAddr, false, 300)
	assert.Equal(t, []string{"0x01", "0x02"}, messageIDs(older))

	again := engine.FetchOlderMessages(ctx, peerAddr, false, 300)
	assert.Equal(t, older, again)
	_, logs := client.counts()
	assert.Equal(t, 1, logs)
}

func TestFetchOlderMessagesReturnsEmptyOnFailure(t *testing.T) {
	client := newFakeClient(1000)
	client.logErrs = 10

	engine, _ := newTestEngine(t, client)
	older := engine.FetchOlderMessages(context.Background(), peerAddr, false, 300)
	assert.NotNil(t, older)
	assert.Empty(t, older)
}

func TestSendMessageIsPendingUntilConfirmed(t *testing.T) {
	client := newFakeClient(1000)
	client.receiptGate = make(chan struct{})

	engine, keys := newTestEngine(t, client)
	ctx := context.Background()

	txHash, err := engine.SendMessage(ctx, "hello there", peerAddr, false)
	require.NoError(t, err)
	require.NotEmpty(t, txHash)

	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.StatusPending, messages[0].Status)
	assert.Equal(t, txHash, messages[0].TxHash)
	assert.Equal(t, "hello there", messages[0].Content)
	assert.Equal(t, viewerAddr, messages[0].MainWallet)

	session, err := keys.SessionAccount(viewerAddr)
	require.NoError(t, err)
	assert.Equal(t, session.Address, messages[0].Sender)

	writes := client.writeCalls()
	require.Len(t, writes, 1)
	assert.Equal(t, chain.MethodSendMessage, writes[0].method)
	assert.Equal(t, session.Address, crypto.AddressOf(writes[0].signer))
	require.Len(t, writes[0].args, 3)
	assert.Equal(t, peerAddr, writes[0].args[0])
	assert.Equal(t, viewerAddr, writes[0].args[2])
	cipher, ok := writes[0].args[1].(string)
	require.True(t, ok)
	assert.Equal(t, "hello there", crypto.Decrypt(cipher, crypto.DerivePassphrase(viewerAddr, peerAddr)))

	confirmation, ok := engine.Confirmation(txHash)
	require.True(t, ok)
	close(client.receiptGate)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	receipt, err := confirmation.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded)

	messages, err = engine.Messages(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.StatusDelivered, messages[0].Status)
}

func TestSendMessageRemovesPendingOnWriteFailure(t *testing.T) {
	client := newFakeClient(1000)
	client.writeErr = errRPC

	engine, _ := newTestEngine(t, client)
	_, err := engine.SendMessage(context.Background(), "lost", peerAddr, false)
	require.ErrorIs(t, err, errRPC)

	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSendMessageRequiresSigningWallet(t *testing.T) {
	client := newFakeClient(1000)
	engine := NewEngine(client, keystore.New(newMemKV()), WithViewer(viewerAddr), WithRateInterval(0))
	t.Cleanup(engine.Close)

	_, err := engine.SendMessage(context.Background(), "read only", peerAddr, false)
	require.ErrorIs(t, err, ErrWalletNotConnected)
	assert.Empty(t, client.writeCalls())
}

func TestCachedSyncKeepsConfirmedStatus(t *testing.T) {
	client := newFakeClient(1000)
	client.receiptGate = make(chan struct{})

	engine, _ := newTestEngine(t, client)
	ctx := context.Background()

	txHash, err := engine.SendMessage(ctx, "confirmed soon", peerAddr, false)
	require.NoError(t, err)
	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))

	confirmation, ok := engine.Confirmation(txHash)
	require.True(t, ok)
	close(client.receiptGate)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = confirmation.Wait(waitCtx)
	require.NoError(t, err)

	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, models.StatusDelivered, messages[0].Status)

	_, logCalls := client.counts()
	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	_, after := client.counts()
	assert.Equal(t, logCalls, after, "second sync should be served from the cache")

	messages, err = engine.Messages(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.StatusDelivered, messages[0].Status)
}

func TestCachedSyncKeepsInFlightSend(t *testing.T) {
	client := newFakeClient(1000)
	client.addLog(chain.EventMessageSent, directMessage(t, "0x01", peerAddr, viewerAddr, "earlier", 100, 10))

	engine, _ := newTestEngine(t, client)
	ctx := context.Background()
	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))

	client.mux.Lock()
	client.writeEntered = make(chan struct{}, 1)
	client.writeGate = make(chan struct{})
	client.mux.Unlock()

	sent := make(chan error, 1)
	go func() {
		_, err := engine.SendMessage(ctx, "in flight", peerAddr, false)
		sent <- err
	}()
	select {
	case <-client.writeEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("write was never issued")
	}

	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "in flight", messages[1].Content)
	assert.True(t, messages[1].IsPending())

	close(client.writeGate)
	require.NoError(t, <-sent)
}

func TestResetConversationKeepsPendingAndClearsArchive(t *testing.T) {
	client := newFakeClient(1000)
	client.addLog(chain.EventMessageSent, directMessage(t, "0x01", peerAddr, viewerAddr, "old news", 100, 10))
	client.receiptGate = make(chan struct{})

	archive := &recordingArchive{saved: make(map[string][]models.Message)}
	engine, _ := newTestEngine(t, client, WithArchive(archive))
	ctx := context.Background()

	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	_, err := engine.SendMessage(ctx, "still pending", peerAddr, false)
	require.NoError(t, err)

	removed, err := engine.ResetConversation(peerAddr, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	key, err := engine.ConversationKey(peerAddr, false)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, archive.deleted)

	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "still pending", messages[0].Content)

	_, logCalls := client.counts()
	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	_, after := client.counts()
	assert.Greater(t, after, logCalls, "reset should drop the cached timeline")
	close(client.receiptGate)
}

func TestSendGroupMessage(t *testing.T) {
	client := newFakeClient(1000)
	engine, _ := newTestEngine(t, client)

	_, err := engine.SendMessage(context.Background(), "hi all", groupID, true)
	require.NoError(t, err)

	writes := client.writeCalls()
	require.Len(t, writes, 1)
	assert.Equal(t, chain.MethodSendGroupMessage, writes[0].method)
	require.Len(t, writes[0].args, 2)
	assert.Equal(t, groupID, writes[0].args[0])
	cipher := writes[0].args[1].(string)
	assert.Equal(t, "hi all", crypto.Decrypt(cipher, crypto.DerivePassphrase(viewerAddr, groupID)))
}

func TestConfirmationFailureLeavesMessagePending(t *testing.T) {
	client := newFakeClient(1000)
	client.reverted = true

	engine, _ := newTestEngine(t, client)
	txHash, err := engine.SendMessage(context.Background(), "doomed", peerAddr, false)
	require.NoError(t, err)

	confirmation, ok := engine.Confirmation(txHash)
	require.True(t, ok)
	<-confirmation.Done()
	_, err = confirmation.Wait(context.Background())
	assert.ErrorIs(t, err, chain.ErrTransactionReverted)

	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, models.StatusPending, messages[0].Status)
}

func TestSyncSupersedesOptimisticMessage(t *testing.T) {
	client := newFakeClient(1000)
	client.receiptGate = make(chan struct{})

	engine, _ := newTestEngine(t, client)
	ctx := context.Background()

	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	txHash, err := engine.SendMessage(ctx, "optimistic", peerAddr, false)
	require.NoError(t, err)

	onChain := directMessage(t, "0xaa", viewerAddr, peerAddr, "optimistic", 500, 900)
	onChain.TxHash = txHash
	client.addLog(chain.EventMessageSent, onChain)

	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))
	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "0xaa", messages[0].MessageID)
	assert.Equal(t, models.StatusDelivered, messages[0].Status)
}

func TestSyncKeepsUnconfirmedOptimisticMessage(t *testing.T) {
	client := newFakeClient(1000)
	client.receiptGate = make(chan struct{})
	client.addLog(chain.EventMessageSent, directMessage(t, "0x01", peerAddr, viewerAddr, "earlier", 100, 10))

	engine, _ := newTestEngine(t, client)
	ctx := context.Background()

	_, err := engine.SendMessage(ctx, "in flight", peerAddr, false)
	require.NoError(t, err)
	require.NoError(t, engine.SyncMessages(ctx, peerAddr, false))

	messages, err := engine.Messages(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "earlier", messages[0].Content)
	assert.Equal(t, "in flight", messages[1].Content)
	assert.True(t, messages[1].IsPending())
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	client := newFakeClient(1000)
	client.addLog(chain.EventMessageSent, directMessage(t, "0x01", peerAddr, viewerAddr, "ping", 100, 10))

	engine, _ := newTestEngine(t, client)
	updates, cancel := engine.Subscribe()
	defer cancel()

	require.NoError(t, engine.SyncMessages(context.Background(), peerAddr, false))

	select {
	case update := <-updates:
		key, err := engine.ConversationKey(peerAddr, false)
		require.NoError(t, err)
		assert.Equal(t, key, update.ConversationKey)
		assert.False(t, update.IsGroup)
		assert.Equal(t, []string{"0x01"}, messageIDs(update.Messages))
	case <-time.After(5 * time.Second):
		t.Fatal("no update published")
	}
}

type recordingArchive struct {
	saved     map[string][]models.Message
	delivered []string
	deleted   []string
}

func (r *recordingArchive) DeleteConversation(key string) (int64, error) {
	r.deleted = append(r.deleted, key)
	n := int64(len(r.saved[key]))
	delete(r.saved, key)
	return n, nil
}

func (r *recordingArchive) SaveMessages(key string, messages []models.Message) error {
	r.saved[key] = append(r.saved[key], messages...)
	return nil
}

func (r *recordingArchive) MarkDelivered(txHash string) (int64, error) {
	r.delivered = append(r.delivered, txHash)
	return 1, nil
}

func TestSyncPersistsToArchive(t *testing.T) {
	client := newFakeClient(1000)
	client.addLog(chain.EventMessageSent, directMessage(t, "0x01", peerAddr, viewerAddr, "keep me", 100, 10))

	archive := &recordingArchive{saved: make(map[string][]models.Message)}
	engine, _ := newTestEngine(t, client, WithArchive(archive))
	require.NoError(t, engine.SyncMessages(context.Background(), peerAddr, false))

	key, err := engine.ConversationKey(peerAddr, false)
	require.NoError(t, err)
	require.Len(t, archive.saved[key], 1)
	assert.Equal(t, "keep me", archive.saved[key][0].Content)
}
