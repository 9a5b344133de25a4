package chat

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"megagram/chain"
	"megagram/crypto"
	"megagram/keystore"
	"megagram/storage"
)

const (
	viewerKeyHex = "0x0000000000000000000000000000000000000000000000000000000000000001"
	viewerAddr   = "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf"
	peerAddr     = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	otherAddr    = "0xcccccccccccccccccccccccccccccccccccccccc"
	sessionAddr  = "0xdddddddddddddddddddddddddddddddddddddddd"
	groupID      = "Group-Alpha"
)

var errRPC = errors.New("rpc unavailable")

// memKV is an in-memory keystore.KV.
type memKV struct {
	mux    sync.Mutex
	values map[string]string
}

func newMemKV() *memKV { return &memKV{values: make(map[string]string)} }

func (m *memKV) Get(key string) (string, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (m *memKV) Set(key, value string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.values[key] = value
	return nil
}

func (m *memKV) Remove(key string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.values, key)
	return nil
}

type writeCall struct {
	signer *ecdsa.PrivateKey
	method string
	args   []any
}

// fakeClient is an in-memory ContractClient.
type fakeClient struct {
	mux sync.Mutex

	latest    uint64
	logs      map[string][]chain.RawLog
	blockErrs int
	logErrs   int

	blockCalls int
	logCalls   int
	logRanges  [][2]uint64

	// when set, GetLogs signals entered and blocks until release is closed
	entered chan struct{}
	release chan struct{}

	writes   []writeCall
	writeErr error
	nextTx   int

	// when set, Write signals writeEntered and blocks until writeGate is closed
	writeEntered chan struct{}
	writeGate    chan struct{}

	// WaitForReceipt blocks until receiptGate is closed when it is set
	receiptGate chan struct{}
	receiptErr  error
	reverted    bool

	reads    map[string]func(args []any) ([]any, error)
	readFrom []string
}

func newFakeClient(latest uint64) *fakeClient {
	return &fakeClient{
		latest: latest,
		logs:   make(map[string][]chain.RawLog),
		reads:  make(map[string]func(args []any) ([]any, error)),
	}
}

func (f *fakeClient) addLog(event string, lg chain.RawLog) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.logs[event] = append(f.logs[event], lg)
}

func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.blockCalls++
	if f.blockErrs > 0 {
		f.blockErrs--
		return 0, errRPC
	}
	return f.latest, nil
}

func (f *fakeClient) GetLogs(ctx context.Context, eventName string, from, to uint64) ([]chain.RawLog, error) {
	f.mux.Lock()
	f.logCalls++
	f.logRanges = append(f.logRanges, [2]uint64{from, to})
	entered, release := f.entered, f.release
	f.mux.Unlock()

	if entered != nil {
		entered <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mux.Lock()
	defer f.mux.Unlock()
	if f.logErrs > 0 {
		f.logErrs--
		return nil, errRPC
	}
	var out []chain.RawLog
	for _, lg := range f.logs[eventName] {
		if lg.BlockNumber >= from && lg.BlockNumber <= to {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeClient) Write(ctx context.Context, signer *ecdsa.PrivateKey, method string, args ...any) (string, error) {
	f.mux.Lock()
	entered, gate := f.writeEntered, f.writeGate
	f.mux.Unlock()

	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mux.Lock()
	defer f.mux.Unlock()
	f.writes = append(f.writes, writeCall{signer: signer, method: method, args: args})
	if f.writeErr != nil {
		return "", f.writeErr
	}
	f.nextTx++
	return fmt.Sprintf("0x%064x", f.nextTx), nil
}

func (f *fakeClient) WaitForReceipt(ctx context.Context, txHash string, _ uint64) (*chain.Receipt, error) {
	f.mux.Lock()
	gate, err, reverted, latest := f.receiptGate, f.receiptErr, f.reverted, f.latest
	f.mux.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &chain.Receipt{TxHash: txHash, BlockNumber: latest, Succeeded: !reverted}, nil
}

func (f *fakeClient) Read(_ context.Context, from, method string, args ...any) ([]any, error) {
	f.mux.Lock()
	f.readFrom = append(f.readFrom, from)
	fn, ok := f.reads[method]
	f.mux.Unlock()
	if !ok {
		return nil, errors.Errorf("unexpected read %s", method)
	}
	return fn(args)
}

func (f *fakeClient) counts() (blocks, logs int) {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.blockCalls, f.logCalls
}

func (f *fakeClient) writeCalls() []writeCall {
	f.mux.Lock()
	defer f.mux.Unlock()
	return append([]writeCall(nil), f.writes...)
}

var fastSchedule = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}

func viewerKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, address, err := crypto.ParseSessionKey(viewerKeyHex)
	require.NoError(t, err)
	require.Equal(t, viewerAddr, address)
	return key
}

func newTestEngine(t *testing.T, client ContractClient, opts ...Option) (*Engine, *keystore.KeyStore) {
	t.Helper()

	keys := keystore.New(newMemKV())
	base := []Option{
		WithWallet(viewerKey(t)),
		WithRateInterval(0),
		WithRetrySchedule(fastSchedule),
		WithContract(otherAddr),
	}
	engine := NewEngine(client, keys, append(base, opts...)...)
	t.Cleanup(engine.Close)
	return engine, keys
}

// directMessage builds a MessageSent log encrypted the way the web client does.
func directMessage(t *testing.T, id, from, to, content string, ts int64, block uint64) chain.RawLog {
	t.Helper()
	cipher, err := crypto.Encrypt(content, crypto.DerivePassphrase(from, to))
	require.NoError(t, err)
	return chain.RawLog{
		MessageID:   id,
		From:        from,
		To:          to,
		ContentHash: cipher,
		Timestamp:   ts,
		MainWallet:  from,
		TxHash:      fmt.Sprintf("0x%064d", block),
		BlockNumber: block,
	}
}

func groupMessage(t *testing.T, id, from, group, content string, ts int64, block uint64) chain.RawLog {
	t.Helper()
	cipher, err := crypto.Encrypt(content, crypto.DerivePassphrase(from, group))
	require.NoError(t, err)
	return chain.RawLog{
		MessageID:   id,
		From:        from,
		To:          group,
		ContentHash: cipher,
		Timestamp:   ts,
		MainWallet:  from,
		TxHash:      fmt.Sprintf("0x%064d", block),
		BlockNumber: block,
	}
}
