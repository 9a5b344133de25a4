package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x4444444444444444444444444444444444444444"

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeRPC answers JSON-RPC calls from per-method handlers.
type fakeRPC struct {
	mu       sync.Mutex
	handlers map[string]func(params []json.RawMessage) any
	calls    map[string]int
}

func newFakeRPC(t *testing.T) (*fakeRPC, string) {
	t.Helper()

	f := &fakeRPC{
		handlers: map[string]func([]json.RawMessage) any{
			"eth_chainId": func([]json.RawMessage) any { return "0x14a34" },
		},
		calls: map[string]int{},
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv.URL
}

func (f *fakeRPC) handle(method string, h func(params []json.RawMessage) any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeRPC) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeRPC) serve(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	f.mu.Lock()
	f.calls[req.Method]++
	if h, ok := f.handlers[req.Method]; ok {
		resp["result"] = h(req.Params)
	} else {
		resp["error"] = map[string]any{"code": -32601, "message": "method not found: " + req.Method}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func dialTest(t *testing.T, url string) *Client {
	t.Helper()

	client, err := Dial(context.Background(), url, testContract, 84532)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	client.pollInterval = 10 * time.Millisecond
	return client
}

func TestDialChecksChainID(t *testing.T) {
	_, url := newFakeRPC(t)

	_, err := Dial(context.Background(), url, testContract, 6342)
	assert.ErrorIs(t, err, ErrChainMismatch)

	_, err = Dial(context.Background(), url, "not-an-address", 0)
	assert.Error(t, err)

	client := dialTest(t, url)
	assert.Equal(t, int64(84532), client.ChainID().Int64())
	assert.Equal(t, testContract, client.Address())
}

func TestGetLogsDecodesAndValidates(t *testing.T) {
	rpc, url := newFakeRPC(t)
	client := dialTest(t, url)

	lg := directLog(t, messageID, "cipher", 1700000000, 0)
	lg.Address = common.HexToAddress(testContract)
	removed := directLog(t, common.HexToHash("0x02"), "gone", 1700000001, 1)
	removed.Removed = true

	var gotFilter map[string]any
	rpc.handle("eth_getLogs", func(params []json.RawMessage) any {
		_ = json.Unmarshal(params[0], &gotFilter)
		return []types.Log{lg, removed}
	})
	rpc.handle("eth_blockNumber", func([]json.RawMessage) any { return "0x64" })

	head, err := client.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head)

	logs, err := client.GetLogs(context.Background(), EventMessageSent, 10, 100)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, messageID.Hex(), logs[0].MessageID)

	_, err = client.GetLogs(context.Background(), "Unknown", 0, 1)
	assert.ErrorIs(t, err, ErrEventNotFound)

	_, err = client.GetLogs(context.Background(), EventMessageSent, 5, 4)
	assert.ErrorIs(t, err, ErrInvalidRange)

	// Invalid queries never reach the endpoint.
	require.Equal(t, 1, rpc.count("eth_getLogs"))
	assert.Equal(t, "0xa", gotFilter["fromBlock"])
	assert.Equal(t, "0x64", gotFilter["toBlock"])
}

func TestReadUnpacksOutputs(t *testing.T) {
	rpc, url := newFakeRPC(t)
	client := dialTest(t, url)

	contractABI, err := ContractABI()
	require.NoError(t, err)
	packed, err := contractABI.Methods[MethodGetUsernameByAddress].Outputs.Pack("alice")
	require.NoError(t, err)
	rpc.handle("eth_call", func([]json.RawMessage) any { return hexutil.Encode(packed) })

	out, err := client.Read(context.Background(), "", MethodGetUsernameByAddress, "0x2222222222222222222222222222222222222222")
	require.NoError(t, err)
	name, err := DecodeString(out)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	_, err = client.Read(context.Background(), "", "noSuchMethod")
	assert.ErrorIs(t, err, ErrMethodNotFound)
}

func TestWaitForReceiptPollsUntilMined(t *testing.T) {
	rpc, url := newFakeRPC(t)
	client := dialTest(t, url)

	var polls int
	rpc.handle("eth_getTransactionReceipt", func([]json.RawMessage) any {
		polls++
		if polls < 3 {
			return nil
		}
		return &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			TxHash:      txHash,
			BlockNumber: big.NewInt(90),
			Logs:        []*types.Log{},
		}
	})
	rpc.handle("eth_blockNumber", func([]json.RawMessage) any { return "0x5a" })

	receipt, err := client.WaitForReceipt(context.Background(), txHash.Hex(), 1)
	require.NoError(t, err)
	assert.True(t, receipt.Succeeded)
	assert.Equal(t, uint64(90), receipt.BlockNumber)
	assert.Equal(t, 3, rpc.count("eth_getTransactionReceipt"))
}

func TestWaitForReceiptReportsRevert(t *testing.T) {
	rpc, url := newFakeRPC(t)
	client := dialTest(t, url)

	rpc.handle("eth_getTransactionReceipt", func([]json.RawMessage) any {
		return &types.Receipt{
			Status:      types.ReceiptStatusFailed,
			TxHash:      txHash,
			BlockNumber: big.NewInt(90),
			Logs:        []*types.Log{},
		}
	})
	rpc.handle("eth_blockNumber", func([]json.RawMessage) any { return "0x5a" })

	receipt, err := client.WaitForReceipt(context.Background(), txHash.Hex(), 1)
	assert.ErrorIs(t, err, ErrTransactionReverted)
	require.NotNil(t, receipt)
	assert.False(t, receipt.Succeeded)
}

func TestWaitForReceiptHonoursContext(t *testing.T) {
	rpc, url := newFakeRPC(t)
	client := dialTest(t, url)
	rpc.handle("eth_getTransactionReceipt", func([]json.RawMessage) any { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.WaitForReceipt(ctx, txHash.Hex(), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
