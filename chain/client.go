package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const defaultReceiptPollInterval = 2 * time.Second

var (
	// ErrInvalidRange is returned when a log query starts after it ends.
	ErrInvalidRange = errors.New("invalid block range")
	// ErrTransactionReverted is returned by WaitForReceipt for failed transactions.
	ErrTransactionReverted = errors.New("transaction reverted")
	// ErrChainMismatch is returned when the RPC endpoint serves a different chain.
	ErrChainMismatch = errors.New("rpc endpoint serves a different chain")
)

// Receipt is the part of a transaction receipt callers care about.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Succeeded   bool
}

// Client is the contract client over a JSON-RPC endpoint.
type Client struct {
	eth          *ethclient.Client
	abi          abi.ABI
	address      common.Address
	contract     *bind.BoundContract
	chainID      *big.Int
	pollInterval time.Duration
}

// Dial connects to rpcURL and binds the contract at contractAddress. When
// expectedChainID is non-zero the endpoint must serve that chain.
func Dial(ctx context.Context, rpcURL, contractAddress string, expectedChainID int64) (*Client, error) {
	if !common.IsHexAddress(contractAddress) {
		return nil, errors.Errorf("invalid contract address %q", contractAddress)
	}
	contractABI, err := ContractABI()
	if err != nil {
		return nil, err
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rpcURL)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, errors.Wrap(err, "read chain id")
	}
	if expectedChainID != 0 && chainID.Int64() != expectedChainID {
		eth.Close()
		return nil, errors.Wrapf(ErrChainMismatch, "want %d, got %s", expectedChainID, chainID)
	}

	address := common.HexToAddress(contractAddress)
	jww.INFO.Printf("[CHAIN] connected to %s (chain %s), contract %s", rpcURL, chainID, address.Hex())

	return &Client{
		eth:          eth,
		abi:          contractABI,
		address:      address,
		contract:     bind.NewBoundContract(address, contractABI, eth, eth, eth),
		chainID:      chainID,
		pollInterval: defaultReceiptPollInterval,
	}, nil
}

// ChainID returns the chain served by the endpoint.
func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// Address returns the lowercase contract address.
func (c *Client) Address() string {
	return strings.ToLower(c.address.Hex())
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "get block number")
	}
	return n, nil
}

// GetLogs runs one ranged log query for eventName over [from, to]. It does not
// split wide ranges.
func (c *Client) GetLogs(ctx context.Context, eventName string, from, to uint64) ([]RawLog, error) {
	event, ok := c.abi.Events[eventName]
	if !ok {
		return nil, errors.Wrapf(ErrEventNotFound, "event %q", eventName)
	}
	if from > to {
		return nil, errors.Wrapf(ErrInvalidRange, "from %d > to %d", from, to)
	}

	logs, err := c.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get %s logs [%d, %d]", eventName, from, to)
	}

	out := make([]RawLog, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		raw, err := DecodeLog(event, lg)
		if err != nil {
			jww.WARN.Printf("[CHAIN] skipping undecodable %s log in tx %s: %v", eventName, lg.TxHash.Hex(), err)
			continue
		}
		out = append(out, raw)
	}
	jww.DEBUG.Printf("[CHAIN] %s [%d, %d]: %d logs", eventName, from, to, len(out))
	return out, nil
}

// Write submits a transaction calling method, signed by signer, and returns the
// transaction hash without waiting for it to be mined. String arguments bound
// to address parameters are converted.
func (c *Client) Write(ctx context.Context, signer *ecdsa.PrivateKey, method string, args ...any) (string, error) {
	if signer == nil {
		return "", errors.New("signer is required")
	}
	params, err := c.packArgs(method, args)
	if err != nil {
		return "", err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(signer, c.chainID)
	if err != nil {
		return "", errors.Wrap(err, "build transactor")
	}
	opts.Context = ctx

	tx, err := c.contract.Transact(opts, method, params...)
	if err != nil {
		return "", errors.Wrapf(err, "submit %s", method)
	}
	jww.INFO.Printf("[CHAIN] submitted %s from %s: %s", method, opts.From.Hex(), tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

// WaitForReceipt polls until txHash is mined and has the requested number of
// confirmations. A reverted transaction returns its receipt together with
// ErrTransactionReverted.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string, confirmations uint64) (*Receipt, error) {
	hash := common.HexToHash(txHash)
	if confirmations == 0 {
		confirmations = 1
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for {
		if receipt == nil {
			r, err := c.eth.TransactionReceipt(ctx, hash)
			switch {
			case err == nil:
				receipt = r
			case errors.Is(err, ethereum.NotFound):
			default:
				return nil, errors.Wrapf(err, "get receipt %s", txHash)
			}
		}

		if receipt != nil {
			head, err := c.eth.BlockNumber(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "get block number")
			}
			mined := receipt.BlockNumber.Uint64()
			if head >= mined && head-mined+1 >= confirmations {
				out := &Receipt{
					TxHash:      receipt.TxHash.Hex(),
					BlockNumber: mined,
					Succeeded:   receipt.Status == types.ReceiptStatusSuccessful,
				}
				if !out.Succeeded {
					return out, errors.Wrapf(ErrTransactionReverted, "tx %s", txHash)
				}
				return out, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "wait for receipt %s", txHash)
		case <-ticker.C:
		}
	}
}

// Read calls a view function as from (empty for the zero address) and returns
// the unpacked outputs.
func (c *Client) Read(ctx context.Context, from, method string, args ...any) ([]any, error) {
	params, err := c.packArgs(method, args)
	if err != nil {
		return nil, err
	}

	opts := &bind.CallOpts{Context: ctx}
	if from != "" {
		opts.From = common.HexToAddress(from)
	}

	var out []any
	if err := c.contract.Call(opts, &out, method, params...); err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	return out, nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	if c == nil || c.eth == nil {
		return
	}
	c.eth.Close()
}

func (c *Client) packArgs(method string, args []any) ([]any, error) {
	m, ok := c.abi.Methods[method]
	if !ok {
		return nil, errors.Wrapf(ErrMethodNotFound, "method %q", method)
	}
	return convertArgs(m, args)
}

// convertArgs turns string arguments of address parameters into common.Address.
func convertArgs(m abi.Method, args []any) ([]any, error) {
	if len(args) != len(m.Inputs) {
		return nil, errors.Errorf("%s: want %d arguments, got %d", m.Name, len(m.Inputs), len(args))
	}
	out := make([]any, len(args))
	for i, arg := range args {
		s, isString := arg.(string)
		if isString && m.Inputs[i].Type.T == abi.AddressTy {
			if !common.IsHexAddress(s) {
				return nil, errors.Errorf("%s: argument %d is not an address: %q", m.Name, i, s)
			}
			out[i] = common.HexToAddress(s)
			continue
		}
		out[i] = arg
	}
	return out, nil
}
