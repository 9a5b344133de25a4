package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// ErrUnexpectedEvent is returned when a log does not carry the requested event.
var ErrUnexpectedEvent = errors.New("log does not match event")

// RawLog is one decoded message event. Field order follows the contract event:
// messageId, from, to, contentHash, timestamp, mainWallet.
type RawLog struct {
	MessageID   string
	From        string
	To          string
	ContentHash string
	Timestamp   int64
	MainWallet  string
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

// DecodeLog extracts the message fields of a MessageSent or GroupMessageSent log.
// Addresses come back lowercase; a zero mainWallet is reported as empty.
func DecodeLog(event abi.Event, lg types.Log) (RawLog, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
		return RawLog{}, errors.Wrapf(ErrUnexpectedEvent, "%s", event.Name)
	}

	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}

	fields := make(map[string]any, len(event.Inputs))
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return RawLog{}, errors.Wrapf(err, "decode %s topics", event.Name)
	}
	if err := event.Inputs.NonIndexed().UnpackIntoMap(fields, lg.Data); err != nil {
		return RawLog{}, errors.Wrapf(err, "decode %s data", event.Name)
	}

	raw := RawLog{
		MessageID:   bytes32Hex(fields["messageId"]),
		From:        addressHex(fields["from"]),
		ContentHash: stringOf(fields["contentHash"]),
		MainWallet:  addressHex(fields["mainWallet"]),
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
	}
	if to, ok := fields["to"].(string); ok {
		raw.To = to
	} else {
		raw.To = addressHex(fields["to"])
	}
	if ts, ok := fields["timestamp"].(*big.Int); ok && ts != nil && ts.IsInt64() {
		raw.Timestamp = ts.Int64()
	}
	if raw.MessageID == "" {
		return RawLog{}, errors.Errorf("decode %s: missing messageId", event.Name)
	}

	return raw, nil
}

func bytes32Hex(v any) string {
	switch b := v.(type) {
	case [32]byte:
		return hexutil.Encode(b[:])
	case common.Hash:
		return b.Hex()
	case []byte:
		return hexutil.Encode(b)
	default:
		return ""
	}
}

func addressHex(v any) string {
	addr, ok := v.(common.Address)
	if !ok || addr == (common.Address{}) {
		return ""
	}
	return strings.ToLower(addr.Hex())
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}
