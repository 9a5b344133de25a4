package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"megagram/models"
)

// RecentChatEntry mirrors one element of the getRecentChats tuple array.
type RecentChatEntry struct {
	User        common.Address `json:"user"`
	LastMessage string         `json:"lastMessage"`
	Timestamp   *big.Int       `json:"timestamp"`
}

// DecodeRecentChats converts getRecentChats outputs, dropping zero-address slots.
func DecodeRecentChats(out []any) (chats []models.RecentChat, err error) {
	if len(out) != 1 {
		return nil, errors.Errorf("getRecentChats: want 1 output, got %d", len(out))
	}

	// abi.ConvertType panics on shapes it cannot map.
	defer func() {
		if r := recover(); r != nil {
			chats, err = nil, errors.Errorf("getRecentChats: unexpected output %T: %v", out[0], r)
		}
	}()
	entries, ok := abi.ConvertType(out[0], new([]RecentChatEntry)).(*[]RecentChatEntry)
	if !ok {
		return nil, errors.Errorf("getRecentChats: unexpected output %T", out[0])
	}

	chats = make([]models.RecentChat, 0, len(*entries))
	for _, entry := range *entries {
		if entry.User == (common.Address{}) {
			continue
		}
		chat := models.RecentChat{
			User:        strings.ToLower(entry.User.Hex()),
			LastMessage: entry.LastMessage,
		}
		if entry.Timestamp != nil {
			chat.Timestamp = entry.Timestamp.Int64()
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// DecodeString returns the single string output of a view call.
func DecodeString(out []any) (string, error) {
	if len(out) != 1 {
		return "", errors.Errorf("want 1 output, got %d", len(out))
	}
	s, ok := out[0].(string)
	if !ok {
		return "", errors.Errorf("want string output, got %T", out[0])
	}
	return s, nil
}

// DecodeBool returns the single bool output of a view call.
func DecodeBool(out []any) (bool, error) {
	if len(out) != 1 {
		return false, errors.Errorf("want 1 output, got %d", len(out))
	}
	b, ok := out[0].(bool)
	if !ok {
		return false, errors.Errorf("want bool output, got %T", out[0])
	}
	return b, nil
}
