// Package chain talks to the MegaChat contract: it fetches and decodes message
// event logs, reads contract state and submits signed transactions.
package chain

import (
	_ "embed"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/pkg/errors"
)

// Contract event names.
const (
	EventMessageSent      = "MessageSent"
	EventGroupMessageSent = "GroupMessageSent"
)

// Contract function names.
const (
	MethodSendMessage            = "sendMessage"
	MethodSendGroupMessage       = "sendGroupMessage"
	MethodGetUsernameByAddress   = "getUsernameByAddress"
	MethodSetUsername            = "setUsername"
	MethodAuthorizeSessionWallet = "authorizeSessionWallet"
	MethodSessionWallets         = "sessionWallets"
	MethodGetRecentChats         = "getRecentChats"
)

var (
	// ErrEventNotFound is returned for event names the contract ABI does not declare.
	ErrEventNotFound = errors.New("event not found in contract abi")
	// ErrMethodNotFound is returned for function names the contract ABI does not declare.
	ErrMethodNotFound = errors.New("method not found in contract abi")
)

//go:embed megachat.abi.json
var megaChatABIJSON string

var (
	parsedABI     abi.ABI
	parsedABIErr  error
	parsedABIOnce sync.Once
)

// ContractABI returns the parsed MegaChat ABI.
func ContractABI() (abi.ABI, error) {
	parsedABIOnce.Do(func() {
		parsedABI, parsedABIErr = abi.JSON(strings.NewReader(megaChatABIJSON))
		if parsedABIErr != nil {
			parsedABIErr = errors.Wrap(parsedABIErr, "parse contract abi")
		}
	})
	return parsedABI, parsedABIErr
}

// Event resolves an event descriptor by name.
func Event(name string) (abi.Event, error) {
	contractABI, err := ContractABI()
	if err != nil {
		return abi.Event{}, err
	}
	event, ok := contractABI.Events[name]
	if !ok {
		return abi.Event{}, errors.Wrapf(ErrEventNotFound, "event %q", name)
	}
	return event, nil
}

// EventFor returns the message event of a conversation kind.
func EventFor(isGroup bool) string {
	if isGroup {
		return EventGroupMessageSent
	}
	return EventMessageSent
}
