package chat

import (
	"fmt"

	"github.com/pkg/errors"

	"megagram/chain"
	"megagram/crypto"
	"megagram/keystore"
)

var (
	// ErrWalletNotConnected is returned by operations that need the primary wallet.
	ErrWalletNotConnected = errors.New("wallet not connected")
	// ErrSessionUnavailable is returned when no usable session key exists.
	ErrSessionUnavailable = keystore.ErrSessionUnavailable
	// ErrPublicClientUnavailable is returned when no contract client is configured.
	ErrPublicClientUnavailable = errors.New("public client unavailable")
	// ErrEventNotFound is returned for message events the contract does not declare.
	ErrEventNotFound = chain.ErrEventNotFound
	// ErrEncryption aborts a send whose content could not be encrypted.
	ErrEncryption = crypto.ErrEncryption
	// ErrDecryptionFailure marks messages shown as ciphertext. It is logged,
	// never returned.
	ErrDecryptionFailure = errors.New("decryption failed")
	// ErrNetworkOperationFailed is matched by every OperationError.
	ErrNetworkOperationFailed = errors.New("network operation failed")
	// ErrInvalidTarget is returned for conversation targets that are neither an
	// address nor a group id.
	ErrInvalidTarget = errors.New("invalid conversation target")
	// ErrConversationBusy is returned by ResetConversation while the
	// conversation is being synced.
	ErrConversationBusy = errors.New("conversation is syncing")
)

// OperationError reports a network operation that still failed after every
// scheduled retry.
type OperationError struct {
	Label string
	Err   error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Label, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNetworkOperationFailed) hold for any OperationError.
func (e *OperationError) Is(target error) bool {
	return target == ErrNetworkOperationFailed
}
