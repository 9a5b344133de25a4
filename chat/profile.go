package chat

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"megagram/chain"
	"megagram/crypto"
	"megagram/metrics"
	"megagram/models"
)

// SessionAddress returns the session account address of the connected wallet,
// creating the session key on first use.
func (e *Engine) SessionAddress() (string, error) {
	if e.wallet == nil {
		return "", ErrWalletNotConnected
	}
	if e.keys == nil {
		return "", ErrSessionUnavailable
	}
	session, err := e.keys.SessionAccount(e.wallet.Address)
	if err != nil {
		return "", err
	}
	return session.Address, nil
}

// EnsureSessionAuthorized makes sure the session account may send on behalf of
// the primary wallet. A local flag short-cuts the check once the chain has
// confirmed it. It reports whether an authorization transaction was sent.
func (e *Engine) EnsureSessionAuthorized(ctx context.Context) (bool, error) {
	if e.wallet == nil || e.wallet.Key == nil {
		return false, ErrWalletNotConnected
	}
	if e.client == nil {
		return false, ErrPublicClientUnavailable
	}
	if e.keys == nil {
		return false, ErrSessionUnavailable
	}
	session, err := e.keys.SessionAccount(e.wallet.Address)
	if err != nil {
		return false, err
	}

	if e.keys.IsSessionAuthorized(e.wallet.Address, e.contract) {
		ok, err := e.sessionAuthorizedOnChain(ctx, session.Address)
		if err == nil && ok {
			return false, nil
		}
		if err != nil {
			jww.WARN.Printf("[CHAT] on-chain session check failed, re-authorizing: %v", err)
		}
		if err := e.keys.ClearSessionAuthorized(e.wallet.Address, e.contract); err != nil {
			jww.WARN.Printf("[CHAT] clearing stale session flag: %v", err)
		}
	}

	txHash, err := e.write(ctx, chain.MethodAuthorizeSessionWallet, session.Address)
	if err != nil {
		return false, err
	}
	if _, err := e.client.WaitForReceipt(ctx, txHash, e.confirmations); err != nil {
		return false, errors.Wrapf(err, "authorize session %s", session.Address)
	}
	if err := e.keys.MarkSessionAuthorized(e.wallet.Address, e.contract); err != nil {
		return true, err
	}

	jww.INFO.Printf("[CHAT] authorized session %s for %s in %s", session.Address, e.wallet.Address, txHash)
	return true, nil
}

func (e *Engine) sessionAuthorizedOnChain(ctx context.Context, session string) (bool, error) {
	out, err := e.read(ctx, chain.MethodSessionWallets, e.wallet.Address, session)
	if err != nil {
		return false, err
	}
	return chain.DecodeBool(out)
}

// Username returns the registered username of address, served from the local
// cache while it is fresh. An empty name means none is registered.
func (e *Engine) Username(ctx context.Context, address string) (string, error) {
	address, err := crypto.NormalizeAddress(address)
	if err != nil {
		return "", err
	}
	if e.keys != nil {
		if name, ok := e.keys.CachedUsername(address); ok {
			return name, nil
		}
	}
	if e.client == nil {
		return "", ErrPublicClientUnavailable
	}

	out, err := e.read(ctx, chain.MethodGetUsernameByAddress, address)
	if err != nil {
		return "", err
	}
	name, err := chain.DecodeString(out)
	if err != nil {
		return "", err
	}
	if e.keys != nil {
		if err := e.keys.StoreUsername(address, name); err != nil {
			jww.WARN.Printf("[CHAT] caching username of %s: %v", address, err)
		}
	}
	return name, nil
}

// SetUsername registers name for the primary wallet and waits for it to land.
func (e *Engine) SetUsername(ctx context.Context, name string) (string, error) {
	if e.wallet == nil || e.wallet.Key == nil {
		return "", ErrWalletNotConnected
	}
	if e.client == nil {
		return "", ErrPublicClientUnavailable
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("username must not be empty")
	}

	txHash, err := e.write(ctx, chain.MethodSetUsername, name)
	if err != nil {
		return "", err
	}
	if _, err := e.client.WaitForReceipt(ctx, txHash, e.confirmations); err != nil {
		return txHash, errors.Wrap(err, "set username")
	}
	if e.keys != nil {
		if err := e.keys.StoreUsername(e.wallet.Address, name); err != nil {
			jww.WARN.Printf("[CHAT] caching own username: %v", err)
		}
	}
	return txHash, nil
}

// RecentChats returns the connected wallet's recent conversations as recorded
// by the contract.
func (e *Engine) RecentChats(ctx context.Context) ([]models.RecentChat, error) {
	if e.wallet == nil {
		return nil, ErrWalletNotConnected
	}
	if e.client == nil {
		return nil, ErrPublicClientUnavailable
	}
	out, err := e.read(ctx, chain.MethodGetRecentChats)
	if err != nil {
		return nil, err
	}
	return chain.DecodeRecentChats(out)
}

// read issues a retried view call as the connected wallet.
func (e *Engine) read(ctx context.Context, method string, args ...any) ([]any, error) {
	return WithRetry(ctx, e.schedule, method, func(ctx context.Context) ([]any, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		start := time.Now()
		out, err := e.client.Read(ctx, e.Viewer(), method, args...)
		metrics.ObserveRPC(method, start, err)
		return out, err
	})
}

// write submits a transaction signed by the primary wallet.
func (e *Engine) write(ctx context.Context, method string, args ...any) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	start := time.Now()
	txHash, err := e.client.Write(ctx, e.wallet.Key, method, args...)
	metrics.ObserveRPC(method, start, err)
	if err != nil {
		return "", errors.Wrapf(err, "%s", method)
	}
	return txHash, nil
}
