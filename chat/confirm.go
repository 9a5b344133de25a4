package chat

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"megagram/chain"
	"megagram/metrics"
	"megagram/models"
)

// Confirmation is the background wait for one sent transaction.
type Confirmation struct {
	TxHash string

	done    chan struct{}
	receipt *chain.Receipt
	err     error
}

// Done is closed once the confirmation task has finished.
func (c *Confirmation) Done() <-chan struct{} { return c.done }

// Wait blocks until the task finishes or ctx ends.
func (c *Confirmation) Wait(ctx context.Context) (*chain.Receipt, error) {
	select {
	case <-c.done:
		return c.receipt, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Confirmation returns the confirmation task of a transaction sent by this
// engine.
func (e *Engine) Confirmation(txHash string) (*Confirmation, bool) {
	e.confMux.Lock()
	defer e.confMux.Unlock()
	c, ok := e.pending[strings.ToLower(txHash)]
	return c, ok
}

// trackConfirmation waits for txHash in the background and flips the matching
// pending message to delivered. Failures leave the message pending.
func (e *Engine) trackConfirmation(conv *conversation, txHash string) *Confirmation {
	c := &Confirmation{TxHash: txHash, done: make(chan struct{})}

	e.confMux.Lock()
	e.pending[strings.ToLower(txHash)] = c
	e.confMux.Unlock()

	e.tasks.Go(func() {
		defer close(c.done)

		receipt, err := e.client.WaitForReceipt(e.ctx, txHash, e.confirmations)
		if err == nil && (receipt == nil || !receipt.Succeeded) {
			err = errors.Wrapf(chain.ErrTransactionReverted, "%s", txHash)
		}
		c.receipt, c.err = receipt, err
		if err != nil {
			metrics.IncConfirmation("failed")
			jww.WARN.Printf("[CHAT] confirmation of %s failed, message stays pending: %v", txHash, err)
			return
		}

		e.markDelivered(conv, txHash)
		metrics.IncConfirmation("delivered")
	})
	return c
}

func (e *Engine) markDelivered(conv *conversation, txHash string) {
	flipped := e.updateMessages(conv, func(m *models.Message) bool {
		if !m.IsPending() || !strings.EqualFold(m.TxHash, txHash) {
			return false
		}
		m.Status = models.StatusDelivered
		return true
	})
	if flipped {
		jww.INFO.Printf("[CHAT] %s confirmed", txHash)
	}

	if e.archive == nil {
		return
	}
	if _, err := e.archive.MarkDelivered(txHash); err != nil {
		jww.WARN.Printf("[CHAT] archive update for %s failed: %v", txHash, err)
	}
}
