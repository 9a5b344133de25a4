package chat

import (
	"strings"

	jww "github.com/spf13/jwalterweatherman"

	"megagram/chain"
	"megagram/crypto"
	"megagram/logging"
	"megagram/metrics"
	"megagram/models"
)

// PassphraseSource resolves the shared passphrase of an address pair.
type PassphraseSource interface {
	ConversationPassphrase(a, b string) (string, error)
}

// Projector turns raw contract logs into the messages of one conversation.
type Projector struct {
	passphrases PassphraseSource
}

// NewProjector returns a projector resolving passphrases through src. A nil
// source derives every passphrase on the fly.
func NewProjector(src PassphraseSource) *Projector {
	return &Projector{passphrases: src}
}

// Project keeps the logs belonging to the viewer's conversation with target,
// decrypts them and returns them as delivered messages. Logs whose messageId is
// already in seen are skipped; seen is updated in place and may be nil.
func (p *Projector) Project(logs []chain.RawLog, viewer, target string, isGroup bool,
	seen map[string]struct{}) []models.Message {
	if seen == nil {
		seen = make(map[string]struct{}, len(logs))
	}
	viewer = strings.ToLower(viewer)
	if !isGroup {
		target = strings.ToLower(target)
	}

	messages := make([]models.Message, 0, len(logs))
	for _, lg := range logs {
		if lg.MessageID == "" {
			continue
		}
		if _, dup := seen[lg.MessageID]; dup {
			continue
		}
		if !belongs(lg, viewer, target, isGroup) {
			continue
		}
		seen[lg.MessageID] = struct{}{}

		messages = append(messages, models.Message{
			MessageID:  lg.MessageID,
			Sender:     lg.From,
			Recipient:  lg.To,
			MainWallet: lg.MainWallet,
			Content:    p.decrypt(lg, viewer, isGroup),
			Timestamp:  lg.Timestamp,
			TxHash:     lg.TxHash,
			Status:     models.StatusDelivered,
		})
	}

	metrics.AddProjected(len(messages))
	return messages
}

// belongs reports whether lg is part of the viewer's conversation with target.
// Session-signed direct messages are attributed to their main wallet.
func belongs(lg chain.RawLog, viewer, target string, isGroup bool) bool {
	if isGroup {
		return strings.EqualFold(lg.To, target)
	}
	author := effectiveSender(lg)
	return (author == viewer && lg.To == target) ||
		(author == target && lg.To == viewer)
}

func effectiveSender(lg chain.RawLog) string {
	if lg.MainWallet != "" {
		return lg.MainWallet
	}
	return lg.From
}

// decrypt tries each candidate passphrase in turn and falls back to the raw
// ciphertext.
func (p *Projector) decrypt(lg chain.RawLog, viewer string, isGroup bool) string {
	for _, pair := range candidatePairs(lg, viewer, isGroup) {
		if plain := crypto.Decrypt(lg.ContentHash, p.passphrase(pair[0], pair[1])); plain != "" {
			return plain
		}
	}

	metrics.IncDecryptFallback()
	jww.DEBUG.Printf("[CHAT] %v: message %s shown as ciphertext %s",
		ErrDecryptionFailure, lg.MessageID, logging.Preview(lg.ContentHash))
	return lg.ContentHash
}

// candidatePairs lists the address pairs a message may have been encrypted
// under, most likely first, without repeats.
func candidatePairs(lg chain.RawLog, viewer string, isGroup bool) [][2]string {
	var pairs [][2]string
	add := func(a, b string) {
		if a == "" || b == "" {
			return
		}
		lo, hi := crypto.SortPair(a, b)
		for _, existing := range pairs {
			if existing[0] == lo && existing[1] == hi {
				return
			}
		}
		pairs = append(pairs, [2]string{lo, hi})
	}

	if isGroup {
		add(effectiveSender(lg), lg.To)
		add(viewer, lg.To)
		return pairs
	}
	add(effectiveSender(lg), lg.To)
	add(lg.To, lg.From)
	return pairs
}

func (p *Projector) passphrase(a, b string) string {
	if p.passphrases != nil {
		pass, err := p.passphrases.ConversationPassphrase(a, b)
		if err == nil {
			return pass
		}
		jww.WARN.Printf("[CHAT] passphrase lookup failed, deriving: %v", err)
	}
	return crypto.DerivePassphrase(a, b)
}
