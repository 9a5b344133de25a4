package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"megagram/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	messageStatusPending   = models.StatusPending
	messageStatusDelivered = models.StatusDelivered
)

// defaultMessageLimit bounds archive reads when the caller passes no limit.
const defaultMessageLimit = 100

// ArchivedMessage is the SQLite representation of one conversation message.
type ArchivedMessage struct {
	ConversationKey string
	MessageID       string
	Sender          string
	Recipient       string
	MainWallet      string
	Content         string
	Timestamp       int64
	TxHash          string
	Status          string
}

// Model converts an archived row back to the domain message.
func (m ArchivedMessage) Model() models.Message {
	return models.Message{
		MessageID:  m.MessageID,
		Sender:     m.Sender,
		Recipient:  m.Recipient,
		MainWallet: m.MainWallet,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		TxHash:     m.TxHash,
		Status:     m.Status,
	}
}

func archivedFromModel(conversationKey string, message models.Message) ArchivedMessage {
	return ArchivedMessage{
		ConversationKey: conversationKey,
		MessageID:       message.MessageID,
		Sender:          message.Sender,
		Recipient:       message.Recipient,
		MainWallet:      message.MainWallet,
		Content:         message.Content,
		Timestamp:       message.Timestamp,
		TxHash:          message.TxHash,
		Status:          message.Status,
	}
}

func validateMessageStatus(status string) error {
	switch status {
	case messageStatusPending, messageStatusDelivered:
		return nil
	default:
		return fmt.Errorf("invalid message status %q", status)
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
