package models

// Message delivery states.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
)

// Message is one chat message after projection from a contract event or an
// optimistic local send.
type Message struct {
	MessageID  string `json:"message_id"`
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	MainWallet string `json:"main_wallet,omitempty"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	TxHash     string `json:"tx_hash,omitempty"`
	Status     string `json:"status"`
}

// IsPending reports whether the message has not been confirmed on-chain yet.
func (m Message) IsPending() bool {
	return m.Status == StatusPending
}

// StatusText returns the human-readable delivery state.
func (m Message) StatusText() string {
	switch m.Status {
	case StatusPending:
		return "Sending..."
	case StatusDelivered:
		return "Delivered"
	default:
		return ""
	}
}

// StatusIcon returns the icon name used for the delivery state.
func (m Message) StatusIcon() string {
	switch m.Status {
	case StatusPending:
		return "clock"
	case StatusDelivered:
		return "check"
	default:
		return ""
	}
}
