package models

// RecentChat is one entry of a wallet's recent conversation list.
type RecentChat struct {
	User        string `json:"user"`
	LastMessage string `json:"last_message"`
	Timestamp   int64  `json:"timestamp"`
}

// Group describes a group conversation.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Creator string   `json:"creator"`
	Members []string `json:"members"`
}
