package chat

import (
	"cmp"
	"slices"

	"megagram/models"
)

// sortMessages orders messages by timestamp, oldest first. Equal timestamps
// keep their relative order.
func sortMessages(messages []models.Message) {
	slices.SortStableFunc(messages, func(a, b models.Message) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})
}

// mergeMessages returns the union of existing and incoming sorted by
// timestamp. On a duplicate messageId the incoming copy wins.
func mergeMessages(existing, incoming []models.Message) []models.Message {
	out := make([]models.Message, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	add := func(m models.Message) {
		if i, ok := index[m.MessageID]; ok {
			out[i] = m
			return
		}
		index[m.MessageID] = len(out)
		out = append(out, m)
	}
	for _, m := range existing {
		add(m)
	}
	for _, m := range incoming {
		add(m)
	}
	sortMessages(out)
	return out
}

// lastN returns a copy of the newest n messages.
func lastN(messages []models.Message, n int) []models.Message {
	if n > 0 && len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	return cloneMessages(messages)
}

// olderThan returns the messages with a timestamp strictly before before.
func olderThan(messages []models.Message, before int64) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Timestamp < before {
			out = append(out, m)
		}
	}
	return out
}
