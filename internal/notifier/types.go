package notifier

import "time"

type Config struct {
	// RatePerSec bounds outgoing messages across all destinations.
	RatePerSec int
	// SendTimeout bounds one platform call.
	SendTimeout time.Duration
	// DedupWindow suppresses identical text to the same destination (0 = off).
	DedupWindow time.Duration
	HistorySize int
}

type HistoryItem struct {
	At          time.Time
	Destination uint64
	Text        string
	Err         string
}

// NotificationEvent is the Data of notifier events on the bus.
type NotificationEvent struct {
	Destination uint64    `json:"destination"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}
