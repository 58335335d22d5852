package domain

import "time"

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// DateBucketLayout is the calendar-day layout used to group messages.
const DateBucketLayout = "2006-01-02"

// Message is one recorded exchange in the conversation history.
// It is immutable once created; DateBucket is derived from Timestamp at
// creation time and never recomputed.
type Message struct {
	ID         int64     `json:"id,omitempty"`
	Text       string    `json:"text"`
	Sender     Sender    `json:"sender"`
	Timestamp  time.Time `json:"timestamp"`
	DateBucket string    `json:"date_bucket"`
}

// NewMessage stamps text with the given time and its local calendar day.
func NewMessage(text string, sender Sender, at time.Time) Message {
	return Message{
		Text:       text,
		Sender:     sender,
		Timestamp:  at,
		DateBucket: at.Local().Format(DateBucketLayout),
	}
}

// IsUser reports whether the message was sent by the local user.
func (m Message) IsUser() bool { return m.Sender == SenderUser }
