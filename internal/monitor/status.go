package monitor

// Reasons reported by the reply probe.
const (
	ReasonStopIndicator = "has_stop_indicator"
	ReasonNoMessages    = "no_messages"
	ReasonNoReplyYet    = "no_reply_yet"
	ReasonOK            = "ok"
	ReasonError         = "error"
)

// ReplyStatus is one observation of the reply area.
type ReplyStatus struct {
	Complete    bool   `json:"complete"`
	Reason      string `json:"reason"`
	ReplyLength int    `json:"replyLength"`
	ReplyText   string `json:"replyText,omitempty"`
	Count       int    `json:"count"`
}

// Preview returns at most n runes of s, marking truncation.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
