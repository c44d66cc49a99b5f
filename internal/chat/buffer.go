package chat

// MaxRecentMessages is the number of text messages a room keeps as report
// evidence.
const MaxRecentMessages = 5

// Anonymised sender labels used in recent-message snapshots.
const (
	LabelUserA = "user_a"
	LabelUserB = "user_b"
)

// RecentMessage is one text message kept in a room's history.
type RecentMessage struct {
	From string `json:"from"` // LabelUserA or LabelUserB
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// recentMessages is a fixed-size circular buffer of RecentMessage. It has no
// lock of its own; the owning Manager's mutex guards it.
type recentMessages struct {
	items [MaxRecentMessages]RecentMessage
	pos   int
	count int
}

// add appends msg, overwriting the oldest entry when full.
func (rb *recentMessages) add(msg RecentMessage) {
	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxRecentMessages
	if rb.count < MaxRecentMessages {
		rb.count++
	}
}

// snapshot returns the buffered messages oldest first. Never nil.
func (rb *recentMessages) snapshot() []RecentMessage {
	result := make([]RecentMessage, rb.count)
	// The oldest message is at position (pos - count) mod MaxRecentMessages.
	start := (rb.pos - rb.count + MaxRecentMessages) % MaxRecentMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxRecentMessages]
	}
	return result
}
