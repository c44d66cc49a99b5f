package chat

// EventKind enumerates the events a member can route to its partner.
type EventKind int

const (
	EventText EventKind = iota
	EventTypingStart
	EventTypingStop
	EventGIF
	EventImage
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventTypingStart:
		return "typing"
	case EventTypingStop:
		return "stop_typing"
	case EventGIF:
		return "gif"
	case EventImage:
		return "image"
	default:
		return "unknown"
	}
}

// Event is one routed item. Only the fields relevant to Kind are used.
type Event struct {
	Kind         EventKind
	Text         string // EventText
	URL          string // EventGIF, EventImage
	TimerSeconds int    // EventImage
	Blurred      bool   // EventImage
}

// Metered reports whether the event counts against the message rate limit.
// Typing indicators are free.
func (e Event) Metered() bool {
	return e.Kind == EventText || e.Kind == EventGIF || e.Kind == EventImage
}

// validate normalises and checks the event, returning the value to deliver.
func (e Event) validate() (Event, error) {
	switch e.Kind {
	case EventText:
		text, err := ValidateText(e.Text)
		if err != nil {
			return e, err
		}
		e.Text = text
	case EventGIF:
		if err := ValidateMediaURL(e.URL); err != nil {
			return e, err
		}
	case EventImage:
		if err := ValidateMediaURL(e.URL); err != nil {
			return e, err
		}
		if err := ValidateImageTimer(e.TimerSeconds); err != nil {
			return e, err
		}
	case EventTypingStart, EventTypingStop:
	default:
		return e, ErrInvalidInput
	}
	return e, nil
}
