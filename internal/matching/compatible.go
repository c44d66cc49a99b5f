// Package matching holds the waiting pool and the match engine that pairs
// compatible clients into rooms.
package matching

import (
	"strings"

	"github.com/campchat/chat-relay/internal/protocol"
	"github.com/campchat/chat-relay/internal/session"
)

// Wildcard accepts any value for a filter. An empty filter is equivalent.
const Wildcard = "Any"

// Compatible reports whether a and b may be paired. Each filter field is an
// independent check that must hold in both directions: a non-wildcard filter
// on one side must equal the other side's attribute. Clients sharing an
// identity never match.
func Compatible(a, b *session.Client) bool {
	if a == b || a.Identity == b.Identity {
		return false
	}
	return accepts(a.Filters(), b.Profile()) && accepts(b.Filters(), a.Profile())
}

// accepts reports whether filters f admit profile p.
func accepts(f protocol.Filters, p protocol.Profile) bool {
	return fieldOK(f.Institution, p.Institution) &&
		fieldOK(f.Gender, p.Gender) &&
		fieldOK(f.Country, p.Country) &&
		fieldOK(f.Major, p.Major)
}

func fieldOK(filter, attr string) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" || strings.EqualFold(filter, Wildcard) {
		return true
	}
	return strings.EqualFold(filter, strings.TrimSpace(attr))
}
