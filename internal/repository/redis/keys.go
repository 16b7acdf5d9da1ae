package redis

import (
	"fmt"

	"github.com/google/uuid"
)

const ns = "tixledger:v1"

func KeyEventAvailability(eventID uuid.UUID) string {
	return fmt.Sprintf("%s:event:%s:availability", ns, eventID)
}

func KeyEventTicketTypes(eventID uuid.UUID) string {
	return fmt.Sprintf("%s:event:%s:ticket_types", ns, eventID)
}

func KeyRateLimit(scope string) string {
	return fmt.Sprintf("%s:rl:%s", ns, scope)
}

func KeyHold(eventID, unitID uuid.UUID) string {
	return fmt.Sprintf("%s:hold:%s:%s", ns, eventID, unitID)
}

// KeyHoldIndex is a sorted set of an event's held units scored by expiry.
func KeyHoldIndex(eventID uuid.UUID) string {
	return fmt.Sprintf("%s:holds:%s", ns, eventID)
}

// KeyHoldEvents is the set of events that may still have holds to sweep.
func KeyHoldEvents() string {
	return ns + ":holds:events"
}

func KeyIdemOrder(eventID uuid.UUID, idemKey string) string {
	return fmt.Sprintf("%s:idem:orders:%s:%s", ns, eventID, idemKey)
}

func ChannelEventsChanged() string {
	return ns + ":events:changed"
}
