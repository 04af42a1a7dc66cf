// Package nlp implements the simple pattern resolver: a synchronous,
// deterministic keyword classifier that never touches the network.
package nlp

import "github.com/avvvet/bookbuddy-intent/internal/models"

// IntentType is the template a command matched.
type IntentType string

const (
	TypeGreeting     IntentType = "greeting"
	TypeRooms        IntentType = "rooms_query"
	TypeBookings     IntentType = "bookings_query"
	TypeAvailability IntentType = "availability_check"
	TypeBooking      IntentType = "booking_create"
	TypeCancel       IntentType = "booking_cancel"
	TypeCancelAll    IntentType = "cancel_all"
	TypeUnknown      IntentType = "unknown"
)

// Action maps a template onto the closed action vocabulary.
func (t IntentType) Action() models.Action {
	switch t {
	case TypeRooms:
		return models.ActionGetRooms
	case TypeBookings:
		return models.ActionGetBookings
	case TypeAvailability:
		return models.ActionCheckAvailability
	case TypeBooking:
		return models.ActionCreateBooking
	case TypeCancel:
		return models.ActionCancelBooking
	case TypeCancelAll:
		return models.ActionCancelAllBookings
	default:
		return models.ActionUnknown
	}
}

// ParsedIntent is the classifier output.
type ParsedIntent struct {
	Type       IntentType
	Entities   models.Params
	Confidence float64

	// Contextual is set when the command refers to an earlier turn
	// ("book it", "that room") and needs conversation history.
	Contextual bool

	// Direct is set for exact command names that map 1:1 to an API call.
	Direct bool

	// Matched lists the template names that fired, for debugging.
	Matched []string
}

// Intent converts the classification into an Intent attributed to the pattern resolver.
func (p ParsedIntent) Intent() *models.Intent {
	source := models.ResolverPattern
	if p.Direct {
		source = models.ResolverDirect
	}
	return &models.Intent{
		Action:         p.Type.Action(),
		Params:         p.Entities.Clone(),
		Confidence:     p.Confidence,
		SourceResolver: source,
	}
}
