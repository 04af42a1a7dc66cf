package nlp

import (
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

// Confidence levels assigned by the resolver.
const (
	ConfidenceExact    = 1.0
	ConfidenceGreeting = 0.95
	ConfidenceComplete = 0.9
	ConfidencePartial  = 0.6
	ConfidenceBare     = 0.5
	ConfidenceNoMatch  = 0.3
	ambiguityPenalty   = 0.8
)

// rule is one intent template. Rules are tried in order; the first match wins.
type rule struct {
	kind     IntentType
	regex    *regexp.Regexp
	verb     bool // verbs compete with each other for ambiguity scoring
	complete func(e extraction) bool
}

// Resolver classifies commands against fixed templates.
type Resolver struct {
	rules      []rule
	direct     map[string]IntentType
	greeting   *regexp.Regexp
	contextual []*regexp.Regexp
}

// NewResolver builds a resolver with the given contextual-reference phrases.
func NewResolver(contextualPhrases []string) *Resolver {
	r := &Resolver{
		rules:    buildRules(),
		direct:   directCommands(),
		greeting: regexp.MustCompile(`^(hi|hello|hey|hiya|howdy|good (morning|afternoon|evening))( there)?$`),
	}
	for _, phrase := range contextualPhrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase == "" {
			continue
		}
		pattern := `(^|\W)` + regexp.QuoteMeta(phrase) + `($|\W)`
		r.contextual = append(r.contextual, regexp.MustCompile(pattern))
	}
	return r
}

func directCommands() map[string]IntentType {
	return map[string]IntentType{
		"rooms":         TypeRooms,
		"list rooms":    TypeRooms,
		"show rooms":    TypeRooms,
		"bookings":      TypeBookings,
		"my bookings":   TypeBookings,
		"list bookings": TypeBookings,
		"show bookings": TypeBookings,
	}
}

func buildRules() []rule {
	always := func(extraction) bool { return true }
	return []rule{
		{
			kind:     TypeCancelAll,
			regex:    regexp.MustCompile(`\bcancel\s+(all|every|everything)\b`),
			verb:     true,
			complete: always,
		},
		{
			kind:     TypeCancel,
			regex:    regexp.MustCompile(`\b(cancel|delete|remove)\b`),
			verb:     true,
			complete: func(e extraction) bool { return e.params["bookingId"] != nil },
		},
		{
			kind:  TypeBooking,
			regex: regexp.MustCompile(`\b(book|reserve)\b`),
			verb:  true,
			complete: func(e extraction) bool {
				return e.params["roomName"] != nil && e.params["startTime"] != nil && e.exactTime
			},
		},
		{
			kind:     TypeBookings,
			regex:    regexp.MustCompile(`\b(bookings|reservations|my booking)\b`),
			complete: always,
		},
		{
			kind:  TypeAvailability,
			regex: regexp.MustCompile(`\b(available|availability|free|check)\b`),
			verb:  true,
			complete: func(e extraction) bool {
				return e.params["startTime"] != nil && e.exactTime
			},
		},
		{
			kind:     TypeRooms,
			regex:    regexp.MustCompile(`\brooms?\b`),
			complete: always,
		},
	}
}

// Parse classifies text. ref is "now" in the operator's timezone and anchors
// relative dates; Parse is otherwise a pure function of its inputs.
func (r *Resolver) Parse(text string, ref time.Time) ParsedIntent {
	norm := Normalize(text)
	contextual := r.IsContextual(norm)

	if kind, ok := r.direct[norm]; ok {
		return ParsedIntent{
			Type:       kind,
			Entities:   models.Params{},
			Confidence: ConfidenceExact,
			Contextual: contextual,
			Direct:     true,
			Matched:    []string{"direct"},
		}
	}

	if r.greeting.MatchString(norm) {
		return ParsedIntent{
			Type:       TypeGreeting,
			Entities:   models.Params{},
			Confidence: ConfidenceGreeting,
			Matched:    []string{string(TypeGreeting)},
		}
	}

	ex := extract(norm, ref)

	var (
		chosen  *rule
		matched []string
		verbs   int
	)
	for i := range r.rules {
		ru := &r.rules[i]
		if !ru.regex.MatchString(norm) {
			continue
		}
		matched = append(matched, string(ru.kind))
		if ru.verb {
			verbs++
		}
		if chosen == nil {
			chosen = ru
		}
	}

	if chosen == nil {
		return ParsedIntent{
			Type:       TypeUnknown,
			Entities:   ex.params,
			Confidence: ConfidenceNoMatch,
			Contextual: contextual,
		}
	}

	// cancel-all always also matches the generic cancel template
	if chosen.kind == TypeCancelAll {
		verbs--
	}

	confidence := ConfidenceComplete
	switch {
	case !chosen.complete(ex) && len(ex.params) > 0:
		confidence = ConfidencePartial
	case !chosen.complete(ex):
		confidence = ConfidenceBare
	}
	if chosen.verb && verbs > 1 {
		confidence *= ambiguityPenalty
	}

	return ParsedIntent{
		Type:       chosen.kind,
		Entities:   ex.params,
		Confidence: confidence,
		Contextual: contextual,
		Matched:    matched,
	}
}

// IsContextual reports whether norm contains a contextual-reference phrase.
func (r *Resolver) IsContextual(norm string) bool {
	for _, re := range r.contextual {
		if re.MatchString(norm) {
			return true
		}
	}
	return false
}

// Normalize lowercases, collapses whitespace and drops trailing punctuation.
func Normalize(text string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strings.TrimRight(norm, "?!.,")
}

// Greeting returns a greeting reply. The choice varies with the text but is deterministic.
func Greeting(text string) string {
	replies := []string{
		"Hello! Ask me about rooms, bookings or availability.",
		"Hi there. Try \"rooms\", \"my bookings\" or \"book skagen tomorrow at 09:00\".",
		"Hey! What would you like to book today?",
	}
	h := fnv.New32a()
	h.Write([]byte(Normalize(text)))
	return replies[h.Sum32()%uint32(len(replies))]
}

type extraction struct {
	params    models.Params
	exactTime bool
}

var (
	bookingIDPattern = regexp.MustCompile(`(?:\bbooking|#|\bid)\s*#?(\d+)\b`)
	isoDatePattern   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	relativeDay      = regexp.MustCompile(`\b(today|tomorrow)\b`)
	timePattern      = regexp.MustCompile(`\bat\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	durationPattern  = regexp.MustCompile(`\bfor\s+(\d+)\s*(minutes?|mins?|m|hours?|hrs?|h)\b`)
	roomPattern      = regexp.MustCompile(`\b(?:book|reserve|check|room)\s+(?:room\s+)?([a-z][a-z0-9-]*)`)
)

var roomStopwords = map[string]bool{
	"it": true, "that": true, "this": true, "a": true, "an": true, "the": true,
	"room": true, "rooms": true, "me": true, "my": true, "for": true, "on": true,
	"at": true, "availability": true, "available": true, "if": true, "is": true,
	"tomorrow": true, "today": true, "all": true, "same": true, "booking": true,
	"bookings": true, "free": true, "whether": true, "what": true, "which": true,
}

func extract(norm string, ref time.Time) extraction {
	ex := extraction{params: models.Params{}}

	if m := bookingIDPattern.FindStringSubmatch(norm); m != nil {
		ex.params["bookingId"] = m[1]
	}

	for _, m := range roomPattern.FindAllStringSubmatch(norm, -1) {
		if !roomStopwords[m[1]] {
			ex.params["roomName"] = m[1]
			break
		}
	}

	if m := durationPattern.FindStringSubmatch(norm); m != nil {
		n, _ := strconv.Atoi(m[1])
		if strings.HasPrefix(m[2], "h") {
			n *= 60
		}
		ex.params["duration"] = n
	}

	day, hasDay := resolveDay(norm, ref)
	m := timePattern.FindStringSubmatch(norm)
	if m == nil {
		return ex
	}

	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	switch m[3] {
	case "pm":
		if hour < 12 {
			hour += 12
		}
	case "am":
		if hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 {
		return ex
	}

	if !hasDay {
		day = ref
	}
	start := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, ref.Location())
	ex.params["startTime"] = start.Format(time.RFC3339)
	ex.exactTime = hasDay && (m[2] != "" || m[3] != "")
	return ex
}

func resolveDay(norm string, ref time.Time) (time.Time, bool) {
	if m := isoDatePattern.FindStringSubmatch(norm); m != nil {
		if d, err := time.ParseInLocation("2006-01-02", m[1], ref.Location()); err == nil {
			return d, true
		}
	}
	if m := relativeDay.FindStringSubmatch(norm); m != nil {
		if m[1] == "tomorrow" {
			return ref.AddDate(0, 0, 1), true
		}
		return ref, true
	}
	return time.Time{}, false
}
