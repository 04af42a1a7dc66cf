package booking

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/prompts"
)

const timeLayout = "Mon 2 Jan 15:04"

// Result is what a dispatched intent produced.
type Result struct {
	Message string
	Data    any
}

// Validate checks that intent carries every parameter its action needs.
func Validate(intent *models.Intent) error {
	var missing []string
	require := func(key string) {
		if _, ok := intent.Params[key]; !ok || fmt.Sprint(intent.Params[key]) == "" {
			missing = append(missing, key)
		}
	}
	requireTime := func(key string) {
		if _, ok := timeParam(intent.Params, key); !ok {
			missing = append(missing, key)
		}
	}

	switch intent.Action {
	case models.ActionCreateBooking:
		require("roomName")
		requireTime("startTime")
	case models.ActionCheckAvailability:
		requireTime("startTime")
	case models.ActionCancelBooking:
		require("bookingId")
	}

	if len(missing) > 0 {
		return &models.ValidationError{Action: intent.Action, Missing: missing}
	}
	return nil
}

// ClarificationPrompt turns a validation error into a question for the operator.
func ClarificationPrompt(err *models.ValidationError) string {
	hints := map[string]string{
		"roomName":  "which room",
		"startTime": "what day and time",
		"bookingId": "which booking number",
	}
	asks := make([]string, 0, len(err.Missing))
	for _, m := range err.Missing {
		if h, ok := hints[m]; ok {
			asks = append(asks, h)
		} else {
			asks = append(asks, m)
		}
	}
	return fmt.Sprintf("To %s I need to know %s.", describeAction(err.Action), strings.Join(asks, " and "))
}

func describeAction(a models.Action) string {
	switch a {
	case models.ActionCreateBooking:
		return "book a room"
	case models.ActionCheckAvailability:
		return "check availability"
	case models.ActionCancelBooking:
		return "cancel a booking"
	default:
		return "do that"
	}
}

// Execute dispatches a validated intent to api. Failures come back as
// *models.ExecutionError. Times in messages are rendered in loc.
func Execute(ctx context.Context, api API, intent *models.Intent, loc *time.Location) (Result, error) {
	if loc == nil {
		loc = time.UTC
	}
	fail := func(err error) (Result, error) {
		return Result{}, &models.ExecutionError{Op: string(intent.Action), Err: err}
	}

	switch intent.Action {
	case models.ActionGetRooms:
		rooms, err := api.ListRooms(ctx)
		if err != nil {
			return fail(err)
		}
		return Result{Message: formatRooms("Rooms", rooms), Data: rooms}, nil

	case models.ActionGetBookings:
		bookings, err := api.ListBookings(ctx)
		if err != nil {
			return fail(err)
		}
		return Result{Message: formatBookings(bookings, loc), Data: bookings}, nil

	case models.ActionCheckAvailability:
		start, _ := timeParam(intent.Params, "startTime")
		q := AvailabilityQuery{
			RoomName:  intent.Params.String("roomName"),
			StartTime: start,
			EndTime:   start.Add(durationParam(intent.Params)),
		}
		avail, err := api.CheckAvailability(ctx, q)
		if err != nil {
			return fail(err)
		}
		return Result{Message: formatAvailability(q, avail, loc), Data: avail}, nil

	case models.ActionCreateBooking:
		start, _ := timeParam(intent.Params, "startTime")
		req := BookingRequest{
			RoomName:  intent.Params.String("roomName"),
			StartTime: start,
			EndTime:   start.Add(durationParam(intent.Params)),
			Title:     intent.Params.String("title"),
		}
		booking, err := api.CreateBooking(ctx, req)
		if err != nil {
			return fail(err)
		}
		msg := fmt.Sprintf("Booked %s %s-%s (booking #%s).",
			booking.RoomName,
			booking.StartTime.In(loc).Format(timeLayout),
			booking.EndTime.In(loc).Format("15:04"),
			booking.ID)
		return Result{Message: msg, Data: booking}, nil

	case models.ActionCancelBooking:
		id := fmt.Sprint(intent.Params["bookingId"])
		if err := api.CancelBooking(ctx, id); err != nil {
			return fail(err)
		}
		return Result{Message: fmt.Sprintf("Cancelled booking #%s.", id)}, nil

	case models.ActionCancelAllBookings:
		n, err := api.CancelAllBookings(ctx)
		if err != nil {
			return fail(err)
		}
		return Result{Message: fmt.Sprintf("Cancelled %d booking(s).", n), Data: map[string]int{"cancelled": n}}, nil

	case models.ActionNeedsMoreInfo:
		msg := intent.ResponseText
		if msg == "" {
			msg = "Could you give me a bit more detail?"
		}
		return Result{Message: msg}, nil

	default:
		msg := intent.ResponseText
		if msg == "" {
			msg = prompts.FallbackMessage
		}
		return Result{Message: msg}, nil
	}
}

func timeParam(p models.Params, key string) (time.Time, bool) {
	s := p.String(key)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// durationParam reads "duration" in minutes, accepting JSON numbers and strings.
func durationParam(p models.Params) time.Duration {
	var minutes int
	switch v := p["duration"].(type) {
	case int:
		minutes = v
	case float64:
		minutes = int(v)
	case string:
		minutes, _ = strconv.Atoi(strings.TrimSpace(v))
	}
	if minutes <= 0 {
		return DefaultDuration
	}
	return time.Duration(minutes) * time.Minute
}

func formatRooms(title string, rooms []Room) string {
	if len(rooms) == 0 {
		return "No rooms found."
	}
	names := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if r.Capacity > 0 {
			names = append(names, fmt.Sprintf("%s (%d)", r.Name, r.Capacity))
		} else {
			names = append(names, r.Name)
		}
	}
	return fmt.Sprintf("%s: %s", title, strings.Join(names, ", "))
}

func formatBookings(bookings []Booking, loc *time.Location) string {
	if len(bookings) == 0 {
		return "You have no bookings."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d booking(s):", len(bookings))
	for _, bk := range bookings {
		fmt.Fprintf(&b, "\n- #%s %s %s-%s", bk.ID, bk.RoomName,
			bk.StartTime.In(loc).Format(timeLayout), bk.EndTime.In(loc).Format("15:04"))
	}
	return b.String()
}

func formatAvailability(q AvailabilityQuery, a *Availability, loc *time.Location) string {
	slot := fmt.Sprintf("%s-%s", q.StartTime.In(loc).Format(timeLayout), q.EndTime.In(loc).Format("15:04"))
	if q.RoomName != "" {
		if a.Available {
			return fmt.Sprintf("%s is free %s.", q.RoomName, slot)
		}
		return fmt.Sprintf("%s is already booked %s.", q.RoomName, slot)
	}
	if len(a.FreeRooms) == 0 {
		return fmt.Sprintf("No rooms are free %s.", slot)
	}
	return formatRooms("Free "+slot, a.FreeRooms)
}
