package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrBookingNotFound = errors.New("booking not found")
	ErrConflict        = errors.New("room is already booked for that time")
)

// DemoRooms seed every demo session.
var DemoRooms = []Room{
	{ID: "1", Name: "skagen", Capacity: 8, Location: "2nd floor"},
	{ID: "2", Name: "aarhus", Capacity: 4, Location: "2nd floor"},
	{ID: "3", Name: "odense", Capacity: 12, Location: "3rd floor"},
	{ID: "4", Name: "ribe", Capacity: 2, Location: "3rd floor"},
}

// DemoAPI is an in-memory booking backend used by demo sessions.
type DemoAPI struct {
	mu       sync.Mutex
	rooms    []Room
	bookings map[string]Booking
	nextID   int
}

func NewDemoAPI() *DemoAPI {
	return &DemoAPI{
		rooms:    append([]Room(nil), DemoRooms...),
		bookings: make(map[string]Booking),
		nextID:   1,
	}
}

func (d *DemoAPI) Login(_ context.Context, username, _ string) (*AuthResult, error) {
	if strings.TrimSpace(username) == "" {
		username = "demo"
	}
	return &AuthResult{
		Token: "demo-token",
		User: models.User{
			ID:       "demo-" + username,
			Username: username,
			Name:     "Demo User",
		},
	}, nil
}

func (d *DemoAPI) ListRooms(context.Context) ([]Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Room(nil), d.rooms...), nil
}

func (d *DemoAPI) ListBookings(context.Context) ([]Booking, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Booking, 0, len(d.bookings))
	for _, b := range d.bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (d *DemoAPI) CheckAvailability(_ context.Context, q AvailabilityQuery) (*Availability, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := &Availability{RoomName: q.RoomName, StartTime: q.StartTime, EndTime: q.EndTime}
	if q.RoomName != "" {
		if _, ok := d.roomLocked(q.RoomName); !ok {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, q.RoomName)
		}
		out.Available = d.freeLocked(q.RoomName, BookingRequest{StartTime: q.StartTime, EndTime: q.EndTime})
		return out, nil
	}

	for _, r := range d.rooms {
		if d.freeLocked(r.Name, BookingRequest{StartTime: q.StartTime, EndTime: q.EndTime}) {
			out.FreeRooms = append(out.FreeRooms, r)
		}
	}
	out.Available = len(out.FreeRooms) > 0
	return out, nil
}

func (d *DemoAPI) CreateBooking(_ context.Context, req BookingRequest) (*Booking, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.roomLocked(req.RoomName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, req.RoomName)
	}
	if !d.freeLocked(room.Name, req) {
		return nil, ErrConflict
	}

	b := Booking{
		ID:        strconv.Itoa(d.nextID),
		RoomName:  room.Name,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Title:     req.Title,
	}
	d.nextID++
	d.bookings[b.ID] = b
	return &b, nil
}

func (d *DemoAPI) CancelBooking(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.bookings[id]; !ok {
		return fmt.Errorf("%w: #%s", ErrBookingNotFound, id)
	}
	delete(d.bookings, id)
	return nil
}

func (d *DemoAPI) CancelAllBookings(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.bookings)
	d.bookings = make(map[string]Booking)
	return n, nil
}

func (d *DemoAPI) roomLocked(name string) (Room, bool) {
	for _, r := range d.rooms {
		if strings.EqualFold(r.Name, name) {
			return r, true
		}
	}
	return Room{}, false
}

func (d *DemoAPI) freeLocked(room string, slot BookingRequest) bool {
	for _, b := range d.bookings {
		if !strings.EqualFold(b.RoomName, room) {
			continue
		}
		if slot.StartTime.Before(b.EndTime) && b.StartTime.Before(slot.EndTime) {
			return false
		}
	}
	return true
}
