// Package booking talks to the room-booking domain API: typed client,
// login, intent validation and dispatch of resolved intents.
package booking

import (
	"context"
	"time"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

// DefaultDuration applies when a booking intent carries no duration.
const DefaultDuration = 60 * time.Minute

type Room struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity,omitempty"`
	Location string `json:"location,omitempty"`
}

type Booking struct {
	ID        string    `json:"id"`
	RoomName  string    `json:"roomName"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Title     string    `json:"title,omitempty"`
}

// AvailabilityQuery leaves RoomName empty to ask about every room.
type AvailabilityQuery struct {
	RoomName  string
	StartTime time.Time
	EndTime   time.Time
}

type Availability struct {
	RoomName  string    `json:"roomName,omitempty"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Available bool      `json:"available"`
	FreeRooms []Room    `json:"freeRooms,omitempty"`
}

type BookingRequest struct {
	RoomName  string    `json:"roomName"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`
	Title     string    `json:"title,omitempty"`
}

// AuthResult is returned by a successful login.
type AuthResult struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

// API is the booking domain surface the command processor dispatches to.
type API interface {
	ListRooms(ctx context.Context) ([]Room, error)
	ListBookings(ctx context.Context) ([]Booking, error)
	CheckAvailability(ctx context.Context, q AvailabilityQuery) (*Availability, error)
	CreateBooking(ctx context.Context, req BookingRequest) (*Booking, error)
	CancelBooking(ctx context.Context, id string) error
	CancelAllBookings(ctx context.Context) (int, error)
}

// Authenticator exchanges credentials for a token.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*AuthResult, error)
}
