package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

var start = time.Date(2026, 5, 5, 8, 0, 0, 0, time.UTC)

func TestClientSendsBearerTokenAndDecodes(t *testing.T) {
	var created BookingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/rooms":
			fmt.Fprint(w, `[{"id":"1","name":"skagen","capacity":8}]`)
		case r.Method == http.MethodGet && r.URL.Path == "/api/rooms/availability":
			assert.Equal(t, "skagen", r.URL.Query().Get("roomName"))
			assert.Equal(t, "2026-05-05T08:00:00Z", r.URL.Query().Get("startTime"))
			fmt.Fprint(w, `{"roomName":"skagen","available":true}`)
		case r.Method == http.MethodPost && r.URL.Path == "/api/bookings":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			fmt.Fprintf(w, `{"id":"42","roomName":"skagen","startTime":%q,"endTime":%q}`,
				created.StartTime.Format(time.RFC3339), created.EndTime.Format(time.RFC3339))
		case r.Method == http.MethodDelete && r.URL.Path == "/api/bookings/42":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && r.URL.Path == "/api/bookings":
			fmt.Fprint(w, `{"cancelled":3}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"no such route"}`)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/", time.Second).WithToken("tok-1")
	ctx := context.Background()

	rooms, err := c.ListRooms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Room{{ID: "1", Name: "skagen", Capacity: 8}}, rooms)

	avail, err := c.CheckAvailability(ctx, AvailabilityQuery{RoomName: "skagen", StartTime: start, EndTime: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, avail.Available)

	b, err := c.CreateBooking(ctx, BookingRequest{RoomName: "skagen", StartTime: start, EndTime: start.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, "42", b.ID)
	assert.Equal(t, "skagen", created.RoomName)

	require.NoError(t, c.CancelBooking(ctx, "42"))

	n, err := c.CancelAllBookings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = c.ListBookings(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such route")
}

func TestClientLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"token":"tok-1","user":{"id":"u-1","username":"alice"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)

	res, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", res.Token)
	assert.Equal(t, "u-1", res.User.ID)

	_, err = c.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		intent  models.Intent
		missing []string
	}{
		{"rooms needs nothing", models.Intent{Action: models.ActionGetRooms}, nil},
		{
			"complete booking",
			models.Intent{Action: models.ActionCreateBooking, Params: models.Params{"roomName": "skagen", "startTime": "2026-05-05T08:00:00Z"}},
			nil,
		},
		{
			"booking without time",
			models.Intent{Action: models.ActionCreateBooking, Params: models.Params{"roomName": "skagen"}},
			[]string{"startTime"},
		},
		{
			"booking with unparseable time",
			models.Intent{Action: models.ActionCreateBooking, Params: models.Params{"startTime": "tomorrow at 8"}},
			[]string{"roomName", "startTime"},
		},
		{
			"availability without room is fine",
			models.Intent{Action: models.ActionCheckAvailability, Params: models.Params{"startTime": "2026-05-05T08:00:00Z"}},
			nil,
		},
		{
			"cancel without id",
			models.Intent{Action: models.ActionCancelBooking, Params: models.Params{}},
			[]string{"bookingId"},
		},
		{
			"numeric booking id",
			models.Intent{Action: models.ActionCancelBooking, Params: models.Params{"bookingId": 7}},
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.intent)
			if tt.missing == nil {
				assert.NoError(t, err)
				return
			}
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.missing, verr.Missing)
			assert.Equal(t, tt.intent.Action, verr.Action)
		})
	}
}

func TestClarificationPrompt(t *testing.T) {
	msg := ClarificationPrompt(&models.ValidationError{
		Action:  models.ActionCreateBooking,
		Missing: []string{"roomName", "startTime"},
	})
	assert.Equal(t, "To book a room I need to know which room and what day and time.", msg)
}

func TestExecuteAgainstDemoAPI(t *testing.T) {
	ctx := context.Background()
	api := NewDemoAPI()

	res, err := Execute(ctx, api, &models.Intent{Action: models.ActionGetRooms}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "Rooms: skagen (8), aarhus (4), odense (12), ribe (2)", res.Message)

	create := &models.Intent{
		Action: models.ActionCreateBooking,
		Params: models.Params{"roomName": "skagen", "startTime": "2026-05-05T08:00:00Z"},
	}
	res, err = Execute(ctx, api, create, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "Booked skagen Tue 5 May 08:00-09:00 (booking #1).", res.Message)
	booking := res.Data.(*Booking)
	assert.Equal(t, DefaultDuration, booking.EndTime.Sub(booking.StartTime))

	res, err = Execute(ctx, api, &models.Intent{
		Action: models.ActionCheckAvailability,
		Params: models.Params{"roomName": "skagen", "startTime": "2026-05-05T08:30:00Z", "duration": 30},
	}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "skagen is already booked Tue 5 May 08:30-09:00.", res.Message)

	_, err = Execute(ctx, api, create, time.UTC)
	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, string(models.ActionCreateBooking), execErr.Op)
	assert.ErrorIs(t, err, ErrConflict)

	res, err = Execute(ctx, api, &models.Intent{Action: models.ActionGetBookings}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "You have 1 booking(s):\n- #1 skagen Tue 5 May 08:00-09:00", res.Message)

	res, err = Execute(ctx, api, &models.Intent{Action: models.ActionCancelBooking, Params: models.Params{"bookingId": "1"}}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "Cancelled booking #1.", res.Message)

	res, err = Execute(ctx, api, &models.Intent{Action: models.ActionCancelAllBookings}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "Cancelled 0 booking(s).", res.Message)
}

func TestExecuteWithoutAPICall(t *testing.T) {
	res, err := Execute(context.Background(), failingAPI{}, &models.Intent{
		Action:       models.ActionNeedsMoreInfo,
		ResponseText: "Which room?",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Which room?", res.Message)

	res, err = Execute(context.Background(), failingAPI{}, &models.Intent{Action: models.ActionUnknown}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Message)
}

func TestExecuteWrapsAPIFailures(t *testing.T) {
	_, err := Execute(context.Background(), failingAPI{}, &models.Intent{Action: models.ActionGetRooms}, time.UTC)

	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "getRooms", execErr.Op)
	assert.False(t, models.IsResolverError(err))
	assert.Equal(t, models.ErrorExecutionFailed, models.ErrorCode(err))
}

func TestDurationParam(t *testing.T) {
	assert.Equal(t, DefaultDuration, durationParam(models.Params{}))
	assert.Equal(t, 30*time.Minute, durationParam(models.Params{"duration": 30}))
	assert.Equal(t, 45*time.Minute, durationParam(models.Params{"duration": 45.0}))
	assert.Equal(t, 90*time.Minute, durationParam(models.Params{"duration": "90"}))
	assert.Equal(t, DefaultDuration, durationParam(models.Params{"duration": "soon"}))
}

var errDown = errors.New("booking backend down")

type failingAPI struct{}

func (failingAPI) ListRooms(context.Context) ([]Room, error)       { return nil, errDown }
func (failingAPI) ListBookings(context.Context) ([]Booking, error) { return nil, errDown }
func (failingAPI) CheckAvailability(context.Context, AvailabilityQuery) (*Availability, error) {
	return nil, errDown
}
func (failingAPI) CreateBooking(context.Context, BookingRequest) (*Booking, error) {
	return nil, errDown
}
func (failingAPI) CancelBooking(context.Context, string) error     { return errDown }
func (failingAPI) CancelAllBookings(context.Context) (int, error) { return 0, errDown }
