package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/bookbuddy-intent/internal/models"
)

func TestRepl(t *testing.T) {
	in := strings.NewReader("rooms\n\n  my bookings  \nretry\nexit\nnever sent\n")
	var out bytes.Buffer
	var got []string

	err := repl(in, &out, func(line string) error {
		got = append(got, line)
		if line == "retry" {
			return errors.New("boom")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"rooms", "my bookings", "retry"}, got)
	assert.Contains(t, out.String(), "❌ boom")
}

func TestApplyToggles(t *testing.T) {
	tests := []struct {
		name    string
		nlp     string
		llm     string
		want    models.Settings
		wantErr bool
	}{
		{"unchanged", "", "", models.Settings{UseSimpleNLP: true, UseLLM: true}, false},
		{"llm off", "", "off", models.Settings{UseSimpleNLP: true}, false},
		{"both off passes through", "no", "false", models.Settings{}, false},
		{"bad value", "maybe", "", models.Settings{UseSimpleNLP: true, UseLLM: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyToggles(models.DefaultSettings(), tt.nlp, tt.llm)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSessionFile(t *testing.T) {
	f := sessionFile{path: filepath.Join(t.TempDir(), "nested", "session")}

	id, err := f.Load()
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, f.Save("abc-123"))
	id, err = f.Load()
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)

	require.NoError(t, f.Clear())
	require.NoError(t, f.Clear())
	id, err = f.Load()
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRenderCommand(t *testing.T) {
	code := models.ErrorRetryLimit
	var out bytes.Buffer

	renderCommand(&out, &models.CommandResponse{Status: models.StatusNeedsInfo, UserMessage: "What time?"})
	renderCommand(&out, &models.CommandResponse{Status: models.StatusError, UserMessage: "Too many tries.", ErrorCode: &code, Attempts: 3})
	renderCommand(&out, &models.CommandResponse{Status: models.StatusOK, UserMessage: "Booked."})

	assert.Equal(t, "❓ What time?\n❌ Too many tries.\n   [RETRY_LIMIT, attempt 3]\nBooked.\n", out.String())
}

func TestResponseError(t *testing.T) {
	assert.NoError(t, responseError(nil, nil))

	code, msg := models.ErrorLoginFailed, "bad password"
	assert.EqualError(t, responseError(&code, &msg), "LOGIN_FAILED: bad password")
	assert.EqualError(t, responseError(&code, nil), "LOGIN_FAILED")
}
