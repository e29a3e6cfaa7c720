package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewPollScheduler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		scenario string
		expr     string
		wantErr  string
	}{
		{scenario: "five_field_cron", expr: "*/15 * * * *"},
		{scenario: "hourly_macro", expr: "@hourly"},
		{scenario: "every_macro", expr: "@every 5m"},
		{scenario: "iso_duration", expr: "PT10M"},
		{scenario: "iso_duration_with_days", expr: "P1DT2H"},
		{scenario: "bad_cron", expr: "* * *", wantErr: "parsing service.pollSchedule"},
		{scenario: "bad_iso_duration", expr: "P2X", wantErr: "parsing service.pollSchedule"},
		{scenario: "zero_duration", expr: "PT0S", wantErr: "not a positive duration"},
		{scenario: "negative_duration", expr: "PT-5M", wantErr: "not a positive duration"},
		{scenario: "empty", expr: "", wantErr: "parsing service.pollSchedule"},
	}
	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()

			s, err := newPollScheduler(t.Context(), tt.expr, func() {}, testLogger())
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, s)
			require.NoError(t, s.Shutdown())
		})
	}
}

func TestNewPollScheduler_Fires(t *testing.T) {
	t.Parallel()

	fired := make(chan struct{}, 16)
	s, err := newPollScheduler(t.Context(), "@every 1s", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, testLogger())
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Shutdown()) }()

	s.Start()
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler never fired")
	}
}
