// This code was adapted from https://github.com/dapr/kit/tree/v0.15.4/
// Copyright (C) 2023 The Dapr Authors
// License: Apache2

package time

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseISO8601Duration(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr error
	}{
		{name: "days", input: "P7D", want: 7 * day},
		{name: "weeks", input: "P2W", want: 14 * day},
		{name: "weeks and days", input: "P1W2D", want: 9 * day},
		{name: "hours", input: "PT3H", want: 3 * time.Hour},
		{name: "minutes", input: "PT45M", want: 45 * time.Minute},
		{name: "seconds", input: "PT10S", want: 10 * time.Second},
		{name: "all time parts", input: "PT1H2M3S", want: time.Hour + 2*time.Minute + 3*time.Second},
		{name: "days and time", input: "P1DT12H", want: 36 * time.Hour},
		{name: "milliseconds", input: "PT1.5S", want: 1500 * time.Millisecond},
		{name: "milliseconds with 2 digits", input: "PT0.25S", want: 250 * time.Millisecond},
		{name: "milliseconds with 3 digits", input: "PT0.125S", want: 125 * time.Millisecond},
		{name: "empty", input: "P", wantErr: errInvalidISO8601Duration},
		{name: "no designator", input: "P10", wantErr: errInvalidISO8601Duration},
		{name: "missing P", input: "T1H", wantErr: errInvalidISO8601Duration},
		{name: "years", input: "P1Y", wantErr: errCalendarDuration},
		{name: "months", input: "P2M", wantErr: errCalendarDuration},
		{name: "hours without T", input: "P1H", wantErr: errInvalidISO8601Duration},
		{name: "days after T", input: "PT1D", wantErr: errInvalidISO8601Duration},
		{name: "double T", input: "PT1HT2M", wantErr: errInvalidISO8601Duration},
		{name: "decimal outside seconds", input: "PT1.5H", wantErr: errInvalidISO8601Duration},
		{name: "too many decimals", input: "PT1.1234S", wantErr: errInvalidISO8601Duration},
		{name: "designator without value", input: "PTS", wantErr: errInvalidISO8601Duration},
		{name: "unknown designator", input: "P1X", wantErr: errInvalidISO8601Duration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseISO8601Duration(tt.input)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "P1D", want: day},
		{input: "1h30m", want: 90 * time.Minute},
		{input: "750ms", want: 750 * time.Millisecond},
		{input: "-1h", want: -time.Hour},
		{input: "2", want: 2 * time.Second},
		{input: "0.5", want: 500 * time.Millisecond},
		{input: " 5s ", want: 5 * time.Second},
		{input: "0", want: 0},
		{input: "", wantErr: true},
		{input: "soon", wantErr: true},
		{input: "P1Y", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
