package ratelimit

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestWindowStart(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 13, 14, 37, 42, 500, time.UTC)
	tests := []struct {
		window Window
		want   time.Time
		end    time.Time
	}{
		{WindowMinute, time.Date(2026, 6, 13, 14, 37, 0, 0, time.UTC), time.Date(2026, 6, 13, 14, 38, 0, 0, time.UTC)},
		{WindowHour, time.Date(2026, 6, 13, 14, 0, 0, 0, time.UTC), time.Date(2026, 6, 13, 15, 0, 0, 0, time.UTC)},
		{WindowDay, time.Date(2026, 6, 13, 0, 0, 0, 0, time.UTC), time.Date(2026, 6, 14, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.window), func(t *testing.T) {
			t.Parallel()
			got := tt.window.Start(now)
			if !got.Equal(tt.want) {
				t.Errorf("Start() = %v, want %v", got, tt.want)
			}
			if end := tt.window.End(got); !end.Equal(tt.end) {
				t.Errorf("End() = %v, want %v", end, tt.end)
			}
		})
	}
}

func TestWindowStart_DayInLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)
	// 02:00 UTC on the 14th is still the 13th in UTC-5.
	now := time.Date(2026, 6, 14, 2, 0, 0, 0, time.UTC)
	got := WindowDay.Start(now.In(loc))
	want := time.Date(2026, 6, 13, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("Start() = %v, want %v", got, want)
	}
}

func TestBucketKey(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_040, 0)
	got := BucketKey("vendor:42", "search", WindowMinute, start)
	want := "cnt:search:minute:1700000040:vendor:42"
	if got != want {
		t.Errorf("BucketKey() = %q, want %q", got, want)
	}
}

func TestCallerIdentity_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		id       string
		endpoint string
		wantErr  bool
	}{
		{"valid", "vendor-42", "search", false},
		{"ip address", "203.0.113.7", "bulk.upload", false},
		{"empty", "", "search", true},
		{"whitespace", "  \t", "search", true},
		{"control char", "vendor\x0042", "search", true},
		{"too long", strings.Repeat("a", MaxIdentityLength+1), "search", true},
		{"empty endpoint", "vendor-42", "", true},
		{"uppercase endpoint", "vendor-42", "Search", true},
		{"endpoint with colon", "vendor-42", "search:v2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := CallerIdentity{ID: tt.id}.Validate(tt.endpoint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCallerIdentity) {
				t.Errorf("Validate() error = %v, want ErrInvalidCallerIdentity", err)
			}
		})
	}
}

func TestDecision_RetryAfterSeconds(t *testing.T) {
	t.Parallel()

	if got := (Decision{Allowed: true}).RetryAfterSeconds(); got != nil {
		t.Errorf("allowed RetryAfterSeconds() = %v, want nil", *got)
	}
	tests := []struct {
		retry time.Duration
		want  int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{59*time.Second + time.Millisecond, 60},
		{15 * time.Minute, 900},
	}
	for _, tt := range tests {
		got := Deny("minute_exceeded", tt.retry, "clean").RetryAfterSeconds()
		if got == nil || *got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %v, want %d", tt.retry, got, tt.want)
		}
	}
}

func TestWindowResult_RemainingNeverNegative(t *testing.T) {
	t.Parallel()

	r := WindowResult{Count: 45, Limit: 30}
	if got := r.Remaining(); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}
}
