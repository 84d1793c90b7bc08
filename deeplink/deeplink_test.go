package deeplink

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	dates []time.Time
}

func (r *recorder) SetSelectedDate(t time.Time) {
	r.dates = append(r.dates, t)
}

func TestParse(t *testing.T) {
	testCases := []struct {
		desc      string
		url       string
		wantRoute string
		wantDate  time.Time
		wantErr   bool
	}{
		{
			desc:      "custom scheme",
			url:       "organizer://calendar?date=2026-03-09",
			wantRoute: "/calendar",
			wantDate:  time.Date(2026, time.March, 9, 0, 0, 0, 0, time.Local),
		},
		{
			desc:      "https",
			url:       "https://organizer.example/calendar/day/?date=2025-12-31",
			wantRoute: "/calendar/day",
			wantDate:  time.Date(2025, time.December, 31, 0, 0, 0, 0, time.Local),
		},
		{
			desc:      "bad date",
			url:       "organizer://calendar?date=31-12-2025",
			wantRoute: "/calendar",
			wantErr:   true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got, err := Parse(tc.url)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tc.url, err, tc.wantErr)
			}
			if got.Route != tc.wantRoute {
				t.Errorf("Bad route; got %q, want %q", got.Route, tc.wantRoute)
			}
			if !got.Date.Equal(tc.wantDate) {
				t.Errorf("Bad date; got %v, want %v", got.Date, tc.wantDate)
			}
		})
	}
}

func TestApply(t *testing.T) {
	r := &recorder{}

	link, err := Parse("organizer://calendar?date=2026-03-09")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if route := Apply(link, r); route != "/calendar" {
		t.Errorf("Bad route; got %q", route)
	}

	link, err = Parse("organizer://checklists")
	if !errors.Is(err, ErrNoDate) {
		t.Fatalf("Bad error; got %v, want %v", err, ErrNoDate)
	}
	if route := Apply(link, r); route != "/checklists" {
		t.Errorf("Bad route; got %q", route)
	}

	want := []time.Time{time.Date(2026, time.March, 9, 0, 0, 0, 0, time.Local)}
	if diff := cmp.Diff(r.dates, want); diff != "" {
		t.Errorf("Bad selected dates; diff (-got +want)\n%s", diff)
	}
}
