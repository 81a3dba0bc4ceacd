package windows

import (
	"testing"
	"time"
)

func mustSchedule(t *testing.T, allow, deny []string) *Schedule {
	t.Helper()
	schedule, err := NewSchedule(allow, deny)
	if err != nil {
		t.Fatalf("parse windows: %v", err)
	}
	if schedule == nil {
		t.Fatal("expected a schedule, got nil")
	}
	return schedule
}

func TestNilScheduleAllowsEverything(t *testing.T) {
	schedule, err := NewSchedule(nil, nil)
	if err != nil {
		t.Fatalf("parse windows: %v", err)
	}
	if schedule != nil {
		t.Fatalf("expected nil schedule for empty config, got %+v", schedule)
	}
	if !schedule.Permits(time.Now()).Allowed {
		t.Fatal("nil schedule must permit everything")
	}
}

func TestDenyWindowBlocks(t *testing.T) {
	schedule := mustSchedule(t, nil, []string{"Mon 00:00-Tue 00:00"})

	monday := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)
	decision := schedule.Permits(monday)
	if decision.Allowed {
		t.Fatal("expected deny window to block")
	}
	if !decision.Denied || decision.Matched != "Mon 00:00-Tue 00:00" {
		t.Fatalf("unexpected decision: %+v", decision)
	}

	tuesday := monday.Add(24 * time.Hour)
	if decision := schedule.Permits(tuesday); !decision.Allowed {
		t.Fatalf("expected permission outside the deny window, got %+v", decision)
	}
}

func TestAllowWindowsActAsWhitelist(t *testing.T) {
	schedule := mustSchedule(t, []string{"Tue 22:00-23:00"}, nil)

	monday := time.Date(2026, time.August, 24, 10, 0, 0, 0, time.UTC)
	decision := schedule.Permits(monday)
	if decision.Allowed {
		t.Fatal("expected block outside the allow window")
	}
	if decision.Denied {
		t.Fatalf("falling outside allow windows is not a deny match: %+v", decision)
	}

	tuesday := time.Date(2026, time.August, 25, 22, 30, 0, 0, time.UTC)
	decision = schedule.Permits(tuesday)
	if !decision.Allowed || decision.Matched != "Tue 22:00-23:00" {
		t.Fatalf("expected allow match, got %+v", decision)
	}
}

func TestDenyBeatsAllow(t *testing.T) {
	schedule := mustSchedule(t, []string{"* 00:00-23:59"}, []string{"Wed 00:00-Thu 00:00"})

	wednesday := time.Date(2026, time.August, 26, 9, 0, 0, 0, time.UTC)
	if decision := schedule.Permits(wednesday); decision.Allowed || !decision.Denied {
		t.Fatalf("deny windows must win, got %+v", decision)
	}
}

func TestOvernightWindowWraps(t *testing.T) {
	schedule := mustSchedule(t, nil, []string{"* 23:00-06:00"})

	sundayNight := time.Date(2026, time.August, 23, 23, 30, 0, 0, time.UTC)
	if schedule.Permits(sundayNight).Allowed {
		t.Fatal("expected block inside the overnight window")
	}
	mondayEarly := time.Date(2026, time.August, 24, 5, 0, 0, 0, time.UTC)
	if schedule.Permits(mondayEarly).Allowed {
		t.Fatal("expected the overnight window to spill into the next day")
	}
	mondayMorning := time.Date(2026, time.August, 24, 7, 0, 0, 0, time.UTC)
	if !schedule.Permits(mondayMorning).Allowed {
		t.Fatal("expected permission after the window ends")
	}
}

func TestWeekBoundaryWindowWraps(t *testing.T) {
	schedule := mustSchedule(t, nil, []string{"Sat 22:00-Sun 06:00"})

	saturdayNight := time.Date(2026, time.August, 29, 23, 0, 0, 0, time.UTC)
	if schedule.Permits(saturdayNight).Allowed {
		t.Fatal("expected block on Saturday night")
	}
	sundayEarly := time.Date(2026, time.August, 30, 5, 0, 0, 0, time.UTC)
	if schedule.Permits(sundayEarly).Allowed {
		t.Fatal("expected the window to wrap across the week boundary")
	}
}

func TestDayRangesAndLists(t *testing.T) {
	schedule := mustSchedule(t, []string{"mon-fri 09:00-17:00", "sat,sun 10:00-12:00"}, nil)

	friday := time.Date(2026, time.August, 28, 16, 0, 0, 0, time.UTC)
	if !schedule.Permits(friday).Allowed {
		t.Fatal("expected Friday afternoon inside mon-fri window")
	}
	saturday := time.Date(2026, time.August, 29, 11, 0, 0, 0, time.UTC)
	if !schedule.Permits(saturday).Allowed {
		t.Fatal("expected Saturday late morning inside weekend window")
	}
	saturdayAfternoon := time.Date(2026, time.August, 29, 15, 0, 0, 0, time.UTC)
	if schedule.Permits(saturdayAfternoon).Allowed {
		t.Fatal("expected Saturday afternoon outside both windows")
	}
}

func TestNewScheduleRejectsBadExpressions(t *testing.T) {
	for _, expr := range []string{
		"not-a-window",
		"mon 25:00-26:00",
		"frob 09:00-17:00",
		"",
		"mon-fri 09:00-tue 17:00",
	} {
		if _, err := NewSchedule([]string{expr}, nil); err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
}
