package app

import (
	"errors"
	"math"
	"testing"

	"scripthub/pkg/domain"
)

func TestTrackDeduplicatesPerUserAndType(t *testing.T) {
	env := newTestEnv(t)
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "fxmanifest.lua"))
	user := strPtr("user-1")

	recorded, err := env.app.Track(script.ID, user, domain.EventView, "DE")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if !recorded {
		t.Fatalf("first view not recorded")
	}
	recorded, err = env.app.Track(script.ID, user, domain.EventView, "DE")
	if err != nil {
		t.Fatalf("track duplicate: %v", err)
	}
	if recorded {
		t.Fatalf("duplicate view recorded")
	}

	// A different event type by the same user still counts.
	recorded, err = env.app.Track(script.ID, user, domain.EventDownload, "DE")
	if err != nil {
		t.Fatalf("track download: %v", err)
	}
	if !recorded {
		t.Fatalf("download by same user not recorded")
	}

	stored, _, err := env.store.GetScript(script.ID)
	if err != nil {
		t.Fatalf("get script: %v", err)
	}
	if stored.Views != 1 || stored.Downloads != 1 {
		t.Fatalf("counters = %d views / %d downloads, want 1 / 1", stored.Views, stored.Downloads)
	}
}

func TestTrackAnonymousNeverDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "fxmanifest.lua"))

	for i := 0; i < 3; i++ {
		recorded, err := env.app.Track(script.ID, nil, domain.EventView, "")
		if err != nil {
			t.Fatalf("track anonymous: %v", err)
		}
		if !recorded {
			t.Fatalf("anonymous view %d not recorded", i)
		}
	}
	stored, _, err := env.store.GetScript(script.ID)
	if err != nil {
		t.Fatalf("get script: %v", err)
	}
	if stored.Views != 3 {
		t.Fatalf("views = %d, want 3", stored.Views)
	}
}

func TestTrackRejectsUnknownEventType(t *testing.T) {
	env := newTestEnv(t)
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "fxmanifest.lua"))

	if _, err := env.app.Track(script.ID, nil, domain.EventType("install"), ""); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v, want ErrInvalidEvent", err)
	}
}

func TestTrackMissingScript(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.app.Track("missing", nil, domain.EventView, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStatsBreakdownAndEarnings(t *testing.T) {
	env := newTestEnv(t)
	script := seedScript(t, env, "owner-1", zipWithFiles(t, "fxmanifest.lua"))

	for i, country := range []string{"DE", "DE", ""} {
		if _, err := env.app.Track(script.ID, nil, domain.EventView, country); err != nil {
			t.Fatalf("track view %d: %v", i, err)
		}
	}
	if _, err := env.app.Track(script.ID, strPtr("user-1"), domain.EventDownload, "US"); err != nil {
		t.Fatalf("track download: %v", err)
	}

	stats, err := env.app.Stats(script.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Views != 3 || stats.Downloads != 1 {
		t.Fatalf("counters = %d / %d, want 3 / 1", stats.Views, stats.Downloads)
	}
	if stats.ByCountry["DE"] != 2 || stats.ByCountry["US"] != 1 || stats.ByCountry["Unknown"] != 1 {
		t.Fatalf("byCountry = %v", stats.ByCountry)
	}
	want := 3*0.01 + 1*0.10
	if math.Abs(stats.Earnings-want) > 1e-9 {
		t.Fatalf("earnings = %f, want %f", stats.Earnings, want)
	}
}
