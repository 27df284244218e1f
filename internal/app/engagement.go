package app

import (
	"fmt"
	"strings"
	"time"

	"scripthub/internal/util"
	"scripthub/pkg/domain"
)

const (
	earningsPerView     = 0.01
	earningsPerDownload = 0.10
)

// ScriptStats aggregates the engagement numbers for one script.
type ScriptStats struct {
	Views     int64            `json:"views"`
	Downloads int64            `json:"downloads"`
	Earnings  float64          `json:"earnings"`
	ByCountry map[string]int64 `json:"byCountry"`
}

// Track records a view or download. A repeated event for the same
// (script, user, type) is acknowledged but not recorded again; anonymous
// events always count.
func (a *App) Track(scriptID string, userID *string, eventType domain.EventType, country string) (bool, error) {
	if !domain.ValidEventType(eventType) {
		return false, ErrInvalidEvent
	}
	_, found, err := a.store.GetScript(scriptID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, ErrNotFound
	}
	country = strings.TrimSpace(country)
	if country == "" {
		country = "Unknown"
	}
	event := domain.EngagementEvent{
		ID:        util.NewID(),
		ScriptID:  scriptID,
		UserID:    userID,
		Type:      eventType,
		Country:   country,
		CreatedAt: time.Now().UTC(),
	}
	recorded, err := a.store.RecordEvent(event)
	if err != nil {
		return false, fmt.Errorf("record event: %w", err)
	}
	return recorded, nil
}

// Stats returns counters, per-country breakdown and accumulated earnings.
func (a *App) Stats(scriptID string) (ScriptStats, error) {
	script, found, err := a.store.GetScript(scriptID)
	if err != nil {
		return ScriptStats{}, err
	}
	if !found {
		return ScriptStats{}, ErrNotFound
	}
	byCountry, err := a.store.CountryBreakdown(scriptID)
	if err != nil {
		return ScriptStats{}, fmt.Errorf("country breakdown: %w", err)
	}
	return ScriptStats{
		Views:     script.Views,
		Downloads: script.Downloads,
		Earnings:  float64(script.Views)*earningsPerView + float64(script.Downloads)*earningsPerDownload,
		ByCountry: byCountry,
	}, nil
}
