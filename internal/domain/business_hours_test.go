package domain

import (
	"testing"
	"time"
)

func TestWithinBusinessHours(t *testing.T) {
	campaign := &Campaign{
		TimeZone: "UTC",
		BusinessHours: []BusinessHourWindow{
			{
				DayOfWeek: time.Monday,
				Start:     time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC),
				End:       time.Date(0, 1, 1, 17, 0, 0, 0, time.UTC),
			},
		},
	}

	mondayMorning := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !campaign.WithinBusinessHours(mondayMorning) {
		t.Fatalf("expected %v to be within business hours", mondayMorning)
	}

	mondayNight := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	if campaign.WithinBusinessHours(mondayNight) {
		t.Fatalf("expected %v to be outside business hours", mondayNight)
	}

	tuesdayMorning := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if campaign.WithinBusinessHours(tuesdayMorning) {
		t.Fatalf("expected %v to be outside business hours (wrong day)", tuesdayMorning)
	}
}

func TestWithinBusinessHoursSpanningMidnight(t *testing.T) {
	campaign := &Campaign{
		TimeZone: "UTC",
		BusinessHours: []BusinessHourWindow{
			{
				DayOfWeek: time.Monday,
				Start:     time.Date(0, 1, 1, 22, 0, 0, 0, time.UTC),
				End:       time.Date(0, 1, 1, 2, 0, 0, 0, time.UTC),
			},
		},
	}

	night := time.Date(2024, 1, 1, 23, 0, 0, 0, time.UTC)
	if !campaign.WithinBusinessHours(night) {
		t.Fatalf("expected %v to be within cross-midnight window", night)
	}

	earlyMorning := time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)
	if !campaign.WithinBusinessHours(earlyMorning) {
		t.Fatalf("expected %v to be within cross-midnight window", earlyMorning)
	}

	tuesdayLate := time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC)
	if campaign.WithinBusinessHours(tuesdayLate) {
		t.Fatalf("expected %v to be outside the monday window", tuesdayLate)
	}
}

func TestWithinBusinessHoursNoWindows(t *testing.T) {
	campaign := &Campaign{TimeZone: "Europe/Paris"}
	if !campaign.WithinBusinessHours(time.Now()) {
		t.Fatal("campaign without windows must always be open")
	}
}
