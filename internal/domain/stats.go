package domain

import (
	"math"
	"time"
)

// WindowTotal sums the records whose timestamp falls in one window.
type WindowTotal struct {
	Duration float64
	Count    int
}

// Stats summarises tracked time for display.
type Stats struct {
	DailyChange   float64
	WeeklyChange  float64
	DailyAverage  float64
	WeeklyAverage float64
	Today         WindowTotal
	Yesterday     WindowTotal
	ThisWeek      WindowTotal
	LastWeek      WindowTotal
	AllTime       WindowTotal
	ActiveDays    int
	Categories    []CategoryTotal
}

// StatsWindows holds the window boundaries relative to Now. Weeks start on Monday.
type StatsWindows struct {
	Now            time.Time
	TodayStart     time.Time
	YesterdayStart time.Time
	WeekStart      time.Time
	LastWeekStart  time.Time
	LastWeekEnd    time.Time
}

// StatsWindowsAt computes the boundaries in now's location.
func StatsWindowsAt(now time.Time) StatsWindows {
	y, m, d := now.Date()
	todayStart := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	sinceMonday := (int(now.Weekday()) + 6) % 7
	weekStart := todayStart.AddDate(0, 0, -sinceMonday)
	return StatsWindows{
		Now:            now,
		TodayStart:     todayStart,
		YesterdayStart: todayStart.AddDate(0, 0, -1),
		WeekStart:      weekStart,
		LastWeekStart:  weekStart.AddDate(0, 0, -7),
		LastWeekEnd:    now.AddDate(0, 0, -7),
	}
}

// PercentChange returns the relative change from prev to curr in percent.
// Going from zero to anything positive counts as 100.
func PercentChange(curr, prev float64) float64 {
	if prev == 0 {
		if curr > 0 {
			return 100
		}
		return 0
	}
	return (curr - prev) / prev * 100
}

// ComputeStats aggregates recent records into the day and week windows and derives
// averages from the per-day totals.
func ComputeStats(w StatsWindows, recent []ActivityRecord, days []DayTotal) Stats {
	var stats Stats
	for _, r := range recent {
		ts := r.Timestamp
		switch {
		case within(ts, w.TodayStart, w.Now):
			stats.Today.add(r.Duration)
		case !ts.Before(w.YesterdayStart) && ts.Before(w.TodayStart):
			stats.Yesterday.add(r.Duration)
		}
		if within(ts, w.WeekStart, w.Now) {
			stats.ThisWeek.add(r.Duration)
		}
		if within(ts, w.LastWeekStart, w.LastWeekEnd) {
			stats.LastWeek.add(r.Duration)
		}
	}

	for _, day := range days {
		if day.Count == 0 {
			continue
		}
		stats.ActiveDays++
		stats.AllTime.Duration += day.TotalDuration
		stats.AllTime.Count += day.Count
	}

	stats.DailyChange = PercentChange(stats.Today.Duration, stats.Yesterday.Duration)
	stats.WeeklyChange = PercentChange(stats.ThisWeek.Duration, stats.LastWeek.Duration)
	if stats.ActiveDays > 0 {
		stats.DailyAverage = stats.AllTime.Duration / float64(stats.ActiveDays)
	}
	weeks := math.Max(1, math.Ceil(float64(stats.ActiveDays)/7))
	stats.WeeklyAverage = stats.AllTime.Duration / weeks
	return stats
}

func (t *WindowTotal) add(duration float64) {
	t.Duration += duration
	t.Count++
}

func within(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}
