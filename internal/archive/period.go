package archive

import (
	"fmt"
	"time"

	"klinevault/internal/market"
)

// Granularity is the archive file cadence.
type Granularity uint8

const (
	Monthly Granularity = iota + 1
	Daily
)

func (g Granularity) String() string {
	switch g {
	case Monthly:
		return "monthly"
	case Daily:
		return "daily"
	default:
		return "unknown"
	}
}

// Period 是一个归档周期（自然月或自然日，UTC）。周期关闭后文件不再变化。
type Period struct {
	Granularity Granularity
	Start       time.Time
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Period {
	t = t.UTC()
	return Period{Granularity: Monthly, Start: time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)}
}

// DayOf returns the calendar day containing t.
func DayOf(t time.Time) Period {
	t = t.UTC()
	return Period{Granularity: Daily, Start: time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)}
}

// End is the exclusive end of the period.
func (p Period) End() time.Time {
	if p.Granularity == Daily {
		return p.Start.AddDate(0, 0, 1)
	}
	return p.Start.AddDate(0, 1, 0)
}

// Label is the date fragment used in archive file names.
func (p Period) Label() string {
	if p.Granularity == Daily {
		return p.Start.Format("2006-01-02")
	}
	return p.Start.Format("2006-01")
}

func (p Period) String() string { return p.Granularity.String() + "/" + p.Label() }

// ClosedAt reports whether the period had fully elapsed at now.
func (p Period) ClosedAt(now time.Time) bool {
	return !now.UTC().Before(p.End())
}

// Days splits a monthly period into its calendar days.
func (p Period) Days() []Period {
	if p.Granularity == Daily {
		return []Period{p}
	}
	var out []Period
	for d := p.Start; d.Before(p.End()); d = d.AddDate(0, 0, 1) {
		out = append(out, Period{Granularity: Daily, Start: d})
	}
	return out
}

// MonthsCovering lists the monthly periods intersecting [start, end).
func MonthsCovering(start, end time.Time) []Period {
	if !end.After(start) {
		return nil
	}
	var out []Period
	for m := MonthOf(start); m.Start.Before(end); m = MonthOf(m.End()) {
		out = append(out, m)
	}
	return out
}

// Key 唯一标识归档中的一个文件。
type Key struct {
	Instrument market.Instrument
	Symbol     string
	Interval   string
	Period     Period
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Instrument.ArchivePath(), k.Symbol, k.Interval, k.Period)
}

// FileName follows the archive convention, e.g. BTCUSDT-1h-2024-01.zip.
func (k Key) FileName() string {
	return fmt.Sprintf("%s-%s-%s.zip", k.Symbol, k.Interval, k.Period.Label())
}

// URLPath is the path below the archive host.
func (k Key) URLPath() string {
	return fmt.Sprintf("data/%s/%s/klines/%s/%s/%s",
		k.Instrument.ArchivePath(), k.Period.Granularity, k.Symbol, k.Interval, k.FileName())
}
