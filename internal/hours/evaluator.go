// Package hours decides whether the support desk is open at a given instant,
// from a weekly schedule with per-date exceptions.
package hours

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Nycolazs/whatsapp-system-sub000/internal/store"
)

// Evaluator answers open/closed questions against the stored schedule.
//
// It fails open: if the schedule cannot be read, the desk is considered open
// so the out-of-hours notice is suppressed rather than sent wrongly during
// business hours.
type Evaluator struct {
	repo store.HoursRepository
	loc  *time.Location
	log  *slog.Logger
}

// NewEvaluator creates an Evaluator. loc is the business timezone; pass nil
// for the local timezone.
func NewEvaluator(repo store.HoursRepository, loc *time.Location, log *slog.Logger) *Evaluator {
	if loc == nil {
		loc = time.Local
	}
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{repo: repo, loc: loc, log: log}
}

// IsOpen reports whether the desk is open at the given instant. Date
// exceptions take precedence over the weekly schedule.
func (e *Evaluator) IsOpen(ctx context.Context, now time.Time) bool {
	local := now.In(e.loc)
	minute := local.Hour()*60 + local.Minute()

	exc, err := e.repo.Exception(ctx, local.Format("2006-01-02"))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.log.Error("failed to read schedule exceptions, assuming open", "error", err)
		return true
	}
	if exc != nil {
		if exc.Closed {
			return false
		}
		// An open exception without explicit times still closes the day.
		if !exc.OpenTime.Valid || !exc.CloseTime.Valid {
			return false
		}
		open, errO := parseClock(exc.OpenTime.String)
		close_, errC := parseClock(exc.CloseTime.String)
		if errO != nil || errC != nil {
			e.log.Error("malformed exception times, assuming open", "date", exc.Date)
			return true
		}
		return withinWindow(minute, open, close_)
	}

	day, err := e.repo.Weekday(ctx, int(local.Weekday()))
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		e.log.Error("failed to read weekly schedule, assuming open", "error", err)
		return true
	}
	if !day.Enabled {
		return false
	}

	open, errO := parseClock(day.OpenTime)
	close_, errC := parseClock(day.CloseTime)
	if errO != nil || errC != nil {
		e.log.Error("malformed schedule times, assuming open", "day", day.Day)
		return true
	}
	return withinWindow(minute, open, close_)
}

// withinWindow checks a minute-of-day against an [open, close) window.
// Windows with close before open wrap past midnight; a zero-width window
// never opens.
func withinWindow(minute, open, close_ int) bool {
	if open == close_ {
		return false
	}
	if close_ > open {
		return minute >= open && minute < close_
	}
	return minute >= open || minute < close_
}

// parseClock parses "HH:MM" into minute-of-day.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("malformed clock time %q", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("malformed clock time %q", s)
	}
	min, err := strconv.Atoi(m)
	if err != nil || min < 0 || min > 59 {
		return 0, fmt.Errorf("malformed clock time %q", s)
	}
	return hour*60 + min, nil
}
