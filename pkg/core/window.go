package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Configuration errors. Both are fatal and reported before any extraction starts.
var (
	// ErrInvalidBucketDuration is returned for bucket granularities other than HOUR, DAY or MONTH.
	ErrInvalidBucketDuration = errors.New("invalid bucket duration")
	// ErrInvalidWindow is returned when a window does not satisfy start < end.
	ErrInvalidWindow = errors.New("invalid time window")
)

// =============================================================================
// BucketDuration
// =============================================================================

// BucketDuration is the width of the time buckets used to group and
// deduplicate repeated query executions.
type BucketDuration string

// Supported bucket granularities.
const (
	BucketHour  BucketDuration = "HOUR"
	BucketDay   BucketDuration = "DAY"
	BucketMonth BucketDuration = "MONTH"
)

// ParseBucketDuration converts a string to a BucketDuration (case-insensitive).
func ParseBucketDuration(s string) (BucketDuration, error) {
	b := BucketDuration(strings.ToUpper(strings.TrimSpace(s)))
	if err := b.Validate(); err != nil {
		return "", err
	}
	return b, nil
}

// Validate reports whether b is one of the supported granularities.
func (b BucketDuration) Validate() error {
	switch b {
	case BucketHour, BucketDay, BucketMonth:
		return nil
	default:
		return fmt.Errorf("%w: %q (expected HOUR, DAY or MONTH)", ErrInvalidBucketDuration, string(b))
	}
}

// Truncate returns the start of the bucket containing t, in UTC.
func (b BucketDuration) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch b {
	case BucketHour:
		return t.Truncate(time.Hour)
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Previous returns the start of the bucket immediately before the one starting at t.
func (b BucketDuration) Previous(t time.Time) time.Time {
	switch b {
	case BucketHour:
		return t.Add(-time.Hour)
	case BucketMonth:
		return t.AddDate(0, -1, 0)
	default:
		return t.AddDate(0, 0, -1)
	}
}

// =============================================================================
// TimeWindow
// =============================================================================

// TimeWindow is the half-open interval [StartTime, EndTime) of audit history
// to extract, together with the bucket granularity used for deduplication.
type TimeWindow struct {
	StartTime      time.Time      `json:"start_time"`
	EndTime        time.Time      `json:"end_time"`
	BucketDuration BucketDuration `json:"bucket_duration"`
}

// DefaultTimeWindow returns the window covering the last full bucket before now.
func DefaultTimeWindow(now time.Time, bucket BucketDuration) TimeWindow {
	if bucket == "" {
		bucket = BucketDay
	}
	end := now.UTC()
	return TimeWindow{
		StartTime:      bucket.Previous(bucket.Truncate(end)),
		EndTime:        end,
		BucketDuration: bucket,
	}
}

// Validate checks the bucket granularity and that StartTime < EndTime.
func (w TimeWindow) Validate() error {
	if err := w.BucketDuration.Validate(); err != nil {
		return err
	}
	if w.StartTime.IsZero() || w.EndTime.IsZero() {
		return fmt.Errorf("%w: start_time and end_time are required", ErrInvalidWindow)
	}
	if !w.StartTime.Before(w.EndTime) {
		return fmt.Errorf("%w: start_time %s is not before end_time %s",
			ErrInvalidWindow, w.StartTime.UTC().Format(time.RFC3339), w.EndTime.UTC().Format(time.RFC3339))
	}
	return nil
}

// UTC returns a copy of the window with both timestamps converted to UTC.
func (w TimeWindow) UTC() TimeWindow {
	w.StartTime = w.StartTime.UTC()
	w.EndTime = w.EndTime.UTC()
	return w
}

// String renders the window for logs and reports.
func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s) bucket=%s",
		w.StartTime.UTC().Format(time.RFC3339), w.EndTime.UTC().Format(time.RFC3339), w.BucketDuration)
}
