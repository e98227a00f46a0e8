package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	intconfig "github.com/leapstack-labs/leapaudit/internal/config"
	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// Validate checks the settings every command relies on. The warehouse
// target is checked separately by commands that connect to it.
func (c *Config) Validate() error {
	switch c.OutputFormat {
	case OutputText, OutputJSON:
	default:
		return fmt.Errorf("invalid output format %q (expected %s or %s)", c.OutputFormat, OutputText, OutputJSON)
	}
	if _, err := c.ResolveWindow(time.Now()); err != nil {
		return err
	}
	if c.Sink != nil {
		if err := intconfig.ValidateTarget(c.Sink, intconfig.RoleSink); err != nil {
			return fmt.Errorf("invalid sink configuration: %w", err)
		}
	}
	return nil
}

// ValidateWarehouse checks the warehouse target.
func (c *Config) ValidateWarehouse() error {
	if err := intconfig.ValidateTarget(c.Warehouse, intconfig.RoleWarehouse); err != nil {
		return fmt.Errorf("invalid warehouse configuration: %w", err)
	}
	return nil
}

// ResolveWindow turns the configured window into absolute UTC times.
// Without an end time the window ends at now; without a start time it
// starts one bucket before the start of the bucket containing the end.
func (c *Config) ResolveWindow(now time.Time) (core.TimeWindow, error) {
	bucket := c.Window.BucketDuration
	if bucket == "" {
		bucket = DefaultBucket
	}
	if err := bucket.Validate(); err != nil {
		return core.TimeWindow{}, err
	}

	end := now.UTC()
	if s := strings.TrimSpace(c.Window.EndTime); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return core.TimeWindow{}, fmt.Errorf("%w: end_time %q is not RFC 3339", core.ErrInvalidWindow, s)
		}
		end = t.UTC()
	}

	window := core.DefaultTimeWindow(end, bucket)
	if s := strings.TrimSpace(c.Window.StartTime); s != "" {
		start, err := parseStartTime(s, end)
		if err != nil {
			return core.TimeWindow{}, err
		}
		window.StartTime = start
	}

	if err := window.Validate(); err != nil {
		return core.TimeWindow{}, err
	}
	return window, nil
}

// parseStartTime accepts RFC 3339 or a negative offset from end such as
// -72h or -7d.
func parseStartTime(s string, end time.Time) (time.Time, error) {
	if !strings.HasPrefix(s, "-") {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: start_time %q is neither RFC 3339 nor a negative duration", core.ErrInvalidWindow, s)
		}
		return t.UTC(), nil
	}

	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: start_time %q: %v", core.ErrInvalidWindow, s, err)
		}
		return end.AddDate(0, 0, n), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: start_time %q: %v", core.ErrInvalidWindow, s, err)
	}
	return end.Add(d), nil
}
