// Package state provides the on-disk audit log cache for leapaudit.
//
// The cache is an ordered, append-only log of audit records grouped by fetch
// session. A session records the window it was fetched for; a completed
// session with a matching fingerprint lets a later run replay the records
// instead of querying the warehouse again.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/leapstack-labs/leapaudit/pkg/core"
)

// CacheFileName is the name of the cache database inside the temp directory.
const CacheFileName = "audit_log.sqlite"

// FetchSession is one pass over the warehouse audit history.
type FetchSession struct {
	ID          string          `json:"id"`
	Fingerprint string          `json:"fingerprint"`
	Window      core.TimeWindow `json:"window"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RecordCount int64           `json:"record_count"`
}

// Completed reports whether every record of the session was written.
func (s *FetchSession) Completed() bool {
	return s.CompletedAt != nil
}

// Fingerprint identifies the inputs that shape a fetch: the window bounds,
// the bucket size, the (case-insensitive) user denylist and any settings
// applied to records before they are cached, such as URN normalization.
// Settings are compared in order.
func Fingerprint(window core.TimeWindow, denyUsernames []string, settings ...string) string {
	users := make([]string, 0, len(denyUsernames))
	for _, u := range denyUsernames {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, strings.ToUpper(u))
		}
	}
	slices.Sort(users)
	users = slices.Compact(users)

	w := window.UTC()
	h := sha256.New()
	h.Write([]byte(w.StartTime.Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(w.EndTime.Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(w.BucketDuration))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(users, ",")))
	for _, setting := range settings {
		h.Write([]byte{0})
		h.Write([]byte(setting))
	}
	return hex.EncodeToString(h.Sum(nil))
}
