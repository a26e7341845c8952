// Package progress owns the per-entity job progress map: it merges
// asynchronous, possibly stale, possibly duplicated notifications into a
// single coherent record per entity and mirrors the map into a durable
// key-value store.
package progress

import (
	"time"

	"github.com/raphaelgruber/kbtrack/internal/models"
)

// DefaultStaleAfter is how old an in-flight notification may be before it
// is rejected for an entity the backend already reports as settled.
const DefaultStaleAfter = 5 * time.Minute

// Accept decides whether an incoming notification supersedes the current
// record for an entity. Push channels give no ordering guarantee across
// reconnects, so the rules favor ignoring a late message over letting an
// already-finished entity flicker back to an in-progress stage:
//
//  1. No current record: accept.
//  2. Entity settled and incoming non-terminal: accept only while the
//     incoming record is younger than staleAfter.
//  3. Current record terminal and incoming non-terminal: reject.
//  4. Otherwise: accept.
func Accept(current *models.ProgressRecord, incoming models.ProgressRecord, settled bool, staleAfter time.Duration, now time.Time) bool {
	if current == nil {
		return true
	}
	if settled && !incoming.Stage.Terminal() && incoming.Age(now) > staleAfter {
		return false
	}
	if current.Stage.Terminal() && !incoming.Stage.Terminal() {
		return false
	}
	return true
}
