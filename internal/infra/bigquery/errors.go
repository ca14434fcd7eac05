package bigquery

import "strings"

// Messages attached to ASSERT statements in write scripts.
const (
	assertSyncBusy   = "sync_busy"
	assertConcurrent = "concurrent_allocation"
)

// isBusy reports whether a claim script failed because the account already has
// a running run.
func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), assertSyncBusy)
}

// isConcurrentUpdate reports whether a script lost a race with another writer,
// either through one of our guards or through BigQuery's own transaction abort.
func isConcurrentUpdate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, assertConcurrent) ||
		strings.Contains(msg, "aborted due to concurrent update") ||
		strings.Contains(msg, "Could not serialize access")
}
