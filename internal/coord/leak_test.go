package coord

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine leaks occur during testing.
// Stream handlers and the graceful shutdown path are the usual suspects.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Ignore known background goroutines from testing infrastructure
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
		// database/sql keeps one opener per open pool
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}
