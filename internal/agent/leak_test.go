package agent

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the run loop and the hub clients leave nothing behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
		// the in-memory hub store keeps one opener per open pool
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}
