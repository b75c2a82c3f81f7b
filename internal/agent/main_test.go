// File: internal/agent/main_test.go
package agent_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain fails the package if any test leaves a goroutine behind. Runs own
// no background workers, so anything still alive is a leaked session or timer.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
