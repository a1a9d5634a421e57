// File: internal/agent/main_test.go
package agent_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that no worker goroutines outlive their runs.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
