package arbmetrics_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutines leak from metrics tests.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
