package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
)

// TestHelper carries the running test and a logger shared by its fixtures.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Entry returns a logger entry tagged with the running test name.
func (h *TestHelper) Entry() *logrus.Entry {
	return h.Logger.WithField("test", h.T.Name())
}
