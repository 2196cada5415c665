package testutils

import (
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

// FakeRadioSuite provides a reusable test suite with a recording radio and a declared profile.
//
// Basic usage (automatic setup with default battery profile):
//
//	type SimpleSuite struct {
//	    testutils.FakeRadioSuite
//	}
//
//	func TestSimpleSuite(t *testing.T) {
//	    suite.Run(t, new(SimpleSuite))
//	}
//
// Custom profile usage:
//
//	func (s *HeartRateSuite) SetupTest() {
//	    s.WithProfile().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "notify")
//
//	    s.FakeRadioSuite.SetupTest() // Call parent last to apply configuration
//	}
type FakeRadioSuite struct {
	suite.Suite

	Helper *TestHelper
	Logger *logrus.Logger

	Radio          *FakeRadio
	ProfileBuilder *ProfileBuilder
}

// SetupSuite initializes the helper and logger once for all tests.
func (s *FakeRadioSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.Logger.Debug("Suite setup completed")
}

// SetupTest creates a fresh radio and applies the default profile if none was configured.
func (s *FakeRadioSuite) SetupTest() {
	if s.ProfileBuilder == nil {
		s.ProfileBuilder = createDefaultProfileBuilder()
	}
	s.Radio = NewFakeRadio()
	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest resets the profile builder after each test.
func (s *FakeRadioSuite) TearDownTest() {
	s.ProfileBuilder = nil
	s.Radio = nil
}

// WithProfile returns the profile builder for fluent configuration.
func (s *FakeRadioSuite) WithProfile() *ProfileBuilder {
	if s.ProfileBuilder == nil {
		s.ProfileBuilder = NewProfileBuilder()
	}
	return s.ProfileBuilder
}

// createDefaultProfileBuilder declares Battery Service (180F) with a readable,
// notifying Battery Level characteristic (2A19).
func createDefaultProfileBuilder() *ProfileBuilder {
	return NewProfileBuilder().FromJSON(`
		{
			"services": [
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "capabilities": "read,notify" }
					]
				}
			]
		}`)
}
