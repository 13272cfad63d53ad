package version

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestStringCombinesBuildFields(t *testing.T) {
	c := qt.New(t)

	c.Assert(String(), qt.Contains, Version)
	c.Assert(String(), qt.Contains, Commit)
	c.Assert(String(), qt.Contains, Date)
}

func TestDefaultsAreNonEmpty(t *testing.T) {
	c := qt.New(t)

	// ldflags may override these, but a build without them still has to
	// render something meaningful.
	c.Assert(Version, qt.Not(qt.Equals), "")
	c.Assert(Commit, qt.Not(qt.Equals), "")
	c.Assert(Date, qt.Not(qt.Equals), "")
}
