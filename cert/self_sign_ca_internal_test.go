// White-box tests for the pieces a caller never sees directly: store-path
// resolution, PEM serialization, and reloading a persisted CA.

package cert

import (
	"bytes"
	"os"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestGetStorePath(t *testing.T) {
	c := qt.New(t)
	path, err := getStorePath("")
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Not(qt.Equals), "", qt.Commentf("should have path"))

	dir := t.TempDir()
	path, err = getStorePath(dir)
	c.Assert(err, qt.IsNil)
	c.Assert(path, qt.Equals, dir)
}

func TestSaveToAndCaFile(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	caAPI, err := NewSelfSignCA(dir)
	c.Assert(err, qt.IsNil)
	ca := caAPI.(*SelfSignCA)

	var buf bytes.Buffer
	err = ca.saveTo(&buf)
	c.Assert(err, qt.IsNil)

	fileContent, err := os.ReadFile(ca.caFile())
	c.Assert(err, qt.IsNil)

	c.Assert(fileContent, qt.DeepEquals, buf.Bytes(), qt.Commentf("pem content should equal"))
}

func TestLoadFromRoundTripsKeyAndCert(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	caAPI, err := NewSelfSignCA(dir)
	c.Assert(err, qt.IsNil)
	ca := caAPI.(*SelfSignCA)

	reloadedAPI, err := NewSelfSignCA(dir)
	c.Assert(err, qt.IsNil)
	reloaded := reloadedAPI.(*SelfSignCA)

	c.Assert(reloaded.Cert.Raw, qt.DeepEquals, ca.Cert.Raw)
	c.Assert(reloaded.PrivateKey.N.Cmp(ca.PrivateKey.N), qt.Equals, 0)
}
