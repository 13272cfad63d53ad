// Package auth validates Proxy-Authorization on the outermost request line
// of an explicit-proxy connection and produces 407 challenges.
package auth

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/kamilstanek/wiretap/internal/htpasswd"
)

const realm = `mitmproxy`

// Authenticator validates the Proxy-Authorization header. A nil
// *Authenticator (or one built with ModeNone) means "no authentication
// configured" and Authenticate always succeeds — mirroring the original's
// NullProxyAuth.
type Authenticator struct {
	mode Mode

	singleUser, singlePass string
	htpasswdFile           *htpasswd.File
}

type Mode int

const (
	ModeNone Mode = iota
	ModeNonAnonymous
	ModeSingleUser
	ModeHtpasswd
)

// NewNonAnonymous requires a Proxy-Authorization header with any
// syntactically valid Basic credentials, accepting any username/password.
func NewNonAnonymous() *Authenticator {
	return &Authenticator{mode: ModeNonAnonymous}
}

// NewSingleUser requires exactly user:pass.
func NewSingleUser(user, pass string) *Authenticator {
	return &Authenticator{mode: ModeSingleUser, singleUser: user, singlePass: pass}
}

// NewHtpasswd validates credentials against a loaded htpasswd file.
func NewHtpasswd(f *htpasswd.File) *Authenticator {
	return &Authenticator{mode: ModeHtpasswd, htpasswdFile: f}
}

// Authenticate validates the Proxy-Authorization header. It returns true if
// the header set is either of the following: no authentication is
// configured, or valid Basic credentials are present.
func (a *Authenticator) Authenticate(header http.Header) bool {
	if a == nil || a.mode == ModeNone {
		return true
	}
	value := header.Get("Proxy-Authorization")
	if value == "" {
		return false
	}
	user, pass, ok := decodeBasic(value)
	if !ok {
		return false
	}
	switch a.mode {
	case ModeNonAnonymous:
		return true
	case ModeSingleUser:
		return user == a.singleUser && pass == a.singlePass
	case ModeHtpasswd:
		return a.htpasswdFile.Verify(user, pass)
	default:
		return false
	}
}

// Clean strips Proxy-Authorization from header before the request is
// published to the controller.
func (a *Authenticator) Clean(header http.Header) {
	header.Del("Proxy-Authorization")
}

// ChallengeHeaders returns the headers accompanying a 407 response.
func (a *Authenticator) ChallengeHeaders() http.Header {
	h := make(http.Header)
	h.Set("Proxy-Authenticate", `Basic realm="`+realm+`"`)
	return h
}

func decodeBasic(value string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(value, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(decoded), ":")
	return user, pass, ok
}
