package rtsp

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pion/randutil"
)

// nonceAlphabet mirrors the alphabet pion/ice uses for ufrag/pwd
// generation; there is nothing RTSP-specific about it, just a printable,
// unambiguous character set for a challenge token.
const nonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const nonceLength = 24

// Authenticator implements RFC 2617 HTTP Digest authentication scoped to a
// single RTSP connection, per spec.md §4.3: one nonce is minted per
// challenge and held until the client's next request either satisfies it
// or is rejected.
type Authenticator struct {
	Realm    string
	Username string
	Password string

	nonce string
}

// NewAuthenticator builds an Authenticator for realm/username/password. A
// disabled authenticator (empty username) always authorizes.
func NewAuthenticator(realm, username, password string) *Authenticator {
	return &Authenticator{Realm: realm, Username: username, Password: password}
}

// Enabled reports whether this connection requires authentication at all.
func (a *Authenticator) Enabled() bool { return a.Username != "" }

// Challenge mints a fresh nonce and returns the WWW-Authenticate header
// value for a 401 response.
func (a *Authenticator) Challenge() string {
	a.nonce = randutil.GenerateCryptoRandomString(nonceLength, []byte(nonceAlphabet))
	return fmt.Sprintf(`Digest realm="%s", nonce="%s"`, a.Realm, a.nonce)
}

// Verify checks the request's Authorization header against the
// outstanding nonce. It returns false if there is no outstanding
// challenge, the header is malformed, or the response digest mismatches.
func (a *Authenticator) Verify(method string, req *Request) bool {
	if !a.Enabled() {
		return true
	}
	if a.nonce == "" {
		return false
	}
	raw := req.header("authorization")
	if raw == "" {
		return false
	}
	params := parseDigestHeader(raw)
	if params["username"] != a.Username || params["realm"] != a.Realm || params["nonce"] != a.nonce {
		return false
	}
	uri := params["uri"]
	want := digestResponse(a.Username, a.Realm, a.Password, method, uri, a.nonce)
	got := params["response"]
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// digestResponse computes RFC 2617's simple (qop-less) Digest response:
// MD5(MD5(user:realm:pass):nonce:MD5(method:uri)).
func digestResponse(username, realm, password, method, uri, nonce string) string {
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", username, realm, password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, uri))
	return md5Hex(fmt.Sprintf("%s:%s:%s", ha1, nonce, ha2))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// parseDigestHeader splits `Digest key="val", key2=val2` into a map. It
// tolerates both quoted and bare values, matching what real RTSP clients
// (ffmpeg, VLC) send.
func parseDigestHeader(raw string) map[string]string {
	out := make(map[string]string)
	if idx := strings.Index(raw, " "); idx >= 0 && strings.EqualFold(raw[:idx], "Digest") {
		raw = raw[idx+1:]
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.TrimSpace(part[eq+1:])
		val = strings.Trim(val, `"`)
		out[key] = val
	}
	return out
}
