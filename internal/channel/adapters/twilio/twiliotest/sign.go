// Package twiliotest signs webhook requests the way Twilio does, for tests.
package twiliotest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// Sign computes the X-Twilio-Signature value for a form webhook: the full URL
// followed by the sorted name+value pairs, HMAC-SHA1 signed with the auth
// token and base64 encoded.
func Sign(authToken, fullURL string, form url.Values) string {
	pairs := make([]string, 0, len(form))
	for k := range form {
		pairs = append(pairs, k+form.Get(k))
	}
	sort.Strings(pairs)
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(fullURL + strings.Join(pairs, "")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
