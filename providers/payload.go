package providers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignHMAC returns the hex HMAC-SHA256 of body.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC compares header, optionally prefixed "sha256=", against body.
func verifyHMAC(secret, header string, body []byte) bool {
	got := strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	sig, err := hex.DecodeString(got)
	if err != nil || len(sig) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// document is a loosely-typed JSON object read through dotted paths.
type document map[string]interface{}

func parseDocument(body []byte) (document, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: empty object", ErrMalformedPayload)
	}
	return doc, nil
}

func (d document) lookup(path string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(d)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func (d document) str(path string) string {
	v, ok := d.lookup(path)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	}
	return ""
}

// first returns the first non-empty string along the fallback chain.
func (d document) first(paths ...string) string {
	for _, p := range paths {
		if s := d.str(p); s != "" {
			return s
		}
	}
	return ""
}

// all returns every distinct non-empty value along the chain, in order.
func (d document) all(paths ...string) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range paths {
		if s := d.str(p); s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
