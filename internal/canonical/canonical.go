// Package canonical produces deterministic serializations of request
// parameters so that logically identical requests always map to the same
// deduplication key, regardless of parameter order.
package canonical

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
)

// Params serializes v with map keys in sorted order. encoding/json already
// sorts map keys at every nesting level, so JSON marshalling is canonical
// for map-shaped parameters; url.Values get the same treatment after
// conversion. A marshal failure falls back to the empty string rather than
// failing the request.
func Params(v interface{}) string {
	if v == nil {
		return ""
	}
	if vals, ok := v.(url.Values); ok {
		return values(vals)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// values renders url.Values as "k=v1,v2&k2=..." with keys sorted.
func values(vals url.Values) string {
	if len(vals) == 0 {
		return ""
	}
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.Join(vals[k], ","))
	}
	return b.String()
}
