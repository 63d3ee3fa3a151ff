package sip

import (
	"io"
	"slices"
	"strings"
)

// HeaderKV is one key/value pair inside a header or URI parameter list. A
// bare parameter (";lr") keeps an empty V.
type HeaderKV struct {
	K string
	V string
}

// HeaderParams is an ordered parameter list. Order is preserved because
// serialized Via/Route parameters must round-trip in the order they
// arrived; lookups scan, which beats a map for the two-or-three entries a
// typical header carries.
type HeaderParams []HeaderKV

// NewParams allocates an empty parameter list with room for the usual
// handful of entries.
func NewParams() HeaderParams {
	return make(HeaderParams, 0, 4)
}

func (hp HeaderParams) indexOf(key string) int {
	for i := range hp {
		if hp[i].K == key {
			return i
		}
	}
	return -1
}

// Get returns the value stored under key.
func (hp HeaderParams) Get(key string) (string, bool) {
	if i := hp.indexOf(key); i >= 0 {
		return hp[i].V, true
	}
	return "", false
}

// GetOr returns the value under key, or def when absent.
func (hp HeaderParams) GetOr(key, def string) string {
	if i := hp.indexOf(key); i >= 0 {
		return hp[i].V
	}
	return def
}

// Has reports whether key is present, valued or bare.
func (hp HeaderParams) Has(key string) bool {
	return hp.indexOf(key) >= 0
}

// Add sets key to val, overwriting in place when the key already exists so
// its position in the serialization is stable.
func (hp *HeaderParams) Add(key string, val string) HeaderParams {
	if i := hp.indexOf(key); i >= 0 {
		(*hp)[i].V = val
		return *hp
	}
	*hp = append(*hp, HeaderKV{K: key, V: val})
	return *hp
}

// Remove deletes key, keeping the remaining order.
func (hp *HeaderParams) Remove(key string) HeaderParams {
	if i := hp.indexOf(key); i >= 0 {
		*hp = append((*hp)[:i], (*hp)[i+1:]...)
	}
	return *hp
}

// Keys lists the distinct keys in order of first appearance.
func (hp HeaderParams) Keys() []string {
	keys := make([]string, 0, len(hp))
	for _, kv := range hp {
		if !slices.Contains(keys, kv.K) {
			keys = append(keys, kv.K)
		}
	}
	return keys
}

// Items flattens the list into a map; ordering is lost.
func (hp HeaderParams) Items() map[string]string {
	m := make(map[string]string, len(hp))
	for _, kv := range hp {
		m[kv.K] = kv.V
	}
	return m
}

// Clone copies the list; the copy's backing array is its own.
func (hp HeaderParams) Clone() HeaderParams {
	return hp.clone()
}

func (hp HeaderParams) clone() HeaderParams {
	return slices.Clone(hp)
}

// Length returns the number of parameters.
func (hp HeaderParams) Length() int {
	return len(hp)
}

// ToString renders the list joined by sep. Values containing whitespace
// are quoted; escaping beyond that is the caller's job.
func (hp HeaderParams) ToString(sep byte) string {
	var b strings.Builder
	hp.ToStringWrite(sep, &b)
	return b.String()
}

// ToStringWrite is ToString into a caller-held writer.
func (hp HeaderParams) ToStringWrite(sep byte, w io.StringWriter) {
	sepStr := string(sep)
	for i, kv := range hp {
		if i > 0 {
			w.WriteString(sepStr)
		}
		w.WriteString(kv.K)
		if kv.V == "" {
			// Bare param, e.g. ;lr
			continue
		}
		if strings.ContainsAny(kv.V, abnfWs) {
			w.WriteString("=\"")
			w.WriteString(kv.V)
			w.WriteString("\"")
		} else {
			w.WriteString("=")
			w.WriteString(kv.V)
		}
	}
}

// String renders with '&', the URI-headers separator.
func (hp HeaderParams) String() string {
	return hp.ToString('&')
}

// Equals reports whether both lists hold the same key/value sets,
// regardless of order.
func (hp HeaderParams) Equals(other interface{}) bool {
	q, ok := other.(HeaderParams)
	if !ok || len(hp) != len(q) {
		return false
	}
	for _, kv := range hp {
		v, ok := q.Get(kv.K)
		if !ok || v != kv.V {
			return false
		}
	}
	return true
}
