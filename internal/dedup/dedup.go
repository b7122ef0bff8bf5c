// Package dedup decides record identity within one cascade run.
package dedup

import (
	"strings"

	"leadflow/internal/domain"
)

// AddressPrefix is the number of address runes that take part in the
// composite name+address key.
const AddressPrefix = 50

// Engine remembers the identities it has accepted. It is not safe for
// concurrent use; the aggregator owns one per run.
type Engine struct {
	seen map[string]struct{}
}

func New() *Engine {
	return &Engine{seen: make(map[string]struct{})}
}

// Key returns the identity of r, or "" when r cannot be identified.
// A provider-assigned external id wins over the name+address composite.
func Key(r domain.Record) string {
	if id := strings.TrimSpace(r.ExternalID); id != "" {
		return "id:" + id
	}
	name := strings.ToLower(strings.TrimSpace(r.Name))
	if name == "" {
		return ""
	}
	return "na:" + name + "|" + addressPrefix(r.Address)
}

func addressPrefix(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	runes := []rune(addr)
	if len(runes) > AddressPrefix {
		runes = runes[:AddressPrefix]
	}
	return string(runes)
}

// Accept reports whether r is new and records its identity if so.
// Records without an external id or a name are always rejected.
func (e *Engine) Accept(r domain.Record) bool {
	key := Key(r)
	if key == "" {
		return false
	}
	if _, dup := e.seen[key]; dup {
		return false
	}
	e.seen[key] = struct{}{}
	return true
}

// Reset forgets every accepted identity.
func (e *Engine) Reset() {
	clear(e.seen)
}

// Len returns the number of identities accepted since the last Reset.
func (e *Engine) Len() int { return len(e.seen) }
