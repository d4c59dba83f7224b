// Package selector picks the collections a task applies to by name.
package selector

import (
	"sort"
	"strings"

	"cryptomaint/config"
	"cryptomaint/internal/store"
	"cryptomaint/internal/symbols"
	"cryptomaint/models"
)

// Predicate reports whether a collection name is selected.
type Predicate func(name string) bool

// Contains matches names containing any of subs.
func Contains(subs ...string) Predicate {
	return func(name string) bool {
		for _, s := range subs {
			if strings.Contains(name, s) {
				return true
			}
		}
		return false
	}
}

// HasSuffix matches names ending with any of suffixes.
func HasSuffix(suffixes ...string) Predicate {
	return func(name string) bool {
		for _, s := range suffixes {
			if strings.HasSuffix(name, s) {
				return true
			}
		}
		return false
	}
}

// HasPrefix matches names starting with any of prefixes.
func HasPrefix(prefixes ...string) Predicate {
	return func(name string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	}
}

// TimeframeIn matches names whose last "_" token is one of tfs, so "1h"
// does not select "..._11h".
func TimeframeIn(tfs ...string) Predicate {
	set := make(map[string]struct{}, len(tfs))
	for _, tf := range tfs {
		set[tf] = struct{}{}
	}
	return func(name string) bool {
		_, ok := set[models.Timeframe(name)]
		return ok
	}
}

func Exactly(names ...string) Predicate {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(name string) bool {
		_, ok := set[name]
		return ok
	}
}

// Kind matches market-data collections of the given kind.
func Kind(kind string) Predicate {
	return func(name string) bool {
		return models.ParseCollectionName(name).Kind == kind
	}
}

// Symbol matches market-data collections of any of syms. A symbol may carry
// the exchange it is written for, so "kucoin:XBT-USDTM" selects
// binance_ohlcv_BTCUSDT_1h.
func Symbol(syms ...string) Predicate {
	want := make(map[string]struct{}, len(syms))
	for _, s := range syms {
		exchange := ""
		if i := strings.Index(s, ":"); i > 0 {
			exchange, s = s[:i], s[i+1:]
		}
		want[symbols.Canonical(exchange, s)] = struct{}{}
	}
	return func(name string) bool {
		cn := models.ParseCollectionName(name)
		if cn.Symbol == "" {
			return false
		}
		_, ok := want[symbols.Canonical(cn.Exchange, cn.Symbol)]
		return ok
	}
}

func Not(p Predicate) Predicate {
	return func(name string) bool { return !p(name) }
}

// All matches when every predicate does. No predicates match everything.
func All(preds ...Predicate) Predicate {
	return func(name string) bool {
		for _, p := range preds {
			if !p(name) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one predicate does.
func Any(preds ...Predicate) Predicate {
	return func(name string) bool {
		for _, p := range preds {
			if p(name) {
				return true
			}
		}
		return false
	}
}

// Select returns the sorted names matching pred. System collections and the
// migration ledger are never selected.
func Select(names []string, pred Predicate) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if store.IsSystemCollection(n) {
			continue
		}
		if pred == nil || pred(n) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// FromConfig builds the predicate of a task match block.
func FromConfig(m config.MatchConfig) Predicate {
	var preds []Predicate
	if len(m.Contains) > 0 {
		preds = append(preds, Contains(m.Contains...))
	}
	if len(m.Prefix) > 0 {
		preds = append(preds, HasPrefix(m.Prefix...))
	}
	if len(m.Suffix) > 0 {
		preds = append(preds, HasSuffix(m.Suffix...))
	}
	if len(m.Timeframes) > 0 {
		preds = append(preds, TimeframeIn(m.Timeframes...))
	}
	if m.Kind != "" {
		preds = append(preds, Kind(m.Kind))
	}
	if len(m.Symbols) > 0 {
		preds = append(preds, Symbol(m.Symbols...))
	}
	if len(m.Exclude) > 0 {
		preds = append(preds, Not(Exactly(m.Exclude...)))
	}
	return All(preds...)
}
