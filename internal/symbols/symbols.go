// Package symbols maps exchange-specific market symbols to the form used in
// collection names.
package symbols

import "strings"

// multiplier contracts quoted per 1000 units share a collection with the base
// market.
var aliases = map[string]map[string]string{
	"binance": {
		"1000BONKUSDT": "BONKUSDT",
		"1000PEPEUSDT": "PEPEUSDT",
		"1000SHIBUSDT": "SHIBUSDT",
	},
	"bybit": {
		"1000BONKUSDT": "BONKUSDT",
		"1000PEPEUSDT": "PEPEUSDT",
		"SHIB1000USDT": "SHIBUSDT",
	},
}

// Canonical converts sym as written by exchange to the uppercase form without
// separators, with BTC in place of XBT. Unknown exchanges only get the
// generic cleanup.
//
//	Canonical("kucoin", "XBT-USDTM")  -> BTCUSDT
//	Canonical("okx", "ETH-USDT-SWAP") -> ETHUSDT
//	Canonical("kraken", "btc/usd")    -> BTCUSD
func Canonical(exchange, sym string) string {
	exchange = strings.ToLower(exchange)
	sym = strings.ToUpper(strings.TrimSpace(sym))

	switch exchange {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
	case "kucoin":
		sym = strings.TrimSuffix(strings.ReplaceAll(sym, "-", ""), "M")
	}

	sym = strings.NewReplacer("-", "", "/", "", "_", "").Replace(sym)
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	if alias, ok := aliases[exchange][sym]; ok {
		sym = alias
	}
	return sym
}

// Equal reports whether two symbols name the same market once both are in
// canonical form.
func Equal(exchangeA, symA, exchangeB, symB string) bool {
	return Canonical(exchangeA, symA) == Canonical(exchangeB, symB)
}
