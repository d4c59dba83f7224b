package models

import (
	"reflect"
	"testing"
)

func TestCollectionNaming(t *testing.T) {
	if got := OHLCVCollection("bitfinex2", "BTC/USD", "1h"); got != "bitfinex_ohlcv_BTCUSD_1h" {
		t.Errorf("unexpected ohlcv collection: %s", got)
	}
	if got := TradesCollection("binance", "ETH/USDT"); got != "binance_trades_ETHUSDT" {
		t.Errorf("unexpected trades collection: %s", got)
	}
}

func TestParseCollectionName(t *testing.T) {
	cases := []struct {
		in   string
		want CollectionName
	}{
		{"bitfinex_ohlcv_BTCUSD_1h", CollectionName{Exchange: "bitfinex", Kind: KindOHLCV, Symbol: "BTCUSD", Timeframe: "1h"}},
		{"binance_trades_ETHUSDT", CollectionName{Exchange: "binance", Kind: KindTrades, Symbol: "ETHUSDT"}},
		{"bitfinex_trades", CollectionName{Exchange: "bitfinex", Kind: KindTrades}},
		{"bitfinex_created_orders", CollectionName{}},
		{"authy_account", CollectionName{}},
		{"bitfinex_ohlcv_BTCUSD", CollectionName{}},
	}
	for _, c := range cases {
		if got := ParseCollectionName(c.in); got != c.want {
			t.Errorf("ParseCollectionName(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestTimeframe(t *testing.T) {
	if got := Timeframe("bitfinex_ohlcv_BTCUSD_15m"); got != "15m" {
		t.Errorf("unexpected timeframe: %s", got)
	}
	if got := Timeframe("plain"); got != "" {
		t.Errorf("expected empty timeframe, got %s", got)
	}
}

func TestIndexName(t *testing.T) {
	if got := (IndexSpec{Keys: []string{"symbol", "timestamp"}}).IndexName(); got != "symbol_1_timestamp_1" {
		t.Errorf("unexpected index name: %s", got)
	}
	if got := (IndexSpec{Keys: []string{"id"}, Name: "trade_id"}).IndexName(); got != "trade_id" {
		t.Errorf("explicit name ignored: %s", got)
	}
}

func TestDuplicateGroupSurvivor(t *testing.T) {
	g := DuplicateGroup{IDs: []interface{}{1, 2, 5}, Count: 3}
	if g.Survivor() != 1 {
		t.Errorf("unexpected survivor: %v", g.Survivor())
	}
	if !reflect.DeepEqual(g.Doomed(), []interface{}{2, 5}) {
		t.Errorf("unexpected doomed ids: %v", g.Doomed())
	}
	if (DuplicateGroup{}).Survivor() != nil {
		t.Errorf("empty group should have no survivor")
	}
}
