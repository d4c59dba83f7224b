package models

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Collection kinds in the exchange and trade databases.
const (
	KindOHLCV   = "ohlcv"
	KindTrades  = "trades"
	KindUnknown = ""
)

// OHLCV is one candlestick bar. Timestamp is the bar open time in epoch
// milliseconds and is the logical key of an ohlcv collection.
type OHLCV struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	Timestamp int64              `bson:"timestamp" json:"timestamp"`
	Open      float64            `bson:"open" json:"open"`
	High      float64            `bson:"high" json:"high"`
	Low       float64            `bson:"low" json:"low"`
	Close     float64            `bson:"close" json:"close"`
	Volume    float64            `bson:"volume" json:"volume"`
}

// OHLCVFields lists the ohlcv columns in export order.
var OHLCVFields = []string{"timestamp", "open", "high", "low", "close", "volume"}

// Trade is one public trade as recorded from an exchange. ID is the
// exchange-assigned trade id and is the logical key of a trades collection.
type Trade struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	TradeID   string             `bson:"id" json:"id"`
	Timestamp int64              `bson:"timestamp" json:"timestamp"`
	Datetime  string             `bson:"datetime" json:"datetime"`
	Symbol    string             `bson:"symbol" json:"symbol"`
	Side      string             `bson:"side" json:"side"`
	Price     float64            `bson:"price" json:"price"`
	Amount    float64            `bson:"amount" json:"amount"`
}

// TradeFields lists the trade columns in export order.
var TradeFields = []string{"id", "timestamp", "datetime", "symbol", "side", "price", "amount"}

// NormalizeSymbol turns "BTC/USD" into "BTCUSD".
func NormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// NormalizeExchange maps exchange ids that share storage with another id.
func NormalizeExchange(exchange string) string {
	if exchange == "bitfinex2" {
		return "bitfinex"
	}
	return exchange
}

// OHLCVCollection returns the collection holding bars of one symbol and timeframe.
func OHLCVCollection(exchange, symbol, timeframe string) string {
	return fmt.Sprintf("%s_ohlcv_%s_%s", NormalizeExchange(exchange), NormalizeSymbol(symbol), timeframe)
}

// TradesCollection returns the collection holding public trades of one symbol.
func TradesCollection(exchange, symbol string) string {
	return fmt.Sprintf("%s_trades_%s", NormalizeExchange(exchange), NormalizeSymbol(symbol))
}

// CollectionName is a parsed market-data collection name.
type CollectionName struct {
	Exchange  string
	Kind      string
	Symbol    string
	Timeframe string
}

// ParseCollectionName splits "{ex}_ohlcv_{SYM}_{tf}", "{ex}_trades_{SYM}" and
// "{ex}_trades". Names that follow neither convention return KindUnknown.
func ParseCollectionName(name string) CollectionName {
	parts := strings.Split(name, "_")
	if len(parts) < 2 || parts[0] == "" {
		return CollectionName{}
	}
	switch parts[1] {
	case KindOHLCV:
		if len(parts) != 4 || parts[2] == "" || parts[3] == "" {
			return CollectionName{}
		}
		return CollectionName{Exchange: parts[0], Kind: KindOHLCV, Symbol: parts[2], Timeframe: parts[3]}
	case KindTrades:
		switch len(parts) {
		case 2:
			return CollectionName{Exchange: parts[0], Kind: KindTrades}
		case 3:
			if parts[2] == "" {
				return CollectionName{}
			}
			return CollectionName{Exchange: parts[0], Kind: KindTrades, Symbol: parts[2]}
		}
	}
	return CollectionName{}
}

// Timeframe returns the last underscore separated token of a collection name.
func Timeframe(name string) string {
	i := strings.LastIndex(name, "_")
	if i < 0 {
		return ""
	}
	return name[i+1:]
}
