package store

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// typeRank follows the MongoDB comparison order for the BSON types the
// maintenance tasks meet in _id and key fields.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return 1
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, primitive.Decimal128:
		return 2
	case string, primitive.Symbol:
		return 3
	case map[string]interface{}, primitive.M, primitive.D:
		return 4
	case []interface{}, primitive.A:
		return 5
	case []byte, primitive.Binary:
		return 6
	case primitive.ObjectID:
		return 7
	case bool:
		return 8
	case time.Time, primitive.DateTime:
		return 9
	case primitive.Timestamp:
		return 10
	default:
		return 100
	}
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	case primitive.Decimal128:
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func toTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case primitive.DateTime:
		return t.Time()
	}
	return time.Time{}
}

// CompareValues orders two BSON values: negative when a sorts before b,
// zero when equal, positive otherwise.
func CompareValues(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 1:
		return 0
	case 2:
		fa, fb := toFloat(a), toFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		return compareStrings(fmt.Sprint(a), fmt.Sprint(b))
	case 7:
		oa, ob := a.(primitive.ObjectID), b.(primitive.ObjectID)
		return bytes.Compare(oa[:], ob[:])
	case 8:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case 9:
		ta, tb := toTime(a), toTime(b)
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		}
		return 0
	}
	return compareStrings(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// KeyString renders a value so that values equal under CompareValues render
// identically. Numbers of different widths share one rendering.
func KeyString(v interface{}) string {
	switch typeRank(v) {
	case 1:
		return "null"
	case 2:
		return "n:" + strconv.FormatFloat(toFloat(v), 'g', -1, 64)
	case 3:
		return "s:" + fmt.Sprint(v)
	case 7:
		return "o:" + v.(primitive.ObjectID).Hex()
	case 9:
		return "t:" + toTime(v).UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%T:%v", v, v)
}
