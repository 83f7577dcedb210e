package opcua

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/gopcua/opcua/ua"
)

// Supervisor tag types.
const (
	TypeBool     = "bool"
	TypeInt      = "int"
	TypeFloat    = "float"
	TypeString   = "string"
	TypeDatetime = "datetime"
)

// setDateLayout is the supervisor's datetime write format, interpreted as UTC.
const setDateLayout = "02.01.2006 15:04:05"

// maxStringLen is the supervisor-visible truncation limit for string tags.
const maxStringLen = 16

// ValueByIndex projects a raw variant value through a tag's array index and
// type. arrayIndex -1 projects the scalar; otherwise the raw value is indexed
// and out-of-range or non-array values project to nil.
func ValueByIndex(typ string, arrayIndex int, raw interface{}) interface{} {
	if raw == nil {
		return nil
	}
	if arrayIndex < 0 {
		return ValueByType(typ, raw)
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	if arrayIndex >= rv.Len() {
		return nil
	}
	return ValueByType(typ, rv.Index(arrayIndex).Interface())
}

// ValueByType projects one scalar into the supervisor representation of the
// tag type.
func ValueByType(typ string, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	switch typ {
	case TypeDatetime:
		if t, ok := v.(time.Time); ok {
			return t.UnixMilli()
		}
		return nil
	case TypeBool:
		if truthy(v) {
			return 1
		}
		return 0
	case TypeString:
		s := []rune(fmt.Sprintf("%v", v))
		if len(s) > maxStringLen {
			s = s[:maxStringLen]
		}
		return string(s)
	default: // int, float
		return numericValue(v)
	}
}

// numericValue passes numbers through, rendering 64-bit integers as decimal
// strings so no precision is lost on the supervisor side.
func numericValue(v interface{}) interface{} {
	switch n := v.(type) {
	case int64:
		return Int64String(n)
	case uint64:
		return Uint64String(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case float32:
		return finiteOrString(float64(n))
	case float64:
		return finiteOrString(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return n
		}
		return f
	case time.Time:
		return n.UnixMilli()
	}
	return fmt.Sprintf("%v", v)
}

func finiteOrString(f float64) interface{} {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return f
}

// Int64String renders a signed 64-bit value as its decimal string via the
// two-word reduction used on the wire.
func Int64String(v int64) string {
	return SignedWordsString(uint32(uint64(v)>>32), uint32(uint64(v)))
}

// Uint64String renders an unsigned 64-bit value as its decimal string.
func Uint64String(v uint64) string {
	return WordsString(uint32(v>>32), uint32(v))
}

// decimalDivisor is 10^14, the fixed divisor splitting a 64-bit value into
// two decimal limbs.
const decimalDivisor = 0x5af3107a4000

// WordsString reduces an unsigned (hi, lo) word pair into its decimal string:
// the high limb followed by the low limb zero-padded to 14 digits.
func WordsString(hi, lo uint32) string {
	v := uint64(hi)<<32 | uint64(lo)
	high := v / decimalDivisor
	low := v % decimalDivisor
	if high == 0 {
		return strconv.FormatUint(low, 10)
	}
	return strconv.FormatUint(high, 10) + fmt.Sprintf("%014d", low)
}

// SignedWordsString renders a signed (hi, lo) word pair: when the high bit of
// hi is set the pair is negated via two's complement over 64 bits and the
// result is prefixed with a minus sign.
func SignedWordsString(hi, lo uint32) string {
	if hi&0x80000000 == 0 {
		return WordsString(hi, lo)
	}
	v := uint64(hi)<<32 | uint64(lo)
	v = ^v + 1
	return "-" + WordsString(uint32(v>>32), uint32(v))
}

// truthy follows the supervisor's loose boolean rules: zero numbers, empty
// strings and nil are false, everything else is true.
func truthy(v interface{}) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	case int8, int16, int32, int64, int, uint8, uint16, uint32, uint64:
		rv := reflect.ValueOf(v)
		if rv.CanInt() {
			return rv.Int() != 0
		}
		return rv.Uint() != 0
	case float32:
		return b != 0
	case float64:
		return b != 0
	}
	return true
}

// SetValue projects a supervisor-supplied write value into the Go value the
// tag type expects before node-type coercion.
func SetValue(typ string, v interface{}) (interface{}, error) {
	switch typ {
	case TypeDatetime:
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprintf("%v", v)
		}
		t, err := time.ParseInLocation(setDateLayout, s, time.UTC)
		if err != nil {
			return nil, ErrWriteFail
		}
		return t, nil
	case TypeBool:
		return truthy(v), nil
	}
	return v, nil
}

// VariantForNodeType coerces a write value into a variant of the tag's
// declared OPC UA data type.
func VariantForNodeType(nodeType uint32, v interface{}) (*ua.Variant, error) {
	switch ua.TypeID(nodeType) {
	case ua.TypeIDBoolean:
		return ua.NewVariant(truthy(v))
	case ua.TypeIDSByte:
		f, ok := toFloat(v)
		if !ok {
			return nil, ErrWriteFail
		}
		return ua.NewVariant(int8(f))
	case ua.TypeIDByte:
		f, ok := toFloat(v)
		if !ok {
			return nil, ErrWriteFail
		}
		return ua.NewVariant(uint8(f))
	case ua.TypeIDInt16:
		f, ok := toFloat(v)
		if !ok {
			return nil, ErrWriteFail
		}
		return ua.NewVariant(int16(f))
	case ua.TypeIDUint16:
		f, ok := toFloat(v)
		if !ok {
			return nil, ErrWriteFail
		}
		return ua.NewVariant(uint16(f))
	case ua.TypeIDInt32:
		f, ok := toFloat(v)
		if !ok {
			return nil, ErrWriteFail
		}
		return ua.NewVariant(int32(f))
	case ua.TypeIDUint32:
		f, ok := toFloat(v)
		if !ok {
			return nil, ErrWriteFail
		}
		return ua.NewVariant(uint32(f))
	case ua.TypeIDInt64:
		n, ok := toInt64(v)
		if !ok {
			return nil, ErrWriteFail
		}
		return ua.NewVariant(n)
	case ua.TypeIDUint64:
		n, ok := toUint64(v)
		if !ok {
			return nil, ErrWriteFail
		}
		return ua.NewVariant(n)
	case ua.TypeIDFloat:
		f, ok := toFloat(v)
		if !ok {
			return nil, ErrWriteFail
		}
		return ua.NewVariant(float32(f))
	case ua.TypeIDDouble:
		f, ok := toFloat(v)
		if !ok {
			return nil, ErrWriteFail
		}
		return ua.NewVariant(f)
	case ua.TypeIDString:
		return ua.NewVariant(fmt.Sprintf("%v", v))
	case ua.TypeIDDateTime:
		if t, ok := v.(time.Time); ok {
			return ua.NewVariant(t)
		}
		return nil, ErrWriteFail
	}
	// Unknown node type: let the library infer the encoding.
	return ua.NewVariant(v)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case string:
		u, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return u, true
	}
	return 0, false
}

// TagTypeFromDataType maps an OPC UA DataType code to the supervisor tag type
// assigned during browse population.
func TagTypeFromDataType(code uint32) string {
	switch ua.TypeID(code) {
	case ua.TypeIDBoolean:
		return TypeBool
	case ua.TypeIDSByte, ua.TypeIDByte, ua.TypeIDInt16, ua.TypeIDUint16,
		ua.TypeIDInt32, ua.TypeIDUint32, ua.TypeIDInt64, ua.TypeIDUint64:
		return TypeInt
	case ua.TypeIDFloat, ua.TypeIDDouble:
		return TypeFloat
	case ua.TypeIDDateTime:
		return TypeDatetime
	}
	return TypeString
}
