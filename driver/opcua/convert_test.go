package opcua

import (
	"fmt"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedWordsRoundTrip(t *testing.T) {
	cases := []int64{
		0, 1, -1, 42, -42,
		math.MaxInt32, math.MinInt32,
		int64(math.MaxInt32) + 1, int64(math.MinInt32) - 1,
		99999999999999, 100000000000000, 100000000000001,
		-99999999999999, -100000000000000,
		math.MaxInt64, math.MinInt64, math.MinInt64 + 1,
	}
	for _, v := range cases {
		assert.Equal(t, strconv.FormatInt(v, 10), Int64String(v), "value %d", v)
	}
}

func TestUnsignedWordsRoundTrip(t *testing.T) {
	cases := []uint64{
		0, 1, 42,
		math.MaxUint32, uint64(math.MaxUint32) + 1,
		99999999999999, 100000000000000,
		math.MaxUint64, math.MaxUint64 - 1,
		uint64(math.MaxInt64) + 1,
	}
	for _, v := range cases {
		assert.Equal(t, strconv.FormatUint(v, 10), Uint64String(v), "value %d", v)
	}
}

func TestWordsStringPadsLowLimb(t *testing.T) {
	// 10^14 + 1 = 0x5af3107a4001: high limb 1, low limb 1, which must come
	// out zero-padded to 14 digits.
	assert.Equal(t, "100000000000001", WordsString(0x5af3, 0x107a4001))
}

func TestValueByIndex(t *testing.T) {
	arr := []int32{10, 20, 30, 40}
	assert.Equal(t, int64(30), ValueByIndex(TypeInt, 2, arr))
	assert.Nil(t, ValueByIndex(TypeInt, 9, arr))
	assert.Nil(t, ValueByIndex(TypeInt, 0, int32(7)))
	assert.Equal(t, int64(7), ValueByIndex(TypeInt, -1, int32(7)))
	assert.Nil(t, ValueByIndex(TypeInt, -1, nil))
}

func TestValueByTypeBool(t *testing.T) {
	assert.Equal(t, 1, ValueByType(TypeBool, true))
	assert.Equal(t, 0, ValueByType(TypeBool, false))
	assert.Equal(t, 1, ValueByType(TypeBool, int32(5)))
	assert.Equal(t, 0, ValueByType(TypeBool, float64(0)))
	assert.Equal(t, 0, ValueByType(TypeBool, ""))
	assert.Equal(t, 1, ValueByType(TypeBool, "on"))
}

func TestValueByTypeStringTruncates(t *testing.T) {
	long := "abcdefghijklmnopqrstuvwxyz"
	assert.Equal(t, "abcdefghijklmnop", ValueByType(TypeString, long))
	assert.Equal(t, "short", ValueByType(TypeString, "short"))
	assert.Equal(t, "42.5", ValueByType(TypeString, float64(42.5)))
}

func TestValueByTypeDatetime(t *testing.T) {
	ts := time.Date(2021, 3, 5, 10, 20, 30, 0, time.UTC)
	assert.Equal(t, ts.UnixMilli(), ValueByType(TypeDatetime, ts))
	assert.Nil(t, ValueByType(TypeDatetime, "not a time"))
}

func TestValueByTypeNumeric(t *testing.T) {
	assert.Equal(t, float64(1.5), ValueByType(TypeFloat, float64(1.5)))
	assert.Equal(t, int64(7), ValueByType(TypeInt, int16(7)))
	assert.Equal(t, "9223372036854775807", ValueByType(TypeInt, int64(math.MaxInt64)))
	assert.Equal(t, "18446744073709551615", ValueByType(TypeInt, uint64(math.MaxUint64)))
	assert.Equal(t, float64(3), ValueByType(TypeInt, "3"))
	assert.Equal(t, "n/a", ValueByType(TypeInt, "n/a"))
}

func TestSetValueDatetimeRoundTrip(t *testing.T) {
	ts := time.Date(2021, 3, 5, 10, 20, 30, 0, time.UTC)
	s := ts.Format(setDateLayout)
	require.Equal(t, "05.03.2021 10:20:30", s)

	v, err := SetValue(TypeDatetime, s)
	require.NoError(t, err)
	written, ok := v.(time.Time)
	require.True(t, ok)

	// Projecting the written value back must give the same instant.
	assert.Equal(t, ts.UnixMilli(), ValueByType(TypeDatetime, written))
}

func TestSetValueDatetimeRejectsGarbage(t *testing.T) {
	_, err := SetValue(TypeDatetime, "2021-03-05")
	assert.Error(t, err)
}

func TestSetValueBool(t *testing.T) {
	v, err := SetValue(TypeBool, float64(1))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = SetValue(TypeBool, "")
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestVariantForNodeType(t *testing.T) {
	v, err := VariantForNodeType(6, float64(42)) // Int32
	require.NoError(t, err)
	assert.Equal(t, int32(42), v.Value())

	v, err = VariantForNodeType(11, float64(1.25)) // Double
	require.NoError(t, err)
	assert.Equal(t, float64(1.25), v.Value())

	v, err = VariantForNodeType(8, "9007199254740993") // Int64 beyond float precision
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), v.Value())

	v, err = VariantForNodeType(1, float64(0)) // Boolean
	require.NoError(t, err)
	assert.Equal(t, false, v.Value())

	v, err = VariantForNodeType(12, float64(5)) // String
	require.NoError(t, err)
	assert.Equal(t, "5", v.Value())
}

func TestTagTypeFromDataType(t *testing.T) {
	assert.Equal(t, TypeBool, TagTypeFromDataType(1))
	assert.Equal(t, TypeInt, TagTypeFromDataType(6))
	assert.Equal(t, TypeInt, TagTypeFromDataType(9))
	assert.Equal(t, TypeFloat, TagTypeFromDataType(11))
	assert.Equal(t, TypeDatetime, TagTypeFromDataType(13))
	assert.Equal(t, TypeString, TagTypeFromDataType(12))
	assert.Equal(t, TypeString, TagTypeFromDataType(0))
}

func TestNumericValueRendersSmallIntsNatively(t *testing.T) {
	for _, v := range []interface{}{int8(3), uint8(3), int16(3), uint16(3), int32(3), uint32(3)} {
		assert.Equal(t, int64(3), numericValue(v), fmt.Sprintf("%T", v))
	}
}
