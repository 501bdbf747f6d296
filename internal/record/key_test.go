package record

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyBytes_RoundTripAndOrder(t *testing.T) {
	ordered := [][]any{
		{int64(math.MinInt64), int64(-5), int64(0), int64(3), int64(math.MaxInt64)},
		{math.Inf(-1), -2.5, 0.0, 1e-9, 7.25},
		{"", "a", "ab", "b"},
		{time.UnixMilli(-1000).UTC(), time.UnixMilli(0).UTC(), time.UnixMilli(1700000000000).UTC()},
		{false, true},
	}

	for _, vals := range ordered {
		var prev []byte
		for _, v := range vals {
			kb, err := KeyBytes(v)
			require.NoError(t, err)

			back, err := DecodeKey(kb)
			require.NoError(t, err)
			require.True(t, Equal(v, back), "%v != %v", v, back)

			if prev != nil {
				require.Equal(t, -1, bytes.Compare(prev, kb), "order broken at %v", v)
			}
			prev = kb
		}
	}
}

func TestKeyBytes_Rejects(t *testing.T) {
	_, err := KeyBytes(nil)
	require.ErrorIs(t, err, ErrUnsupportedType)

	_, err = DecodeKey([]byte{'l', 1})
	require.ErrorIs(t, err, ErrBadKey)
}

func TestCoerce(t *testing.T) {
	v, err := Coerce(Column{Name: "n", Type: TypeLong}, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	v, err = Coerce(Column{Name: "d", Type: TypeDouble}, float32(1.5))
	require.NoError(t, err)
	require.Equal(t, 1.5, v)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 123456789, time.FixedZone("x", 3600))
	v, err = Coerce(Column{Name: "t", Type: TypeTimestamp}, ts)
	require.NoError(t, err)
	require.Equal(t, ts.UnixMilli(), v.(time.Time).UnixMilli())
	require.Equal(t, time.UTC, v.(time.Time).Location())

	_, err = Coerce(Column{Name: "b", Type: TypeBool}, "yes")
	require.ErrorIs(t, err, ErrTypeMismatch)
}

func TestDoubleKeys_AgreeWithCompare(t *testing.T) {
	negZero := math.Copysign(0, -1)
	otherNaN := math.Float64frombits(0xFFF8000000000003)
	ordered := []float64{math.Inf(-1), negZero, 0, math.Inf(1), math.NaN()}

	for i := 1; i < len(ordered); i++ {
		a, b := ordered[i-1], ordered[i]
		ka, err := KeyBytes(a)
		require.NoError(t, err)
		kb, err := KeyBytes(b)
		require.NoError(t, err)
		require.Equal(t, -1, Compare(a, b), "%v vs %v", a, b)
		require.Equal(t, -1, bytes.Compare(ka, kb), "%v vs %v", a, b)
	}

	// every NaN is the same key
	require.Zero(t, Compare(math.NaN(), otherNaN))
	k1, _ := KeyBytes(math.NaN())
	k2, _ := KeyBytes(otherNaN)
	require.Equal(t, k1, k2)
	require.Equal(t, 1, Compare(math.NaN(), 1.0))
}

func TestCoerce_CanonicalDoublesAndUTF8(t *testing.T) {
	d := Column{Name: "d", Type: TypeDouble}
	v, err := Coerce(d, math.Copysign(0, -1))
	require.NoError(t, err)
	require.False(t, math.Signbit(v.(float64)))

	v, err = Coerce(d, math.Float64frombits(0xFFF8000000000003))
	require.NoError(t, err)
	require.Equal(t, math.Float64bits(math.NaN()), math.Float64bits(v.(float64)))

	_, err = Coerce(Column{Name: "s", Type: TypeString}, "a\xffb")
	require.ErrorIs(t, err, ErrTypeMismatch)
	_, err = Coerce(Column{Name: "e", Type: TypeEnum}, "a\xffb")
	require.ErrorIs(t, err, ErrTypeMismatch)

	v, err = Coerce(Column{Name: "s", Type: TypeString}, "héllo")
	require.NoError(t, err)
	require.Equal(t, "héllo", v)
}
