package normalizer

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) fields {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var m map[string]interface{}
	require.NoError(t, dec.Decode(&m))
	return fields(m)
}

func TestFloatPrecedence(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want float64
	}{
		{"abbreviation wins", `{"pa":"5","positionAmount":"9"}`, 5},
		{"abbreviation number wins", `{"pa":5,"positionAmount":9}`, 5},
		{"verbose fallback", `{"positionAmount":"9"}`, 9},
		{"null abbreviation falls through", `{"pa":null,"positionAmount":"9"}`, 9},
		{"unparsable abbreviation does not fall through", `{"pa":"abc","positionAmount":"9"}`, 0},
		{"absent", `{}`, 0},
		{"zero string", `{"pa":"0"}`, 0},
		{"non numeric", `{"pa":"n/a"}`, 0},
		{"not a number", `{"pa":"NaN"}`, 0},
		{"infinite", `{"pa":"Inf"}`, 0},
		{"boolean", `{"pa":true}`, 0},
		{"padded string", `{"pa":" 1.25 "}`, 1.25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decode(t, tc.raw).float("pa", "positionAmount"))
		})
	}
}

func TestStringDefaults(t *testing.T) {
	f := decode(t, `{"ps":"LONG","positionSide":"SHORT","mt":""}`)
	assert.Equal(t, "LONG", f.str("BOTH", "ps", "positionSide"))
	assert.Equal(t, "cross", f.str("cross", "mt", "marginType"))
	assert.Equal(t, "BOTH", decode(t, `{}`).str("BOTH", "ps", "positionSide"))
	assert.Equal(t, "42", decode(t, `{"i":42}`).str("", "i"))
}

func TestEmptyStringFallsThrough(t *testing.T) {
	f := decode(t, `{"ps":"","positionSide":"LONG","mt":"","marginType":"isolated"}`)
	assert.Equal(t, "LONG", f.str("BOTH", "ps", "positionSide"))
	assert.Equal(t, "isolated", f.str("cross", "mt", "marginType"))

	f = decode(t, `{"ps":"","positionSide":""}`)
	assert.Equal(t, "BOTH", f.str("BOTH", "ps", "positionSide"))
}

func TestIntCoercion(t *testing.T) {
	assert.Equal(t, int64(8886774), decode(t, `{"i":8886774}`).int("i", "orderId"))
	assert.Equal(t, int64(8886774), decode(t, `{"orderId":"8886774"}`).int("i", "orderId"))
	assert.Equal(t, int64(12), decode(t, `{"i":"12.9"}`).int("i"))
	assert.Equal(t, int64(0), decode(t, `{"i":"x"}`).int("i"))
}

func TestBoolean(t *testing.T) {
	assert.True(t, decode(t, `{"m":true,"isMakerSide":false}`).boolean("m", "isMakerSide"))
	assert.True(t, decode(t, `{"isMakerSide":"true"}`).boolean("m", "isMakerSide"))
	assert.False(t, decode(t, `{"m":1}`).boolean("m"))
	assert.False(t, decode(t, `{}`).boolean("m"))
}

func TestLevels(t *testing.T) {
	f := decode(t, `{"b":[["100.5","2"],["bad"],[99,"x"]],"bids":[["1","1"]]}`)
	assert.Equal(t, [][2]float64{{100.5, 2}, {99, 0}}, f.levels("b", "bids"))
	assert.Equal(t, [][2]float64{}, decode(t, `{}`).levels("b", "bids"))
}
