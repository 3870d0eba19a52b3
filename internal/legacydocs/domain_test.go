package legacydocs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQuantityLenientDecoding(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Quantity
	}{
		{"integer", `7`, 7},
		{"float truncates", `2.9`, 2},
		{"numeric string", `"12"`, 12},
		{"non numeric string", `"a dozen"`, 0},
		{"null", `null`, 0},
		{"object", `{"value":3}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var q Quantity
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &q))
			require.Equal(t, tc.want, q)
		})
	}
}

func TestDecodeLinesSkipsMalformedEntries(t *testing.T) {
	raw := []byte(`[
		{"itemCode":"SKU-1","quantity":5},
		"not an object",
		{"itemCode":"SKU-2"},
		{"itemCode":"SKU-3","quantity":"4"}
	]`)
	lines := decodeLines(raw)
	require.Len(t, lines, 3)
	require.Equal(t, "SKU-1", lines[0].ItemCode)
	require.Equal(t, Quantity(5), lines[0].Quantity)
	require.Equal(t, Quantity(0), lines[1].Quantity)
	require.Equal(t, Quantity(4), lines[2].Quantity)
}

func TestDecodeLinesToleratesBadPayload(t *testing.T) {
	require.Nil(t, decodeLines(nil))
	require.Nil(t, decodeLines([]byte(`{"not":"an array"}`)))
}
