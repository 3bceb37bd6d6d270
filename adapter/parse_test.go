package adapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCSVRowsSniffsDelimiter(t *testing.T) {
	var comma = []byte("Eye,ECD,CV\nOD,2400,32\nOS,2350,35\n")
	var rows, err = ParseCSVRows(comma)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "2400", rows[0]["ecd"])
	require.Equal(t, "OS", rows[1]["eye"])

	var semi = []byte("Eye;Cell_Density;CV\nOD;2400;32\n")
	rows, err = ParseCSVRows(semi)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "2400", rows[0]["cell density"])
}

func TestParseCSVRowsSkipsBlankCells(t *testing.T) {
	var rows, err = ParseCSVRows([]byte("a,b\n1,\n,\n"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, map[string]string{"a": "1"}, rows[0])
}

func TestParseKeyValuesDelimiters(t *testing.T) {
	var out = ParseKeyValues([]byte("ECD: 2400\r\nCV=32\nHEX\t55\n# comment\nbroken line\n"))
	require.Equal(t, map[string]string{
		"ecd": "2400",
		"cv":  "32",
		"hex": "55",
	}, out)
}

func TestFlattenXML(t *testing.T) {
	var doc = []byte(`<Exam Eye="OD"><Measurement><ECD>2400</ECD><CV>32</CV></Measurement></Exam>`)
	var out, err = FlattenXML(doc)
	require.NoError(t, err)
	require.Equal(t, "OD", out["exam.eye"])
	require.Equal(t, "2400", out["exam.measurement.ecd"])
	require.Equal(t, "32", out["exam.measurement.cv"])
}

func TestReadingAccessors(t *testing.T) {
	var r = Reading{"ecd": "2 400", "cv": "32,5", "eye": "OD", "n": 3.0}

	var _, ok = r.Num("ecd") // Embedded space is not numeric.
	require.False(t, ok)

	cv, ok := r.Num("cv")
	require.True(t, ok)
	require.Equal(t, 32.5, cv)

	n, ok := r.Num("n")
	require.True(t, ok)
	require.Equal(t, 3.0, n)

	require.Equal(t, "OD", r.Str("eye"))
	require.Equal(t, "3", r.Str("n"))
}

func TestNormalizeKey(t *testing.T) {
	require.Equal(t, "cell density", normalizeKey(" Cell_Density "))
	require.Equal(t, "avg cell area", normalizeKey("AVG-CELL-AREA"))
	require.Equal(t, "signal strength", normalizeKey("Signal (Strength)"))
}
