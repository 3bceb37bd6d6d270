package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bradleyjkemp/cupaloy"
	"github.com/stretchr/testify/require"
)

func TestSpecularParseCSVExport(t *testing.T) {
	var dir = t.TempDir()
	var file = filepath.Join(dir, "export.csv")
	require.NoError(t, os.WriteFile(file, []byte(
		"Patient_ID,Patient_Name,Eye,Cell_Density,CV,HEX,CCT,NUM\n"+
			"A12345,\"DUPONT, Jean\",OD,2450,28,62,540,112\n"), 0o600))

	var a = &SpecularAdapter{}
	var readings, err = a.ParseFile(file)
	require.NoError(t, err)
	require.Len(t, readings, 1)

	var rd = readings[0]
	require.Equal(t, "A12345", rd.Str("patient id"))
	require.Equal(t, "OD", rd.Str("eye"))
	ecd, ok := rd.Num("ecd")
	require.True(t, ok)
	require.Equal(t, 2450.0, ecd)

	var v = a.Validate(rd)
	require.True(t, v.IsValid, "errors: %v", v.Errors)

	m, err := a.Transform(rd)
	require.NoError(t, err)
	require.Equal(t, "specular_microscopy", m.MeasurementType)
	require.Equal(t, "OD", m.Eye)
	require.Equal(t, 2450.0, m.Data["ecd"])
	require.Equal(t, 100.0, m.Quality.Score)
	require.NotEmpty(t, m.RawData)

	var d = a.ExtractDemographics(rd)
	require.NotNil(t, d)
	require.Equal(t, "DUPONT", d.LastName)
	require.Equal(t, "Jean", d.FirstName)
	require.Equal(t, "A12345", d.PatientID)
	require.Equal(t, "OD", d.Laterality)
}

func TestSpecularValidateRejects(t *testing.T) {
	var a = &SpecularAdapter{}

	var v = a.Validate(Reading{"ecd": "2400"})
	require.False(t, v.IsValid)
	require.Contains(t, strings.Join(v.Errors, " "), "eye")

	v = a.Validate(Reading{"eye": "OD"})
	require.False(t, v.IsValid)
	require.Contains(t, strings.Join(v.Errors, " "), "ecd")

	v = a.Validate(Reading{"eye": "OD", "ecd": "9000"})
	require.False(t, v.IsValid)

	v = a.Validate(Reading{"eye": "droit", "ecd": "2400", "cv": "30"})
	require.True(t, v.IsValid, "errors: %v", v.Errors)
}

func TestSpecularQualitySnapshot(t *testing.T) {
	var a = &SpecularAdapter{}
	var m, err = a.Transform(Reading{
		"eye":          "OD",
		"ecd":          "1400",
		"cv":           "45",
		"hexagonality": "42",
		"cct":          "640",
		"cellCount":    "80",
	})
	require.NoError(t, err)

	var b strings.Builder
	fmt.Fprintf(&b, "score: %.0f\n", m.Quality.Score)
	fmt.Fprintf(&b, "interpretation: %s\n", m.Quality.Interpretation)
	for _, f := range m.Quality.Findings {
		fmt.Fprintf(&b, "finding: %s\n", f)
	}
	cupaloy.SnapshotT(t, b.String())
}

func TestNormalizeEye(t *testing.T) {
	for in, want := range map[string]string{
		"OD": "OD", "od": "OD", "right": "OD", "DROIT": "OD",
		"OS": "OS", "og": "OS", "gauche": "OS", "LEFT": "OS",
		"OU": "OU", "both": "OU",
		"":  "", "frontal": "",
	} {
		require.Equal(t, want, normalizeEye(in), "input %q", in)
	}
}
