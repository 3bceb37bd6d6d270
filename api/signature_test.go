package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignatureRoundTrip(t *testing.T) {
	var body = []byte(`{"eventType":"file_created","filePath":"/exports/img1.dcm","patientId":"P42"}`)

	var sig = SignBody(body, "abc")
	require.Len(t, sig, 64)
	require.True(t, VerifySignature(body, sig, "abc"))
	require.True(t, VerifySignature(body, strings.ToUpper(sig), "abc"))

	// Any change to the body, the signature, or the secret fails.
	require.False(t, VerifySignature([]byte(`{"eventType":"file_created"}`), sig, "abc"))
	require.False(t, VerifySignature(body, "deadbeef", "abc"))
	require.False(t, VerifySignature(body, sig, "xyz"))
}

func TestSignatureCanonicalizesJSON(t *testing.T) {
	// Key order and whitespace don't affect the signature.
	var a = SignBody([]byte(`{"b": 1, "a": 2}`), "s")
	var b = SignBody([]byte(`{"a":2,"b":1}`), "s")
	require.Equal(t, a, b)

	// Non-JSON bodies sign byte-for-byte.
	require.NotEqual(t,
		SignBody([]byte("plain text"), "s"),
		SignBody([]byte("plain  text"), "s"))
}

func TestSignatureMissingInputs(t *testing.T) {
	var body = []byte(`{}`)
	require.False(t, VerifySignature(body, "", "abc"))
	require.False(t, VerifySignature(body, SignBody(body, "abc"), ""))
}
