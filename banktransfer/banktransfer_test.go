package banktransfer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTransferCode(t *testing.T) {
	code, ok := ParseTransferCode("SEVQR GYMFIT ABC-123")
	require.True(t, ok)
	require.Equal(t, "ABC-123", code)

	// banks wrap the note with their own text
	code, ok = ParseTransferCode("CT DEN:123456 SEVQR GYMFIT XK9DW2 FT25160")
	require.True(t, ok)
	require.Equal(t, "XK9DW2", code)

	// marker with collapsed whitespace variations
	code, ok = ParseTransferCode("SEVQR  GYMFIT   QR7P")
	require.True(t, ok)
	require.Equal(t, "QR7P", code)

	_, ok = ParseTransferCode("monthly rent june")
	require.False(t, ok)

	_, ok = ParseTransferCode("SEVQR OTHERAPP ABC")
	require.False(t, ok)
}

func TestCodeMatches(t *testing.T) {
	require.True(t, codeMatches("XK9DW2", "XK9DW2"))
	require.True(t, codeMatches("xk9dw2", "XK9DW2"))
	// bank truncated the tail of the note
	require.True(t, codeMatches("XK9DW2QPLM", "XK9DW2"))
	// member pasted extra characters around the code
	require.True(t, codeMatches("XK9DW2", "XK9DW2FT2516"))
	require.False(t, codeMatches("XK9DW2", "ZZTOP"))
	require.False(t, codeMatches("", "XK9DW2"))
	require.False(t, codeMatches("XK9DW2", ""))
}

func TestAmountMatches(t *testing.T) {
	require.True(t, amountMatches(500000, 500000))
	require.True(t, amountMatches(500000, 500000.009))
	require.False(t, amountMatches(500000, 500001))
}
