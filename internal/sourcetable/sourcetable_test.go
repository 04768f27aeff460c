package sourcetable

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRender_EmptyHasOnlyTerminator(t *testing.T) {
	body := Render(nil)
	require.Equal(t, "ENDSOURCETABLE\r\n", body)
}

func TestRender_OneEntryPerSource(t *testing.T) {
	body := Render([]Entry{
		{Mountpoint: "MNT1", Identifier: "src/1.0"},
		{Mountpoint: "MNT2", Identifier: "src/2.0"},
	})
	lines := strings.Split(body, "\r\n")
	require.Contains(t, lines, "STR;MNT1;src/1.0;;;;;;;;;0;0;;N;N;0;;")
	require.Contains(t, lines, "STR;MNT2;src/2.0;;;;;;;;;0;0;;N;N;0;;")
	require.True(t, strings.HasSuffix(body, "ENDSOURCETABLE\r\n"))
}
