package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/nativepatch/api"
)

func TestLoggingListener(t *testing.T) {
	var out bytes.Buffer
	l := NewLoggingListener(&out)

	l.OnPatch(api.PatchEvent{
		Op:   api.PatchOpSetCallDestination,
		Addr: 0x1003,
		Old:  []byte{0xe8, 0, 0, 0, 0},
		New:  []byte{0xe8, 0x5c, 0, 0, 0},
	})
	l.OnPatch(api.PatchEvent{Op: api.PatchOpInsertIllegal, Addr: 0x2000, Old: []byte{0xe8, 0}, New: []byte{0x0f, 0x0b}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	for _, exp := range []string{"level=debug", "prefix=nativepatch", "msg=patch", "op=set_call_destination",
		"addr=0x1003", "old=e800000000", "new=e85c000000"} {
		require.Contains(t, lines[0], exp)
	}
	require.Contains(t, lines[1], "op=insert_illegal")
	require.Contains(t, lines[1], "new=0f0b")
}

func TestLoggerListener_level(t *testing.T) {
	var out bytes.Buffer
	logger := log.NewWithOptions(&out, log.Options{Level: log.InfoLevel})
	NewLoggerListener(logger).OnPatch(api.PatchEvent{Op: api.PatchOpReplace, Addr: 0x1000})
	require.Empty(t, out.String())

	logger.SetLevel(log.DebugLevel)
	NewLoggerListener(logger).OnPatch(api.PatchEvent{Op: api.PatchOpReplace, Addr: 0x1000})
	require.Contains(t, out.String(), "replace")
}
