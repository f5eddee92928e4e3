// Package logging includes an api.PatchListener that logs every patch of code memory.
package logging

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/charmbracelet/log"

	"github.com/tetratelabs/nativepatch/api"
)

// NewLoggingListener returns an api.PatchListener that writes one logfmt debug record per patch to w, with
// the keys op, addr, old and new.
func NewLoggingListener(w io.Writer) api.PatchListener {
	return NewLoggerListener(log.NewWithOptions(w, log.Options{
		Level:     log.DebugLevel,
		Prefix:    "nativepatch",
		Formatter: log.LogfmtFormatter,
	}))
}

// NewLoggerListener is like NewLoggingListener, except records go to an existing logger at its configured
// level and format.
func NewLoggerListener(l *log.Logger) api.PatchListener {
	return &loggingListener{l: l}
}

type loggingListener struct {
	l *log.Logger
}

// OnPatch implements api.PatchListener.
func (l *loggingListener) OnPatch(ev api.PatchEvent) {
	l.l.Debug("patch",
		"op", ev.Op.String(),
		"addr", fmt.Sprintf("%#x", ev.Addr),
		"old", hex.EncodeToString(ev.Old),
		"new", hex.EncodeToString(ev.New))
}
