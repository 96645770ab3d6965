package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	clog "github.com/charmbracelet/log"
)

// L is the process logger. Tests may swap it for a buffer-backed one.
var L = clog.NewWithOptions(os.Stderr, clog.Options{ReportTimestamp: true})

// SetLevel sets the minimum level by name (debug, info, warn, error). Unknown names select info.
func SetLevel(name string) {
	lvl, err := clog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		lvl = clog.InfoLevel
	}
	L.SetLevel(lvl)
}

// SetOutput redirects the logger.
func SetOutput(w io.Writer) {
	L.SetOutput(w)
}

// With returns a child logger carrying key/value pairs.
func With(keyvals ...interface{}) *clog.Logger {
	return L.With(keyvals...)
}

func Debugf(format string, v ...interface{}) {
	L.Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...interface{}) {
	L.Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...interface{}) {
	L.Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...interface{}) {
	L.Error(fmt.Sprintf(format, v...))
}
