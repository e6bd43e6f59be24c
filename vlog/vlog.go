// Package vlog is the logger shared by the device models.
//
// Warnings are always printed. Debug prints are disabled unless SetDebug is
// called, since the guest can hit some registers thousands of times a second.
package vlog

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/fatih/color"
)

var (
	debug atomic.Bool

	debugTag = color.New(color.FgCyan).Sprint("DEBUG")
	warnTag  = color.New(color.FgYellow).Sprint("WARN")
)

// SetDebug enables or disables debug prints.
func SetDebug(on bool) {
	debug.Store(on)
}

// DebugEnabled reports whether debug prints are enabled.
func DebugEnabled() bool {
	return debug.Load()
}

// Debugf prints a debug message when debug prints are enabled.
func Debugf(format string, v ...interface{}) {
	if !debug.Load() {
		return
	}

	log.Printf("%s %s", debugTag, fmt.Sprintf(format, v...))
}

// Warnf prints a warning. It is used for guest requests that are accepted
// but not emulated.
func Warnf(format string, v ...interface{}) {
	log.Printf("%s %s", warnTag, fmt.Sprintf(format, v...))
}
