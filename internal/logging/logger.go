// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package logging wraps charmbracelet/log behind a package-level logger.
package logging

import (
	"fmt"

	clog "github.com/charmbracelet/log"
)

// L is the package-level logger used throughout keysyncd.
var L = clog.New()

// SetLevel adjusts L's minimum log level, parsing the same strings
// charmbracelet/log accepts (debug, info, warn, error).
func SetLevel(level string) error {
	lvl, err := clog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	L.SetLevel(lvl)
	return nil
}

func Debugf(format string, v ...interface{}) { L.Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...interface{})  { L.Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...interface{})  { L.Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...interface{}) { L.Error(fmt.Sprintf(format, v...)) }
