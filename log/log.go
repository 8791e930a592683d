// himalaya-lib
// Copyright (C) 2023 the himalaya-lib authors
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a per-component logger carrying a fixed prefix field.
type Logger struct {
	*logrus.Entry
}

// GetLogger returns a logger writing to stderr at the given level with
// the given component prefix. An unknown level falls back to info.
func GetLogger(prefix string, loglevel string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	level, err := ParseLevel(loglevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	return &Logger{l.WithField("prefix", prefix)}
}

var logLevelMap = map[string]logrus.Level{
	"error": logrus.ErrorLevel,
	"info":  logrus.InfoLevel,
	"debug": logrus.DebugLevel,
}

// ParseLevel maps the configuration log levels to logrus levels.
func ParseLevel(loglevel string) (logrus.Level, error) {
	if l, ok := logLevelMap[loglevel]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("wrong log level: %s", loglevel)
}
