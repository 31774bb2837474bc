package main

import (
	"log"
)

type LogLevel int

const (
	LogLevelNone  LogLevel = 0
	LogLevelError LogLevel = 1
	LogLevelWarn  LogLevel = 2
	LogLevelInfo  LogLevel = 3
	LogLevelDebug LogLevel = 4
)

// Options are the process-level settings resolved from flags and the
// config file.
type Options struct {
	LogLevel LogLevel
	Config   *Config
	Logger   *log.Logger
}
