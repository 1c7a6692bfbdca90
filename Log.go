/*
File Name:  Log.go
Copyright:  2024 Fluxon Contributors

Structured logging via logrus, grounded on the manifest in the bitchat
reference example (peder1981-bitchat) rather than the teacher, which logs
only through the Filters.LogError hook and never to a file directly.
Backend keeps both: LogError always calls the installed hook (so a host
app can surface errors in its own UI) and also writes a structured entry
through backend.log, to Config.LogFile when one is configured and to
stderr otherwise.
*/
package core

import (
	"os"

	"github.com/sirupsen/logrus"
)

// initLog opens Config.LogFile (if set) and configures backend.log at
// Config.LogLevel. An empty LogFile logs to stderr only.
func (backend *Backend) initLog() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if level, err := logrus.ParseLevel(backend.Config.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if backend.Config.LogFile != "" {
		file, err := os.OpenFile(backend.Config.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err == nil {
			logger.SetOutput(backend.Stdout)
			backend.Stdout.Subscribe(file)
		}
	}

	backend.log = logger
}

// LogError reports an error both through the installed Filters.LogError
// hook and through the structured logger, matching the teacher's
// LogError(function, format, v...) call shape used throughout its own
// init* functions.
func (backend *Backend) LogError(function, format string, v ...interface{}) {
	backend.Filters.LogError(function, format, v...)
	if backend.log != nil {
		backend.log.WithField("function", function).Errorf(format, v...)
	}
}
