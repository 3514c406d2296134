package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	errorLogger  *log.Logger
	errorLogPath string
	errorLogOnce sync.Once

	debugLogger  *log.Logger
	debugLogPath string
	debugLogOnce sync.Once

	// hudMessage receives warnings and errors for on-screen display.
	hudMessage func(string)
)

const logDir = "logs"

func setupLogging(debug bool) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Printf("could not create log directory: %v", err)
	}
	ts := time.Now().Format("20060102-150405")

	errorLogPath = filepath.Join(logDir, fmt.Sprintf("error-%s.log", ts))
	errorLogOnce = sync.Once{}
	errorLogger = log.New(os.Stdout, "", log.LstdFlags)
	log.SetOutput(errorLogger.Writer())

	setDebugLogging(debug)
}

// openErrorLog tees the error logger into its file on first use so runs
// without errors leave no file behind.
func openErrorLog() {
	errorLogOnce.Do(func() {
		if f, err := os.Create(errorLogPath); err == nil {
			errorLogger.SetOutput(io.MultiWriter(os.Stdout, f))
			log.SetOutput(errorLogger.Writer())
		}
	})
}

func logError(format string, v ...interface{}) {
	if errorLogger != nil {
		openErrorLog()
		errorLogger.Printf(format, v...)
	}
	if hudMessage != nil {
		hudMessage(fmt.Sprintf(format, v...))
	}
}

func logWarn(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	if errorLogger != nil {
		openErrorLog()
		errorLogger.Printf("warning: %s", msg)
	}
	if hudMessage != nil {
		hudMessage("warning: " + msg)
	}
}

func logDebug(format string, v ...interface{}) {
	if debugLogger != nil {
		debugLogOnce.Do(func() {
			if f, err := os.Create(debugLogPath); err == nil {
				debugLogger.SetOutput(io.MultiWriter(os.Stdout, f))
			}
		})
		debugLogger.Printf(format, v...)
	}
}

func setDebugLogging(enabled bool) {
	if enabled {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Printf("could not create log directory: %v", err)
		}
		ts := time.Now().Format("20060102-150405")
		debugLogPath = filepath.Join(logDir, fmt.Sprintf("debug-%s.log", ts))
		debugLogOnce = sync.Once{}
		debugLogger = log.New(os.Stdout, "", log.LstdFlags)
	} else {
		debugLogger = nil
	}
}

// debugWriter forwards package loggers into logDebug line by line.
type debugWriter struct{}

func (debugWriter) Write(p []byte) (int, error) {
	logDebug("%s", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// packageLogger returns a logger for the render and jobsocket packages
// that lands in the debug log.
func packageLogger() *log.Logger {
	return log.New(debugWriter{}, "", 0)
}
