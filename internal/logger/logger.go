package logger

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger = logrus.New()
	once   sync.Once
)

// TraceIDKey is the field under which ErrorWithTraceID records its id
const TraceIDKey = "trace_id"

type Fields = logrus.Fields

// Options configures the process logger
type Options struct {
	Level   string // logrus level name, default "info"
	File    string // rotating log file, empty disables it
	NoColor bool
}

// Setup configures the shared logger once and returns it. Later calls return
// the already configured logger unchanged.
func Setup(opts Options) *logrus.Logger {
	once.Do(func() {
		level, err := logrus.ParseLevel(opts.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)

		logger.SetFormatter(&formatter.Formatter{
			NoColors:        opts.NoColor,
			TimestampFormat: "02 Jan 06 - 15:04:05.000",
			HideKeys:        false,
			CallerFirst:     true,
			CustomCallerFormatter: func(f *runtime.Frame) string {
				s := strings.Split(f.Function, ".")
				funcName := s[len(s)-1]
				return fmt.Sprintf(" [%s:%d][%s()]", path.Base(f.File), f.Line, funcName)
			},
		})

		writers := []io.Writer{os.Stderr}
		if opts.File != "" && os.Getenv("APP_ENV") != "test" {
			writers = append(writers, &lumberjack.Logger{
				Filename:   opts.File,
				LocalTime:  true,
				Compress:   true,
				MaxSize:    50,
				MaxAge:     7,
				MaxBackups: 3,
			})
		}

		logger.SetOutput(io.MultiWriter(writers...))
		logger.SetReportCaller(true)
	})

	return logger
}

// Get returns the shared logger (configured or not)
func Get() *logrus.Logger {
	return logger
}

// Component returns an entry tagged with the component name
func Component(name string) *logrus.Entry {
	return logger.WithField("component", name)
}

func Debug(fields Fields, msg string) {
	logger.WithFields(orEmpty(fields)).Debug(msg)
}

func Info(fields Fields, msg string) {
	logger.WithFields(orEmpty(fields)).Info(msg)
}

func Warn(fields Fields, msg string) {
	logger.WithFields(orEmpty(fields)).Warn(msg)
}

func Error(fields Fields, msg string) {
	logger.WithFields(orEmpty(fields)).Error(msg)
}

// ErrorWithTraceID logs msg at error level on entry with a fresh trace id
// and returns the id. A nil entry logs on the shared logger.
func ErrorWithTraceID(entry *logrus.Entry, fields Fields, msg string) string {
	traceID := newTraceID()

	if entry == nil {
		entry = logrus.NewEntry(logger)
	}
	fields = orEmpty(fields)
	fields[TraceIDKey] = traceID
	entry.WithFields(fields).Error(msg)

	return traceID
}

func newTraceID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return "unknown"
	}
	return id.String()
}

func orEmpty(fields Fields) Fields {
	if fields == nil {
		return Fields{}
	}
	return fields
}
