package chatsync

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const serviceName = "chatsync"

// Log formats accepted by NewLogger.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

var (
	baseMu     sync.Mutex
	baseLogger *logrus.Entry
)

// NewLogger builds a structured logger with the service field attached.
// format is "text" or "json"; an empty level means info.
func NewLogger(level, format string) (*logrus.Entry, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	formatter, err := formatterFor(format)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(lvl)
	logger.SetFormatter(formatter)
	return logger.WithField("service", serviceName), nil
}

// SetDefaultLogger replaces the logger used by components constructed
// without one.
func SetDefaultLogger(entry *logrus.Entry) {
	baseMu.Lock()
	baseLogger = entry
	baseMu.Unlock()
}

func defaultLogger() *logrus.Entry {
	baseMu.Lock()
	defer baseMu.Unlock()
	if baseLogger != nil {
		return baseLogger
	}

	// Libraries stay quiet unless asked otherwise.
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	logger.SetFormatter(textFormatter())
	baseLogger = logger.WithField("service", serviceName)
	return baseLogger
}

var fieldMap = logrus.FieldMap{
	logrus.FieldKeyTime:  "ts",
	logrus.FieldKeyMsg:   "msg",
	logrus.FieldKeyLevel: "level",
}

func textFormatter() *logrus.TextFormatter {
	return &logrus.TextFormatter{
		FullTimestamp:          true,
		TimestampFormat:        time.RFC3339Nano,
		FieldMap:               fieldMap,
		DisableLevelTruncation: true,
	}
}

func formatterFor(format string) (logrus.Formatter, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", LogFormatText:
		return textFormatter(), nil
	case LogFormatJSON:
		return &logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap:        fieldMap,
		}, nil
	}
	return nil, fmt.Errorf("invalid log format %q", format)
}

func parseLevel(value string) (logrus.Level, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(value)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", value, err)
	}
	return level, nil
}
