package treenet

import (
	"io"
	"os"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	logMu  sync.RWMutex
	logVal logrus.FieldLogger = logrus.StandardLogger()
)

type loggerProxy struct{}

func (loggerProxy) get() logrus.FieldLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logVal
}

func (l loggerProxy) Debugf(format string, args ...interface{}) { l.get().Debugf(format, args...) }
func (l loggerProxy) Infof(format string, args ...interface{})  { l.get().Infof(format, args...) }
func (l loggerProxy) Warnf(format string, args ...interface{})  { l.get().Warnf(format, args...) }
func (l loggerProxy) Errorf(format string, args ...interface{}) { l.get().Errorf(format, args...) }

// traceEnabled reports whether packet dumps should be produced.
func (l loggerProxy) traceEnabled() bool {
	switch v := l.get().(type) {
	case *logrus.Logger:
		return v.IsLevelEnabled(logrus.TraceLevel)
	case *logrus.Entry:
		return v.Logger.IsLevelEnabled(logrus.TraceLevel)
	}
	return false
}

func (l loggerProxy) dump(prefix string, v interface{}) {
	if !l.traceEnabled() {
		return
	}
	l.get().Debugf("%s\n%s", prefix, spew.Sdump(v))
}

var logger loggerProxy

// SetLogger replaces the logger used by the package. nil restores the logrus
// standard logger.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	logMu.Lock()
	logVal = l
	logMu.Unlock()
}

// ConfigureLogging builds a logger writing to path (stdout when empty) at the
// named level and installs it with SetLogger.
func ConfigureLogging(level, path string) (*logrus.Logger, error) {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, errors.Wrapf(err, "open log file %s", path)
		}
		w = f
	}

	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrap(err, "parse log level")
	}

	l := &logrus.Logger{
		Out: w,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: lvl,
	}
	SetLogger(l)
	return l, nil
}
