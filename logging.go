// Copyright 2017 Aleksey Blinov. All rights reserved.

package eventhttp

import "go.uber.org/zap"

// log is the package-level structured logger. It defaults to zap's
// production config; call SetLogger to redirect.
var log = func() *zap.SugaredLogger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l.Sugar()
}()

// SetLogger replaces the package-level logger. Intended for tests and for
// embedding applications that want their own zap configuration.
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	log = l.Sugar()
}

func logInfo(id, format string, args ...interface{}) {
	log.Infof("["+id+"] "+format, args...)
}

func logWarn(id, format string, args ...interface{}) {
	log.Warnf("["+id+"] "+format, args...)
}

func logTrace(level int, id, format string, args ...interface{}) {
	if level > 0 {
		return
	}
	log.Debugf("["+id+"] "+format, args...)
}
