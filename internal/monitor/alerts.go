package monitor

import "go.uber.org/zap"

// AlertSink delivers operator alerts.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the log at error level.
type LogSink struct {
	Log *zap.Logger
}

func (s LogSink) Send(message string) error {
	if s.Log != nil {
		s.Log.Error("alert", zap.String("message", message))
	}
	return nil
}
