package issues

import (
	"github.com/sirupsen/logrus"
)

// Hook is a logrus hook that records log entries at or above a level into
// the issue log, so failures logged anywhere end up in the exported text.
type Hook struct {
	log    *Log
	levels []logrus.Level
}

// NewHook creates a hook recording entries at minLevel or more severe
func NewHook(log *Log, minLevel logrus.Level) *Hook {
	levels := make([]logrus.Level, 0)
	for _, level := range logrus.AllLevels {
		if level <= minLevel {
			levels = append(levels, level)
		}
	}
	return &Hook{log: log, levels: levels}
}

// Levels returns the log levels this hook fires for.
func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

// Fire is called when a log entry is made.
func (h *Hook) Fire(entry *logrus.Entry) error {
	var details map[string]interface{}
	if len(entry.Data) > 0 {
		details = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			// errors marshal to {} otherwise
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			details[k] = v
		}
	}

	if details == nil {
		h.log.Record(entry.Message, nil)
	} else {
		h.log.Record(entry.Message, details)
	}
	return nil
}
