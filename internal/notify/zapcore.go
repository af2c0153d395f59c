package notify

import (
	"go.uber.org/zap/zapcore"
)

// Field keys recognized on log entries.
const (
	// FieldNotify forces publication of a sub-warning entry.
	FieldNotify = "notify"
	// FieldBots names extra bots to multiplex the message to.
	FieldBots = "bots"
)

// Core is a zapcore.Core tee that forwards selected log entries to the
// dispatcher: severity >= Warn, or an explicit notify=true field, unless
// the entry's logger name is on the silence list.
type Core struct {
	zapcore.Core
	dispatcher *Dispatcher
	silenced   map[string]bool
}

// WrapCore decorates a core with notification fan-out. Use with
// zap.WrapCore at logger construction.
func WrapCore(inner zapcore.Core, d *Dispatcher, silencedSources []string) *Core {
	silenced := make(map[string]bool, len(silencedSources))
	for _, s := range silencedSources {
		silenced[s] = true
	}
	return &Core{Core: inner, dispatcher: d, silenced: silenced}
}

// With implements zapcore.Core.
func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	return &Core{Core: c.Core.With(fields), dispatcher: c.dispatcher, silenced: c.silenced}
}

// Check implements zapcore.Core. Everything is routed through this core's
// Write so the notify field can be inspected per entry.
func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write implements zapcore.Core.
func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	if err := c.Core.Write(ent, fields); err != nil {
		return err
	}
	if c.silenced[ent.LoggerName] {
		return nil
	}

	wantsNotify := ent.Level >= zapcore.WarnLevel
	var extraBots []string
	for _, f := range fields {
		switch f.Key {
		case FieldNotify:
			if f.Type == zapcore.BoolType {
				wantsNotify = f.Integer == 1
			}
		case FieldBots:
			if s, ok := f.Interface.(string); ok {
				extraBots = append(extraBots, s)
			}
			if list, ok := f.Interface.([]string); ok {
				extraBots = append(extraBots, list...)
			}
		}
	}
	if !wantsNotify {
		return nil
	}
	c.dispatcher.Publish(Message{Text: ent.Message, Bots: extraBots})
	return nil
}
