package shared

import (
	"fmt"

	"github.com/pion/logging"
	"go.uber.org/zap"
)

// PionLoggerFactory routes pion's internal logs into a LoggerAdapter. Install
// it on webrtc.SettingEngine.LoggerFactory.
type PionLoggerFactory struct {
	Logger LoggerAdapter
}

var _ logging.LoggerFactory = (*PionLoggerFactory)(nil)

func (f *PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{logger: f.Logger.With(zap.String("pion", scope))}
}

type pionLogger struct {
	logger LoggerAdapter
}

var _ logging.LeveledLogger = (*pionLogger)(nil)

func (p *pionLogger) Trace(msg string) { p.logger.Trace(msg) }
func (p *pionLogger) Tracef(format string, args ...any) {
	p.logger.Trace(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Debug(msg string) { p.logger.Debug(msg) }
func (p *pionLogger) Debugf(format string, args ...any) {
	p.logger.Debug(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Info(msg string) { p.logger.Info(msg) }
func (p *pionLogger) Infof(format string, args ...any) {
	p.logger.Info(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Warn(msg string) { p.logger.Warn(msg) }
func (p *pionLogger) Warnf(format string, args ...any) {
	p.logger.Warn(fmt.Sprintf(format, args...))
}
func (p *pionLogger) Error(msg string) { p.logger.Error(msg, nil) }
func (p *pionLogger) Errorf(format string, args ...any) {
	p.logger.Error(fmt.Sprintf(format, args...), nil)
}
