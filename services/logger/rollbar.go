package logsvc

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"

	"github.com/trezcool/nexlearn/core"
	"github.com/trezcool/nexlearn/core/clientlog"
	"github.com/trezcool/nexlearn/core/profile"
	"github.com/trezcool/nexlearn/core/syncqueue"
)

type (
	// Recorder keeps the warnings and errors reported through the logger.
	Recorder interface {
		Add(level clientlog.Level, msg, stack string, extras map[string]interface{}) clientlog.Record
	}

	recorderBox struct{ r Recorder }

	// RollbarLogger prints through a standard logger and reports to rollbar (when enabled).
	// Warnings and errors also go to the attached Recorder.
	RollbarLogger struct {
		std      *log.Logger
		recorder *atomic.Value // recorderBox
	}
)

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	rollbar.SetEnabled(!conf.Debug && conf.RollbarToken != "")
	return &RollbarLogger{std: std, recorder: new(atomic.Value)}
}

// RecordTo attaches r; nil detaches the current recorder.
func (l RollbarLogger) RecordTo(r Recorder) {
	l.recorder.Store(recorderBox{r: r})
}

// record hands the report to the recorder with the first error's stack and the known extras.
func (l RollbarLogger) record(level clientlog.Level, msg string, args []interface{}) {
	box, _ := l.recorder.Load().(recorderBox)
	if box.r == nil {
		return
	}

	var stack string
	extras := make(map[string]interface{})
	for _, arg := range args {
		switch a := arg.(type) {
		case error:
			if stack == "" {
				stack = fmt.Sprintf("%+v", a)
			}
		case syncqueue.PendingOperation:
			extras["operation_id"] = a.ID
			extras["operation_type"] = a.Type
		case map[string]interface{}:
			for k, v := range a {
				extras[k] = v
			}
		}
	}
	box.r.Add(level, msg, stack, extras)
}

func (l RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// expected fmt: msg | error, map[string]interface{}, profile.Profile, syncqueue.PendingOperation
func (l RollbarLogger) prepare(msg string, args []interface{}) []interface{} {
	var personSet bool
	extras := make(map[string]interface{})
	newArgs := make([]interface{}, 0, len(args)+2)
	newArgs = append(newArgs, msg)
	for _, arg := range args {
		switch a := arg.(type) {
		case profile.Profile:
			if !personSet && !a.IsZero() { // only set one person
				rollbar.SetPerson(a.ID, a.Name, a.Email)
				personSet = true
			}
		case syncqueue.PendingOperation:
			extras["operation_id"] = a.ID
			extras["operation_type"] = a.Type
			extras["operation_attempts"] = a.Attempts
			extras["course_id"] = a.CourseID
		case map[string]interface{}:
			for k, v := range a {
				extras[k] = v
			}
		default:
			newArgs = append(newArgs, arg)
		}
	}
	if !personSet {
		rollbar.ClearPerson()
	}
	if len(extras) > 0 {
		newArgs = append(newArgs, extras)
	}
	return newArgs
}

func (l RollbarLogger) print(msg string, args []interface{}) {
	l.std.Println(msg)
	for _, arg := range args {
		if _, isProfile := arg.(profile.Profile); isProfile {
			continue
		}
		l.std.Printf("%+v\n", arg)
	}
}

func (l RollbarLogger) Debug(msg string, args ...interface{}) {
	rollbar.Debug(l.prepare(msg, args)...)
	l.print(msg, args)
}

func (l RollbarLogger) Info(msg string, args ...interface{}) {
	rollbar.Info(l.prepare(msg, args)...)
	l.print(msg, args)
}

func (l RollbarLogger) Warn(msg string, args ...interface{}) {
	rollbar.Warning(l.prepare(msg, args)...)
	l.print(msg, args)
	l.record(clientlog.LevelWarn, msg, args)
}

func (l RollbarLogger) Error(msg string, args ...interface{}) {
	rollbar.Error(l.prepare(msg, args)...)
	l.print(msg, args)
	l.record(clientlog.LevelError, msg, args)
}

func (l RollbarLogger) Fatal(msg string, args ...interface{}) {
	rollbar.Critical(l.prepare(msg, args)...)
	l.print(msg, args)
	l.std.Fatal(msg)
}
