package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order; a repeated key keeps both
// entries and most readers take the last one.
type Field func(e *zerolog.Event)

func String(k, v string) Field                 { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field                { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field            { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field          { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field              { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field { return func(e *zerolog.Event) { e.Dur(k, v) } }
func Time(k string, v time.Time) Field         { return func(e *zerolog.Event) { e.Time(k, v) } }
func Strs(k string, v []string) Field          { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Any(k string, v any) Field                { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

// Domain keys. Keeping them here makes log queries stable across packages.
const (
	KeyComponent = "comp"
	KeyTenant    = "tenant"
	KeyUser      = "user"
	KeyJob       = "job"
	KeyWeek      = "week"
)

func Component(name string) Field { return String(KeyComponent, name) }
func Tenant(id string) Field      { return String(KeyTenant, id) }
func User(id string) Field        { return String(KeyUser, id) }
func Job(id string) Field         { return String(KeyJob, id) }

// Week logs the rotation week starting at t as YYYY-MM-DD.
func Week(t time.Time) Field { return String(KeyWeek, t.Format(time.DateOnly)) }
