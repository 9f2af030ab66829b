/*
Package clog attaches recorder session details to a context and prefixes
every log line written with that context.
*/
package clog

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/golang/glog"
)

type clogContextKeyT struct{}

var clogContextKey = clogContextKeyT{}

// Keys printed first, in this order. Any other key follows sorted by name.
const (
	sessionID = "sessionID"
	source    = "source"
	segment   = "segment"
	track     = "track"
)

var stdKeysOrder = []string{sessionID, source, segment, track}

// fields is never modified once stored in a context; AddVal copies it.
type fields map[string]string

func (f fields) with(key, val string) fields {
	out := make(fields, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[key] = val
	return out
}

func (f fields) String() string {
	if len(f) == 0 {
		return ""
	}
	var sb strings.Builder
	write := func(k string) {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(f[k])
	}
	extra := make([]string, 0, len(f))
	for k := range f {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range stdKeysOrder {
		if _, ok := f[k]; ok {
			write(k)
		}
	}
	for _, k := range extra {
		if !isStdKey(k) {
			write(k)
		}
	}
	return sb.String()
}

func isStdKey(k string) bool {
	for _, s := range stdKeysOrder {
		if s == k {
			return true
		}
	}
	return false
}

func fromContext(ctx context.Context) fields {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(clogContextKey).(fields)
	return f
}

// Verbose guards logging on the glog verbosity level, see V.
type Verbose bool

func V(level glog.Level) Verbose {
	return Verbose(bool(glog.V(level)))
}

// Infof is Infof guarded by the value of v.
func (v Verbose) Infof(ctx context.Context, format string, args ...interface{}) {
	if v {
		glog.InfoDepth(1, formatMessage(ctx, format, args...))
	}
}

// Clone returns a child of parentCtx carrying the logging details of
// logCtx. Used to keep session details on a context that must outlive
// the cancellation of logCtx.
func Clone(parentCtx, logCtx context.Context) context.Context {
	f := fromContext(logCtx)
	if f == nil {
		return parentCtx
	}
	return context.WithValue(parentCtx, clogContextKey, f)
}

func AddSessionID(ctx context.Context, val string) context.Context {
	return AddVal(ctx, sessionID, val)
}

// SessionID returns the session attached by AddSessionID.
func SessionID(ctx context.Context) string {
	return GetVal(ctx, sessionID)
}

func AddSource(ctx context.Context, val string) context.Context {
	return AddVal(ctx, source, val)
}

func AddSegment(ctx context.Context, index uint32) context.Context {
	return AddVal(ctx, segment, strconv.FormatUint(uint64(index), 10))
}

func AddTrack(ctx context.Context, kind string) context.Context {
	return AddVal(ctx, track, kind)
}

// AddVal returns a context logging key=val. ctx itself is unchanged.
func AddVal(ctx context.Context, key, val string) context.Context {
	return context.WithValue(ctx, clogContextKey, fromContext(ctx).with(key, val))
}

func GetVal(ctx context.Context, key string) string {
	return fromContext(ctx)[key]
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	glog.InfoDepth(1, formatMessage(ctx, format, args...))
}

func Warningf(ctx context.Context, format string, args ...interface{}) {
	glog.WarningDepth(1, formatMessage(ctx, format, args...))
}

func Errorf(ctx context.Context, format string, args ...interface{}) {
	glog.ErrorDepth(1, formatMessage(ctx, format, args...))
}

// InfofErr logs msg with err appended as err=...
func InfofErr(ctx context.Context, msg string, err error) {
	glog.InfoDepth(1, formatMessage(ctx, "%s", msg+formatKV([]interface{}{"err", err})))
}

func formatKV(kv []interface{}) string {
	var sb strings.Builder
	for i := 0; i < len(kv); i += 2 {
		val := interface{}("MISSING")
		if i+1 < len(kv) {
			val = kv[i+1]
		}
		fmt.Fprintf(&sb, " %v=%v", kv[i], val)
	}
	return sb.String()
}

func formatMessage(ctx context.Context, format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	if prefix := fromContext(ctx).String(); prefix != "" {
		return prefix + " " + msg
	}
	return msg
}
