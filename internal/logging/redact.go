package logging

import (
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/epicflow/internal/config"
)

const redactedValue = "[REDACTED]"

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val.Value()))+"]")
}

// SecretMap logs the keys of a secret map without their values.
func SecretMap(key string, m map[string]config.Secret) zap.Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return zap.Strings(key, keys)
}

// redactingEncoder blanks values whose key contains a sensitive word. It
// guards against secrets that reach a log call as plain strings.
type redactingEncoder struct {
	zapcore.Encoder
	words []string
}

func newRedactingEncoder(base zapcore.Encoder, words []string) zapcore.Encoder {
	if len(words) == 0 {
		return base
	}
	lower := make([]string, len(words))
	for i, w := range words {
		lower[i] = strings.ToLower(w)
	}
	return &redactingEncoder{Encoder: base, words: lower}
}

func (e *redactingEncoder) sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, w := range e.words {
		if strings.Contains(key, w) {
			return true
		}
	}
	return false
}

func (e *redactingEncoder) redact(f zapcore.Field) (zapcore.Field, bool) {
	if !e.sensitive(f.Key) {
		return f, false
	}
	if f.Type == zapcore.StringType && strings.HasPrefix(f.String, "[REDACTED") {
		return f, false
	}
	return zap.String(f.Key, redactedValue), true
}

// EncodeEntry redacts per-entry fields; the wrapped encoder encodes them
// without calling back into this one.
func (e *redactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	out, copied := fields, false
	for i, f := range fields {
		r, changed := e.redact(f)
		if !changed {
			continue
		}
		if !copied {
			out, copied = append([]zapcore.Field(nil), fields...), true
		}
		out[i] = r
	}
	return e.Encoder.EncodeEntry(ent, out)
}

// AddString covers fields attached with Logger.With.
func (e *redactingEncoder) AddString(key, val string) {
	if r, changed := e.redact(zap.String(key, val)); changed {
		val = r.String
	}
	e.Encoder.AddString(key, val)
}

func (e *redactingEncoder) Clone() zapcore.Encoder {
	return &redactingEncoder{Encoder: e.Encoder.Clone(), words: e.words}
}
