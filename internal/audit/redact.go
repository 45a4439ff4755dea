package audit

import "strings"

// Redacted replaces secret values in audit details.
const Redacted = "[REDACTED]"

// secretKeys are matched case-insensitively against detail keys.
var secretKeys = []string{
	"privatekey",
	"mnemonic",
	"secret",
	"pin",
	"credentials",
	"secretaccesskey",
	"clientsecret",
}

func isSecretKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range secretKeys {
		if k == s {
			return true
		}
	}
	return false
}

// redactMap returns a copy of m with secret values replaced, recursing
// into nested maps. The input is never mutated.
func redactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSecretKey(k) {
			out[k] = Redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = redactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// redact returns a copy of the record safe for persistence.
func redact(r *Record) *Record {
	clean := *r
	clean.Details = redactMap(r.Details)
	return &clean
}
