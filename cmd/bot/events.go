package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/discord-voice-agent/internal/logging"
)

// sensitiveKeys are never logged in plaintext.
var sensitiveKeys = map[string]struct{}{
	"token": {}, "session_id": {}, "access_token": {}, "refresh_token": {},
	"authorization": {}, "password": {}, "email": {}, "client_secret": {},
}

// redactAny replaces values under sensitive keys in a decoded JSON value,
// in place.
func redactAny(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		for k, val := range vv {
			if _, ok := sensitiveKeys[strings.ToLower(k)]; ok {
				vv[k] = "<redacted>"
				continue
			}
			vv[k] = redactAny(val)
		}
		return vv
	case []any:
		for i, it := range vv {
			vv[i] = redactAny(it)
		}
		return vv
	default:
		return v
	}
}

// eventFields pulls the ids worth searching on out of a gateway payload.
func eventFields(m map[string]any) []interface{} {
	var kv []interface{}
	for _, key := range []string{"guild_id", "channel_id", "user_id"} {
		if s, ok := m[key].(string); ok && s != "" {
			kv = append(kv, key, s)
		}
	}
	return kv
}

// eventPayload decodes raw, redacts it and truncates the re-encoded form to
// maxBytes.
func eventPayload(raw []byte, maxBytes int) (string, map[string]any) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "<raw data omitted>", nil
	}
	v = redactAny(v)
	m, _ := v.(map[string]any)
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v), m
	}
	if maxBytes > 0 && len(out) > maxBytes {
		return string(out[:maxBytes]) + fmt.Sprintf("<truncated %d bytes>", len(out)-maxBytes), m
	}
	return string(out), m
}

// eventLogger logs every gateway event at debug level.
func eventLogger(log logging.Logger, maxBytes int) func(*discordgo.Session, *discordgo.Event) {
	return func(_ *discordgo.Session, evt *discordgo.Event) {
		payload, m := eventPayload(evt.RawData, maxBytes)
		kv := append([]interface{}{"type", evt.Type}, eventFields(m)...)
		kv = append(kv, "payload", payload)
		log.Debugw("discord event", kv...)
	}
}
