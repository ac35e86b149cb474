package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventPayloadRedactsAndTruncates(t *testing.T) {
	raw := []byte(`{"guild_id":"g1","user_id":"u1","token":"secret","member":{"user":{"email":"a@b.c"}}}`)

	payload, m := eventPayload(raw, 0)
	require.NotContains(t, payload, "secret")
	require.NotContains(t, payload, "a@b.c")
	require.Contains(t, payload, "<redacted>")
	require.Equal(t, []interface{}{"guild_id", "g1", "user_id", "u1"}, eventFields(m))

	short, _ := eventPayload(raw, 10)
	require.Contains(t, short, "<truncated")
}

func TestEventPayloadInvalidJSON(t *testing.T) {
	payload, m := eventPayload([]byte("not json"), 100)
	require.Equal(t, "<raw data omitted>", payload)
	require.Nil(t, m)
	require.Empty(t, eventFields(nil))
}
