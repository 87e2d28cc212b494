package protocol

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedAll(t *testing.T, d *Decoder, chunks ...string) []string {
	t.Helper()
	var out []string
	for _, c := range chunks {
		recs, err := d.Feed([]byte(c))
		require.NoError(t, err)
		for _, r := range recs {
			out = append(out, string(r))
		}
	}
	return out
}

func TestDecoderSplitsRecords(t *testing.T) {
	d := NewDecoder(0)
	got := feedAll(t, d, "{\"type\":\"heartbeat\"}\n{\"type\":", "\"tradeEvent\"}\n\n   \n{\"partial\"")
	assert.Equal(t, []string{`{"type":"heartbeat"}`, `{"type":"tradeEvent"}`}, got)
	assert.Equal(t, len(`{"partial"`), d.Buffered())

	got = feedAll(t, d, ":1}\n")
	assert.Equal(t, []string{`{"partial":1}`}, got)
	assert.Zero(t, d.Buffered())
}

func TestDecoderSplitInvariance(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"identification","role":"sender","accountId":"S1"}`,
		`{"type":"heartbeat"}`,
		``,
		`{"type":"tradeEvent","order":{"ticket":1,"symbol":"EURUSD"}}`,
		"  \t",
		`{"type":"tradeEvent","order":{"ticket":2}}`,
		`not json at all`,
	}, "\n") + "\n"

	whole := feedAll(t, NewDecoder(0), stream)
	require.Len(t, whole, 5)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		var chunks []string
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		assert.Equal(t, whole, feedAll(t, NewDecoder(0), chunks...), "chunks=%q", chunks)
	}

	// One byte at a time.
	var bytewise []string
	for i := range stream {
		bytewise = append(bytewise, stream[i:i+1])
	}
	assert.Equal(t, whole, feedAll(t, NewDecoder(0), bytewise...))
}

func TestDecoderRecordTooLarge(t *testing.T) {
	d := NewDecoder(8)
	recs, err := d.Feed([]byte("{\"a\":1}\n0123456789"))
	assert.True(t, errors.Is(err, ErrRecordTooLarge))
	assert.Equal(t, [][]byte{[]byte(`{"a":1}`)}, recs)
	assert.Zero(t, d.Buffered())

	d = NewDecoder(8)
	_, err = d.Feed([]byte("0123456789\n"))
	assert.ErrorIs(t, err, ErrRecordTooLarge)

	d = NewDecoder(8)
	recs, err = d.Feed([]byte("01234567\n"))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"identification","role":"receiver","accountId":"R1","listenTo":"S1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindIdentification, env.Kind)
	assert.Equal(t, Identification{Role: RoleReceiver, AccountID: "R1", ListenTo: "S1"}, env.Identification())

	env, err = Decode([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, env.Kind)

	raw := []byte(`{"order":{"ticket":1},"type":"tradeEvent","extra":[1,2]}`)
	env, err = Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, KindTradeEvent, env.Kind)
	assert.Equal(t, raw, env.Raw)

	env, err = Decode([]byte(`{"type":"subscribe"}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, env.Kind)
	assert.Equal(t, "subscribe", env.Type)

	env, err = Decode([]byte(`{"foo":1}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, env.Kind)

	for _, rec := range []string{`{"type":7}`, `{"type":null}`, `{"type":["tradeEvent"]}`} {
		env, err = Decode([]byte(rec))
		require.NoError(t, err, rec)
		assert.Equal(t, KindUnknown, env.Kind, rec)
		assert.Empty(t, env.Type, rec)
	}
}

func TestDecodeTradeEventIgnoresFieldTypes(t *testing.T) {
	for _, rec := range []string{
		`{"type":"tradeEvent","accountId":12345678,"order":{"ticket":1}}`,
		`{"type":"tradeEvent","role":{"x":1},"listenTo":[1,2]}`,
		`{"type":"tradeEvent","accountId":null}`,
	} {
		env, err := Decode([]byte(rec))
		require.NoError(t, err, rec)
		assert.Equal(t, KindTradeEvent, env.Kind, rec)
		assert.False(t, env.BadFields, rec)
		assert.Equal(t, rec, string(env.Raw))
	}
}

func TestDecodeIdentificationFieldTypes(t *testing.T) {
	env, err := Decode([]byte(`{"type":"identification","role":"sender","accountId":"S1","listenTo":null}`))
	require.NoError(t, err)
	assert.False(t, env.Identification().Malformed)
	assert.Equal(t, "S1", env.AccountID)
	assert.Empty(t, env.ListenTo)

	for _, rec := range []string{
		`{"type":"identification","role":"sender","accountId":123}`,
		`{"type":"identification","role":"receiver","accountId":"R1","listenTo":{}}`,
		`{"type":"identification","role":true,"accountId":"S1"}`,
	} {
		env, err := Decode([]byte(rec))
		require.NoError(t, err, rec)
		assert.Equal(t, KindIdentification, env.Kind, rec)
		assert.True(t, env.Identification().Malformed, rec)
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, rec := range []string{
		`not json`,
		`{"type":"heartbeat"`,
		`[1,2,3]`,
		`"heartbeat"`,
	} {
		_, err := Decode([]byte(rec))
		assert.ErrorIs(t, err, ErrInvalidJSON, rec)
	}
}

func TestFormatReplies(t *testing.T) {
	assert.Equal(t,
		`{"type":"ack","message":"Heartbeat received"}`+"\n",
		string(FormatAck("", MsgHeartbeat)))
	assert.Equal(t,
		`{"type":"ack","status":"authenticated_primary","message":"Authenticated as primary receiver"}`+"\n",
		string(FormatAck(StatusAuthenticatedPrimary, MsgPrimary)))

	b := FormatError(StatusUnauthorized, MsgUnauthorized)
	r, err := ParseReply(b)
	require.NoError(t, err)
	assert.True(t, r.IsError())
	assert.Equal(t, StatusUnauthorized, r.Status)
	assert.Equal(t, MsgUnauthorized, r.Message)
}

func TestFrame(t *testing.T) {
	rec := []byte(`{"type":"tradeEvent"}`)
	framed := Frame(rec)
	assert.Equal(t, `{"type":"tradeEvent"}`+"\n", string(framed))
	framed[0] = 'x'
	assert.Equal(t, byte('{'), rec[0])
	assert.Equal(t, "tradeEvent", KindTradeEvent.String())
	assert.Equal(t, "unknown", KindUnknown.String())
}
