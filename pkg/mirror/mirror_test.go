package mirror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subj string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "relay.trades.S1", Subject("relay.trades", "S1"))
	assert.Equal(t, "relay.trades.acct_1_x", Subject("relay.trades", "acct.1 x"))
	assert.Equal(t, "relay.trades.__", Subject("relay.trades", "*>"))
	assert.Equal(t, "relay.trades._", Subject("relay.trades", ""))
	assert.Equal(t, "S1", Subject("", "S1"))
}

func TestPublish(t *testing.T) {
	pub := &recordingPublisher{}
	m := New(pub, "relay.trades.")
	rec := []byte(`{"type":"tradeEvent","order":{"ticket":1}}` + "\n")

	require.NoError(t, m.Publish("S1", rec))
	assert.Equal(t, []string{"relay.trades.S1"}, pub.subjects)
	assert.Equal(t, rec, pub.payloads[0])
	assert.NoError(t, m.Close())

	pub.err = errors.New("nats: connection closed")
	assert.Error(t, m.Publish("S1", rec))
}
