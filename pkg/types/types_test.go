package types

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu       sync.Mutex
	written  []byte
	closes   int
	writeErr error
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
}

func TestStateDerivedFields(t *testing.T) {
	c := NewConnection("127.0.0.1:5000", &fakeTransport{}, 0)
	assert.Equal(t, RoleUnset, c.Role())
	assert.False(t, c.IsAuthorized())
	assert.False(t, c.IsPrimary())
	assert.NotEmpty(t, c.Session)

	cases := []struct {
		state      State
		role       Role
		authorized bool
		primary    bool
	}{
		{StateSender, RoleSender, false, false},
		{StateReceiverUnauthorized, RoleReceiver, false, false},
		{StateReceiverPrimary, RoleReceiver, true, true},
		{StateReceiverDuplicate, RoleReceiver, true, false},
	}
	for _, tc := range cases {
		c.State = tc.state
		assert.Equal(t, tc.role, c.Role(), tc.state.String())
		assert.Equal(t, tc.authorized, c.IsAuthorized(), tc.state.String())
		assert.Equal(t, tc.primary, c.IsPrimary(), tc.state.String())
	}
	assert.Len(t, States, 5)
}

func TestCloseOnce(t *testing.T) {
	ft := &fakeTransport{}
	c := NewConnection("id", ft, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ft.closes)
	assert.True(t, c.Closed())
	assert.Equal(t, "closed", c.CloseReason())

	c2 := NewConnection("id2", &fakeTransport{}, 0)
	assert.Empty(t, c2.CloseReason())
	_ = c2.CloseAs("heartbeat_timeout")
	_ = c2.CloseAs("shutdown")
	assert.Equal(t, "heartbeat_timeout", c2.CloseReason())
}

func TestSendAndTouch(t *testing.T) {
	ft := &fakeTransport{}
	c := NewConnection("id", ft, time.Second)
	require.NoError(t, c.Send([]byte("a\n")))
	require.NoError(t, c.Send([]byte("b\n")))
	assert.Equal(t, "a\nb\n", string(ft.written))

	ft.writeErr = errors.New("broken pipe")
	assert.Error(t, c.Send([]byte("c\n")))

	ts := time.Now().Add(time.Minute)
	c.Touch(ts)
	assert.Equal(t, ts.UnixNano(), c.LastActivity().UnixNano())
	assert.Equal(t, ts.UnixNano(), c.Info().LastActivity.UnixNano())
}
