package eventsource

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	inbound   chan []byte
	sent      chan []byte
	pongs     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 64),
		sent:    make(chan []byte, 64),
		pongs:   make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Send(_ context.Context, msg []byte) error {
	select {
	case <-f.closed:
		return errors.New("transport closed")
	default:
	}
	f.sent <- append([]byte(nil), msg...)
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case msg := <-f.inbound:
		return msg, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) push(frame string) {
	f.inbound <- []byte(frame)
}

// fakeDialer hands out transports in order. When block is set, Dial waits for ctx.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	block      bool
	dials      int
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	if d.block {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.err != nil {
		err := d.err
		d.mu.Unlock()
		return nil, err
	}
	if len(d.transports) == 0 {
		d.mu.Unlock()
		return nil, errors.New("no more transports")
	}
	t := d.transports[0]
	d.transports = d.transports[1:]
	d.mu.Unlock()
	return t, nil
}

type sentCommand struct {
	ID     uint32          `json:"id"`
	Method int             `json:"method"`
	Params json.RawMessage `json:"params"`
}

// serve answers commands sent over tr using reply until tr closes. A nil reply
// leaves the command unanswered. Frames without an id are collected in tr.pongs.
func serve(t *testing.T, tr *fakeTransport, reply func(cmd sentCommand) []string) {
	t.Helper()
	go func() {
		for {
			select {
			case <-tr.closed:
				return
			case raw := <-tr.sent:
				var cmd sentCommand
				if err := json.Unmarshal(raw, &cmd); err != nil || cmd.ID == 0 {
					tr.pongs <- raw
					continue
				}
				for _, frame := range reply(cmd) {
					tr.push(frame)
				}
			}
		}
	}()
}

// acceptAll authenticates as clientID and confirms every subscription.
func acceptAll(clientID string) func(cmd sentCommand) []string {
	return func(cmd sentCommand) []string {
		if cmd.Method == methodConnect {
			return []string{jsonf(`{"id":%d,"result":{"client":%q,"version":"2.8"}}`, cmd.ID, clientID)}
		}
		return []string{jsonf(`{"id":%d,"result":{}}`, cmd.ID)}
	}
}

func nextSignal(t *testing.T, ch <-chan Signal) Signal {
	t.Helper()
	select {
	case sig, ok := <-ch:
		require.True(t, ok, "signal stream closed")
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
		return nil
	}
}

func requireStreamEnds(t *testing.T, ch <-chan Signal) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.False(t, ok, "expected stream to be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("signal stream not closed")
	}
}
