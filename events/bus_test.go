package events

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestRingRetainsMostRecent(t *testing.T) {
	var r = NewRing[int](3)
	require.Empty(t, r.Recent())

	r.Add(1)
	r.Add(2)
	require.Equal(t, []int{1, 2}, r.Recent())

	r.Add(3)
	r.Add(4)
	require.Equal(t, []int{2, 3, 4}, r.Recent())
	require.Equal(t, 3, r.Len())
}

func TestBusFanOut(t *testing.T) {
	var bus = NewBus()
	defer bus.Close()

	var a, cancelA = bus.Subscribe(4)
	var b, cancelB = bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(JobAdded, JobEvent{JobID: "j1", JobType: "file_process", Priority: 1})

	for _, ch := range []<-chan Envelope{a, b} {
		select {
		case env := <-ch:
			require.Equal(t, JobAdded, env.Type)
			require.False(t, env.Timestamp.IsZero())
			var data = env.Data.(JobEvent)
			require.Equal(t, "j1", data.JobID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}

	require.Len(t, bus.Recent(), 1)
}

func TestBusDoesNotBlockOnSlowSubscriber(t *testing.T) {
	var bus = NewBus()
	defer bus.Close()

	var _, cancel = bus.Subscribe(1)
	defer cancel()

	// Far more events than the buffer holds; Publish must not block.
	var doneCh = make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(FileDetected, FileEvent{Path: fmt.Sprintf("/f%d", i)})
		}
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	var bus = NewBus()
	var ch, cancel = bus.Subscribe(1)
	cancel()
	cancel() // Idempotent.

	var _, open = <-ch
	require.False(t, open)

	var ch2, _ = bus.Subscribe(1)
	bus.Close()
	_, open = <-ch2
	require.False(t, open)

	// Publishing after close is a quiet no-op.
	bus.Publish(SyncComplete, nil)
}

func TestErrorRing(t *testing.T) {
	var bus = NewBus()
	defer bus.Close()

	bus.PublishError("smb-pool", fmt.Errorf("connect refused"))
	bus.PublishError("smb-pool", nil) // Ignored.

	var errs = bus.RecentErrors()
	require.Len(t, errs, 1)
	require.Equal(t, "smb-pool", errs[0].Component)
	require.Contains(t, errs[0].Error, "refused")
}

func TestWSHandlerStreamsEnvelopes(t *testing.T) {
	var bus = NewBus()
	defer bus.Close()

	var srv = httptest.NewServer(WSHandler(bus))
	defer srv.Close()

	var url = "ws" + strings.TrimPrefix(srv.URL, "http")
	var conn, _, err = websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a beat to register the subscription.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(WebhookReceived, DeviceEvent{DeviceID: "d1", EventType: "file_created"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, WebhookReceived, env.Type)
}
