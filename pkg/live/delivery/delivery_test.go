package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/edgeflare/livemq/pkg/live/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 5 * time.Millisecond

var errBroken = errors.New("connection broken")

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
	fail   error
	ch     chan Event
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{ch: make(chan Event, 1024)}
}

func (e *recordingEmitter) Emit(_ context.Context, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return e.fail
	}
	e.events = append(e.events, ev)
	select {
	case e.ch <- ev:
	default:
	}
	return nil
}

func (e *recordingEmitter) setFail(err error) {
	e.mu.Lock()
	e.fail = err
	e.mu.Unlock()
}

func (e *recordingEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

func (e *recordingEmitter) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-e.ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

type countingRegistrar struct {
	mu      sync.Mutex
	adds    map[string]int
	removes map[string]int
}

func newCountingRegistrar() *countingRegistrar {
	return &countingRegistrar{adds: map[string]int{}, removes: map[string]int{}}
}

func (r *countingRegistrar) AddSubscriber(topic string) {
	r.mu.Lock()
	r.adds[topic]++
	r.mu.Unlock()
}

func (r *countingRegistrar) RemoveSubscriber(topic string) error {
	r.mu.Lock()
	r.removes[topic]++
	r.mu.Unlock()
	return nil
}

func (r *countingRegistrar) counts(topic string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adds[topic], r.removes[topic]
}

func TestPoll(t *testing.T) {
	c := cache.New()
	now := time.Now()

	ev := Poll(c, "sensor/1", 0, now)
	assert.Equal(t, EventNoData, ev.Name)
	assert.False(t, ev.Data.Success)
	assert.Equal(t, msgNoData, ev.Data.Message)

	c.Put("sensor/1", []byte(`{"temp":21}`))
	ev = Poll(c, "sensor/1", 0, now)
	assert.Equal(t, EventLiveMessage, ev.Name)
	assert.True(t, ev.Data.Success)
	assert.Equal(t, json.RawMessage(`{"temp":21}`), ev.Data.Message)
	require.NotNil(t, ev.Data.ReceivedAt)
	assert.False(t, ev.Data.Stale)

	c.Put("plain", []byte("on"))
	ev = Poll(c, "plain", 0, now)
	assert.Equal(t, "on", ev.Data.Message)
}

func TestPollStale(t *testing.T) {
	c := cache.New()
	c.Put("t", []byte("1"))

	ev := Poll(c, "t", time.Second, time.Now().Add(2*time.Second))
	assert.True(t, ev.Data.Stale)

	ev = Poll(c, "t", time.Second, time.Now())
	assert.False(t, ev.Data.Stale)
}

func TestEventJSON(t *testing.T) {
	ev := Event{Name: EventNoData, Topic: "sensor/1", Data: Response{Message: msgNoData}}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"noData","topic":"sensor/1","data":{"success":false,"message":"No live message available"}}`, string(b))
}

func TestLoopNeverPublishedEmitsOnlyNoData(t *testing.T) {
	em := newRecordingEmitter()
	h := Start(context.Background(), "silent", cache.New(), em, LoopOptions{Interval: tick})

	for i := 0; i < 5; i++ {
		assert.Equal(t, EventNoData, em.next(t).Name)
	}
	h.Stop()
}

func TestLoopStopIsSynchronous(t *testing.T) {
	em := newRecordingEmitter()
	h := Start(context.Background(), "t", cache.New(), em, LoopOptions{Interval: tick})
	em.next(t)

	h.Stop()
	n := em.count()
	time.Sleep(5 * tick)
	assert.Equal(t, n, em.count())
	assert.NoError(t, h.Err())
}

func TestLoopStopsOnEmitError(t *testing.T) {
	em := newRecordingEmitter()
	em.setFail(errBroken)

	stopped := make(chan error, 1)
	h := Start(context.Background(), "t", cache.New(), em, LoopOptions{
		Interval: tick,
		OnStop:   func(_ *Handle, err error) { stopped <- err },
	})

	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, errBroken)
	case <-time.After(time.Second):
		t.Fatal("OnStop not called")
	}
	assert.ErrorIs(t, h.Err(), errBroken)
}

func TestSessionScenario(t *testing.T) {
	c := cache.New()
	reg := newCountingRegistrar()
	em := newRecordingEmitter()
	s := NewSession(context.Background(), c, reg, em, SessionOptions{ID: "s1", Interval: tick})

	require.NoError(t, s.Subscribe("sensor/1"))
	first := em.next(t)
	assert.Equal(t, EventNoData, first.Name)
	assert.Equal(t, "sensor/1", first.Topic)

	c.Put("sensor/1", []byte(`{"temp":21}`))
	live := em.next(t)
	for live.Name != EventLiveMessage {
		live = em.next(t)
	}
	assert.JSONEq(t, `{"temp":21}`, string(live.Data.Message.(json.RawMessage)))

	assert.Equal(t, 1, s.Unsubscribe(""))
	n := em.count()
	time.Sleep(5 * tick)
	assert.Equal(t, n, em.count())

	adds, removes := reg.counts("sensor/1")
	assert.Equal(t, 1, adds)
	assert.Equal(t, 1, removes)
}

func TestSessionEmptyTopic(t *testing.T) {
	reg := newCountingRegistrar()
	em := newRecordingEmitter()
	s := NewSession(context.Background(), cache.New(), reg, em, SessionOptions{Interval: tick})

	err := s.Subscribe("  ")
	assert.ErrorIs(t, err, ErrTopicRequired)

	ev := em.next(t)
	assert.Equal(t, EventError, ev.Name)
	assert.False(t, ev.Data.Success)
	assert.Equal(t, "Topic is required", ev.Data.Message)

	assert.Empty(t, s.Topics())
	reg.mu.Lock()
	assert.Empty(t, reg.adds)
	reg.mu.Unlock()

	time.Sleep(5 * tick)
	assert.Equal(t, 1, em.count())
}

func TestSessionRepeatedSubscribeIsNoop(t *testing.T) {
	reg := newCountingRegistrar()
	s := NewSession(context.Background(), cache.New(), reg, newRecordingEmitter(), SessionOptions{Interval: tick})

	require.NoError(t, s.Subscribe("t"))
	require.NoError(t, s.Subscribe("t"))

	adds, _ := reg.counts("t")
	assert.Equal(t, 1, adds)
	assert.Equal(t, []string{"t"}, s.Topics())

	s.Close()
	_, removes := reg.counts("t")
	assert.Equal(t, 1, removes)
}

func TestSessionCloseReleasesEachTopicOnce(t *testing.T) {
	reg := newCountingRegistrar()
	em := newRecordingEmitter()
	s := NewSession(context.Background(), cache.New(), reg, em, SessionOptions{Interval: tick})

	require.NoError(t, s.Subscribe("A"))
	require.NoError(t, s.Subscribe("B"))
	em.next(t)

	s.Close()
	s.Close()

	for _, topic := range []string{"A", "B"} {
		adds, removes := reg.counts(topic)
		assert.Equal(t, 1, adds, topic)
		assert.Equal(t, 1, removes, topic)
	}
	assert.Empty(t, s.Topics())

	n := em.count()
	time.Sleep(5 * tick)
	assert.Equal(t, n, em.count())

	assert.ErrorIs(t, s.Subscribe("C"), ErrSessionClosed)
}

func TestSessionUnsubscribeSingleTopic(t *testing.T) {
	reg := newCountingRegistrar()
	s := NewSession(context.Background(), cache.New(), reg, newRecordingEmitter(), SessionOptions{Interval: tick})

	require.NoError(t, s.Subscribe("A"))
	require.NoError(t, s.Subscribe("B"))

	assert.Equal(t, 1, s.Unsubscribe("A"))
	assert.Equal(t, 0, s.Unsubscribe("A"))
	assert.Equal(t, []string{"B"}, s.Topics())

	s.Close()
	_, removesA := reg.counts("A")
	_, removesB := reg.counts("B")
	assert.Equal(t, 1, removesA)
	assert.Equal(t, 1, removesB)
}

func TestSessionEmitErrorReleasesOnce(t *testing.T) {
	reg := newCountingRegistrar()
	em := newRecordingEmitter()
	s := NewSession(context.Background(), cache.New(), reg, em, SessionOptions{Interval: tick})

	require.NoError(t, s.Subscribe("t"))
	em.setFail(errBroken)

	require.Eventually(t, func() bool {
		_, removes := reg.counts("t")
		return removes == 1
	}, time.Second, tick)
	assert.Empty(t, s.Topics())

	s.Close()
	_, removes := reg.counts("t")
	assert.Equal(t, 1, removes)
}
