package broadcast

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomchat/internal/model"
)

type staticSubs map[string][]string

func (s staticSubs) Connections(roomID string) []string { return s[roomID] }

func seqEvent(seq int64) model.Event {
	return model.Event{Type: model.EventMessage, Payload: model.Message{RoomID: "r1", Sequence: seq}}
}

func decodeSeq(t *testing.T, frame []byte) int64 {
	t.Helper()
	var ev struct {
		Type    model.EventType `json:"type"`
		Payload model.Message   `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(frame, &ev))
	require.Equal(t, model.EventMessage, ev.Type)
	return ev.Payload.Sequence
}

func drain(ob *Outbox) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-ob.C():
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestPublishPreservesOrderPerConnection(t *testing.T) {
	e := New(staticSubs{"r1": {"a", "b", "c"}}, WithQueue(200, DropOldest, 3))
	boxes := []*Outbox{e.Attach("a"), e.Attach("b"), e.Attach("c")}

	for seq := int64(1); seq <= 100; seq++ {
		assert.Equal(t, 3, e.Publish("r1", seqEvent(seq)))
	}
	for _, ob := range boxes {
		frames := drain(ob)
		require.Len(t, frames, 100)
		for i, f := range frames {
			assert.Equal(t, int64(i+1), decodeSeq(t, f))
		}
	}
}

func TestSlowReceiverDoesNotBlockOthers(t *testing.T) {
	e := New(staticSubs{"r1": {"fast", "slow"}}, WithQueue(2, DropOldest, 3))
	fast := e.Attach("fast")
	slow := e.Attach("slow")

	// the fast reader drains after every publish; the slow one never reads
	var got []int64
	for seq := int64(1); seq <= 5; seq++ {
		assert.Equal(t, 2, e.Publish("r1", seqEvent(seq)))
		for _, f := range drain(fast) {
			got = append(got, decodeSeq(t, f))
		}
	}

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)
	frames := drain(slow)
	require.Len(t, frames, 2)
	assert.Equal(t, int64(4), decodeSeq(t, frames[0]))
	assert.Equal(t, int64(5), decodeSeq(t, frames[1]))
	select {
	case <-slow.Done():
		t.Fatal("drop_oldest must not close the outbox")
	default:
	}
}

func TestDisconnectPolicyClosesAfterRepeatedSaturation(t *testing.T) {
	var saturated []string
	e := New(staticSubs{"r1": {"a"}},
		WithQueue(1, Disconnect, 2),
		OnSaturated(func(id string) { saturated = append(saturated, id) }),
	)
	ob := e.Attach("a")

	assert.Equal(t, 1, e.Publish("r1", seqEvent(1)))
	assert.Equal(t, 1, e.Publish("r1", seqEvent(2)), "first saturation drops the oldest frame")
	assert.Equal(t, 0, e.Publish("r1", seqEvent(3)))

	assert.Equal(t, []string{"a"}, saturated)
	select {
	case <-ob.Done():
	default:
		t.Fatal("outbox should be closed")
	}
	assert.Equal(t, 0, e.Publish("r1", seqEvent(4)))
}

func TestSaturationCounterResetsOnSuccess(t *testing.T) {
	e := New(staticSubs{"r1": {"a"}}, WithQueue(1, Disconnect, 2))
	ob := e.Attach("a")

	e.Publish("r1", seqEvent(1))
	e.Publish("r1", seqEvent(2)) // saturated once
	drain(ob)
	e.Publish("r1", seqEvent(3)) // fits, counter resets
	e.Publish("r1", seqEvent(4)) // saturated once again
	select {
	case <-ob.Done():
		t.Fatal("outbox closed without consecutive saturation")
	default:
	}
}

func TestPublishToAndDetach(t *testing.T) {
	e := New(staticSubs{})
	ob := e.Attach("a")

	require.True(t, e.PublishTo("a", model.Event{
		Type:    model.EventError,
		Payload: model.ErrorPayload{Code: "forbidden", Message: "nope"},
	}))
	frames := drain(ob)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"type":"error","payload":{"code":"forbidden","message":"nope"}}`, string(frames[0]))

	e.Detach("a")
	assert.False(t, e.PublishTo("a", model.Event{Type: model.EventPong}))
	select {
	case <-ob.Done():
	default:
		t.Fatal("detach closes the outbox")
	}
	assert.False(t, e.PublishTo("missing", model.Event{Type: model.EventPong}))
}

func TestAttachReplacesOutbox(t *testing.T) {
	e := New(staticSubs{"r1": {"a"}})
	old := e.Attach("a")
	fresh := e.Attach("a")

	e.Publish("r1", seqEvent(1))
	assert.Empty(t, drain(old))
	assert.Len(t, drain(fresh), 1)
	select {
	case <-old.Done():
	default:
		t.Fatal("replaced outbox is closed")
	}
}
