package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/examgate/proctor-control-plane/internal/model"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zaptest.NewLogger(t))
	var got []model.MachineReleased
	unsub := bus.Subscribe(func(ev model.MachineReleased) { got = append(got, ev) })

	ev := model.MachineReleased{SessionID: "s1", MachineID: "pc-1", Reason: model.ReasonClient}
	require.NoError(t, bus.PublishReleased(context.Background(), ev))
	require.Len(t, got, 1)
	assert.Equal(t, "pc-1", got[0].MachineID)

	unsub()
	require.NoError(t, bus.PublishReleased(context.Background(), ev))
	assert.Len(t, got, 1)
}

func TestReleasedWireFormat(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b, err := encode(model.MachineReleased{SessionID: "s1", MachineID: "pc-1", UserID: "u1", ExamID: "e1", Reason: model.ReasonTimeout, ReleasedAt: at})
	require.NoError(t, err)
	assert.JSONEq(t, `{"session_id":"s1","machine_id":"pc-1","user_id":"u1","exam_id":"e1","reason":"TIMEOUT","released_at":"2026-03-01T10:00:00Z"}`, string(b))

	back, err := decode(b)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonTimeout, back.Reason)
}

func TestNATSPublisherConnectFailure(t *testing.T) {
	_, err := NewNATSPublisher("nats://127.0.0.1:1", "", zaptest.NewLogger(t))
	require.Error(t, err)
}
