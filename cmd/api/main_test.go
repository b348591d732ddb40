package main

import (
	"context"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/examgate/proctor-control-plane/internal/config"
	"github.com/examgate/proctor-control-plane/internal/events"
	"github.com/examgate/proctor-control-plane/internal/hypervisor"
	"github.com/examgate/proctor-control-plane/internal/model"
)

func TestNewStopper_FakeByDefault(t *testing.T) {
	s, err := newStopper(context.Background(), config.Config{Hypervisor: "fake"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("newStopper returned err: %v", err)
	}
	if _, ok := s.(*hypervisor.Fake); !ok {
		t.Fatalf("expected fake stopper, got %T", s)
	}
}

func TestNewPublisher_BusWithoutNATSURL(t *testing.T) {
	got := make(chan model.MachineReleased, 1)
	pub, closePub, err := newPublisher(config.Config{}, zaptest.NewLogger(t), func(ev model.MachineReleased) {
		got <- ev
	})
	if err != nil {
		t.Fatalf("newPublisher returned err: %v", err)
	}
	defer closePub()
	if _, ok := pub.(*events.Bus); !ok {
		t.Fatalf("expected in-process bus, got %T", pub)
	}

	if err := pub.PublishReleased(context.Background(), model.MachineReleased{SessionID: "ses_1", ExamID: "math"}); err != nil {
		t.Fatalf("PublishReleased returned err: %v", err)
	}
	ev := <-got
	if ev.ExamID != "math" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
