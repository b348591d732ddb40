package events

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/model"
)

type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger
}

func NewNATSPublisher(url, subject string, log *zap.Logger) (*NATSPublisher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("events")
	if subject == "" {
		subject = DefaultReleaseSubject
	}
	opts := []nats.Option{
		nats.Name("proctor-control-plane"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats_disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats_reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subject, log: log}, nil
}

func (p *NATSPublisher) PublishReleased(ctx context.Context, ev model.MachineReleased) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := encode(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, payload)
}

// Subscribe delivers releases published by any control-plane instance.
func (p *NATSPublisher) Subscribe(h Handler) (unsubscribe func() error, err error) {
	sub, err := p.nc.Subscribe(p.subject, func(msg *nats.Msg) {
		ev, err := decode(msg.Data)
		if err != nil {
			p.log.Warn("machine_released_decode_failed", zap.Error(err))
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
