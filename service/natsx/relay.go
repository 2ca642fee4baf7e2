package natsx

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"FamLink/logger"
	"FamLink/module/rtc/event"
	"FamLink/service/bus"
	"FamLink/tools/errs"
)

const subjectPrefix = "famlink.rtc."

type Conf struct {
	Servers       []string
	Name          string
	Origin        string // this gateway's id, used to drop our own echoes
	ReconnectWait time.Duration
	Timeout       time.Duration
}

func (c *Conf) norm() {
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
}

// Relay mirrors bus envelopes across gateways over NATS core. Outbound
// publishes carry Nats-Msg-Id = envelope ID so a JetStream-backed subject
// dedupes redeliveries. Inbound envelopes are re-published on the local bus
// with their remote Origin intact, which stops the forwarding loop.
type Relay struct {
	nc     *nats.Conn
	local  bus.Bus
	origin string
	sub    *nats.Subscription
}

func NewRelay(conf Conf, local bus.Bus) (*Relay, error) {
	conf.norm()
	if len(conf.Servers) == 0 {
		return nil, errs.ErrBadRequest.WithDetail("nats servers missing")
	}
	opts := []nats.Option{
		nats.Name(conf.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(conf.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(conf.Timeout),
	}
	nc, err := nats.Connect(strings.Join(conf.Servers, ","), opts...)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "connect nats")
	}

	r := &Relay{nc: nc, local: local, origin: conf.Origin}

	// Every gateway needs every envelope, so no queue group here.
	r.sub, err = nc.Subscribe(subjectPrefix+">", r.onMsg)
	if err != nil {
		nc.Close()
		return nil, errs.ErrStoreUnavailable.WrapErr(err, "subscribe nats")
	}
	_ = r.sub.SetPendingLimits(1_000_000, 64*1024*1024)
	return r, nil
}

func (r *Relay) Forward(ev event.Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(subjectPrefix + ev.Topic())
	msg.Data = data
	if ev.ID != "" {
		msg.Header.Set("Nats-Msg-Id", ev.ID)
	}
	return r.nc.PublishMsg(msg)
}

func (r *Relay) onMsg(m *nats.Msg) {
	var ev event.Envelope
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		logger.Warnf("[natsx] drop undecodable envelope subject=%s err=%v", m.Subject, err)
		return
	}
	if ev.Origin == "" || ev.Origin == r.origin {
		// Blank origin is malformed; our own origin is the echo of a
		// publish we already delivered locally.
		return
	}
	r.local.Publish(ev)
}

func (r *Relay) Close() error {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	r.nc.Close()
	return nil
}
