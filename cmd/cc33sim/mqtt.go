package main

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/cc33xx/internal/trace"
	mqtt "github.com/soypat/natiu-mqtt"
)

var (
	mqttClientID = []byte("cc33sim")
	pubFlags, _  = mqtt.NewPublishFlags(mqtt.QoS0, false, false)
)

const mqttTimeout = 5 * time.Second

// publisher streams trace records to an MQTT broker as they are recorded.
// Records offered while the connection is backed up are dropped.
type publisher struct {
	log    *slog.Logger
	conn   net.Conn
	client *mqtt.Client
	vars   mqtt.VariablesPublish

	mu     sync.Mutex
	closed bool
	ch     chan trace.Record
	done   chan struct{}

	published, dropped atomic.Int64
}

func dialMQTT(addr, topic string, log *slog.Logger) (*publisher, error) {
	conn, err := net.DialTimeout("tcp", addr, mqttTimeout)
	if err != nil {
		return nil, err
	}
	p, err := newPublisher(conn, topic, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return p, nil
}

func newPublisher(conn net.Conn, topic string, log *slog.Logger) (*publisher, error) {
	p := &publisher{
		log:  log,
		conn: conn,
		client: mqtt.NewClient(mqtt.ClientConfig{
			Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 1024)},
			OnPub: func(_ mqtt.Header, _ mqtt.VariablesPublish, r io.Reader) error {
				return nil
			},
		}),
		vars: mqtt.VariablesPublish{TopicName: []byte(topic)},
		ch:   make(chan trace.Record, 256),
		done: make(chan struct{}),
	}
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT(mqttClientID)
	conn.SetDeadline(time.Now().Add(mqttTimeout))
	if err := p.client.StartConnect(conn, &varconn); err != nil {
		return nil, err
	}
	for !p.client.IsConnected() {
		if err := p.client.HandleNext(); err != nil {
			return nil, err
		}
	}
	log.Info("mqtt:connected", slog.String("addr", conn.RemoteAddr().String()), slog.String("topic", topic))
	go p.loop()
	return p, nil
}

// offer queues r for publishing without blocking. It is safe to call with
// the recorder locked.
func (p *publisher) offer(r trace.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- r:
	default:
		p.dropped.Add(1)
	}
}

func (p *publisher) loop() {
	defer close(p.done)
	for r := range p.ch {
		if !p.client.IsConnected() {
			p.dropped.Add(1)
			continue
		}
		p.conn.SetDeadline(time.Now().Add(mqttTimeout))
		p.vars.PacketIdentifier++
		if err := p.client.PublishPayload(pubFlags, p.vars, []byte(r.String())); err != nil {
			p.log.Error("mqtt:publish-failed", slog.String("err", err.Error()))
			p.dropped.Add(1)
			continue
		}
		p.published.Add(1)
	}
}

// close drains queued records and closes the connection.
func (p *publisher) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ch)
	p.mu.Unlock()
	<-p.done
	return p.conn.Close()
}
