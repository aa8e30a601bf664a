package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"i4.energy/across/cellmqtt/modem"
)

const (
	outboxLimit     = 64
	maxReadsPerTick = 16
	shutdownTimeout = 30 * time.Second
)

var ErrOutboxFull = errors.New("outbox full")

// Observer is told about every status snapshot and delivery the runner sees.
type Observer interface {
	Status(modem.Status)
	Delivery(modem.Message)
}

type outbound struct {
	suffix  string
	payload string
}

// Runner supervises one driver: it brings the module up, keeps the packet
// link and broker session alive, and moves messages in both directions.
type Runner struct {
	Driver         modem.Driver
	Logger         *slog.Logger
	Interval       time.Duration
	PowerOffOnExit bool
	// BootWait is the pause between power-on and the first command.
	BootWait  time.Duration
	Observers []Observer

	mu     sync.Mutex
	outbox []outbound
}

// Enqueue schedules payload for {main}/{suffix} on the next round. An empty
// suffix targets the status topic.
func (r *Runner) Enqueue(suffix, payload string) error {
	if payload == "" || strings.ContainsAny(payload, "\"\r\n") {
		return fmt.Errorf("%w: %q", modem.ErrInvalidPayload, payload)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outbox) >= outboxLimit {
		return ErrOutboxFull
	}
	r.outbox = append(r.outbox, outbound{suffix: suffix, payload: payload})
	return nil
}

// Pending is the number of queued outbound messages.
func (r *Runner) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.outbox)
}

// Run supervises the driver until ctx ends, then closes the session.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		if r.Driver.Status().Initialized {
			r.tick(ctx)
		} else if err := r.bringUp(ctx); err != nil && ctx.Err() == nil {
			r.Logger.Error("Bring-up failed", "error", err)
		}
		r.notify()

		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Runner) bringUp(ctx context.Context) error {
	r.Logger.Info("Resetting modem", "variant", r.Driver.Variant())
	if err := r.Driver.Reset(ctx); err != nil {
		return err
	}
	if err := r.Driver.WakeUp(ctx); err != nil {
		return err
	}
	if r.BootWait > 0 {
		if err := sleep(ctx, r.BootWait); err != nil {
			return err
		}
	}
	if err := r.Driver.Initialize(ctx); err != nil {
		return err
	}
	st := r.Driver.Status()
	r.Logger.Info("Modem initialized", "imsi", st.IMSI)
	return nil
}

// tick runs one supervision round.
func (r *Runner) tick(ctx context.Context) {
	if err := r.Driver.QuerySignalStrength(ctx); err != nil {
		r.Logger.Warn("Signal query failed", "error", err)
	}

	if err := r.Driver.CheckNetworkAttach(ctx); err != nil {
		r.Logger.Warn("Network attach check failed", "error", err)
		return
	}
	if !r.Driver.Status().Connected {
		r.Logger.Debug("Waiting for packet data link")
		return
	}

	if !r.Driver.Status().MQTTConnected {
		if err := r.Driver.MQTTConnect(ctx); err != nil {
			r.Logger.Warn("MQTT connect failed", "error", err)
			return
		}
		r.Logger.Info("MQTT session established")
	}

	session, err := r.Driver.CheckMQTTConnection(ctx)
	if err != nil {
		r.Logger.Warn("MQTT state query failed", "error", err)
	} else {
		r.Logger.Debug("MQTT session", "state", session)
	}

	r.receive(ctx)
	r.flush(ctx)
}

func (r *Runner) receive(ctx context.Context) {
	for range maxReadsPerTick {
		msg, err := r.Driver.ReadIncomingMessage(ctx)
		if err != nil {
			r.Logger.Warn("Read failed", "error", err)
			return
		}
		switch msg.Kind {
		case modem.MessageNone:
			return
		case modem.MessageDelivery:
			r.deliver(msg)
		case modem.MessageDisconnect:
			r.Logger.Info("Session interrupted", "code", msg.Code, "action", msg.Action)
		}
	}
}

func (r *Runner) flush(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.outbox) == 0 || !r.Driver.Status().MQTTConnected {
			r.mu.Unlock()
			return
		}
		next := r.outbox[0]
		r.mu.Unlock()

		msg, err := r.Driver.Publish(ctx, next.suffix, next.payload)
		if err != nil && !errors.Is(err, modem.ErrInvalidPayload) {
			r.Logger.Warn("Publish failed", "suffix", next.suffix, "error", err)
			return
		}
		if err != nil {
			r.Logger.Error("Dropping message", "suffix", next.suffix, "error", err)
		}

		r.mu.Lock()
		r.outbox = r.outbox[1:]
		r.mu.Unlock()

		if msg.Kind == modem.MessageDelivery {
			r.deliver(msg)
		}
	}
}

func (r *Runner) deliver(msg modem.Message) {
	r.Logger.Info("Message received", "topic", msg.Topic, "length", len(msg.Payload))
	for _, o := range r.Observers {
		o.Delivery(msg)
	}
}

func (r *Runner) notify() {
	st := r.Driver.Status()
	for _, o := range r.Observers {
		o.Status(st)
	}
}

func (r *Runner) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if r.Driver.Status().MQTTConnected {
		if err := r.Driver.MQTTDisconnect(ctx); err != nil {
			r.Logger.Warn("MQTT disconnect failed", "error", err)
		}
	}
	if r.PowerOffOnExit {
		if err := r.Driver.PowerOff(ctx); err != nil {
			r.Logger.Warn("Power off failed", "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
