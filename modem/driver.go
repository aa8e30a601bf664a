// Package modem drives cellular modules whose firmware carries the IP and
// MQTT stacks, over a half-duplex AT command link.
//
// Two module families are supported, each with its own dialect and retry
// policy: Neoway and Quectel. Both implement Driver. A caller polls one
// driver from a single goroutine:
//
//	d, err := modem.New(modem.VariantQuectel, cfg)
//	if err != nil { return err }
//	d.Reset(ctx)
//	d.Initialize(ctx)
//	for {
//		d.CheckNetworkAttach(ctx)
//		d.MQTTConnect(ctx)
//		d.CheckMQTTConnection(ctx)
//		msg, _ := d.ReadIncomingMessage(ctx)
//		...
//	}
//
// Every operation serializes on the driver, so concurrent callers are safe
// but wait for each other. Status never waits on an in-flight command.
package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"

	"i4.energy/across/cellmqtt/at"
)

// Variant names a supported modem family.
type Variant string

const (
	VariantNeoway  Variant = "neoway"
	VariantQuectel Variant = "quectel"
)

// Driver is the protocol surface shared by every modem family.
type Driver interface {
	// Reset pulses the reset line and clears all status.
	Reset(ctx context.Context) error
	// WakeUp drives the power key so the module boots.
	WakeUp(ctx context.Context) error
	// Initialize runs the bring-up sequence up to an initialized modem.
	Initialize(ctx context.Context) error
	QuerySignalStrength(ctx context.Context) error
	CheckNetworkAttach(ctx context.Context) error
	MQTTConnect(ctx context.Context) error
	MQTTDisconnect(ctx context.Context) error
	CheckMQTTConnection(ctx context.Context) (SessionState, error)
	// Publish sends payload to {main}/{suffix}, or to the status topic when
	// suffix is empty. A delivery that arrived with the acknowledgement is
	// returned.
	Publish(ctx context.Context, suffix, payload string) (Message, error)
	// ReadIncomingMessage returns the next delivery or disconnect notice
	// without waiting for new output.
	ReadIncomingMessage(ctx context.Context) (Message, error)
	PowerOff(ctx context.Context) error
	// Time returns the network time captured during the last attach.
	Time() (Clock, error)
	Status() Status
	Variant() Variant
}

// New returns the driver for variant.
func New(variant Variant, cfg Config) (Driver, error) {
	switch variant {
	case VariantNeoway:
		return NewNeoway(cfg)
	case VariantQuectel:
		return NewQuectel(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
}

// Timing shared by both dialects.
const (
	shortSettle = 500 * time.Millisecond
	resetHold   = 3 * time.Second
	resetSettle = 3 * time.Second
)

// core carries the per-instance state and the command helpers both dialects
// build on. It is embedded by value; nothing is shared between instances.
type core struct {
	cfg     Config
	variant Variant
	logger  *slog.Logger
	// twoDigitYear is set for dialects whose clock reports yy.
	twoDigitYear bool
	// decode turns raw output into frames for this dialect.
	decode func(raw string) []Message

	// opMu serializes public operations.
	opMu sync.Mutex

	mu     sync.RWMutex
	status Status
	clock  string

	// inbox holds frames captured from command responses until read.
	inbox []Message
}

func (c *core) setup(cfg Config, variant Variant) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg.setDefaults()
	c.cfg = cfg
	c.variant = variant
	c.logger = cfg.Logger.With("component", "modem", "variant", string(variant))
	return nil
}

// Variant implements Driver.
func (c *core) Variant() Variant {
	return c.variant
}

// Status implements Driver.
func (c *core) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *core) update(fn func(s *Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
}

func (c *core) setState(s State) {
	c.update(func(st *Status) { st.State = s })
}

// advance moves to s unless an MQTT session is already up.
func (c *core) advance(s State) {
	c.update(func(st *Status) {
		if !st.State.inSession() {
			st.State = s
		}
	})
}

func (c *core) setIMSI(imsi string) {
	c.update(func(st *Status) {
		if st.IMSI == "" {
			st.IMSI = imsi
		}
	})
}

func (c *core) setClock(raw string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = raw
	c.status.TimeSynced = true
}

// Time implements Driver.
func (c *core) Time() (Clock, error) {
	c.mu.RLock()
	raw, synced := c.clock, c.status.TimeSynced
	c.mu.RUnlock()
	if !synced {
		return Clock{}, ErrTimeNotSynced
	}
	return ParseClock(raw, c.twoDigitYear)
}

func (c *core) reset(ctx context.Context) error {
	c.logger.Info("resetting modem")
	c.mu.Lock()
	c.status = Status{State: StateOff}
	c.clock = ""
	c.mu.Unlock()
	c.inbox = nil

	line := c.cfg.ResetLine
	if err := line.Out(gpio.High); err != nil {
		return fmt.Errorf("reset line high: %w", err)
	}
	err := c.cfg.Sleep(ctx, resetHold)
	if lowErr := line.Out(gpio.Low); lowErr != nil {
		return fmt.Errorf("reset line low: %w", lowErr)
	}
	if err != nil {
		return err
	}
	return c.cfg.Sleep(ctx, resetSettle)
}

func (c *core) wakeUp() error {
	c.logger.Info("waking up modem")
	if err := c.cfg.PowerKeyLine.Out(gpio.High); err != nil {
		return fmt.Errorf("power key high: %w", err)
	}
	return nil
}

// exchange sends one command and returns the raw response.
func (c *core) exchange(ctx context.Context, cmd string, settle time.Duration, result string) (string, error) {
	resp, err := c.cfg.Channel.Exchange(ctx, cmd, settle, result)
	if err != nil {
		return resp, fmt.Errorf("%s: %w", cmd, err)
	}
	return resp, nil
}

// command is exchange plus capture of any frames riding on the response.
func (c *core) command(ctx context.Context, cmd string, settle time.Duration, result string) (string, error) {
	resp, err := c.exchange(ctx, cmd, settle, result)
	if frames := c.decode(resp); len(frames) > 0 {
		c.logger.Debug("captured unsolicited frames", "command", cmd, "count", len(frames))
		c.inbox = append(c.inbox, frames...)
	}
	return resp, err
}

// expect runs cmd and extracts the data following marker.
func (c *core) expect(ctx context.Context, cmd, marker string, settle time.Duration, result string) (string, error) {
	resp, err := c.command(ctx, cmd, settle, result)
	if err != nil {
		return "", err
	}
	data, ok := at.Extract(resp, marker)
	if !ok {
		cause := ErrUnexpectedResponse
		if strings.TrimSpace(resp) == "" {
			cause = ErrNoResponse
		}
		return "", &CommandError{Command: cmd, Marker: marker, Err: cause}
	}
	return data, nil
}

// send runs cmd for its side effect; only transport and context failures
// are reported.
func (c *core) send(ctx context.Context, cmd string, settle time.Duration) error {
	_, err := c.command(ctx, cmd, settle, at.OKLine)
	return err
}

// expectOK runs cmd and requires an OK.
func (c *core) expectOK(ctx context.Context, cmd string, settle time.Duration) error {
	_, err := c.expect(ctx, cmd, at.OKLine, settle, at.OKLine)
	return err
}

// isSoft reports whether err is a missing-marker failure rather than a
// transport or context failure.
func isSoft(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}

func (c *core) querySignal(ctx context.Context) error {
	data, err := c.expect(ctx, at.CmdSignal, at.SignalMarker, shortSettle, at.OKLine)
	if err != nil {
		if isSoft(err) {
			c.logger.Debug("signal query unanswered", "error", err)
			return nil
		}
		return err
	}
	rssi, convErr := strconv.Atoi(at.Field(data, 0))
	if convErr != nil {
		c.logger.Debug("signal query unparseable", "data", data)
		return nil
	}
	percent := SignalPercent(rssi)
	c.update(func(st *Status) { st.SignalStrength = percent })
	return nil
}

// requireSignal refreshes the signal strength and fails when it is zero.
func (c *core) requireSignal(ctx context.Context) error {
	if err := c.querySignal(ctx); err != nil {
		return err
	}
	if c.Status().SignalStrength == 0 {
		c.logger.Warn("not registered or low signal")
		return ErrSignalUnavailable
	}
	return nil
}

// attachGate is the signal check in front of a network attach. Zero signal
// drops the packet connection and parks the state at LowSignal.
func (c *core) attachGate(ctx context.Context) error {
	if !c.Status().Initialized {
		return ErrNotInitialized
	}
	err := c.requireSignal(ctx)
	if errors.Is(err, ErrSignalUnavailable) {
		c.update(func(st *Status) {
			st.State = StateLowSignal
			st.Connected = false
		})
		return err
	}
	if err != nil {
		return err
	}
	c.update(func(st *Status) {
		if st.State == StateLowSignal {
			st.State = StateInitialized
		}
	})
	return nil
}

func (c *core) queryOperator(ctx context.Context) error {
	resp, err := c.command(ctx, at.CmdOperator, shortSettle, at.OKLine)
	if err != nil {
		return err
	}
	name, act, ok := parseOperator(resp)
	if !ok {
		c.logger.Debug("operator not reported")
		return nil
	}
	c.update(func(st *Status) {
		st.Operator = name
		st.NetworkType = networkType(act)
	})
	return nil
}

// parseOperator reads `+COPS: <mode>,<format>,"<oper>",<act>`.
func parseOperator(resp string) (name string, act int, ok bool) {
	data, found := at.Extract(resp, at.COPSMarker)
	if !found {
		return "", 0, false
	}
	quoted := at.Quoted(data)
	if len(quoted) == 0 {
		return "", 0, false
	}
	act, err := strconv.Atoi(at.Field(data, 3))
	if err != nil {
		act = -1
	}
	return quoted[0], act, true
}

// networkType names a 3GPP TS 27.007 access technology.
func networkType(act int) string {
	switch act {
	case 0:
		return "GSM"
	case 2:
		return "UTRAN"
	case 3:
		return "GSM EGPRS"
	case 4:
		return "UTRAN HSDPA"
	case 5:
		return "UTRAN HSUPA"
	case 6:
		return "UTRAN HSPA"
	case 7:
		return "LTE"
	case 8:
		return "eMTC"
	case 9:
		return "NB-IoT"
	default:
		return "Unknown"
	}
}

// frames decodes every URC line of raw with decodeLine.
func frames(raw string, decodeLine func(line string) (Message, bool)) []Message {
	var out []Message
	for _, line := range at.Lines(raw) {
		if at.Classify(line) != at.TypeURC {
			continue
		}
		if msg, ok := decodeLine(line); ok {
			out = append(out, msg)
		}
	}
	return out
}

// pick returns the first delivery in msgs, or the first frame when there is
// none, together with the frames left over.
func pick(msgs []Message) (Message, []Message) {
	if len(msgs) == 0 {
		return Message{}, nil
	}
	idx := 0
	for i, m := range msgs {
		if m.Kind == MessageDelivery {
			idx = i
			break
		}
	}
	rest := make([]Message, 0, len(msgs)-1)
	rest = append(rest, msgs[:idx]...)
	rest = append(rest, msgs[idx+1:]...)
	return msgs[idx], rest
}

// nextMessage returns the oldest queued frame, or else the best frame in
// the channel's pending output.
func (c *core) nextMessage(ctx context.Context) (Message, error) {
	if len(c.inbox) > 0 {
		msg := c.inbox[0]
		c.inbox = c.inbox[1:]
		return msg, nil
	}
	raw, err := c.cfg.Channel.Drain(ctx)
	if err != nil {
		return Message{}, err
	}
	msg, rest := pick(c.decode(raw))
	c.inbox = append(c.inbox, rest...)
	return msg, nil
}

// publish sends cmd and returns a delivery carried by the acknowledgement.
func (c *core) publish(ctx context.Context, cmd string, settle time.Duration) (Message, error) {
	resp, err := c.exchange(ctx, cmd, settle, at.OKLine)
	msg, rest := pick(c.decode(resp))
	if msg.Kind != MessageDelivery {
		if !msg.Empty() {
			rest = append([]Message{msg}, rest...)
		}
		msg = Message{}
	}
	c.inbox = append(c.inbox, rest...)
	if err != nil {
		return msg, err
	}
	if _, ok := at.Extract(resp, at.OKLine); !ok {
		return msg, &CommandError{Command: cmd, Marker: at.OKLine, Err: ErrUnexpectedResponse}
	}
	return msg, nil
}

func validPayload(payload string) error {
	if strings.ContainsAny(payload, "\"\r\n") {
		return ErrInvalidPayload
	}
	return nil
}

func quote(s string) string {
	return `"` + s + `"`
}

func (c *core) topic(suffix string) string {
	if suffix == "" {
		return c.cfg.PublishTopic()
	}
	return c.cfg.TopicFor(suffix)
}

// clientID is the base client id with the attempt counter appended.
func (c *core) clientID(attempt int) string {
	return c.cfg.ClientID + strconv.Itoa(attempt)
}

// checkStep turns a bring-up step outcome into a *StepError. An empty want
// accepts any data.
func checkStep(step, data string, err error, want string) error {
	if err != nil {
		return &StepError{Step: step, Err: err}
	}
	if want != "" && data != want {
		return &StepError{Step: step, Err: fmt.Errorf("%w: got %q, want %q", ErrUnexpectedResponse, data, want)}
	}
	return nil
}
