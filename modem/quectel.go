package modem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/cellmqtt/at"
)

const (
	quectelRadioTimeout   = 15 * time.Second
	quectelAPNTimeout     = time.Second
	quectelIMSITimeout    = time.Second
	quectelAttachTimeout  = 150 * time.Second
	quectelSessionTimeout = 100 * time.Second
	quectelPublishTimeout = 60 * time.Second

	quectelRadioOnPause = 2 * time.Second
	quectelSIMRetry     = time.Second
)

// Quectel AT dialect. Session commands answer with numeric result codes
// after the final OK, so each names its own result line.
const (
	quectelCmdAddress    = "AT+CGPADDR=1"
	quectelCmdClock      = "AT+QLTS=1"
	quectelCmdSSL        = `AT+QMTCFG="ssl",0,1,0`
	quectelCmdKeepAlive  = `AT+QMTCFG="keepalive",0,60`
	quectelCmdSession    = "AT+QMTCONN?"
	quectelCmdDisconnect = "AT+QMTDISC=0"
	quectelCmdClose      = "AT+QMTCLOSE=0"
	quectelCmdPowerOff   = "AT+QPOWD=1"

	// The IMSI has no prefix; it follows the command echo.
	quectelIMSIMarker    = at.CmdIMSI + "\r\r\n"
	quectelAddressMarker = "+CGPADDR:"
	quectelClockMarker   = "+QLTS: "
	quectelSessionPrefix = "+QMTCONN:"

	quectelOpenMarker = "QMTOPEN: 0,"
	quectelOpenResult = "QMTOPEN:"
	quectelConnMarker = "QMTCONN: 0,"
	quectelConnResult = "QMTCONN:"
	quectelSubMarker  = "QMTSUB: 0,1,"
	quectelSubResult  = "QMTSUB:"
	quectelUnsMarker  = "QMTUNS: "
	quectelUnsResult  = "QMTUNS:"
	quectelDiscMarker = "QMTDISC: "
	quectelDiscResult = "QMTDISC:"
	quectelCloseMark  = "QMTCLOSE: "
	quectelCloseRes   = "QMTCLOSE:"
)

// +QMTCONN? link states.
const (
	quectelLinkInitializing = "1"
	quectelLinkConnecting   = "2"
	quectelLinkConnected    = "3"
)

// Quectel drives Quectel BG9x/EG9x modules.
//
// Initialize waits for the SIM as long as ctx allows. A failed socket open
// and a keep-alive timeout notice both bounce the PDP context.
type Quectel struct {
	core

	attempts int  // MQTT connect attempts, appended to the client id
	opened   bool // a socket was opened by an earlier connect attempt
}

var _ Driver = (*Quectel)(nil)

// NewQuectel returns a Quectel driver for cfg.
func NewQuectel(cfg Config) (*Quectel, error) {
	q := &Quectel{}
	if err := q.setup(cfg, VariantQuectel); err != nil {
		return nil, err
	}
	q.decode = func(raw string) []Message { return frames(raw, decodeQuectel) }
	return q, nil
}

// decodeQuectel reads
//
//	+QMTRECV: <idx>,<msgid>,"<topic>",[<len>,]"<payload>"
//	+QMTSTAT: <idx>,<code>
func decodeQuectel(line string) (Message, bool) {
	if data, ok := at.Extract(line, at.QuectelDelivery); ok {
		topic, payload := splitDelivery(data)
		return Message{Kind: MessageDelivery, Topic: topic, Payload: payload}, true
	}
	if data, ok := at.Extract(line, at.QuectelStatus); ok {
		code, err := strconv.Atoi(at.Field(data, 1))
		if err != nil {
			return Message{}, false
		}
		return Message{Kind: MessageDisconnect, Code: code, Action: ClassifyDisconnect(code)}, true
	}
	return Message{}, false
}

// splitDelivery reads the fields after +QMTRECV: by position. The payload
// keeps any quotes or commas it carries; only its enclosing pair is removed.
func splitDelivery(data string) (topic, payload string) {
	parts := strings.SplitN(data, ",", 3)
	if len(parts) < 3 {
		return "", ""
	}
	rest := strings.TrimSpace(parts[2])
	if !strings.HasPrefix(rest, `"`) {
		return "", ""
	}
	end := strings.IndexByte(rest[1:], '"')
	if end < 0 {
		return strings.TrimPrefix(rest, `"`), ""
	}
	topic, rest = rest[1:1+end], rest[end+2:]

	rest, ok := strings.CutPrefix(rest, ",")
	if !ok {
		return topic, ""
	}
	if !strings.HasPrefix(rest, `"`) {
		// optional <len>
		if _, after, found := strings.Cut(rest, ","); found {
			rest = after
		}
	}
	rest = strings.TrimSpace(rest)
	if len(rest) >= 2 && strings.HasPrefix(rest, `"`) && strings.HasSuffix(rest, `"`) {
		rest = rest[1 : len(rest)-1]
	}
	return topic, rest
}

// Reset implements Driver.
func (q *Quectel) Reset(ctx context.Context) error {
	q.opMu.Lock()
	defer q.opMu.Unlock()
	q.opened = false
	return q.reset(ctx)
}

// WakeUp implements Driver.
func (q *Quectel) WakeUp(ctx context.Context) error {
	q.opMu.Lock()
	defer q.opMu.Unlock()
	return q.wakeUp()
}

// Initialize implements Driver.
func (q *Quectel) Initialize(ctx context.Context) error {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	if err := q.expectOK(ctx, at.CmdAt, shortSettle); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	if err := q.send(ctx, at.CmdRadioOff, quectelRadioTimeout); err != nil {
		return err
	}
	if err := q.send(ctx, fmt.Sprintf(`AT+CGDCONT=1,"IP",%s`, quote(q.cfg.APN)), quectelAPNTimeout); err != nil {
		return err
	}
	if err := q.send(ctx, at.CmdRadioOn, quectelRadioTimeout); err != nil {
		return err
	}
	if err := q.cfg.Sleep(ctx, quectelRadioOnPause); err != nil {
		return err
	}

	for {
		resp, err := q.command(ctx, at.CmdSimStatus, shortSettle, at.OKLine)
		if err != nil {
			return err
		}
		if strings.Contains(resp, at.SimReady) {
			break
		}
		q.logger.Warn("SIM card not ready, retrying")
		q.setState(StateSimNotReady)
		if err := q.cfg.Sleep(ctx, quectelSIMRetry); err != nil {
			return err
		}
	}

	imsi, err := q.expect(ctx, at.CmdIMSI, quectelIMSIMarker, quectelIMSITimeout, at.OKLine)
	switch {
	case err == nil:
		q.setIMSI(strings.TrimSpace(imsi))
	case isSoft(err):
		q.logger.Warn("IMSI not reported", "error", err)
	default:
		return err
	}

	q.update(func(st *Status) {
		st.Initialized = true
		st.State = StateInitialized
	})
	q.logger.Info("modem initialized", "imsi", q.Status().IMSI)
	return nil
}

// QuerySignalStrength implements Driver.
func (q *Quectel) QuerySignalStrength(ctx context.Context) error {
	q.opMu.Lock()
	defer q.opMu.Unlock()
	return q.querySignal(ctx)
}

// CheckNetworkAttach implements Driver.
func (q *Quectel) CheckNetworkAttach(ctx context.Context) error {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	if err := q.attachGate(ctx); err != nil {
		return err
	}
	if err := q.queryOperator(ctx); err != nil {
		return err
	}
	if err := q.send(ctx, at.CmdAttach, quectelAttachTimeout); err != nil {
		return err
	}

	data, err := q.expect(ctx, at.CmdAttachQuery, at.AttachMarker, shortSettle, at.OKLine)
	if err != nil && !isSoft(err) {
		return err
	}
	if at.Field(data, 0) != "1" {
		q.update(func(st *Status) { st.Connected = false })
		return nil
	}
	q.advance(StateAttachedToPacketService)

	resp, err := q.command(ctx, quectelCmdAddress, shortSettle, at.OKLine)
	if err != nil {
		return err
	}
	ip := parseAddress(resp)
	if ip == "" {
		q.logger.Debug("no IP address assigned yet")
		q.update(func(st *Status) { st.Connected = false })
		return nil
	}
	q.update(func(st *Status) { st.IPAddress = ip })

	if !q.Status().TimeSynced {
		if err := q.syncTime(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			q.logger.Warn("network time sync failed", "error", err)
		}
	}

	q.update(func(st *Status) { st.Connected = true })
	q.advance(StatePppReady)
	q.logger.Info("packet link up", "ip", ip)
	return nil
}

// parseAddress reads `+CGPADDR: <cid>,<ip>`.
func parseAddress(resp string) string {
	data, ok := at.Extract(resp, quectelAddressMarker)
	if !ok {
		return ""
	}
	ip := strings.Trim(at.Field(data, 1), `"`)
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func (q *Quectel) syncTime(ctx context.Context) error {
	resp, err := q.command(ctx, quectelCmdClock, shortSettle, at.OKLine)
	if err != nil {
		return err
	}
	data, ok := at.Extract(resp, quectelClockMarker)
	quoted := at.Quoted(data)
	if !ok || len(quoted) == 0 {
		return &CommandError{Command: quectelCmdClock, Marker: quectelClockMarker, Err: ErrUnexpectedResponse}
	}
	if _, err := ParseClock(quoted[0], false); err != nil {
		return err
	}
	q.setClock(quoted[0])
	return nil
}

// bouncePDP detaches and re-attaches the packet service.
func (q *Quectel) bouncePDP(ctx context.Context) error {
	q.logger.Info("deactivating and reactivating PDP context")
	if _, err := q.command(ctx, at.CmdDetach, quectelAttachTimeout, at.AttachMarker); err != nil {
		return fmt.Errorf("deactivate PDP: %w", err)
	}
	if _, err := q.command(ctx, at.CmdAttach, quectelAttachTimeout, at.AttachMarker); err != nil {
		return fmt.Errorf("activate PDP: %w", err)
	}
	return nil
}

// MQTTConnect implements Driver.
func (q *Quectel) MQTTConnect(ctx context.Context) error {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	q.attempts++
	if err := q.requireSignal(ctx); err != nil {
		return &StepError{Step: "signal", Err: err}
	}

	if q.opened {
		q.logger.Info("closing stale MQTT session")
		err := q.teardown(ctx)
		if ctx.Err() != nil {
			return err
		}
		if err != nil {
			q.logger.Debug("stale session teardown incomplete", "error", err)
		}
		q.opened = false
	}

	if err := q.expectOK(ctx, quectelCmdSSL, shortSettle); err != nil {
		return checkStep("ssl", "", err, "")
	}
	if err := q.expectOK(ctx, quectelCmdKeepAlive, shortSettle); err != nil {
		return checkStep("keepalive", "", err, "")
	}

	open := fmt.Sprintf("AT+QMTOPEN=0,%s,%d", quote(q.cfg.BrokerHost), q.cfg.BrokerPort)
	data, err := q.expect(ctx, open, quectelOpenMarker, quectelSessionTimeout, quectelOpenResult)
	if err := checkStep("open", data, err, "0"); err != nil {
		if ctx.Err() != nil {
			return err
		}
		q.logger.Warn("MQTT socket open failed", "error", err)
		if bounceErr := q.bouncePDP(ctx); bounceErr != nil {
			return errors.Join(err, bounceErr)
		}
		return err
	}
	q.opened = true

	conn := fmt.Sprintf("AT+QMTCONN=0,%s,%s,%s",
		quote(q.clientID(q.attempts)), quote(q.cfg.Username), quote(q.cfg.Password))
	data, err = q.expect(ctx, conn, quectelConnMarker, quectelSessionTimeout, quectelConnResult)
	if err := checkStep("connect", data, err, "0,0"); err != nil {
		q.update(func(st *Status) { st.Connected = false })
		return err
	}

	sub := fmt.Sprintf("AT+QMTSUB=0,1,%s,1", quote(q.cfg.SubscribeTopic()))
	data, err = q.expect(ctx, sub, quectelSubMarker, quectelSessionTimeout, quectelSubResult)
	if err := checkStep("subscribe", data, err, "0,1"); err != nil {
		return err
	}

	q.update(func(st *Status) {
		st.MQTTConnected = true
		st.State = StateMqttConnected
	})
	q.logger.Info("MQTT session up", "client_id", q.clientID(q.attempts), "filter", q.cfg.SubscribeTopic())
	return nil
}

// teardown unsubscribes, disconnects and closes the socket. Every step runs
// unless ctx ends.
func (q *Quectel) teardown(ctx context.Context) error {
	steps := []struct {
		cmd, marker, result string
	}{
		{"AT+QMTUNS=0,1," + quote(q.cfg.SubscribeTopic()), quectelUnsMarker, quectelUnsResult},
		{quectelCmdDisconnect, quectelDiscMarker, quectelDiscResult},
		{quectelCmdClose, quectelCloseMark, quectelCloseRes},
	}
	var errs []error
	for _, s := range steps {
		_, err := q.expect(ctx, s.cmd, s.marker, quectelSessionTimeout, s.result)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// MQTTDisconnect implements Driver.
func (q *Quectel) MQTTDisconnect(ctx context.Context) error {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	err := q.teardown(ctx)
	q.opened = false
	q.update(func(st *Status) {
		st.MQTTConnected = false
		if st.State.inSession() {
			st.State = StateMqttDisconnected
		}
	})
	return err
}

// CheckMQTTConnection implements Driver.
func (q *Quectel) CheckMQTTConnection(ctx context.Context) (SessionState, error) {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	resp, err := q.command(ctx, quectelCmdSession, shortSettle, at.OKLine)
	if err != nil {
		return SessionClosed, err
	}

	var link string
	for _, line := range at.Lines(resp) {
		if rest, ok := strings.CutPrefix(line, quectelSessionPrefix); ok {
			link = at.Field(rest, 1)
			break
		}
	}

	switch link {
	case quectelLinkInitializing, quectelLinkConnecting:
		q.setState(StateMqttReconnecting)
		return SessionReconnecting, nil
	case quectelLinkConnected:
		q.setState(StateMqttConnected)
		return SessionConnected, nil
	default:
		q.update(func(st *Status) {
			st.MQTTConnected, st.Connected = false, false
			st.State = StateMqttDisconnected
		})
		return SessionClosed, nil
	}
}

// Publish implements Driver.
func (q *Quectel) Publish(ctx context.Context, suffix, payload string) (Message, error) {
	if err := validPayload(payload); err != nil {
		return Message{}, err
	}

	q.opMu.Lock()
	defer q.opMu.Unlock()

	cmd := fmt.Sprintf("AT+QMTPUBEX=0,1,1,0,%s,%s", quote(q.topic(suffix)), quote(payload))
	return q.publish(ctx, cmd, quectelPublishTimeout)
}

// ReadIncomingMessage implements Driver. A +QMTSTAT notice with a session
// error clears the MQTT and connection flags; a keep-alive timeout also
// bounces the PDP context before returning.
func (q *Quectel) ReadIncomingMessage(ctx context.Context) (Message, error) {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	msg, err := q.nextMessage(ctx)
	if err != nil || msg.Kind != MessageDisconnect {
		return msg, err
	}

	q.logger.Info("MQTT status notice", "code", msg.Code, "action", msg.Action.String())
	if sessionLost(msg.Code) {
		q.update(func(st *Status) {
			st.MQTTConnected, st.Connected = false, false
		})
	}
	if msg.Action == ActionBouncePDP {
		return msg, q.bouncePDP(ctx)
	}
	return msg, nil
}

// PowerOff implements Driver.
func (q *Quectel) PowerOff(ctx context.Context) error {
	q.opMu.Lock()
	defer q.opMu.Unlock()

	q.logger.Info("powering off modem")
	q.setState(StateOff)
	return q.send(ctx, quectelCmdPowerOff, shortSettle)
}
