package modem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"i4.energy/across/cellmqtt/at"
)

const (
	neowayIPTimeout      = 150 * time.Second
	neowayRadioTimeout   = 120 * time.Second
	neowayIMSITimeout    = 5 * time.Second
	neowayAPNTimeout     = 2 * time.Second
	neowayConnTimeout    = 120 * time.Second
	neowaySubTimeout     = 60 * time.Second
	neowayCloseTimeout   = 30 * time.Second
	neowayPublishTimeout = 60 * time.Second
	neowayTimeTimeout    = 30 * time.Second

	neowayRadioOffPause = 2 * time.Second
	neowayRadioOnPause  = 5 * time.Second
	neowayLinkPause     = 5 * time.Second
	neowayTimeWait      = 30 * time.Second

	neowayPowerOffLimit = 3
)

// Neoway AT dialect.
const (
	neowayCmdLinkDown    = "AT+XIIC=0"
	neowayCmdLinkUp      = "AT+XIIC=1"
	neowayCmdLinkQuery   = "AT+XIIC?"
	neowayCmdBaud        = "AT+IPR=57600"
	neowayCmdRegistry    = "AT+CREG=2"
	neowayCmdLED         = "AT+LEDMODE=1"
	neowayCmdBands       = "AT+NVSETBAND=8,1,3,5,8,19,20,26,28"
	neowayCmdNBIoTQuery  = "AT+NEONBIOTCFG?"
	neowayNBIoTProfile   = "1,0,0,0"
	neowayCmdMQTTMode    = "AT+MQTTMODE=1"
	neowayCmdMQTTState   = "AT+MQTTSTATE?"
	neowayCmdMQTTDisconn = "AT+MQTTDISCONN"
	neowayCmdClock       = "AT+CCLK?"
	neowayCmdPowerOff    = "AT+CPWROFF"

	neowayIMSIMarker  = "CIMI: "
	neowayNBIoTMarker = "NEONBIOTCFG: "
	neowayLinkMarker  = "XIIC:"
	neowayStateMarker = "MQTTSTATE:"
	neowayClockMarker = "CCLK: "
)

// Neoway drives Neoway N-series modules.
//
// SIM-not-ready ends Initialize with ErrSIMNotReady. The IP interface is
// brought up explicitly with AT+XIIC=1 until the first successful link; on
// later cycles a lost attach is re-requested instead.
type Neoway struct {
	core

	linked    bool // a link with an IP has been confirmed since reset
	attempts  int  // MQTT connect attempts, appended to the client id
	powerOffs int
}

var _ Driver = (*Neoway)(nil)

// NewNeoway returns a Neoway driver for cfg.
func NewNeoway(cfg Config) (*Neoway, error) {
	n := &Neoway{}
	if err := n.setup(cfg, VariantNeoway); err != nil {
		return nil, err
	}
	n.twoDigitYear = true
	n.decode = func(raw string) []Message { return frames(raw, decodeNeoway) }
	return n, nil
}

func decodeNeoway(line string) (Message, bool) {
	if data, ok := at.Extract(line, at.NeowayDelivery); ok {
		parts := strings.Split(data, ",")
		msg := Message{Kind: MessageDelivery, Topic: strings.Trim(parts[0], `"`)}
		if len(parts) > 2 {
			msg.Payload = strings.Join(parts[2:], ",")
		}
		return msg, true
	}
	if strings.Contains(line, at.NeowayDisconnect) {
		return Message{Kind: MessageDisconnect, Action: ActionReopen}, true
	}
	return Message{}, false
}

// Reset implements Driver.
func (n *Neoway) Reset(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.linked = false
	return n.reset(ctx)
}

// WakeUp implements Driver.
func (n *Neoway) WakeUp(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return n.wakeUp()
}

// Initialize implements Driver.
func (n *Neoway) Initialize(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if err := n.expectOK(ctx, at.CmdAt, shortSettle); err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	// Drop the packet service and cycle the radio before reconfiguring.
	if err := n.send(ctx, at.CmdDetach, shortSettle); err != nil {
		return err
	}
	if err := n.send(ctx, neowayCmdLinkDown, neowayIPTimeout); err != nil {
		return err
	}
	if err := n.send(ctx, at.CmdRadioOff, neowayRadioTimeout); err != nil {
		return err
	}
	if err := n.cfg.Sleep(ctx, neowayRadioOffPause); err != nil {
		return err
	}
	if err := n.send(ctx, neowayCmdBaud, shortSettle); err != nil {
		return err
	}
	if err := n.send(ctx, at.CmdRadioOn, neowayRadioTimeout); err != nil {
		return err
	}
	if err := n.cfg.Sleep(ctx, neowayRadioOnPause); err != nil {
		return err
	}

	resp, err := n.command(ctx, at.CmdSimStatus, shortSettle, at.OKLine)
	if err != nil {
		return err
	}
	if !strings.Contains(resp, at.SimReady) {
		n.logger.Warn("SIM card not ready")
		n.setState(StateSimNotReady)
		return ErrSIMNotReady
	}

	for _, cmd := range []string{neowayCmdRegistry, neowayCmdLED, neowayCmdBands} {
		if err := n.send(ctx, cmd, shortSettle); err != nil {
			return err
		}
	}

	imsi, err := n.expect(ctx, at.CmdIMSI, neowayIMSIMarker, neowayIMSITimeout, at.OKLine)
	switch {
	case err == nil:
		n.setIMSI(strings.TrimSpace(imsi))
	case isSoft(err):
		n.logger.Warn("IMSI not reported", "error", err)
	default:
		return err
	}

	if err := n.send(ctx, fmt.Sprintf(`AT+CGDCONT=1,"IP",%s`, quote(n.cfg.APN)), neowayAPNTimeout); err != nil {
		return err
	}

	profile, err := n.expect(ctx, neowayCmdNBIoTQuery, neowayNBIoTMarker, shortSettle, at.OKLine)
	if err != nil && !isSoft(err) {
		return err
	}
	if !strings.Contains(profile, neowayNBIoTProfile) {
		if err := n.expectOK(ctx, "AT+NEONBIOTCFG="+neowayNBIoTProfile, shortSettle); err != nil {
			return fmt.Errorf("configure NB-IoT profile: %w", err)
		}
	}

	n.update(func(st *Status) {
		st.Initialized = true
		st.State = StateInitialized
	})
	n.logger.Info("modem initialized", "imsi", n.Status().IMSI)
	return nil
}

// QuerySignalStrength implements Driver.
func (n *Neoway) QuerySignalStrength(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return n.querySignal(ctx)
}

// CheckNetworkAttach implements Driver.
func (n *Neoway) CheckNetworkAttach(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if err := n.attachGate(ctx); err != nil {
		return err
	}
	if err := n.queryOperator(ctx); err != nil {
		return err
	}

	data, err := n.expect(ctx, at.CmdAttachQuery, at.AttachMarker, shortSettle, at.OKLine)
	if err != nil && !isSoft(err) {
		return err
	}
	if at.Field(data, 0) != "1" {
		n.update(func(st *Status) { st.Connected = false })
		if n.linked {
			n.logger.Info("packet service lost, requesting attach")
			return n.send(ctx, at.CmdAttach, neowayIPTimeout)
		}
		return nil
	}
	n.advance(StateAttachedToPacketService)

	if !n.linked {
		if err := n.expectOK(ctx, neowayCmdLinkUp, neowayIPTimeout); err != nil {
			n.update(func(st *Status) { st.Connected = false })
			return fmt.Errorf("bring up IP interface: %w", err)
		}
	}

	link, err := n.expect(ctx, neowayCmdLinkQuery, neowayLinkMarker, shortSettle, at.OKLine)
	if err != nil && !isSoft(err) {
		return err
	}
	status, ip := at.Field(link, 0), at.Field(link, 1)
	if status != "1" {
		n.update(func(st *Status) { st.Connected = false })
		return nil
	}
	n.update(func(st *Status) { st.IPAddress = ip })

	if err := n.cfg.Sleep(ctx, neowayLinkPause); err != nil {
		return err
	}
	if !n.Status().TimeSynced {
		if err := n.syncTime(ctx); err != nil {
			if ctx.Err() != nil {
				return err
			}
			n.logger.Warn("network time sync failed", "error", err)
		}
	}

	n.linked = true
	n.update(func(st *Status) { st.Connected = true })
	n.advance(StatePppReady)
	n.logger.Info("packet link up", "ip", ip)
	return nil
}

func (n *Neoway) syncTime(ctx context.Context) error {
	cmd := fmt.Sprintf(`AT+UPDATETIME=1,%s,10,"0"`, quote(n.cfg.TimeServer))
	if err := n.send(ctx, cmd, neowayTimeTimeout); err != nil {
		return err
	}
	if err := n.cfg.Sleep(ctx, neowayTimeWait); err != nil {
		return err
	}
	pending, err := n.cfg.Channel.Drain(ctx)
	if err != nil {
		return err
	}
	n.inbox = append(n.inbox, n.decode(pending)...)

	raw, err := n.expect(ctx, neowayCmdClock, neowayClockMarker, shortSettle, at.OKLine)
	if err != nil {
		return err
	}
	if _, err := ParseClock(raw, true); err != nil {
		return err
	}
	n.setClock(raw)
	return nil
}

// MQTTConnect implements Driver.
func (n *Neoway) MQTTConnect(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.attempts++
	if err := n.requireSignal(ctx); err != nil {
		return &StepError{Step: "signal", Err: err}
	}

	if err := n.expectOK(ctx, neowayCmdMQTTMode, shortSettle); err != nil {
		return checkStep("mode", "", err, "")
	}

	params := fmt.Sprintf("AT+MQTTCONNPARAM=%s,%s,%s",
		quote(n.clientID(n.attempts)), quote(n.cfg.Username), quote(n.cfg.Password))
	if err := n.expectOK(ctx, params, shortSettle); err != nil {
		return checkStep("params", "", err, "")
	}

	conn := fmt.Sprintf("AT+MQTTCONN=%s,0,60", quote(n.cfg.BrokerAddress()))
	if err := n.expectOK(ctx, conn, neowayConnTimeout); err != nil {
		n.update(func(st *Status) { st.Connected = false })
		return checkStep("connect", "", err, "")
	}

	sub := fmt.Sprintf("AT+MQTTSUB=%s,1", quote(n.cfg.SubscribeTopic()))
	if err := n.expectOK(ctx, sub, neowaySubTimeout); err != nil {
		return checkStep("subscribe", "", err, "")
	}

	n.update(func(st *Status) {
		st.MQTTConnected = true
		st.State = StateMqttConnected
	})
	n.logger.Info("MQTT session up", "client_id", n.clientID(n.attempts), "filter", n.cfg.SubscribeTopic())
	return nil
}

// MQTTDisconnect implements Driver.
func (n *Neoway) MQTTDisconnect(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	defer n.update(func(st *Status) {
		st.MQTTConnected = false
		if st.State.inSession() {
			st.State = StateMqttDisconnected
		}
	})

	unsub := n.send(ctx, "AT+MQTTUNSUB="+quote(n.cfg.SubscribeTopic()), neowayCloseTimeout)
	if ctx.Err() != nil {
		return unsub
	}
	return errors.Join(unsub, n.send(ctx, neowayCmdMQTTDisconn, neowayCloseTimeout))
}

// CheckMQTTConnection implements Driver. The module reports
// 0 closed, 1 connected, 2 reconnecting, 3 reconnect starting and
// 4 reconnect failed.
func (n *Neoway) CheckMQTTConnection(ctx context.Context) (SessionState, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	data, err := n.expect(ctx, neowayCmdMQTTState, neowayStateMarker, shortSettle, at.OKLine)
	if err != nil && !isSoft(err) {
		return SessionClosed, err
	}

	switch strings.TrimSpace(data) {
	case "1":
		n.update(func(st *Status) {
			st.Connected, st.MQTTConnected = true, true
			st.State = StateMqttConnected
		})
		return SessionConnected, nil
	case "2":
		n.update(func(st *Status) {
			st.Connected, st.MQTTConnected = true, true
			st.State = StateMqttReconnecting
		})
		return SessionReconnecting, nil
	case "3":
		n.setState(StateMqttDisconnected)
		return SessionReconnectStarting, nil
	case "4":
		n.setState(StateMqttDisconnected)
		return SessionReconnectFailed, nil
	default:
		n.update(func(st *Status) {
			st.MQTTConnected = false
			st.State = StateMqttDisconnected
		})
		return SessionClosed, nil
	}
}

// Publish implements Driver.
func (n *Neoway) Publish(ctx context.Context, suffix, payload string) (Message, error) {
	if err := validPayload(payload); err != nil {
		return Message{}, err
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	cmd := fmt.Sprintf("AT+MQTTPUB=0,1,%s,%s", quote(n.topic(suffix)), quote(payload))
	return n.publish(ctx, cmd, neowayPublishTimeout)
}

// ReadIncomingMessage implements Driver.
func (n *Neoway) ReadIncomingMessage(ctx context.Context) (Message, error) {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	msg, err := n.nextMessage(ctx)
	if err != nil {
		return msg, err
	}
	if msg.Kind == MessageDisconnect {
		n.logger.Info("MQTT session dropped by module")
		n.update(func(st *Status) {
			st.MQTTConnected = false
			st.State = StateMqttDisconnected
		})
	}
	return msg, nil
}

// PowerOff implements Driver.
func (n *Neoway) PowerOff(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.powerOffs++
	if n.powerOffs > neowayPowerOffLimit {
		return ErrPowerOffLimit
	}
	n.logger.Info("powering off modem", "attempt", n.powerOffs)
	n.setState(StateOff)
	return n.send(ctx, neowayCmdPowerOff, shortSettle)
}
