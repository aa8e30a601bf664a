package modem_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	gomock "go.uber.org/mock/gomock"

	"i4.energy/across/cellmqtt/modem"
)

// MockSequenceBuilder scripts the command exchanges a driver is expected to
// perform, in order.
type MockSequenceBuilder struct {
	channel *modem.MockChannel
	calls   []any
}

func NewMockSequence(channel *modem.MockChannel) *MockSequenceBuilder {
	return &MockSequenceBuilder{
		channel: channel,
		calls:   []any{},
	}
}

// Reply expects cmd and answers with resp.
func (b *MockSequenceBuilder) Reply(cmd, resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.channel.EXPECT().Exchange(gomock.Any(), cmd, gomock.Any(), gomock.Any()).Return(resp, nil),
	)
	return b
}

// Timed expects cmd with an exact settle budget and result terminator.
func (b *MockSequenceBuilder) Timed(cmd string, settle time.Duration, result, resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.channel.EXPECT().Exchange(gomock.Any(), cmd, settle, result).Return(resp, nil),
	)
	return b
}

// OK expects cmd and acknowledges it.
func (b *MockSequenceBuilder) OK(cmd string) *MockSequenceBuilder {
	return b.Reply(cmd, cmd+"\r\r\nOK\r\n")
}

// Silent expects cmd and lets its settle time pass without output.
func (b *MockSequenceBuilder) Silent(cmd string) *MockSequenceBuilder {
	return b.Reply(cmd, "")
}

// Drain expects a read of pending output.
func (b *MockSequenceBuilder) Drain(resp string) *MockSequenceBuilder {
	b.calls = append(b.calls, b.channel.EXPECT().Drain(gomock.Any()).Return(resp, nil))
	return b
}

func (b *MockSequenceBuilder) AT() *MockSequenceBuilder {
	return b.OK("AT")
}

func (b *MockSequenceBuilder) SimReady() *MockSequenceBuilder {
	return b.Reply("AT+CPIN?", "AT+CPIN?\r\r\n+CPIN: READY\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) SimMissing() *MockSequenceBuilder {
	return b.Reply("AT+CPIN?", "AT+CPIN?\r\r\n+CME ERROR: 10\r\n")
}

func (b *MockSequenceBuilder) Signal(csq int) *MockSequenceBuilder {
	return b.Reply("AT+CSQ", fmt.Sprintf("AT+CSQ\r\r\n+CSQ: %d,99\r\n\r\nOK\r\n", csq))
}

func (b *MockSequenceBuilder) Operator(name string, act int) *MockSequenceBuilder {
	return b.Reply("AT+COPS?", fmt.Sprintf("AT+COPS?\r\r\n+COPS: 0,0,%q,%d\r\n\r\nOK\r\n", name, act))
}

func (b *MockSequenceBuilder) AttachState(attached bool) *MockSequenceBuilder {
	state := 0
	if attached {
		state = 1
	}
	return b.Reply("AT+CGATT?", fmt.Sprintf("AT+CGATT?\r\r\n+CGATT: %d\r\n\r\nOK\r\n", state))
}

// NeowayInit is a complete Neoway bring-up with a ready SIM.
func (b *MockSequenceBuilder) NeowayInit() *MockSequenceBuilder {
	return b.NeowayInitBase().
		Reply("AT+NEONBIOTCFG?", "+NEONBIOTCFG: 1,0,0,0\r\n\r\nOK\r\n")
}

// NeowayInitBase is a Neoway bring-up up to the NB-IoT profile check.
func (b *MockSequenceBuilder) NeowayInitBase() *MockSequenceBuilder {
	return b.AT().
		OK("AT+CGATT=0").
		Timed("AT+XIIC=0", 150*time.Second, "OK\r\n", "OK\r\n").
		Timed("AT+CFUN=0", 120*time.Second, "OK\r\n", "OK\r\n").
		OK("AT+IPR=57600").
		Timed("AT+CFUN=1", 120*time.Second, "OK\r\n", "OK\r\n").
		SimReady().
		OK("AT+CREG=2").
		OK("AT+LEDMODE=1").
		OK("AT+NVSETBAND=8,1,3,5,8,19,20,26,28").
		Timed("AT+CIMI", 5*time.Second, "OK\r\n", "AT+CIMI\r\r\n+CIMI: 460001234567890\r\n\r\nOK\r\n").
		OK(`AT+CGDCONT=1,"IP","internet"`)
}

// QuectelInit is a complete Quectel bring-up with a ready SIM.
func (b *MockSequenceBuilder) QuectelInit() *MockSequenceBuilder {
	return b.AT().
		Timed("AT+CFUN=0", 15*time.Second, "OK\r\n", "OK\r\n").
		Timed(`AT+CGDCONT=1,"IP","internet"`, time.Second, "OK\r\n", "OK\r\n").
		Timed("AT+CFUN=1", 15*time.Second, "OK\r\n", "OK\r\n").
		SimReady().
		Reply("AT+CIMI", "AT+CIMI\r\r\n460001234567890\r\n\r\nOK\r\n")
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}

// sleepRecorder stands in for real delays and remembers what was asked for.
type sleepRecorder struct {
	mu     sync.Mutex
	slept  []time.Duration
	failOn time.Duration
	err    error
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	if s.err != nil && d == s.failOn {
		return s.err
	}
	return ctx.Err()
}

func (s *sleepRecorder) Slept() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

type testDriver struct {
	modem.Driver
	channel *modem.MockChannel
	sleep   *sleepRecorder
}

func newTestDriver(t *testing.T, variant modem.Variant) testDriver {
	t.Helper()
	ctrl := gomock.NewController(t)
	channel := modem.NewMockChannel(ctrl)
	sleep := &sleepRecorder{}

	config, err := modem.NewConfigBuilder().
		WithAPN("internet").
		WithBroker("broker.example.com", 1883).
		WithCredentials("dev", "user", "secret").
		WithTopics("site", "cmd", "status").
		WithChannel(channel).
		WithSleep(sleep.Sleep).
		Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	d, err := modem.New(variant, config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	return testDriver{Driver: d, channel: channel, sleep: sleep}
}

func (d testDriver) sequence() *MockSequenceBuilder {
	return NewMockSequence(d.channel)
}

func (d testDriver) expect(calls ...[]any) {
	var all []any
	for _, c := range calls {
		all = append(all, c...)
	}
	gomock.InOrder(all...)
}
