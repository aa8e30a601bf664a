package modem_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"i4.energy/across/cellmqtt/at"
	"i4.energy/across/cellmqtt/modem"
)

func newTestPort(t *testing.T) (*modem.Port, *modem.TestTransport) {
	t.Helper()
	transport := modem.NewTestTransport()
	port := modem.NewPort(transport, nil)
	t.Cleanup(func() { _ = port.Close() })
	return port, transport
}

func TestPortExchange(t *testing.T) {
	t.Run("returns once the result line completes", func(t *testing.T) {
		port, transport := newTestPort(t)
		transport.Reply("AT+CSQ", "AT+CSQ\r\r\n+CSQ: 15,99\r\n\r\nOK\r\n")

		start := time.Now()
		resp, err := port.Exchange(context.Background(), "AT+CSQ", 5*time.Second, at.OKLine)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if time.Since(start) > 2*time.Second {
			t.Error("Exchange waited for the full settle time")
		}
		if !strings.Contains(resp, "+CSQ: 15,99") {
			t.Errorf("response missing data: %q", resp)
		}
		if got := transport.Written(); len(got) != 1 || got[0] != "AT+CSQ" {
			t.Errorf("written = %q", got)
		}
	})

	t.Run("waits for a numeric result after OK", func(t *testing.T) {
		port, transport := newTestPort(t)
		transport.Reply(`AT+QMTOPEN=0,"broker",1883`, "OK\r\n")

		go func() {
			time.Sleep(50 * time.Millisecond)
			transport.SendData("\r\n+QMTOPEN: 0,0\r\n")
		}()

		resp, err := port.Exchange(context.Background(), `AT+QMTOPEN=0,"broker",1883`, 5*time.Second, "QMTOPEN:")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if data, ok := at.Extract(resp, "QMTOPEN: 0,"); !ok || data != "0" {
			t.Errorf("Extract() = %q, %v from %q", data, ok, resp)
		}
	})

	t.Run("settle time elapses without a result", func(t *testing.T) {
		port, _ := newTestPort(t)

		start := time.Now()
		resp, err := port.Exchange(context.Background(), "AT", 100*time.Millisecond, at.OKLine)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp != "" {
			t.Errorf("expected empty response, got %q", resp)
		}
		if time.Since(start) < 100*time.Millisecond {
			t.Error("Exchange returned before the settle time")
		}
	})

	t.Run("error line ends the exchange early", func(t *testing.T) {
		port, transport := newTestPort(t)
		transport.Reply("AT+QMTCONN?", "+CME ERROR: 3\r\n")

		start := time.Now()
		resp, err := port.Exchange(context.Background(), "AT+QMTCONN?", 5*time.Second, "QMTCONN:")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if time.Since(start) > 2*time.Second {
			t.Error("Exchange ignored the final error line")
		}
		if !strings.Contains(resp, at.CmeError) {
			t.Errorf("response = %q", resp)
		}
	})

	t.Run("stale OK does not complete a new command", func(t *testing.T) {
		port, transport := newTestPort(t)
		transport.SendData("OK\r\n")
		time.Sleep(50 * time.Millisecond)

		start := time.Now()
		resp, err := port.Exchange(context.Background(), "AT+CGATT?", 150*time.Millisecond, at.OKLine)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if time.Since(start) < 150*time.Millisecond {
			t.Error("Exchange completed on output from before the write")
		}
		if resp != "OK\r\n" {
			t.Errorf("pending output not returned: %q", resp)
		}
	})

	t.Run("pending unsolicited output is returned with the response", func(t *testing.T) {
		port, transport := newTestPort(t)
		transport.SendData("+QMTRECV: 0,1,\"dev/cmd/x\",\"hello\"\r\n")
		transport.Reply("AT+CSQ", "+CSQ: 20,99\r\nOK\r\n")

		resp, err := port.Exchange(context.Background(), "AT+CSQ", time.Second, at.OKLine)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(resp, at.QuectelDelivery) {
			t.Errorf("delivery lost: %q", resp)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		port, _ := newTestPort(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := port.Exchange(ctx, "AT+CGATT=1", 10*time.Second, at.OKLine)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected context.DeadlineExceeded, got: %v", err)
		}
	})

	t.Run("write failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		writeErr := errors.New("device gone")
		block := make(chan struct{})
		mockTransport := modem.NewMockTransport(ctrl)
		mockTransport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
			<-block
			return 0, errors.New("closed")
		}).AnyTimes()
		mockTransport.EXPECT().Write([]byte("AT\r\n")).Return(0, writeErr)
		mockTransport.EXPECT().Close().DoAndReturn(func() error {
			close(block)
			return nil
		})

		port := modem.NewPort(mockTransport, nil)
		_, err := port.Exchange(context.Background(), "AT", time.Second, at.OKLine)
		if !errors.Is(err, writeErr) {
			t.Errorf("expected write error, got: %v", err)
		}
		if err := port.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
		<-port.Done()
	})
}

func TestPortDrain(t *testing.T) {
	port, transport := newTestPort(t)
	transport.SendData("+QMTSTAT: 0,2\r\n")
	time.Sleep(50 * time.Millisecond)

	got, err := port.Drain(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "+QMTSTAT: 0,2\r\n" {
		t.Errorf("Drain() = %q", got)
	}

	got, err = port.Drain(context.Background())
	if err != nil || got != "" {
		t.Errorf("second Drain() = %q, %v; want empty", got, err)
	}
}

func TestPortClose(t *testing.T) {
	transport := modem.NewTestTransport()
	port := modem.NewPort(transport, nil)

	if err := port.Close(); err != nil {
		t.Fatalf("unexpected error from Close(): %v", err)
	}
	<-port.Done()

	if err := port.Close(); !errors.Is(err, modem.ErrAlreadyClosed) {
		t.Errorf("second Close() = %v, want ErrAlreadyClosed", err)
	}
	if _, err := port.Exchange(context.Background(), "AT", time.Second, at.OKLine); !errors.Is(err, modem.ErrAlreadyClosed) {
		t.Errorf("Exchange() after Close = %v, want ErrAlreadyClosed", err)
	}
	if _, err := port.Drain(context.Background()); !errors.Is(err, modem.ErrAlreadyClosed) {
		t.Errorf("Drain() after Close = %v, want ErrAlreadyClosed", err)
	}
}

func TestOpen(t *testing.T) {
	t.Run("nil dialer", func(t *testing.T) {
		if _, err := modem.Open(context.Background(), nil, nil); !errors.Is(err, modem.ErrNoDialer) {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})

	t.Run("dialer error", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		dialErr := errors.New("connection failed")
		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, dialErr)

		port, err := modem.Open(context.Background(), mockDialer, nil)
		if !errors.Is(err, dialErr) {
			t.Errorf("expected dial error, got: %v", err)
		}
		if port != nil {
			t.Error("Open() should return nil port when the dialer fails")
		}
	})

	t.Run("dialer returns no transport", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(nil, nil)

		if _, err := modem.Open(context.Background(), mockDialer, nil); !errors.Is(err, modem.ErrNotInitialized) {
			t.Errorf("expected ErrNotInitialized, got: %v", err)
		}
	})

	t.Run("success", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		transport := modem.NewTestTransport()
		mockDialer := modem.NewMockDialer(ctrl)
		mockDialer.EXPECT().Dial(gomock.Any()).Return(transport, nil)

		port, err := modem.Open(context.Background(), mockDialer, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		transport.Reply("AT", "OK\r\n")
		if resp, err := port.Exchange(context.Background(), "AT", time.Second, at.OKLine); err != nil || resp != "OK\r\n" {
			t.Errorf("Exchange() = %q, %v", resp, err)
		}
		if err := port.Close(); err != nil {
			t.Errorf("unexpected error from Close(): %v", err)
		}
	})
}
