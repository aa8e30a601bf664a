package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"i4.energy/across/cellmqtt/modem"
)

type stubOutbox struct {
	err   error
	calls [][2]string
}

func (o *stubOutbox) Enqueue(suffix, payload string) error {
	o.calls = append(o.calls, [2]string{suffix, payload})
	return o.err
}

func (o *stubOutbox) Pending() int { return len(o.calls) }

func newTestServer(t *testing.T, outbox Outbox) (*Server, *modem.MockDriver) {
	t.Helper()
	ctrl := gomock.NewController(t)
	driver := modem.NewMockDriver(ctrl)
	return &Server{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Driver: driver,
		Outbox: outbox,
	}, driver
}

func TestHandleStatus(t *testing.T) {
	t.Run("time synced", func(t *testing.T) {
		s, driver := newTestServer(t, &stubOutbox{})
		driver.EXPECT().Status().Return(modem.Status{
			SignalStrength: 61,
			IPAddress:      "10.64.1.7",
			Initialized:    true,
			Connected:      true,
			MQTTConnected:  true,
			TimeSynced:     true,
			State:          modem.StateMqttConnected,
		})
		driver.EXPECT().Variant().Return(modem.VariantNeoway)
		driver.EXPECT().Time().Return(modem.Clock{Year: 2024, Month: 5, Day: 17, Hour: 8, Minute: 30, Second: 12}, nil)

		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status code = %d", rec.Code)
		}
		var body map[string]any
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if body["state"] != "mqtt_connected" || body["variant"] != "neoway" || body["ip_address"] != "10.64.1.7" {
			t.Errorf("body = %v", body)
		}
		if body["network_time"] != "2024-05-17T08:30:12Z" {
			t.Errorf("network_time = %v", body["network_time"])
		}
	})

	t.Run("time not synced", func(t *testing.T) {
		s, driver := newTestServer(t, &stubOutbox{})
		driver.EXPECT().Status().Return(modem.Status{State: modem.StateOff})
		driver.EXPECT().Variant().Return(modem.VariantQuectel)
		driver.EXPECT().Time().Return(modem.Clock{}, modem.ErrTimeNotSynced)

		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status code = %d", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "network_time") {
			t.Errorf("unexpected network_time in %s", rec.Body.String())
		}
	})
}

func TestHandlePublish(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantCall bool
	}{
		{"queued", `{"topic":"alarm","payload":"level:2"}`, nil, http.StatusAccepted, true},
		{"status topic", `{"payload":"online"}`, nil, http.StatusAccepted, true},
		{"malformed", `{"topic":`, nil, http.StatusBadRequest, false},
		{"missing payload", `{"topic":"alarm"}`, nil, http.StatusBadRequest, false},
		{"rejected payload", `{"topic":"alarm","payload":"a\nb"}`, modem.ErrInvalidPayload, http.StatusBadRequest, true},
		{"outbox full", `{"topic":"alarm","payload":"x"}`, ErrOutboxFull, http.StatusServiceUnavailable, true},
		{"other failure", `{"topic":"alarm","payload":"x"}`, errors.New("boom"), http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outbox := &stubOutbox{err: tt.err}
			s, _ := newTestServer(t, outbox)

			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/publish", strings.NewReader(tt.body)))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if got := len(outbox.calls) == 1; got != tt.wantCall {
				t.Errorf("outbox called = %v, want %v", got, tt.wantCall)
			}
		})
	}
}

func TestServerMethods(t *testing.T) {
	s, _ := newTestServer(t, &stubOutbox{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/publish", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /publish = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}
