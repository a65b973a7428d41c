package modem_test

import (
	"context"
	"testing"
	"time"

	"i4.energy/across/alarmgw/modem"
)

func TestConfig(t *testing.T) {
	t.Run("ErrNoDialer when no dialer provided", func(t *testing.T) {
		_, err := modem.NewConfigBuilder().Build()

		if err != modem.ErrNoDialer {
			t.Errorf("expected ErrNoDialer, got: %v", err)
		}
	})
}

func TestConfigValidation(t *testing.T) {
	dialer := dialerFunc(func(context.Context) (modem.Transport, error) { return nil, nil })

	tests := []struct {
		name    string
		builder *modem.ConfigBuilder
		wantErr bool
	}{
		{name: "defaults", builder: modem.NewConfigBuilder().WithDialer(dialer)},
		{name: "no retries", builder: modem.NewConfigBuilder().WithDialer(dialer).WithMaxRetries(0)},
		{name: "negative retries", builder: modem.NewConfigBuilder().WithDialer(dialer).WithMaxRetries(-1), wantErr: true},
		{name: "zero timeout", builder: modem.NewConfigBuilder().WithDialer(dialer).WithATTimeout(0), wantErr: true},
		{name: "zero router depth", builder: modem.NewConfigBuilder().WithDialer(dialer).WithRouterQueueDepth(0), wantErr: true},
		{name: "zero queue depth", builder: modem.NewConfigBuilder().WithDialer(dialer).WithQueueDepth(0), wantErr: true},
		{name: "custom timeouts", builder: modem.NewConfigBuilder().WithDialer(dialer).
			WithCallTimeout(time.Minute).WithSMSTimeout(2 * time.Minute).WithInitTimeout(time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error %v, got: %v", tt.wantErr, err)
			}
		})
	}
}
