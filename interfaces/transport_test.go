package interfaces

import (
	"errors"
	"testing"
	"time"
)

func TestDeliveryConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  DeliveryConfig
		wantErr error
	}{
		{
			name:    "defaults",
			config:  DefaultDeliveryConfig(),
			wantErr: nil,
		},
		{
			name:    "zero retries",
			config:  DeliveryConfig{NetworkTimeout: time.Second},
			wantErr: nil,
		},
		{
			name:    "zero timeout",
			config:  DeliveryConfig{RetryAttempts: 1},
			wantErr: ErrInvalidTimeout,
		},
		{
			name:    "negative timeout",
			config:  DeliveryConfig{NetworkTimeout: -time.Second},
			wantErr: ErrInvalidTimeout,
		},
		{
			name:    "negative retries",
			config:  DeliveryConfig{NetworkTimeout: time.Second, RetryAttempts: -1},
			wantErr: ErrInvalidRetryAttempts,
		},
		{
			name:    "negative backoff",
			config:  DeliveryConfig{NetworkTimeout: time.Second, RetryBackoff: -time.Millisecond},
			wantErr: ErrInvalidBackoff,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
