package blob

import (
	"testing"
	"time"
)

func TestNewStoreRetryTuning(t *testing.T) {
	s := NewStore(nil, StoreConfig{RetryAttempts: 5, RetryBaseDelay: 50}, nil, nil, nil)
	if s.retry.Attempts != 5 {
		t.Errorf("retry attempts = %d", s.retry.Attempts)
	}
	if s.retry.BaseDelay != 50*time.Millisecond {
		t.Errorf("retry base delay = %v", s.retry.BaseDelay)
	}

	// Zero config leaves the delay to the retry defaults.
	s = NewStore(nil, StoreConfig{}, nil, nil, nil)
	if s.retry.BaseDelay != 0 {
		t.Errorf("unset base delay = %v", s.retry.BaseDelay)
	}
}
