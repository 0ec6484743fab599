package service

import (
	"errors"
	"fmt"
	"time"
)

// Options configures session lifecycle policy.
type Options struct {
	DefaultSessionDuration time.Duration
	MaxSessionDuration     time.Duration
	// SlidingExpiration of zero disables sliding extension.
	SlidingExpiration        time.Duration
	RefreshThreshold         float64
	RefreshCheckInterval     time.Duration
	EnableAutoRefresh        bool
	PersistSessions          bool
	MaxSessionsPerUser       int
	RevokeOldestOnMaxReached bool
	EnforceDeviceBinding     bool
	EnforceIPBinding         bool
	MaxRefreshRetries        int
	BaseRetryDelay           time.Duration
	// ExpiryWarning is how long before expiry the sweep raises SessionExpiring.
	ExpiryWarning      time.Duration
	RefreshConcurrency int
}

func DefaultOptions() Options {
	return Options{
		DefaultSessionDuration:   8 * time.Hour,
		MaxSessionDuration:       7 * 24 * time.Hour,
		SlidingExpiration:        30 * time.Minute,
		RefreshThreshold:         0.8,
		RefreshCheckInterval:     time.Minute,
		EnableAutoRefresh:        true,
		PersistSessions:          true,
		MaxSessionsPerUser:       5,
		RevokeOldestOnMaxReached: true,
		MaxRefreshRetries:        3,
		BaseRetryDelay:           5 * time.Second,
		ExpiryWarning:            5 * time.Minute,
		RefreshConcurrency:       4,
	}
}

func (o Options) Validate() error {
	var errs []error
	if o.DefaultSessionDuration <= 0 {
		errs = append(errs, errors.New("default session duration must be positive"))
	}
	if o.MaxSessionDuration < o.DefaultSessionDuration {
		errs = append(errs, errors.New("max session duration must be >= default session duration"))
	}
	if o.SlidingExpiration < 0 {
		errs = append(errs, errors.New("sliding expiration must not be negative"))
	}
	if o.RefreshThreshold < 0 || o.RefreshThreshold > 1 {
		errs = append(errs, fmt.Errorf("refresh threshold %v out of range [0,1]", o.RefreshThreshold))
	}
	if o.RefreshCheckInterval <= 0 {
		errs = append(errs, errors.New("refresh check interval must be positive"))
	}
	if o.MaxSessionsPerUser < 0 {
		errs = append(errs, errors.New("max sessions per user must not be negative"))
	}
	if o.MaxRefreshRetries < 1 {
		errs = append(errs, errors.New("max refresh retries must be at least 1"))
	}
	if o.BaseRetryDelay <= 0 {
		errs = append(errs, errors.New("base retry delay must be positive"))
	}
	return errors.Join(errs...)
}

func (o Options) refreshConcurrency() int {
	if o.RefreshConcurrency <= 0 {
		return 1
	}
	return o.RefreshConcurrency
}
