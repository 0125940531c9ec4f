package util

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/viper"
)

const (
	paramRetryInterval = "retry-interval"  // constant
	paramRetryMaxCount = "retry-max-count" // constant + exponential
	paramRetryMaxTime  = "retry-max-time"  // constant + exponential
	paramRetryPolicy   = "retry-policy"

	defaultRetryInterval = 1 * time.Second
	defaultRetryMaxCount = 0
	defaultRetryMaxTime  = 15 * time.Second
	defaultRetryPolicy   = policyExponential

	policyConstant    = "constant"
	policyDisabled    = "disabled"
	policyExponential = "exponential"
)

// BackoffFactory creates a fresh backoff.BackOff for each retry sequence, such as a reconnect.
type BackoffFactory func() backoff.BackOff

// RetryPolicy describes how a backend retries a failed connection or send.
type RetryPolicy struct {
	Policy   string
	Interval time.Duration // constant only
	MaxCount uint64        // 0 means unlimited
	MaxTime  time.Duration
}

// Factory returns the BackoffFactory of the policy.
//
// backoff.ConstantBackOff has no randomization and no maximum duration, so the constant policy
// is an exponential backoff with a Multiplier of 1.0.
func (rp RetryPolicy) Factory() BackoffFactory {
	switch rp.Policy {
	case policyDisabled:
		return func() backoff.BackOff { return &backoff.StopBackOff{} }
	case policyConstant:
		return NewBackoffFactory(1.0, rp.MaxTime, rp.Interval, rp.MaxCount)
	default:
		return NewBackoffFactory(backoff.DefaultMultiplier, rp.MaxTime, backoff.DefaultInitialInterval, rp.MaxCount)
	}
}

// NewBackoffFactory creates a new BackoffFactory based on a backoff.ExponentialBackOff.
func NewBackoffFactory(multiplier float64, maxElapsedTime, interval time.Duration, maxRetries uint64) BackoffFactory {
	return func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.Multiplier = multiplier
		bo.MaxElapsedTime = maxElapsedTime
		bo.InitialInterval = interval
		bo.Reset() // InitialInterval only takes effect after a Reset.
		if maxRetries == 0 {
			return bo
		}
		return backoff.WithMaxRetries(bo, maxRetries)
	}
}

// RetryPolicyFromViper reads the retry-* parameters of a backend section.
func RetryPolicyFromViper(v *viper.Viper) (RetryPolicy, error) {
	v.SetDefault(paramRetryInterval, defaultRetryInterval)
	v.SetDefault(paramRetryMaxCount, defaultRetryMaxCount)
	v.SetDefault(paramRetryMaxTime, defaultRetryMaxTime)
	v.SetDefault(paramRetryPolicy, defaultRetryPolicy)

	rp := RetryPolicy{
		Policy:   v.GetString(paramRetryPolicy),
		Interval: v.GetDuration(paramRetryInterval),
		MaxTime:  v.GetDuration(paramRetryMaxTime),
	}
	maxCount := v.GetInt64(paramRetryMaxCount)

	switch {
	case rp.Interval <= 0:
		return RetryPolicy{}, errors.New(paramRetryInterval + " must be positive")
	case maxCount < 0:
		return RetryPolicy{}, errors.New(paramRetryMaxCount + " must be zero or positive")
	case rp.MaxTime <= 0:
		return RetryPolicy{}, errors.New(paramRetryMaxTime + " must be positive")
	}
	rp.MaxCount = uint64(maxCount)

	switch rp.Policy {
	case policyDisabled, policyExponential, policyConstant:
		return rp, nil
	}
	return RetryPolicy{}, fmt.Errorf("%s (%s) not one of %s, %s, or %s", paramRetryPolicy, rp.Policy, policyDisabled, policyConstant, policyExponential)
}

// GetRetryFromViper reads the retry-* parameters and returns the BackoffFactory they describe.
func GetRetryFromViper(v *viper.Viper) (BackoffFactory, error) {
	rp, err := RetryPolicyFromViper(v)
	if err != nil {
		return nil, err
	}
	return rp.Factory(), nil
}
