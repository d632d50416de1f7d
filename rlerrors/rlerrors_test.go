package rlerrors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Do_RetriesUntilSuccess(t *testing.T) {
	p := RetryPolicy{MaxElapsedTime: time.Second, MaxInterval: 10 * time.Millisecond}
	attempts := 0
	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicy_Do_GivesUpAfterMaxElapsedTime(t *testing.T) {
	p := RetryPolicy{MaxElapsedTime: 20 * time.Millisecond, MaxInterval: 5 * time.Millisecond}
	err := p.Do(context.Background(), func() error {
		return errors.New("always fails")
	})
	assert.Error(t, err)
}

func TestSentinels_AreDistinguishableWithErrorsIs(t *testing.T) {
	wrapped := errors.New("wrapping: " + ErrLimitExceeded.Error())
	assert.NotErrorIs(t, wrapped, ErrLimitExceeded, "a string-wrapped error must not satisfy errors.Is")

	realWrap := errorsJoin(ErrLimitExceeded)
	assert.ErrorIs(t, realWrap, ErrLimitExceeded)
}

func errorsJoin(err error) error {
	return errors.Join(err)
}
