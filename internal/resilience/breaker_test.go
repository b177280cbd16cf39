package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("channel down")

func TestBreaker_OpensAfterThresholdAndFailsFast(t *testing.T) {
	b := NewBreaker("channel", BreakerConfig{Threshold: 3, OpenDuration: time.Hour}, zerolog.Nop(), nil)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(func() error { return errDown }), errDown)
	}
	assert.Equal(t, "open", b.State())

	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.False(t, invoked, "operation must not run while open")
	assert.Equal(t, KindUnavailable, Classify(err))
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := NewBreaker("store", BreakerConfig{Threshold: 2, OpenDuration: time.Hour}, zerolog.Nop(), nil)

	_ = b.Execute(func() error { return errDown })
	require.NoError(t, b.Execute(func() error { return nil }))
	_ = b.Execute(func() error { return errDown })

	assert.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenAdmitsExactlyOneProbe(t *testing.T) {
	b := NewBreaker("channel", BreakerConfig{Threshold: 1, OpenDuration: 30 * time.Millisecond}, zerolog.Nop(), nil)

	_ = b.Execute(func() error { return errDown })
	require.Equal(t, "open", b.State())

	time.Sleep(50 * time.Millisecond)

	release := make(chan struct{})
	trialStarted := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	var trialErr error
	go func() {
		defer wg.Done()
		trialErr = b.Execute(func() error {
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted
	for i := 0; i < 5; i++ {
		err := b.Execute(func() error {
			t.Errorf("only the trial call may run while half-open")
			return nil
		})
		assert.ErrorIs(t, err, ErrServiceUnavailable)
	}

	close(release)
	wg.Wait()

	require.NoError(t, trialErr)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker("channel", BreakerConfig{Threshold: 1, OpenDuration: 20 * time.Millisecond}, zerolog.Nop(), nil)

	_ = b.Execute(func() error { return errDown })
	time.Sleep(40 * time.Millisecond)

	require.ErrorIs(t, b.Execute(func() error { return errDown }), errDown)
	assert.Equal(t, "open", b.State())
}

func TestCall_ReturnsValue(t *testing.T) {
	b := NewBreaker("store", DefaultBreakerConfig(), zerolog.Nop(), nil)

	v, err := Call(b, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	var nilBreaker *Breaker
	v, err = Call(nilBreaker, func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestBreakers_States(t *testing.T) {
	bs := NewBreakers(DefaultBreakerConfig(), zerolog.Nop(), nil)

	assert.Equal(t, map[string]string{"channel": "closed", "store": "closed"}, bs.States())
}
