package amqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("doubles per attempt from the base", func(t *testing.T) {
		b := ExponentialBackoff{Base: time.Second, Multiplier: 2}

		assert.Equal(t, 1*time.Second, b.NextDelay(0))
		assert.Equal(t, 2*time.Second, b.NextDelay(1))
		assert.Equal(t, 4*time.Second, b.NextDelay(2))
		assert.Equal(t, 8*time.Second, b.NextDelay(3))
	})

	t.Run("growth is unbounded without a cap", func(t *testing.T) {
		b := ExponentialBackoff{Base: time.Second, Multiplier: 2}

		assert.Equal(t, 1024*time.Second, b.NextDelay(10))
	})

	t.Run("cap bounds the delay when set", func(t *testing.T) {
		b := ExponentialBackoff{Base: time.Second, Multiplier: 2, Cap: 5 * time.Second}

		assert.Equal(t, 4*time.Second, b.NextDelay(2))
		assert.Equal(t, 5*time.Second, b.NextDelay(3))
		assert.Equal(t, 5*time.Second, b.NextDelay(30))
	})

	t.Run("zero values fall back to defaults", func(t *testing.T) {
		var b ExponentialBackoff

		assert.Equal(t, 2*time.Second, b.NextDelay(0))
		assert.Equal(t, 4*time.Second, b.NextDelay(1))
	})

	t.Run("huge attempt counts do not overflow", func(t *testing.T) {
		b := ExponentialBackoff{Base: time.Second, Multiplier: 2}

		delay := b.NextDelay(200)
		assert.Greater(t, delay, time.Duration(0))
	})
}
