package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLimiter(t *testing.T) {
	var newSut = func(opts ...Option) (*Limiter, *fakeClock) {
		var clock = &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
		return New(append([]Option{WithClock(clock.Now)}, opts...)...), clock
	}

	t.Run("should enforce a cooldown per key", func(t *testing.T) {
		// Arrange
		var sut, clock = newSut()

		// Act
		first := sut.CheckCooldown("a@example.com", 60*time.Second)
		immediate := sut.CheckCooldown("a@example.com", 60*time.Second)
		other := sut.CheckCooldown("b@example.com", 60*time.Second)
		clock.Advance(61 * time.Second)
		later := sut.CheckCooldown("a@example.com", 60*time.Second)

		// Assert
		assert.True(t, first)
		assert.False(t, immediate)
		assert.True(t, other)
		assert.True(t, later)
	})

	t.Run("should not extend the cooldown on rejected calls", func(t *testing.T) {
		// Arrange
		var sut, clock = newSut()
		sut.CheckCooldown("a", time.Minute)

		// Act
		clock.Advance(59 * time.Second)
		rejected := sut.CheckCooldown("a", time.Minute)
		clock.Advance(time.Second)
		allowed := sut.CheckCooldown("a", time.Minute)

		// Assert
		assert.False(t, rejected)
		assert.True(t, allowed)
	})

	t.Run("should report the remaining cooldown", func(t *testing.T) {
		// Arrange
		var sut, clock = newSut()

		// Act
		before := sut.CooldownRemaining("a", 5*time.Second)
		sut.CheckCooldown("a", 5*time.Second)
		clock.Advance(2 * time.Second)
		during := sut.CooldownRemaining("a", 5*time.Second)
		clock.Advance(10 * time.Second)
		after := sut.CooldownRemaining("a", 5*time.Second)

		// Assert
		assert.Zero(t, before)
		assert.Equal(t, 3*time.Second, during)
		assert.Zero(t, after)
	})

	t.Run("should allow maxRequests within the window then reject", func(t *testing.T) {
		// Arrange
		var sut, clock = newSut()

		// Act
		var allowed []bool
		for range 5 {
			allowed = append(allowed, sut.CheckSlidingWindow("10.0.0.1", 5, time.Second))
		}
		sixth := sut.CheckSlidingWindow("10.0.0.1", 5, time.Second)
		clock.Advance(time.Second)
		afterWindow := sut.CheckSlidingWindow("10.0.0.1", 5, time.Second)

		// Assert
		assert.Equal(t, []bool{true, true, true, true, true}, allowed)
		assert.False(t, sixth)
		assert.True(t, afterWindow)
	})

	t.Run("should slide rather than reset the window", func(t *testing.T) {
		// Arrange
		var sut, clock = newSut()
		sut.CheckSlidingWindow("k", 2, time.Second)
		clock.Advance(600 * time.Millisecond)
		sut.CheckSlidingWindow("k", 2, time.Second)

		// Act
		clock.Advance(500 * time.Millisecond)
		third := sut.CheckSlidingWindow("k", 2, time.Second)
		fourth := sut.CheckSlidingWindow("k", 2, time.Second)

		// Assert - the first hit aged out, the second has not
		assert.True(t, third)
		assert.False(t, fourth)
	})

	t.Run("should keep keys independent", func(t *testing.T) {
		// Arrange
		var sut, _ = newSut()
		sut.CheckSlidingWindow("a", 1, time.Minute)

		// Act
		var allowed = sut.CheckSlidingWindow("b", 1, time.Minute)

		// Assert
		assert.True(t, allowed)
		assert.False(t, sut.CheckSlidingWindow("a", 1, time.Minute))
	})

	t.Run("should reject everything when maxRequests is not positive", func(t *testing.T) {
		var sut, _ = newSut()

		assert.False(t, sut.CheckSlidingWindow("a", 0, time.Second))
		assert.False(t, sut.CheckSlidingWindow("a", -1, time.Second))
	})

	t.Run("should keep the newest hits when capacity changes", func(t *testing.T) {
		// Arrange
		var sut, clock = newSut()
		for range 3 {
			sut.CheckSlidingWindow("k", 3, time.Minute)
			clock.Advance(10 * time.Second)
		}

		// Act
		shrunk := sut.CheckSlidingWindow("k", 2, time.Minute)
		grown := sut.CheckSlidingWindow("k", 4, time.Minute)

		// Assert
		assert.False(t, shrunk)
		assert.True(t, grown)
	})

	t.Run("should be safe for concurrent use", func(t *testing.T) {
		// Arrange
		var (
			sut, _  = newSut()
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)

		// Act
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if sut.CheckSlidingWindow("k", 10, time.Minute) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		// Assert
		assert.Equal(t, 10, allowed)
	})

	t.Run("should count rejections by policy", func(t *testing.T) {
		// Arrange
		var (
			reg    = prometheus.NewRegistry()
			sut, _ = newSut(WithMetrics(reg))
		)

		// Act
		sut.CheckCooldown("a", time.Minute)
		sut.CheckCooldown("a", time.Minute)
		sut.CheckSlidingWindow("a", 0, time.Second)

		// Assert
		assert.Equal(t, 1.0, testutil.ToFloat64(sut.rejections.WithLabelValues("cooldown")))
		assert.Equal(t, 1.0, testutil.ToFloat64(sut.rejections.WithLabelValues("sliding_window")))
	})

	t.Run("should drop idle keys on the next sweep", func(t *testing.T) {
		// Arrange
		var sut, clock = newSut(WithSweepInterval(time.Minute))
		sut.CheckCooldown("redirect:idle@example.com", 30*time.Second)
		sut.CheckCooldown("schedule:busy@example.com", time.Hour)
		sut.CheckSlidingWindow("192.0.2.1", 5, time.Second)
		clock.Advance(2 * time.Minute)

		// Act
		assert.True(t, sut.CheckSlidingWindow("192.0.2.2", 5, time.Second))

		// Assert
		assert.NotContains(t, sut.lastSentAt, "redirect:idle@example.com")
		assert.Contains(t, sut.lastSentAt, "schedule:busy@example.com")
		assert.NotContains(t, sut.recentHits, "192.0.2.1")
		assert.Contains(t, sut.recentHits, "192.0.2.2")
		assert.False(t, sut.CheckCooldown("schedule:busy@example.com", time.Hour))
	})

	t.Run("should not sweep before the interval elapses", func(t *testing.T) {
		// Arrange
		var sut, clock = newSut(WithSweepInterval(time.Hour))
		sut.CheckCooldown("a", time.Second)
		clock.Advance(time.Minute)

		// Act
		sut.CheckCooldown("b", time.Second)

		// Assert
		assert.Len(t, sut.lastSentAt, 2)
	})

	t.Run("should forget state on reset", func(t *testing.T) {
		var sut, _ = newSut()
		sut.CheckCooldown("a", time.Hour)

		sut.Reset()

		assert.True(t, sut.CheckCooldown("a", time.Hour))
	})
}

func TestRing(t *testing.T) {
	t.Run("should overwrite the oldest entry when full", func(t *testing.T) {
		var (
			base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			sut  = newRing(2)
		)

		sut.push(base)
		sut.push(base.Add(time.Second))
		sut.push(base.Add(2 * time.Second))

		assert.True(t, sut.full())
		assert.Equal(t, base.Add(time.Second), sut.oldest())
		assert.Equal(t, base.Add(2*time.Second), sut.at(1))
	})

	t.Run("should report the newest entry", func(t *testing.T) {
		var (
			base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			sut  = newRing(2)
		)

		for i := range 3 {
			sut.push(base.Add(time.Duration(i) * time.Second))
		}

		assert.Equal(t, base.Add(2*time.Second), sut.newest())
	})

	t.Run("should keep the newest entries on resize", func(t *testing.T) {
		var (
			base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			sut  = newRing(3)
		)
		for i := range 3 {
			sut.push(base.Add(time.Duration(i) * time.Second))
		}

		var shrunk = sut.resize(2)

		assert.Equal(t, 2, shrunk.capacity())
		assert.True(t, shrunk.full())
		assert.Equal(t, base.Add(time.Second), shrunk.oldest())
	})
}
