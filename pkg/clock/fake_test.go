package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeAdvanceFiresAfter(t *testing.T) {
	clk := NewFake(testStart)
	ch := clk.After(5 * time.Minute)

	select {
	case <-ch:
		t.Fatal("timer fired before Advance")
	default:
	}

	clk.Advance(5 * time.Minute)
	select {
	case at := <-ch:
		assert.Equal(t, testStart.Add(5*time.Minute), at)
	default:
		t.Fatal("timer did not fire after Advance")
	}
}

func TestFakeAfterFuncOrderAndStop(t *testing.T) {
	clk := NewFake(testStart)

	var order []string
	clk.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	clk.AfterFunc(1*time.Second, func() { order = append(order, "first") })
	stopped := clk.AfterFunc(3*time.Second, func() { order = append(order, "never") })

	require.True(t, stopped.Stop())
	clk.Advance(5 * time.Second)

	assert.Equal(t, []string{"first", "second"}, order)
	assert.False(t, stopped.Stop(), "stopping twice reports already stopped")
}

func TestFakeTickerRearms(t *testing.T) {
	clk := NewFake(testStart)
	ticker := clk.NewTicker(time.Minute)
	defer ticker.Stop()

	// Like time.Ticker, an undrained tick is dropped rather than queued.
	ticks := 0
	for i := 0; i < 3; i++ {
		clk.Advance(time.Minute)
		select {
		case <-ticker.C():
			ticks++
		default:
			t.Fatalf("no tick after advance %d", i+1)
		}
	}
	assert.Equal(t, 3, ticks)

	clk.Advance(2 * time.Minute)
	<-ticker.C()
	select {
	case <-ticker.C():
		t.Fatal("dropped tick was queued")
	default:
	}
}

func TestFakeNowAdvances(t *testing.T) {
	clk := NewFake(testStart)
	clk.Advance(90 * time.Minute)
	assert.Equal(t, testStart.Add(90*time.Minute), clk.Now())
}
