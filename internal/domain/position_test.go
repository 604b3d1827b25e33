package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProtectiveWatchArmed(t *testing.T) {
	now := time.Now()
	w := ProtectiveWatch{ActivateAt: now.Add(30 * time.Second)}
	assert.False(t, w.Armed(now))
	assert.True(t, w.Armed(now.Add(30*time.Second)))
	assert.True(t, w.Armed(now.Add(time.Minute)))
}

func TestProtectiveWatchTriggeredLong(t *testing.T) {
	w := ProtectiveWatch{
		Side:          SideLong,
		TriggerPrice:  100,
		HysteresisPct: 0.05, // effective trigger 99.95
	}
	assert.False(t, w.Triggered(100.10))
	assert.False(t, w.Triggered(99.96), "inside the hysteresis band")
	assert.True(t, w.Triggered(99.94))
	assert.True(t, w.Triggered(99.90))
}

func TestProtectiveWatchTriggeredShort(t *testing.T) {
	w := ProtectiveWatch{
		Side:          SideShort,
		TriggerPrice:  100,
		HysteresisPct: 0.05, // effective trigger 100.05
	}
	assert.False(t, w.Triggered(99.90))
	assert.False(t, w.Triggered(100.04), "inside the hysteresis band")
	assert.True(t, w.Triggered(100.06))
	assert.True(t, w.Triggered(100.20))
}

func TestProtectiveWatchNoHysteresis(t *testing.T) {
	w := ProtectiveWatch{Side: SideLong, TriggerPrice: 50}
	assert.True(t, w.Triggered(50))
	assert.False(t, w.Triggered(50.01))
}
