package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/uhyunpark/batchex/pkg/util"
)

func TestClockBatches(t *testing.T) {
	mc := util.NewManualClock(time.Unix(300*1000+10, 0))
	c := NewClock(mc, 300*time.Second)

	assert.Equal(t, ID(1000), c.Current())
	assert.Equal(t, 10*time.Second, c.Elapsed())
	assert.Equal(t, 290*time.Second, c.Remaining())

	mc.Advance(290 * time.Second)
	assert.Equal(t, ID(1001), c.Current())
	assert.Equal(t, time.Duration(0), c.Elapsed())
	assert.Equal(t, time.Unix(300*1001, 0), c.Start(1001))
}
