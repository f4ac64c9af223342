package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	cases := map[int]time.Duration{
		-1: time.Second,
		0:  time.Second,
		1:  2 * time.Second,
		3:  8 * time.Second,
		5:  32 * time.Second,
		6:  time.Minute,
		40: time.Minute,
	}
	for attempts, want := range cases {
		assert.Equal(t, want, retryDelay(attempts), "attempts=%d", attempts)
	}
}
