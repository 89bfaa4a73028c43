package rabbitmq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	boom := errors.New("smtp down")
	assert.Equal(t, outcomeAck, decide(nil, 0, 5))
	assert.Equal(t, outcomeRetry, decide(boom, 0, 5))
	assert.Equal(t, outcomeRetry, decide(boom, 3, 5))
	assert.Equal(t, outcomeDeadLetter, decide(boom, 4, 5))
	assert.Equal(t, outcomeDeadLetter, decide(fmt.Errorf("load: %w", ErrPermanent), 0, 5))
}

func TestRetryQueueName(t *testing.T) {
	assert.Equal(t, "analysis_emails.retry", RetryQueue("analysis_emails"))
}
