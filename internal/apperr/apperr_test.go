package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = New(KindNotFound, "sample_not_found", "sample not found")

func TestIs_MatchesSentinelThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("load: %w", errSample)
	assert.True(t, errors.Is(wrapped, errSample))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, "sample_not_found", CodeOf(wrapped))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(wrapped))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("bad %s", "tier")))
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(Upstream("assistant", errors.New("boom"))))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(TransientStore(errors.New("conn reset"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("x: %w", TransientStore(errors.New("conn")))))
	assert.False(t, IsTransient(errSample))
}

func TestUpstreamKeepsCause(t *testing.T) {
	cause := errors.New("status 500")
	err := Upstream("payment", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "payment_unavailable", err.Code)
}
