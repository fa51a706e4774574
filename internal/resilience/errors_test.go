package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("invalid payload"), false},
		{"explicit", NewTransientError(errors.New("x"), 503), true},
		{"wrapped", eris.Wrap(NewTransientError(errors.New("x"), 0), "vendor: submit"), true},
		{"reset", syscall.ECONNRESET, true},
		{"refused", eris.Wrap(syscall.ECONNREFUSED, "dial"), true},
		{"net timeout", timeoutErr{}, true},
		{"attempt deadline", eris.Wrap(context.DeadlineExceeded, "submit"), true},
		{"message", errors.New("read tcp: i/o timeout"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), code)
	}
	for _, code := range []int{200, 400, 401, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), code)
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	base := errors.New("upstream")
	te := NewTransientError(base, 502)
	assert.ErrorIs(t, te, base)
	assert.Equal(t, "upstream", te.Error())
	assert.Equal(t, 502, te.StatusCode)
}

func TestDLQEntry(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	run := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	e := NewDLQEntry("robocall", "B1", run, "page-1", []int64{1, 2}, NewTransientError(errors.New("503"), 503), 2, now)

	assert.Equal(t, ErrorTypeTransient, e.ErrorType)
	assert.Equal(t, now.Add(time.Hour), e.NextRetryAt)
	assert.True(t, e.CanRetry())
	e.RetryCount = 2
	assert.False(t, e.CanRetry())

	assert.Equal(t, ErrorTypePermanent, ClassifyError(errors.New("400 bad request")))
}
