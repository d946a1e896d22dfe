package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrConnectionRefused,
		ErrTimeout,
		ErrNetworkUnreachable,
		ErrNotConnected,
		ErrWriteFailed,
		ErrLoopRunning,
		ErrMalformedMessage,
		ErrUnhandledMessageType,
		ErrHandlerPanic,
		ErrOrphanChunk,
		ErrTransferAborted,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("dialing ws://10.0.0.2:6996/socket: %w: %w", ErrConnectionRefused, errors.New("dial tcp: refused"))
	assert.ErrorIs(t, wrapped, ErrConnectionRefused)
	assert.NotErrorIs(t, wrapped, ErrTimeout)
}

func TestSentinelErrors_ExpectedMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrNotConnected, "not connected"},
		{ErrMalformedMessage, "malformed message"},
		{ErrOrphanChunk, "chunk without active transfer"},
		{ErrTransferAborted, "transfer aborted"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
