package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Client.Request", ErrNotConnected, "chat.send")
	want := "Client.Request: chat.send: gateway not connected"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Client.Disconnect", ErrClientDisconnected, "")
	want := "Client.Disconnect: client disconnected"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Client.Connect", ErrHandshakeFailed, "bad token")
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Error("errors.Is should match ErrHandshakeFailed")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Assembler.Send", ErrRunActive, "")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Assembler.Send" {
		t.Errorf("Op = %q, want %q", de.Op, "Assembler.Send")
	}
}

func TestRequestTimeoutIsTimeout(t *testing.T) {
	err := NewDomainError("Client.Request", ErrRequestTimeout, "health")
	if !errors.Is(err, ErrTimeout) {
		t.Error("request timeout should match the timeout category sentinel")
	}
}

func TestWrapOp(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Error("WrapOp(nil) should be nil")
	}
	err := WrapOp("Client.Connect", ErrConnectionClosed)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Error("WrapOp should preserve the sentinel")
	}
}

func TestRPCErrorFormat(t *testing.T) {
	err := &RPCError{Method: "cron.run", ErrCode: "FORBIDDEN", Message: "missing scope"}
	assert.Contains(t, err.Error(), "cron.run")
	assert.Contains(t, err.Error(), "FORBIDDEN")

	plain := &RPCError{Method: "health", Message: "oops"}
	assert.Equal(t, "rpc health: oops", plain.Error())
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(&RPCError{Retryable: true}))
	assert.False(t, IsRetryableError(&RPCError{Retryable: false}))
	assert.True(t, IsRetryableError(ErrRateLimit))
	assert.True(t, IsRetryableError(fmt.Errorf("wrap: %w", ErrConnectionClosed)))
	assert.False(t, IsRetryableError(ErrAuthInvalid))
}

func TestErrorCodeOf(t *testing.T) {
	assert.Equal(t, CodeNotConnected, ErrorCodeOf(ErrNotConnected))
	assert.Equal(t, CodeHandshakeFailed, ErrorCodeOf(ErrHandshakeFailed))
	assert.Equal(t, CodeRequestTimeout, ErrorCodeOf(ErrRequestTimeout))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(errors.New("mystery")))

	wrapped := NewDomainError("Client", ErrConnectionClosed, "")
	assert.Equal(t, CodeConnectionClosed, ErrorCodeOf(wrapped))
	assert.Equal(t, CodeConnectionClosed, wrapped.Code())

	deep := fmt.Errorf("outer: %w", NewSubSystemError("journal", "Record", ErrJournalStore, ""))
	assert.Equal(t, CodeJournalStore, ErrorCodeOf(deep))

	assert.Equal(t, CodeRPCError, ErrorCodeOf(&RPCError{Method: "m"}))
}

func TestConnectionStateString(t *testing.T) {
	cases := map[ConnectionState]string{
		StateDisconnected:   "disconnected",
		StateConnecting:     "connecting",
		StateConnected:      "connected",
		StateError:          "error",
		ConnectionState(42): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
