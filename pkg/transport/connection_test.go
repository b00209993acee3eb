package transport

import (
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/coder/websocket"
)

func TestDescribeClose(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"clean", nil, "connection closed"},
		{"forced", ErrServerForced, "disconnected by server"},
		{"forced wrapped", fmt.Errorf("drain: %w", ErrServerForced), "disconnected by server"},
		{"shutdown", ErrShutdown, "server shutting down"},
		{"read deadline", context.DeadlineExceeded, "ping timeout"},
		{"context cancel", context.Canceled, "disconnected by server"},
		{"normal closure", wsStatusErr(websocket.StatusNormalClosure), "client closed connection"},
		{"going away", wsStatusErr(websocket.StatusGoingAway), "client closed connection"},
		{"abnormal closure", wsStatusErr(websocket.StatusAbnormalClosure), "network connection lost"},
		{"raw io error", io.ErrUnexpectedEOF, "network connection lost"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DescribeClose(tc.err); got != tc.want {
				t.Errorf("DescribeClose(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func wsStatusErr(code websocket.StatusCode) error {
	return fmt.Errorf("read: %w", websocket.CloseError{Code: code, Reason: "test"})
}
