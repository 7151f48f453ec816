// Package logbroker streams a bot's sandbox output to an authenticated
// subscriber over a WebSocket connection. It is strictly read-only: it
// never accepts data frames from the subscriber, and it never mutates bot
// or sandbox state.
package logbroker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aureuma/botctl/core/apperr"
	"github.com/aureuma/botctl/core/lifecycle"
	"github.com/aureuma/botctl/core/sandbox"
)

// pumpDelay paces emissions to the subscriber so a busy sandbox can't
// starve the connection's write loop.
const pumpDelay = 10 * time.Millisecond

// TokenVerifier resolves a bearer credential to an owning user ID. It is
// satisfied by internal/authshim's JWT verifier; defined here so this
// package never imports the non-core auth layer.
type TokenVerifier interface {
	VerifyToken(token string) (userID int64, err error)
}

// Broker serves one log-streaming session per subscriber connection.
type Broker struct {
	manager *lifecycle.Manager
	driver  sandbox.Driver
	auth    TokenVerifier
	log     *log.Logger
}

func New(manager *lifecycle.Manager, driver sandbox.Driver, auth TokenVerifier, logger *log.Logger) *Broker {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Broker{manager: manager, driver: driver, auth: auth, log: logger}
}

// Serve runs a subscriber's log session to completion. conn is already
// upgraded; Serve takes ownership of it and closes it before returning.
// It implements the numbered steps of the log broker's contract: verify
// the bearer token, resolve ownership, replay a bounded tail, then pump
// the live stream until either side ends or an error occurs.
func (b *Broker) Serve(ctx context.Context, conn *websocket.Conn, token string, botID int64) {
	defer conn.Close()

	userID, err := b.auth.VerifyToken(token)
	if err != nil {
		b.closeWith(conn, websocket.ClosePolicyViolation, "invalid or expired token")
		return
	}

	handle, hasHandle, err := b.manager.SandboxHandle(ctx, userID, botID)
	if err != nil {
		b.closeWith(conn, websocket.ClosePolicyViolation, "bot not found or not owned by caller")
		return
	}

	if !hasHandle {
		b.writeText(conn, "bot has no running sandbox; start it before streaming logs")
		b.closeWith(conn, websocket.CloseNormalClosure, "no sandbox")
		return
	}

	tail, err := b.driver.TailLogs(ctx, handle, sandbox.DefaultTailLines)
	if err != nil {
		b.reportAndClose(conn, err)
		return
	}
	if err := b.writeText(conn, fmt.Sprintf("=== Recent Logs ===\n%s\n=== Live Stream ===\n", tail)); err != nil {
		return
	}

	lines, err := b.driver.FollowLogs(ctx, handle)
	if err != nil {
		b.reportAndClose(conn, err)
		return
	}

	for line := range lines {
		if line.Err != nil {
			b.reportAndClose(conn, line.Err)
			return
		}
		if err := b.writeText(conn, line.Text); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			b.closeWith(conn, websocket.CloseNormalClosure, "session ended")
			return
		case <-time.After(pumpDelay):
		}
	}

	b.closeWith(conn, websocket.CloseNormalClosure, "stream ended")
}

func (b *Broker) reportAndClose(conn *websocket.Conn, err error) {
	msg := err.Error()
	if ae, ok := apperr.As(err); ok {
		msg = ae.Message
	}
	b.writeText(conn, "error: "+msg)
	b.closeWith(conn, websocket.CloseInternalServerErr, "streaming error")
}

func (b *Broker) writeText(conn *websocket.Conn, text string) error {
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			b.log.Printf("logbroker: write failed: %v", err)
		}
		return err
	}
	return nil
}

func (b *Broker) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
}
