package web

import (
	"io"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/wyrmtable/wyrmtable/internal/game/session"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/platform/id"
)

const (
	// wsMaxPayloadBytes bounds a single inbound frame.
	wsMaxPayloadBytes = 16 << 10
	// wsMaxFramesPerSecond bounds the inbound frame rate per connection.
	wsMaxFramesPerSecond = 40
	// wsMaxDecodeErrors is how many malformed frames a client may send
	// before the connection is dropped.
	wsMaxDecodeErrors = 3
)

// wsConn adapts a websocket connection to the session's frame writer.
type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) WriteFrame(frame session.Frame) error {
	return websocket.JSON.Send(c.conn, frame)
}

func (c wsConn) Close() error {
	return c.conn.Close()
}

// handleGameSocket upgrades to a websocket and attaches the caller to the
// live session. The credential is checked before the upgrade so an
// unauthenticated caller never holds a socket.
func (s *Server) handleGameSocket(w http.ResponseWriter, r *http.Request) {
	user, err := s.currentUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	code := id.NormalizeSessionCode(r.PathValue("code"))
	live, err := s.sessions.Get(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}

	handler := websocket.Handler(func(conn *websocket.Conn) {
		conn.MaxPayloadBytes = wsMaxPayloadBytes
		s.serveGameSocket(live, user.ID, user.Username, conn)
	})
	handler.ServeHTTP(w, r)
}

// serveGameSocket runs the read loop until the client disconnects or
// misbehaves past the decode and rate limits.
func (s *Server) serveGameSocket(live *session.LiveSession, userID, username string, conn *websocket.Conn) {
	client, err := live.Attach(conn.Request().Context(), userID, username, wsConn{conn: conn})
	if err != nil {
		_ = websocket.JSON.Send(conn, session.Frame{
			Type: session.FrameError,
			Data: session.ErrorData(err),
		})
		conn.Close()
		return
	}
	defer live.Detach(client)

	var (
		decodeErrors int
		windowStart  = time.Now()
		windowCount  int
	)
	for {
		select {
		case <-client.Done():
			return
		default:
		}

		var frame session.Frame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			if err == io.EOF {
				return
			}
			decodeErrors++
			if decodeErrors >= wsMaxDecodeErrors {
				s.logger.Printf("web: ws %s: dropping after %d decode errors: %v", live.Code(), decodeErrors, err)
				return
			}
			continue
		}

		windowCount++
		if now := time.Now(); now.Sub(windowStart) >= time.Second {
			windowStart, windowCount = now, 1
		} else if windowCount > wsMaxFramesPerSecond {
			s.logger.Printf("web: ws %s: user %s exceeded frame rate", live.Code(), userID)
			_ = websocket.JSON.Send(conn, session.Frame{
				Type: session.FrameError,
				Data: session.ErrorData(apperrors.New(apperrors.CodeRateLimited, "frame rate exceeded")),
			})
			return
		}

		live.HandleFrame(client, frame)
	}
}
