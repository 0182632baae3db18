package ws

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"messaging-service/internal/errs"
)

const (
	maxFrameBytes = 4 << 10

	// closeTryAgainLater tells a client that fell behind to reconnect with
	// since set to the revision of the last event it received.
	closeTryAgainLater = 1013
)

func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

func parseSince(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, errs.New(errs.ErrInvalidArgument, "since must be a non-negative revision")
	}
	return since, nil
}

func respondError(c *gin.Context, err error) {
	c.JSON(errs.HTTPStatus(err), gin.H{"error": errs.Message(err), "code": errs.Code(err)})
}

func closeFrame(conn *websocket.Conn, code int, text string, wait time.Duration) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wait))
}

func isNormalClose(err error) bool {
	return err == nil || errors.Is(err, errLoggedOut) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}
