package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/paging"
	"github.com/HerbHall/herbarium/internal/repository"
	"github.com/HerbHall/herbarium/pkg/models"
)

// Client message types.
const (
	msgSubscribe = "subscribe"
	msgMore      = "more"
	msgRetry     = "retry"
	msgQuery     = "query"
)

// Server message types.
const (
	msgPage  = "page"
	msgReset = "reset"
	msgError = "error"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamReadLimit    = 4096
)

// clientMessage is sent by stream clients. Search and Sort are read for
// subscribe and query.
type clientMessage struct {
	Type   string `json:"type"`
	Search string `json:"search,omitempty"`
	Sort   string `json:"sort,omitempty"`
}

func (m clientMessage) query() (models.Query, error) {
	order, err := models.ParseSortOrder(m.Sort)
	if err != nil {
		return models.Query{}, err
	}
	return models.Query{Search: m.Search, Order: order}, nil
}

// serverMessage is one stream event.
type serverMessage struct {
	Type    string          `json:"type"`
	Session uint64          `json:"session"`
	Offset  int             `json:"offset"`
	Records []models.Record `json:"records,omitempty"`
	Last    bool            `json:"last,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

func toMessage(u paging.Update) serverMessage {
	switch u.Kind {
	case paging.UpdateReset:
		return serverMessage{Type: msgReset, Session: u.Session}
	case paging.UpdateError:
		return serverMessage{
			Type:    msgError,
			Session: u.Session,
			Offset:  u.Page.Offset,
			Error:   u.Err.Error(),
			Code:    errorCode(u.Err),
		}
	default:
		recs := u.Page.Records
		if recs == nil {
			recs = []models.Record{}
		}
		return serverMessage{
			Type:    msgPage,
			Session: u.Session,
			Offset:  u.Page.Offset,
			Records: recs,
			Last:    u.Page.Last,
		}
	}
}

// errorCode is a stable machine-readable name for err.
func errorCode(err error) string {
	switch {
	case errors.Is(err, repository.ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, repository.ErrInvalidParameters):
		return "invalid_parameters"
	case errors.Is(err, repository.ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "internal"
	}
}

// handleStream runs one browsing subscription over a WebSocket. The first
// client message must be a subscribe; after that the client drives loading
// with more, retry and query messages while the server pushes page, reset
// and error messages.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// The server-wide write timeout would otherwise cut long-lived streams.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.SetReadDeadline(time.Time{})

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer c.CloseNow()
	c.SetReadLimit(streamReadLimit)

	ctx := r.Context()
	var first clientMessage
	if err := wsjson.Read(ctx, c, &first); err != nil {
		return
	}
	if first.Type != msgSubscribe {
		c.Close(websocket.StatusPolicyViolation, "first message must be subscribe")
		return
	}
	q, err := first.query()
	if err != nil {
		c.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	sub, err := s.repo.Subscribe(ctx, q)
	if err != nil {
		c.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer sub.Close()
	logger := s.logger.With(zap.Uint64("session", sub.Session()))
	logger.Debug("stream opened", zap.String("search", q.Search), zap.String("order", string(q.Order)))

	readErr := make(chan error, 1)
	go func() { readErr <- s.readCommands(ctx, c, sub) }()

	for {
		select {
		case u, ok := <-sub.Updates():
			if !ok {
				c.Close(websocket.StatusGoingAway, "subscription ended")
				return
			}
			if err := writeMessage(ctx, c, toMessage(u)); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
		case err := <-readErr:
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				logger.Debug("stream read ended", zap.Error(err))
			}
			return
		}
	}
}

// readCommands applies client messages to sub until the connection fails.
func (s *Server) readCommands(ctx context.Context, c *websocket.Conn, sub *repository.Subscription) error {
	for {
		var m clientMessage
		if err := wsjson.Read(ctx, c, &m); err != nil {
			return err
		}
		switch m.Type {
		case msgMore:
			sub.RequestMore()
		case msgRetry:
			sub.Retry()
		case msgQuery:
			q, err := m.query()
			if err == nil {
				err = sub.SetQuery(q)
			}
			if err != nil {
				if werr := writeMessage(ctx, c, serverMessage{
					Type:    msgError,
					Session: sub.Session(),
					Error:   err.Error(),
					Code:    "invalid_parameters",
				}); werr != nil {
					return werr
				}
			}
		default:
			c.Close(websocket.StatusPolicyViolation, "unknown message type "+m.Type)
			return errors.New("unknown message type " + m.Type)
		}
	}
}

func writeMessage(ctx context.Context, c *websocket.Conn, m serverMessage) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, m)
}
