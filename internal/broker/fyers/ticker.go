package fyers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mtflow/mtflow/internal/broker"
)

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

type wsSubscribeMessage struct {
	T       string   `json:"T"`
	Symbols []string `json:"SLIST"`
	SubT    int      `json:"SUB_T"`
}

type wsTickMessage struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	LTP       float64 `json:"ltp"`
	Volume    int64   `json:"vol_traded_today"`
	Timestamp int64   `json:"last_traded_time"`
}

// Subscribe opens the tick socket, subscribes the symbols and pumps ticks
// into out until ctx ends or the connection drops. One connection per call;
// reconnection is supervised by the caller.
func (c *Client) Subscribe(ctx context.Context, symbols []string, out chan<- broker.Tick) error {
	auth, err := c.authHeader()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := map[string][]string{"Authorization": {auth}}
	conn, _, err := dialer.DialContext(ctx, c.cfg.WSURL, header)
	if err != nil {
		return fmt.Errorf("dial tick socket: %w", err)
	}
	defer conn.Close()

	sub := wsSubscribeMessage{T: "SUB_DATA", Symbols: symbols, SubT: 1}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	c.logger.Info().Int("symbols", len(symbols)).Msg("tick stream subscribed")

	// Keepalive pings; the server closes silent connections.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tick socket read: %w", err)
		}

		var msg wsTickMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("unparseable tick frame, skipping")
			continue
		}
		if msg.Type != "sf" || msg.Symbol == "" {
			continue
		}

		tick := broker.Tick{
			Symbol:    stripExchange(msg.Symbol),
			LastPrice: decimal.NewFromFloat(msg.LTP),
			Volume:    msg.Volume,
			At:        time.Unix(msg.Timestamp, 0),
		}

		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Slow consumer: drop the tick rather than stall the socket.
		}
	}
}

func stripExchange(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == ':' {
			return symbol[i+1:]
		}
	}
	return symbol
}
