package detect

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// Stream consumes the provider's live transaction feed. It carries the same
// event shape as the HTTP webhook and funnels into the same ingestion path,
// so the two channels stay interchangeable.
type Stream struct {
	Endpoint string
	APIKey   string
	Detector *Detector
}

type streamMessage struct {
	Type    string          `json:"type"`
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
	TxID    string          `json:"txId"`
	Asset   string          `json:"asset"`
	Ref     string          `json:"reference"`
}

// Run blocks until ctx is done, reconnecting with a short backoff whenever
// the connection drops.
func (s *Stream) Run(ctx context.Context) {
	if s.Endpoint == "" {
		log.Printf("stream disabled: endpoint is empty")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := s.connect(ctx)
		if err != nil {
			log.Printf("stream connect failed: %v", err)
			time.Sleep(3 * time.Second)
			continue
		}
		log.Printf("stream connected %s", s.Endpoint)

		s.consume(ctx, conn)
		_ = conn.Close()
		time.Sleep(2 * time.Second)
	}
}

func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{}
	header := map[string][]string{}
	if s.APIKey != "" {
		header["X-Api-Key"] = []string{s.APIKey}
	}
	conn, _, err := dialer.DialContext(ctx, s.Endpoint, header)
	return conn, err
}

func (s *Stream) consume(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Printf("stream read failed: %v", err)
			return
		}

		ev, ok := parseStreamEvent(msg)
		if !ok {
			continue
		}
		if _, err := s.Detector.IngestWebhook(ctx, ev); err != nil {
			log.Printf("stream ingest failed address=%s tx=%s: %v", ev.Address, ev.TxID, err)
		}
	}
}

func parseStreamEvent(msg []byte) (WebhookEvent, bool) {
	var m streamMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		log.Printf("stream parse failed: %v", err)
		return WebhookEvent{}, false
	}
	if m.Type != "" && m.Type != "ADDRESS_TRANSACTION" {
		return WebhookEvent{}, false
	}
	if m.Address == "" || !m.Amount.IsPositive() {
		return WebhookEvent{}, false
	}
	return WebhookEvent{
		Address:  m.Address,
		Amount:   m.Amount,
		TxID:     m.TxID,
		Currency: m.Asset,
		OrderID:  m.Ref,
	}, true
}
