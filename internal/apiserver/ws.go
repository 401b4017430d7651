package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coldbell/custody/backend/internal/indexer"
	"github.com/gorilla/websocket"
)

const (
	channelRecords      = "records"
	channelRecordPrefix = "record."
	channelEventsPrefix = "events."
	defaultStreamPeriod = 2 * time.Second
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleWebsocket streams record and event changes. Clients subscribe to
// "records" (open records), "record.<pubkey>" or "events.<pubkey>"; a channel
// is pushed only when its payload differs from the last one sent.
func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	subs := newSubscriptionSet()
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, readErrCh)

	period := s.cfg.StreamInterval
	if period <= 0 {
		period = defaultStreamPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	sent := map[string]string{}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case <-ticker.C:
			for _, channel := range subs.List() {
				payload, err := s.getWebsocketPayload(ctx, channel)
				if err != nil {
					_ = writeWebsocketJSON(conn, websocketEnvelope{Type: "error", Channel: channel, Error: err.Error(), TS: time.Now().Unix()})
					continue
				}
				if payload == nil {
					continue
				}
				encoded, err := json.Marshal(payload)
				if err != nil {
					continue
				}
				if sent[channel] == string(encoded) {
					continue
				}
				sent[channel] = string(encoded)
				if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: channel, Data: payload, TS: time.Now().Unix()}); err != nil {
					return
				}
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}
		switch message.Type {
		case "subscribe":
			subs.Add(message.Channel)
		case "unsubscribe":
			subs.Remove(message.Channel)
		}
	}
}

var errUnknownChannel = errors.New("unknown channel")

func (s *Service) getWebsocketPayload(ctx context.Context, channel string) (any, error) {
	switch {
	case channel == channelRecords:
		items, _, _, err := s.store.ListRecords(ctx, indexer.RecordFilter{Status: "open"})
		if err != nil {
			return nil, err
		}
		return items, nil
	case strings.HasPrefix(channel, channelRecordPrefix):
		pubkey := strings.TrimPrefix(channel, channelRecordPrefix)
		item, err := s.store.GetRecord(ctx, pubkey)
		if err != nil {
			if errors.Is(err, indexer.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return item, nil
	case strings.HasPrefix(channel, channelEventsPrefix):
		pubkey := strings.TrimPrefix(channel, channelEventsPrefix)
		items, _, _, err := s.store.ListEvents(ctx, indexer.EventFilter{Pubkey: pubkey})
		if err != nil {
			return nil, err
		}
		return items, nil
	default:
		return nil, errUnknownChannel
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

// List returns the channels in a stable order.
func (s *subscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.items))
	for channel := range s.items {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}
