package session

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/odoo/sfu/internal/bus"
	"github.com/odoo/sfu/internal/mediarouter"
)

// handleRequest dispatches inbound Bus requests (spec §6.2 client->server
// requests: CONNECT_CTS_TRANSPORT, CONNECT_STC_TRANSPORT, INIT_PRODUCER).
func (s *Session) handleRequest(msg bus.Message) (bus.Message, error) {
	switch msg.Name {
	case "CONNECT_CTS_TRANSPORT":
		s.mu.Lock()
		cts := s.cts
		s.mu.Unlock()
		return s.handleConnectTransport(cts, msg)
	case "CONNECT_STC_TRANSPORT":
		s.mu.Lock()
		stc := s.stc
		s.mu.Unlock()
		return s.handleConnectTransport(stc, msg)
	case "INIT_PRODUCER":
		return s.handleInitProducer(msg)
	default:
		return bus.Message{}, fmt.Errorf("session: unknown request %q", msg.Name)
	}
}

// handleMessage dispatches inbound fire-and-forget Bus messages (spec
// §6.2 client->server messages: BROADCAST, CONSUMPTION_CHANGE,
// INFO_CHANGE, PRODUCTION_CHANGE).
func (s *Session) handleMessage(msg bus.Message) {
	switch msg.Name {
	case "BROADCAST":
		s.handleBroadcast(msg)
	case "CONSUMPTION_CHANGE":
		s.handleConsumptionChange(msg)
	case "INFO_CHANGE":
		s.handleInfoChange(msg)
	case "PRODUCTION_CHANGE":
		s.handleProductionChange(msg)
	default:
		s.log.Debug("unhandled bus message", zap.String("sessionId", s.id), zap.String("name", msg.Name))
	}
}

type dtlsPayload struct {
	DtlsParameters []byte `json:"dtlsParameters"`
}

func (s *Session) handleConnectTransport(transport mediarouter.Transport, msg bus.Message) (bus.Message, error) {
	if transport == nil {
		return bus.Message{}, fmt.Errorf("session: transport not ready")
	}
	var p dtlsPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return bus.Message{}, fmt.Errorf("session: bad dtls payload: %w", err)
	}
	if err := transport.Connect(context.Background(), p.DtlsParameters); err != nil {
		s.recordError(fmt.Errorf("transport connect: %w", err))
		return bus.Message{}, err
	}
	return bus.Message{Name: "OK"}, nil
}

type initProducerPayload struct {
	Type          string `json:"type"`
	Kind          string `json:"kind"`
	RTPParameters []byte `json:"rtpParameters"`
}

// handleInitProducer implements spec §4.3 Produce handling.
func (s *Session) handleInitProducer(msg bus.Message) (bus.Message, error) {
	var p initProducerPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return bus.Message{}, fmt.Errorf("session: bad init producer payload: %w", err)
	}
	stype := StreamType(p.Type)

	s.mu.Lock()
	cts := s.cts
	prior := s.producers[stype]
	s.mu.Unlock()

	if cts == nil {
		return bus.Message{}, fmt.Errorf("session: cts transport not ready")
	}
	if prior != nil {
		prior.Close()
	}

	producer, err := cts.Produce(context.Background(), mediarouter.Kind(p.Kind), p.RTPParameters)
	if err != nil {
		s.recordError(fmt.Errorf("produce %s: %w", p.Type, err))
		return bus.Message{}, err
	}

	s.mu.Lock()
	s.producers[stype] = producer
	switch stype {
	case StreamCamera:
		s.info.IsCameraOn = boolPtr(true)
	case StreamScreen:
		s.info.IsScreenSharingOn = boolPtr(true)
	}
	s.mu.Unlock()

	s.updateRemoteConsumers()
	s.broadcastInfo()

	resp, _ := json.Marshal(map[string]string{"id": producer.ID()})
	return bus.Message{Name: "OK", Payload: resp}, nil
}

type productionChangePayload struct {
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// handleProductionChange implements spec §4.3 Production-change.
func (s *Session) handleProductionChange(msg bus.Message) {
	var p productionChangePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	stype := StreamType(p.Type)

	s.mu.Lock()
	producer := s.producers[stype]
	switch stype {
	case StreamCamera:
		s.info.IsCameraOn = boolPtr(p.Active)
	case StreamScreen:
		s.info.IsScreenSharingOn = boolPtr(p.Active)
	case StreamAudio:
		s.info.IsSelfMuted = boolPtr(!p.Active)
	}
	s.mu.Unlock()

	if producer != nil {
		if p.Active {
			_ = producer.Resume()
		} else {
			_ = producer.Pause()
		}
	}

	s.updateRemoteConsumers()
	s.broadcastInfo()
}

type consumptionChangePayload struct {
	SessionID string          `json:"sessionId"`
	States    map[string]bool `json:"states"`
}

// handleConsumptionChange implements spec §4.3 Consumption-change.
func (s *Session) handleConsumptionChange(msg bus.Message) {
	var p consumptionChangePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}

	s.mu.Lock()
	slots, ok := s.consumers[p.SessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	for typeName, active := range p.States {
		s.mu.Lock()
		slot, ok := slots[StreamType(typeName)]
		s.mu.Unlock()
		if !ok || slot.consumer == nil {
			continue
		}
		if active {
			_ = slot.consumer.Resume()
		} else {
			_ = slot.consumer.Pause()
		}
	}
}

type infoChangePayload struct {
	Info        json.RawMessage `json:"info"`
	NeedRefresh bool            `json:"needRefresh"`
}

// handleInfoChange implements spec §4.3 Info-change.
func (s *Session) handleInfoChange(msg bus.Message) {
	var p infoChangePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}

	var partial Info
	_ = json.Unmarshal(p.Info, &partial)

	s.mu.Lock()
	mergeInfo(&s.info, partial)
	s.mu.Unlock()

	if p.NeedRefresh {
		s.sendSnapshot()
	}
	s.broadcastInfo()
}

func mergeInfo(dst *Info, src Info) {
	if src.IsTalking != nil {
		dst.IsTalking = src.IsTalking
	}
	if src.IsCameraOn != nil {
		dst.IsCameraOn = src.IsCameraOn
	}
	if src.IsScreenSharingOn != nil {
		dst.IsScreenSharingOn = src.IsScreenSharingOn
	}
	if src.IsSelfMuted != nil {
		dst.IsSelfMuted = src.IsSelfMuted
	}
	if src.IsDeaf != nil {
		dst.IsDeaf = src.IsDeaf
	}
	if src.IsRaisingHand != nil {
		dst.IsRaisingHand = src.IsRaisingHand
	}
}

func (s *Session) sendSnapshot() {
	snapshot := make(map[string]Info)
	for _, peer := range s.channel.Peers("") {
		adapter, ok := peer.(interface{ currentInfo() Info })
		if !ok {
			continue
		}
		snapshot[peer.ID()] = adapter.currentInfo()
	}
	payload, _ := json.Marshal(snapshot)
	s.SendBus(bus.Message{Name: "S_INFO_CHANGE", Payload: payload})
}

func (s *Session) currentInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) broadcastInfo() {
	s.mu.Lock()
	info := s.info
	s.mu.Unlock()

	payload, _ := json.Marshal(map[string]Info{s.id: info})
	for _, peer := range s.channel.Peers(s.id) {
		peer.SendBus(bus.Message{Name: "S_INFO_CHANGE", Payload: payload})
	}
}

type broadcastPayload struct {
	Payload json.RawMessage `json:"payload"`
}

// handleBroadcast implements spec §4.3 Broadcast.
func (s *Session) handleBroadcast(msg bus.Message) {
	var p broadcastPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return
	}
	out, _ := json.Marshal(map[string]any{
		"senderId": s.id,
		"message":  p.Payload,
	})
	for _, peer := range s.channel.Peers(s.id) {
		peer.SendBus(bus.Message{Name: "BROADCAST", Payload: out})
	}
}

// updateRemoteConsumers schedules Consume(self) on every other channel
// member, per spec §4.3 Produce handling.
func (s *Session) updateRemoteConsumers() {
	for _, peer := range s.channel.Peers(s.id) {
		peer.Consume(s)
	}
}
