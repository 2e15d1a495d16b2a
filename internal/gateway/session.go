package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"
	"golang.org/x/time/rate"

	"github.com/propolis-net/relay/internal/bus"
	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/notify"
	"github.com/propolis-net/relay/internal/push"
	"github.com/propolis-net/relay/internal/store"
)

// Config bundles the session-level limits from boot.Config.Gateway
// and boot.Config.AckBatch; kept narrow so session.go does not import
// the boot package directly.
type Config struct {
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	OutboundBuffer    int
	AckBuffer         int
	DrainBatchLimit   int
	AckBatchSize      int
	AckFlushInterval  time.Duration
	PushGracePeriod   time.Duration
	MaxPayload        int
	SubmitRatePerSec  float64
}

// Session is one live gateway connection for a user, per spec.md §4.5.
// A user may hold any number of concurrent sessions; each subscribes
// independently to the Local Notifier, so a Disconnect event (identity
// takeover) reaches every one of them.
type Session struct {
	conn      *websocket.Conn
	userID    model.UserID
	envelopes *store.EnvelopeStore
	notifier  *notify.Notifier
	crossNode *bus.Bus
	pushQueue *push.Queue
	registry  *Registry

	events      <-chan model.UserEvent
	unsubscribe func()

	ackBatcher    *AckBatcher
	cfg           Config
	submitLimiter *rate.Limiter

	frameIn chan Frame
	ackIn   chan string
	outbox  chan []byte

	droppedOutbound uint64
	droppedAcks     uint64

	closeOnce sync.Once
	done      chan struct{}
}

func NewSession(conn *websocket.Conn, userID model.UserID, envelopes *store.EnvelopeStore, notifier *notify.Notifier, crossNode *bus.Bus, pushQueue *push.Queue, registry *Registry, cfg Config) *Session {
	events, handle := notifier.Subscribe(userID)
	crossNode.Track(userID)

	burst := int(cfg.SubmitRatePerSec)
	if burst < 1 {
		burst = 1
	}

	s := &Session{
		conn:          conn,
		userID:        userID,
		envelopes:     envelopes,
		notifier:      notifier,
		crossNode:     crossNode,
		pushQueue:     pushQueue,
		registry:      registry,
		events:        events,
		ackBatcher:    NewAckBatcher(envelopes, cfg.AckBatchSize),
		cfg:           cfg,
		submitLimiter: rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), burst),
		frameIn:       make(chan Frame),
		ackIn:         make(chan string, cfg.AckBuffer),
		outbox:        make(chan []byte, cfg.OutboundBuffer),
		done:          make(chan struct{}),
	}
	s.unsubscribe = func() {
		notifier.Unsubscribe(userID, handle)
		crossNode.Untrack(userID)
	}
	return s
}

// Run drives the session until it closes, either because the client
// disconnected, the server asked it to stop, or a takeover fired a
// Disconnect event. It blocks until teardown is complete.
func (s *Session) Run() {
	s.registry.add(s)
	defer s.registry.remove(s)

	var writeDone sync.WaitGroup
	writeDone.Add(1)
	go func() { defer writeDone.Done(); s.writeLoop() }()

	readDone := make(chan struct{})
	go func() { defer close(readDone); s.readLoop() }()

	s.drainPending()
	s.mainLoop()

	// Close() is a no-op if the main loop already exited via an
	// explicit Close() call (takeover, shutdown); this covers the
	// remaining exit paths (read error, pong timeout). Let writeLoop
	// flush whatever is queued — notably the close frame Close() just
	// enqueued — before the connection closes out from under it, then
	// close the connection itself to unblock readLoop's blocking read.
	s.Close("")
	writeDone.Wait()
	_ = s.conn.Close()
	<-readDone

	s.unsubscribe()
	if err := s.ackBatcher.Flush(); err != nil {
		log.Errorf("gateway session %s: final ack flush: %+v", s.userID, err)
	}
}

// Close requests the session to stop, sending reason to the client as
// a Close frame first when possible.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		if frame, err := Encode(TagClose, CloseFrameBody{Reason: reason}); err == nil {
			s.enqueueOutbound(frame)
		}
		close(s.done)
	})
}

// mainLoop is the cooperative select over inbound frames, notifier
// events, the ack flush tick, and the heartbeat tick, per spec.md §4.5.
func (s *Session) mainLoop() {
	ackTicker := time.NewTicker(s.cfg.AckFlushInterval)
	defer ackTicker.Stop()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	lastActivity := time.Now()

	for {
		select {
		case <-s.done:
			return

		case frame, ok := <-s.frameIn:
			if !ok {
				return
			}
			lastActivity = time.Now()
			if !s.handleInboundFrame(frame) {
				return
			}

		case envelopeID, ok := <-s.ackIn:
			if !ok {
				return
			}
			lastActivity = time.Now()
			if s.ackBatcher.Add(envelopeID) {
				if err := s.ackBatcher.Flush(); err != nil {
					log.Errorf("gateway session %s: ack flush: %+v", s.userID, err)
				}
			}
			if frame, err := Encode(TagAckReceipt, AckReceiptFrameBody{EnvelopeID: envelopeID}); err == nil {
				s.enqueueOutbound(frame)
			}

		case <-ackTicker.C:
			if err := s.ackBatcher.Flush(); err != nil {
				log.Errorf("gateway session %s: ack flush: %+v", s.userID, err)
			}

		case <-heartbeat.C:
			if time.Since(lastActivity) > s.cfg.PongTimeout {
				log.Warnf("gateway session %s: pong timeout, closing", s.userID)
				return
			}

		case event, ok := <-s.events:
			if !ok {
				return
			}
			if !s.handleEvent(event) {
				return
			}
		}
	}
}

// handleInboundFrame processes one client frame. Returns false if the
// session should stop.
func (s *Session) handleInboundFrame(frame Frame) bool {
	switch frame.Tag {
	case TagEnvelope:
		s.handleEnvelopeFrame(frame.Payload)
	case TagPing:
		if pong, err := Encode(TagPong, nil); err == nil {
			s.enqueueOutbound(pong)
		}
	case TagControl:
		// reserved for future client->server control notices; no-op today.
	default:
		log.Warnf("gateway session %s: unexpected inbound frame tag %#x", s.userID, frame.Tag)
	}
	return true
}

func (s *Session) handleEnvelopeFrame(payload []byte) {
	var body EnvelopeFrameBody
	if err := json.Unmarshal(payload, &body); err != nil {
		s.sendControlError("malformed envelope frame")
		return
	}

	if len(body.Ciphertext) > s.cfg.MaxPayload {
		s.sendControlError(model.ErrorPayloadTooLarge.Error())
		return
	}
	if !s.submitLimiter.Allow() {
		s.sendControlError(model.ErrorRateLimited.Error())
		return
	}

	result, err := s.envelopes.Insert(s.userID, model.UserID(body.RecipientID), body.SubmissionID, model.TypeTag(body.TypeTag), body.Ciphertext, time.Now().UTC())
	if err != nil {
		log.Errorf("gateway session %s: inserting envelope: %+v", s.userID, err)
		s.sendControlError("envelope rejected")
		return
	}

	switch result.Outcome {
	case model.InsertRecipientUnknown:
		s.sendControlError("unknown recipient")
	case model.InsertAccepted, model.InsertDuplicate:
		if frame, err := Encode(TagAckReceipt, AckReceiptFrameBody{EnvelopeID: result.EnvelopeID}); err == nil {
			s.enqueueOutbound(frame)
		}
		// spec.md §4.3: delivered_count == 0 means no local or
		// cross-node session picked the wake up; fall back to an
		// external push after a grace period. The job is enqueued once
		// the grace period ends whether or not a session for the
		// recipient has connected in the meantime.
		if result.Outcome == model.InsertAccepted && result.DeliveredCount == 0 && s.pushQueue != nil {
			recipientID := model.UserID(body.RecipientID)
			go s.scheduleFallback(recipientID)
		}
	}
}

func (s *Session) scheduleFallback(recipientID model.UserID) {
	time.Sleep(s.cfg.PushGracePeriod)
	if err := s.pushQueue.Enqueue(recipientID, time.Now().UTC()); err != nil {
		log.Errorf("gateway session %s: scheduling push fallback for %s: %+v", s.userID, recipientID, err)
	}
}

// DroppedOutbound and DroppedAcks report this session's cumulative
// backpressure drop counts for metrics.
func (s *Session) DroppedOutbound() uint64 { return s.droppedOutbound }
func (s *Session) DroppedAcks() uint64     { return s.droppedAcks }

func (s *Session) sendControlError(reason string) {
	if frame, err := Encode(TagServerControl, ControlFrameBody{Kind: "error", Reason: reason}); err == nil {
		s.enqueueOutbound(frame)
	}
}

// handleEvent reacts to a Local Notifier event. Returns false if the
// session should stop (Disconnect).
func (s *Session) handleEvent(event model.UserEvent) bool {
	switch event.Kind {
	case model.EventMessageReceived:
		s.drainPending()
	case model.EventLowPreKeys:
		if frame, err := Encode(TagServerControl, ControlFrameBody{Kind: "low_prekeys", Reason: event.Reason}); err == nil {
			s.enqueueOutbound(frame)
		}
	case model.EventDisconnect:
		s.Close(event.Reason)
		return false
	}
	return true
}

// drainPending pushes every pending envelope in bounded batches.
// FetchBatch does not consume rows (they stay until acked), so each
// pass widens the fetch window by the batch limit and pushes only the
// envelopes past those already pushed, stopping once a fetch comes
// back short of its window.
func (s *Session) drainPending() {
	pushed := 0
	for {
		limit := pushed + s.cfg.DrainBatchLimit
		batch, err := s.envelopes.FetchBatch(s.userID, limit)
		if err != nil {
			log.Errorf("gateway session %s: fetching pending envelopes: %+v", s.userID, err)
			return
		}
		if len(batch) <= pushed {
			return
		}
		for _, envelope := range batch[pushed:] {
			frame, err := Encode(TagDelivery, DeliveryFrameBody{
				EnvelopeID: envelope.ID,
				SenderID:   string(envelope.SenderID),
				TypeTag:    string(envelope.TypeTag),
				Ciphertext: envelope.Ciphertext,
			})
			if err != nil {
				log.Errorf("gateway session %s: encoding delivery: %+v", s.userID, err)
				continue
			}
			s.enqueueOutbound(frame)
		}
		if len(batch) < limit {
			return
		}
		pushed = len(batch)
	}
}

// enqueueOutbound is the single non-blocking producer side of the
// bounded outbound channel: a full buffer drops the frame and
// increments a counter rather than blocking, per spec.md §4.5/§9 —
// the recipient re-reads the store on its next poke.
func (s *Session) enqueueOutbound(frame []byte) {
	select {
	case s.outbox <- frame:
	default:
		s.droppedOutbound++
		log.Warnf("gateway session %s: outbound buffer full, dropping frame", s.userID)
	}
}

func (s *Session) readLoop() {
	defer close(s.frameIn)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := Decode(data)
		if err != nil {
			log.Warnf("gateway session %s: decoding frame: %+v", s.userID, err)
			continue
		}

		if frame.Tag == TagAck {
			var body AckFrameBody
			if err := json.Unmarshal(frame.Payload, &body); err != nil {
				continue
			}
			select {
			case s.ackIn <- body.EnvelopeID:
			default:
				s.droppedAcks++
			}
			continue
		}

		select {
		case s.frameIn <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			s.drainOutboxOnClose()
			return
		case frame, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

// drainOutboxOnClose makes a best-effort attempt to flush whatever is
// already queued (notably the Close frame Close() just enqueued)
// before the connection goes away.
func (s *Session) drainOutboxOnClose() {
	for {
		select {
		case frame := <-s.outbox:
			_ = s.conn.WriteMessage(websocket.BinaryMessage, frame)
		default:
			return
		}
	}
}
