package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/affiliate/internal/commission"
)

const (
	RealtimeEventCommissionCreated = "commission-created"
	RealtimeEventCommissionPaid    = "commission-paid"
	realtimeEventHeartbeat         = "heartbeat"
	realtimeSourceBackend          = "affiliate-backend"
)

type RealtimeMessage struct {
	UserID       string
	EventType    string
	CommissionID string
	OrderID      string
	Type         commission.Type
	Status       commission.Status
	Amount       string
	Timestamp    time.Time
}

// RealtimeDispatcher fans commission events out to the streams of the receiving participant.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(userID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every stream of its user. Slow subscribers drop messages.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// CommissionCreated publishes a commission-created event to the recipient.
func (d *RealtimeDispatcher) CommissionCreated(_ context.Context, created commission.Commission) {
	d.Publish(d.commissionMessage(RealtimeEventCommissionCreated, created))
}

// CommissionPaid publishes a commission-paid event to the recipient.
func (d *RealtimeDispatcher) CommissionPaid(_ context.Context, paid commission.Commission) {
	d.Publish(d.commissionMessage(RealtimeEventCommissionPaid, paid))
}

func (d *RealtimeDispatcher) commissionMessage(eventType string, item commission.Commission) RealtimeMessage {
	return RealtimeMessage{
		UserID:       item.UserID,
		EventType:    eventType,
		CommissionID: item.ID,
		OrderID:      item.Order(),
		Type:         item.Type,
		Status:       item.Status,
		Amount:       item.Amount.String(),
		Timestamp:    d.clock().UTC(),
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
