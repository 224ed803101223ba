package changefeed

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/bridal-shower/backend/internal/messages"
)

const defaultBufferSize = 16

// Dispatcher fans stored rows out to in-process subscribers.
// Subscribers that fall behind miss rows instead of blocking publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan messages.Message
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Stream registers a subscriber channel that is released when ctx ends or cleanup is called.
func (d *Dispatcher) Stream(ctx context.Context) (<-chan messages.Message, func()) {
	sub := &subscriber{stream: make(chan messages.Message, d.bufferSize)}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Subscribe implements messages.ChangeFeed on top of Stream.
func (d *Dispatcher) Subscribe(ctx context.Context, handler func(messages.Message)) (func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, cleanup := d.Stream(streamCtx)
	go func() {
		for {
			select {
			case <-streamCtx.Done():
				return
			case message := <-stream:
				handler(message)
			}
		}
	}()
	return func() {
		cancel()
		cleanup()
	}, nil
}

// Publish delivers the row to every subscriber with buffer room.
func (d *Dispatcher) Publish(message messages.Message) {
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// Subscribers reports the number of registered subscribers.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *Dispatcher) unregister(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
