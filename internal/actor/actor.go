package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codefionn/resident/internal/logger"
)

// ErrStopped is returned when sending to an actor whose loop has exited.
var ErrStopped = errors.New("actor stopped")

// Message represents a message sent to an actor
type Message interface {
	Type() string
}

// Actor owns state that only its own loop goroutine touches. Every
// mutation arrives as a Message through the mailbox.
type Actor interface {
	// Receive processes incoming messages
	Receive(ctx context.Context, msg Message) error
	// Start is called once before the loop begins
	Start(ctx context.Context) error
	// Stop is called once after the loop has exited
	Stop(ctx context.Context) error
	// ID returns the actor's unique identifier
	ID() string
}

// ActorRef is a reference to an actor for sending messages
type ActorRef struct {
	id      string
	mailbox chan Message
	actor   Actor
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewActorRef creates a new actor reference with the given ID, actor
// implementation and mailbox size.
func NewActorRef(id string, actor Actor, mailboxSize int) *ActorRef {
	return &ActorRef{
		id:      id,
		actor:   actor,
		mailbox: make(chan Message, mailboxSize),
		done:    make(chan struct{}),
	}
}

// ID returns the actor's ID
func (ref *ActorRef) ID() string {
	return ref.id
}

// Done is closed when the loop has exited.
func (ref *ActorRef) Done() <-chan struct{} {
	return ref.done
}

// Send enqueues a message without blocking and fails when the mailbox is full.
func (ref *ActorRef) Send(msg Message) error {
	if ref.closed() {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	default:
		return fmt.Errorf("actor %s mailbox is full", ref.id)
	}
}

// Post enqueues a message, waiting for room in the mailbox. Input that
// must not be dropped goes through Post.
func (ref *ActorRef) Post(ctx context.Context, msg Message) error {
	if ref.closed() {
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	}

	select {
	case ref.mailbox <- msg:
		return nil
	case <-ref.done:
		return fmt.Errorf("actor %s: %w", ref.id, ErrStopped)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closed reports whether the actor was stopped or its loop is gone. A
// mailbox nobody drains must not accept messages.
func (ref *ActorRef) closed() bool {
	ref.mu.RLock()
	stopped := ref.stopped
	ref.mu.RUnlock()
	if stopped {
		return true
	}
	select {
	case <-ref.done:
		return true
	default:
		return false
	}
}

// Start starts the actor's message processing loop
func (ref *ActorRef) Start(ctx context.Context) error {
	ref.mu.Lock()
	if ref.started {
		ref.mu.Unlock()
		return fmt.Errorf("actor %s already started", ref.id)
	}
	ref.started = true
	ref.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	ref.cancel = cancel

	if err := ref.actor.Start(ctx); err != nil {
		cancel()
		ref.mu.Lock()
		ref.stopped = true
		ref.mu.Unlock()
		close(ref.done)
		return err
	}

	ref.wg.Add(1)
	go ref.run(ctx)
	return nil
}

// Stop stops the actor gracefully. Messages still queued are dropped.
func (ref *ActorRef) Stop(ctx context.Context) error {
	ref.mu.Lock()
	if ref.stopped {
		ref.mu.Unlock()
		return nil
	}
	ref.stopped = true
	ref.mu.Unlock()

	if ref.cancel != nil {
		ref.cancel()
	}

	waited := make(chan struct{})
	go func() {
		ref.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
		return ref.actor.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor's main message processing loop
func (ref *ActorRef) run(ctx context.Context) {
	defer ref.wg.Done()
	defer close(ref.done)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ref.mailbox:
			if err := ref.actor.Receive(ctx, msg); err != nil {
				// Log error but continue processing
				logger.Error("Actor %s error processing %s: %v", ref.id, msg.Type(), err)
			}
		}
	}
}
