package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Recorder consumes chain change events and mirrors them into the thread
// store. It is the one-way end of the best-effort persistence contract:
// write failures are logged and dropped, never reported back into the
// conversational flow.
type Recorder struct {
	store ThreadStore
	log   zerolog.Logger
	ch    chan ChangeEvent

	wg   sync.WaitGroup
	once sync.Once
}

func NewRecorder(store ThreadStore, logger zerolog.Logger) *Recorder {
	r := &Recorder{
		store: store,
		log:   logger.With().Str("component", "recorder").Logger(),
		ch:    make(chan ChangeEvent, 256),
	}
	r.wg.Add(1)
	go r.consume()
	return r
}

// Events is the channel chain controllers publish into.
func (r *Recorder) Events() chan<- ChangeEvent {
	return r.ch
}

func (r *Recorder) consume() {
	defer r.wg.Done()
	for ev := range r.ch {
		r.apply(ev)
	}
}

func (r *Recorder) apply(ev ChangeEvent) {
	if r.store == nil || ev.ThreadID == "" {
		return
	}
	if ev.Reset {
		if err := r.store.DeleteThreadMessages(ev.ThreadID); err != nil {
			r.log.Warn().Err(err).Str("thread", ev.ThreadID).Msg("reset persistence failed")
		}
		return
	}
	msg := ThreadMessage{
		ID:              fmt.Sprintf("%d-%s", ev.At.UnixNano(), ev.Turn.LocalID),
		ThreadID:        ev.ThreadID,
		Role:            string(ev.Turn.Role),
		Text:            ev.Turn.Text,
		ContinuationRef: ev.Turn.ContinuationRef,
		CreatedAt:       ev.Turn.CreatedAt,
	}
	if err := r.store.AppendMessage(msg); err != nil {
		r.log.Warn().Err(err).Str("thread", ev.ThreadID).Msg("message persistence failed")
	}
}

// Close drains pending events and stops the consumer.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.ch)
	})
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		r.log.Warn().Msg("recorder close timed out")
	}
}
