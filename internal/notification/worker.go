package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"ticket-counter-backend/internal/model"
	"ticket-counter-backend/internal/store"
)

// Kind tells the browser why it is being woken up.
type Kind string

const (
	KindCalled Kind = "called"
	KindNudge  Kind = "nudge"
)

// Job is one push to every subscription of a ticket.
type Job struct {
	Kind    Kind
	Slug    string
	Epoch   int64
	Ticket  int64
	Message string
}

// Payload is the JSON body the service worker receives.
type Payload struct {
	Kind    Kind   `json:"kind"`
	Slug    string `json:"slug"`
	Ticket  int64  `json:"ticket"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (j Job) payload() Payload {
	p := Payload{Kind: j.Kind, Slug: j.Slug, Ticket: j.Ticket, Message: j.Message}
	switch j.Kind {
	case KindCalled:
		p.Title = fmt.Sprintf("Ticket %d", j.Ticket)
		if p.Message == "" {
			p.Message = fmt.Sprintf("Ticket %d is being called. Please come to the counter.", j.Ticket)
		}
	default:
		p.Title = fmt.Sprintf("Message for ticket %d", j.Ticket)
	}
	return p
}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender sends through webpush-go.
type WebPushSender struct{}

func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool delivers push jobs in the background so call-next never waits on a push service.
type WorkerPool struct {
	size    int
	jobs    chan Job
	subs    store.PushStore
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a pool of size workers with a queue of queueSize jobs.
func NewWorkerPool(size, queueSize int, subs store.PushStore, webpushOptions *webpush.Options) *WorkerPool {
	if size < 1 {
		size = 1
	}
	if queueSize < size {
		queueSize = size
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, queueSize),
		subs:    subs,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines. They stop when ctx is done.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	log.Debug().Int("worker", id).Msg("push worker started")
	for {
		select {
		case job := <-wp.jobs:
			wp.process(ctx, job)
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("push worker shutting down")
			return
		}
	}
}

// Dispatch queues a job. A full queue drops the job rather than blocking the caller.
func (wp *WorkerPool) Dispatch(job Job) {
	select {
	case wp.jobs <- job:
	default:
		log.Warn().Str("slug", job.Slug).Int64("ticket", job.Ticket).Msg("push queue full; dropping job")
	}
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Job {
	return wp.jobs
}

func (wp *WorkerPool) process(ctx context.Context, job Job) {
	subscriptions, err := wp.subs.PushSubscriptionsForTicket(ctx, job.Slug, job.Epoch, job.Ticket)
	if err != nil {
		log.Error().Err(err).Str("slug", job.Slug).Int64("ticket", job.Ticket).Msg("failed to load push subscriptions")
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	body, err := json.Marshal(job.payload())
	if err != nil {
		log.Error().Err(err).Msg("failed to encode push payload")
		return
	}

	log.Info().
		Str("slug", job.Slug).
		Int64("ticket", job.Ticket).
		Str("kind", string(job.Kind)).
		Int("subscriptions", len(subscriptions)).
		Msg("sending push notifications")
	for _, sub := range subscriptions {
		wp.send(ctx, sub, body)
	}
}

func (wp *WorkerPool) send(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to send push notification")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		log.Info().Str("endpoint", sub.Endpoint).Msg("push subscription expired; deleting")
		if err := wp.subs.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
			log.Warn().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
	}
}
