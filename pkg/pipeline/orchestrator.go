package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recallio/kermem/pkg/config"
	"github.com/recallio/kermem/pkg/decoders"
	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/events"
	"github.com/recallio/kermem/pkg/handlers"
	"github.com/recallio/kermem/pkg/log"
	"github.com/recallio/kermem/pkg/metrics"
	"github.com/recallio/kermem/pkg/queue"
	"github.com/recallio/kermem/pkg/storage"
	"github.com/recallio/kermem/pkg/types"
)

// UploadedFile is one input file of an import request.
type UploadedFile struct {
	Name     string
	MimeType string
	Content  []byte
}

// Orchestrator drives pipelines through their step lists: it persists
// state, dispatches steps to registered handlers over the queue, and
// routes failures. One queue exists per step name; each queue's
// consumer handles one message at a time, so a single pipeline never
// has two steps in flight while distinct documents process in parallel.
type Orchestrator struct {
	storage storage.DocumentStore
	broker  queue.Broker
	events  *events.Broker
	cfg     *config.Config

	mu       sync.RWMutex
	handlers map[string]handlers.Handler
	queues   map[string]queue.Queue
	stopped  bool
}

// New creates an orchestrator. Handlers are registered afterwards with
// AddHandler; each registration binds the step's queue and starts its
// consumer.
func New(store storage.DocumentStore, broker queue.Broker, eventBroker *events.Broker, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		storage:  store,
		broker:   broker,
		events:   eventBroker,
		cfg:      cfg,
		handlers: make(map[string]handlers.Handler),
		queues:   make(map[string]queue.Queue),
	}
}

// AddHandler registers a step handler and starts consuming its queue.
func (o *Orchestrator) AddHandler(h handlers.Handler) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return fmt.Errorf("orchestrator is stopped")
	}
	step := h.Name()
	if _, ok := o.handlers[step]; ok {
		return fmt.Errorf("handler for step %s already registered", step)
	}
	q, err := o.broker.Connect(step)
	if err != nil {
		return fmt.Errorf("failed to bind queue for step %s: %w", step, err)
	}
	if err := q.OnDequeue(o.consumer(step)); err != nil {
		return fmt.Errorf("failed to start consumer for step %s: %w", step, err)
	}
	o.handlers[step] = h
	o.queues[step] = q
	logger := log.WithComponent("orchestrator")
	logger.Info().Str("step", step).Msg("handler registered")
	return nil
}

// Handler returns the handler registered for a step.
func (o *Orchestrator) Handler(step string) (handlers.Handler, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handlers[step]
	return h, ok
}

// PrepareUpload allocates a pipeline for a new (or re-uploaded)
// document. An empty documentID gets a generated id; a client-supplied
// one is validated against the index naming rules.
func (o *Orchestrator) PrepareUpload(ctx context.Context, index, documentID string, tags types.TagCollection, steps []string) (*types.Pipeline, error) {
	normalized, err := types.NormalizeIndexName(index)
	if err != nil {
		return nil, errdefs.Validation(err)
	}
	if documentID == "" {
		documentID = uuid.NewString()
	} else if err := types.ValidateDocumentID(documentID); err != nil {
		return nil, errdefs.Validation(err)
	}
	if len(steps) == 0 {
		steps = o.cfg.Pipeline.DefaultSteps
	}
	if len(steps) == 0 {
		steps = types.DefaultSteps()
	}
	if tags == nil {
		tags = types.TagCollection{}
	}

	now := time.Now().UTC()
	p := &types.Pipeline{
		Schema:         types.PipelineSchemaVersion,
		Index:          normalized,
		DocumentID:     documentID,
		ExecutionID:    uuid.NewString(),
		Tags:           tags,
		Steps:          append([]string(nil), steps...),
		RemainingSteps: append([]string(nil), steps...),
		Status:         types.PipelineStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return p, nil
}

// ImportDocument uploads the input files, persists the pipeline, and
// enqueues the first step. State is always written before the enqueue,
// so a crash between the two leaves a resumable pipeline rather than a
// message pointing at nothing.
func (o *Orchestrator) ImportDocument(ctx context.Context, p *types.Pipeline, files []UploadedFile) (string, error) {
	for _, f := range files {
		if f.Name == "" {
			return "", errdefs.Validationf("uploaded file has no name")
		}
		// Multipart clients commonly send application/octet-stream for
		// every part; treat it like a missing mime type.
		mime := f.MimeType
		if mime == "" || mime == decoders.MimeOctetStream {
			mime = decoders.MimeFromFilename(f.Name)
		}
		if err := o.storage.WriteFile(ctx, p.Index, p.DocumentID, f.Name, bytes.NewReader(f.Content)); err != nil {
			return "", fmt.Errorf("failed to store %s: %w", f.Name, err)
		}
		p.AddFile(types.FileDetails{
			Name:     f.Name,
			Size:     int64(len(f.Content)),
			MimeType: mime,
		})
	}

	p.Status = types.PipelineStatusInProgress
	if err := o.persist(ctx, p); err != nil {
		return "", err
	}
	metrics.PipelinesStarted.Inc()
	o.publish(events.PipelineStarted, p, "")

	if p.Complete() {
		return p.DocumentID, o.markCompleted(ctx, p)
	}
	if err := o.enqueue(ctx, p); err != nil {
		return "", err
	}
	return p.DocumentID, nil
}

// RunPipeline executes every remaining step synchronously in the
// calling context, retrying transient failures with backoff.
func (o *Orchestrator) RunPipeline(ctx context.Context, p *types.Pipeline) error {
	p.Status = types.PipelineStatusInProgress
	if err := o.persist(ctx, p); err != nil {
		return err
	}

	for !p.Complete() {
		step := p.NextStep()
		h, ok := o.Handler(step)
		if !ok {
			err := errdefs.Configurationf("no handler registered for step %s", step)
			return o.markFailed(ctx, p, step, err)
		}

		outcome, err := o.invokeWithRetries(ctx, h, p, step)
		switch outcome {
		case handlers.Success:
			if err := o.advance(ctx, p); err != nil {
				return err
			}
		case handlers.TransientError:
			return o.markFailed(ctx, p, step, fmt.Errorf("retries exhausted: %w", err))
		default:
			return o.markFailed(ctx, p, step, err)
		}
	}
	return o.markCompleted(ctx, p)
}

func (o *Orchestrator) invokeWithRetries(ctx context.Context, h handlers.Handler, p *types.Pipeline, step string) (handlers.Outcome, error) {
	maxRetries := o.cfg.Pipeline.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var outcome handlers.Outcome
	var err error
	for attempt := 1; ; attempt++ {
		outcome, err = o.invoke(ctx, h, p, step)
		if outcome != handlers.TransientError || attempt > maxRetries {
			return outcome, err
		}
		p.RecordRetry(step)
		delay := backoff(attempt, o.cfg.Pipeline.RetryBase, o.cfg.Pipeline.RetryMax)
		logger := log.WithComponent("orchestrator")
		logger.Warn().
			Str("step", step).Str("document_id", p.DocumentID).
			Int("attempt", attempt).Dur("delay", delay).Err(err).
			Msg("transient step failure, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return handlers.TransientError, ctx.Err()
		}
	}
}

// invoke runs one handler execution under the step timeout, recording
// metrics and step events.
func (o *Orchestrator) invoke(ctx context.Context, h handlers.Handler, p *types.Pipeline, step string) (handlers.Outcome, error) {
	if timeout := o.cfg.Pipeline.StepTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	o.publish(events.StepStarted, p, step)
	timer := metrics.NewTimer()
	outcome, err := h.Invoke(ctx, p)
	timer.ObserveStep(step, outcome.String())
	if outcome == handlers.Success {
		o.publish(events.StepCompleted, p, step)
	} else {
		o.publishErr(events.StepFailed, p, step, err)
	}
	return outcome, err
}

// consumer builds the queue callback dispatching one step.
func (o *Orchestrator) consumer(step string) queue.Handler {
	return func(ctx context.Context, payload []byte) queue.Outcome {
		logger := log.WithComponent("orchestrator").With().Str("step", step).Logger()

		var msg types.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Error().Err(err).Msg("malformed queue message")
			return queue.Poison
		}

		p, err := o.storage.ReadPipeline(ctx, msg.Index, msg.DocumentID)
		if errdefs.IsNotFound(err) {
			// Document deleted while the message was in flight.
			logger.Debug().Str("document_id", msg.DocumentID).Msg("pipeline state gone, dropping message")
			return queue.Ack
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to load pipeline state")
			return queue.Requeue
		}
		if p.ExecutionID != msg.ExecutionID {
			// A re-upload superseded this execution.
			logger.Debug().Str("document_id", msg.DocumentID).Msg("stale execution id, dropping message")
			return queue.Ack
		}
		if p.Status == types.PipelineStatusFailed {
			return queue.Ack
		}
		if p.Complete() {
			if err := o.markCompleted(ctx, p); err != nil {
				return queue.Requeue
			}
			return queue.Ack
		}
		if next := p.NextStep(); next != step {
			// Message predates a state change. A crash between persist
			// and enqueue leaves the head step without a message, so
			// re-enqueue it before dropping this one. Duplicates are
			// harmless: whichever arrives after the head moves lands
			// right back here.
			logger.Debug().Str("document_id", msg.DocumentID).Str("head", next).Msg("out-of-order message, re-enqueueing head step")
			if err := o.enqueue(ctx, p); err != nil {
				logger.Error().Err(err).Msg("failed to re-enqueue head step")
				return queue.Requeue
			}
			return queue.Ack
		}

		h, ok := o.Handler(step)
		if !ok {
			err := errdefs.Configurationf("no handler registered for step %s", step)
			_ = o.markFailed(ctx, p, step, err)
			return queue.Poison
		}

		outcome, err := o.invoke(ctx, h, p, step)
		switch outcome {
		case handlers.Success:
			if err := o.advance(ctx, p); err != nil {
				logger.Error().Err(err).Msg("failed to advance pipeline")
				return queue.Requeue
			}
			return queue.Ack
		case handlers.TransientError:
			p.RecordRetry(step)
			if cap := o.cfg.Queue.MaxAttempts; cap > 0 && p.Retries[step] >= cap {
				// The queue would poison the next redelivery anyway;
				// fail the pipeline now so status reflects reality.
				if ferr := o.markFailed(ctx, p, step, fmt.Errorf("attempt cap reached: %w", err)); ferr != nil {
					logger.Error().Err(ferr).Msg("failed to mark pipeline failed")
				}
				metrics.PoisonMessages.WithLabelValues(step).Inc()
				return queue.Poison
			}
			if perr := o.persist(ctx, p); perr != nil {
				logger.Error().Err(perr).Msg("failed to persist retry state")
			}
			return queue.Requeue
		default:
			if ferr := o.markFailed(ctx, p, step, err); ferr != nil {
				logger.Error().Err(ferr).Msg("failed to mark pipeline failed")
			}
			metrics.PoisonMessages.WithLabelValues(step).Inc()
			return queue.Poison
		}
	}
}

// advance moves the completed head step, persists, and enqueues the
// next step. Persist happens before enqueue.
func (o *Orchestrator) advance(ctx context.Context, p *types.Pipeline) error {
	if err := p.AdvanceStep(); err != nil {
		return err
	}
	if err := p.CheckInvariants(); err != nil {
		return fmt.Errorf("pipeline state corrupted: %w", err)
	}
	if p.Complete() {
		return o.markCompleted(ctx, p)
	}
	if err := o.persist(ctx, p); err != nil {
		return err
	}
	return o.enqueue(ctx, p)
}

func (o *Orchestrator) enqueue(ctx context.Context, p *types.Pipeline) error {
	step := p.NextStep()
	o.mu.RLock()
	q, ok := o.queues[step]
	o.mu.RUnlock()
	if !ok {
		var err error
		q, err = o.broker.Connect(step)
		if err != nil {
			return fmt.Errorf("failed to bind queue for step %s: %w", step, err)
		}
		o.mu.Lock()
		o.queues[step] = q
		o.mu.Unlock()
	}
	payload, err := json.Marshal(types.Message{
		Index:       p.Index,
		DocumentID:  p.DocumentID,
		ExecutionID: p.ExecutionID,
	})
	if err != nil {
		return err
	}
	if err := q.Enqueue(ctx, payload); err != nil {
		return fmt.Errorf("failed to enqueue step %s: %w", step, err)
	}
	return nil
}

func (o *Orchestrator) markCompleted(ctx context.Context, p *types.Pipeline) error {
	p.Status = types.PipelineStatusCompleted
	p.UpdatedAt = time.Now().UTC()
	if err := o.persist(ctx, p); err != nil {
		return err
	}
	metrics.PipelinesCompleted.Inc()
	o.publish(events.PipelineCompleted, p, "")
	logger := log.WithComponent("orchestrator")
	logger.Info().
		Str("index", p.Index).Str("document_id", p.DocumentID).
		Msg("pipeline completed")
	return nil
}

func (o *Orchestrator) markFailed(ctx context.Context, p *types.Pipeline, step string, cause error) error {
	p.Status = types.PipelineStatusFailed
	p.UpdatedAt = time.Now().UTC()
	if cause != nil {
		p.AddLog(step, cause.Error())
	}
	if err := o.persist(ctx, p); err != nil {
		return err
	}
	metrics.PipelinesFailed.Inc()
	o.publishErr(events.PipelineFailed, p, step, cause)
	logger := log.WithComponent("orchestrator")
	logger.Error().
		Str("index", p.Index).Str("document_id", p.DocumentID).
		Str("step", step).Err(cause).Msg("pipeline failed")
	if cause == nil {
		return nil
	}
	return cause
}

func (o *Orchestrator) persist(ctx context.Context, p *types.Pipeline) error {
	p.UpdatedAt = time.Now().UTC()
	if err := o.storage.WritePipeline(ctx, p); err != nil {
		return fmt.Errorf("failed to persist pipeline state: %w", err)
	}
	return nil
}

// ReadStatus loads the persisted pipeline state for a document.
func (o *Orchestrator) ReadStatus(ctx context.Context, index, documentID string) (*types.Pipeline, error) {
	normalized, err := types.NormalizeIndexName(index)
	if err != nil {
		return nil, errdefs.Validation(err)
	}
	return o.storage.ReadPipeline(ctx, normalized, documentID)
}

// IsReady reports whether a document finished ingestion.
func (o *Orchestrator) IsReady(ctx context.Context, index, documentID string) (bool, error) {
	p, err := o.ReadStatus(ctx, index, documentID)
	if err != nil {
		return false, err
	}
	return p.Status == types.PipelineStatusCompleted, nil
}

// DeleteDocument synchronously removes a document's records and files.
func (o *Orchestrator) DeleteDocument(ctx context.Context, index, documentID string) error {
	p, err := o.PrepareUpload(ctx, index, documentID, nil, []string{types.StepDeleteDoc})
	if err != nil {
		return err
	}
	h, ok := o.Handler(types.StepDeleteDoc)
	if !ok {
		return errdefs.Configurationf("no handler registered for step %s", types.StepDeleteDoc)
	}
	if _, err := h.Invoke(ctx, p); err != nil {
		return err
	}
	o.publish(events.DocumentDeleted, p, "")
	return nil
}

// DeleteIndex synchronously removes an entire index.
func (o *Orchestrator) DeleteIndex(ctx context.Context, index string) error {
	p, err := o.PrepareUpload(ctx, index, "", nil, []string{types.StepDeleteIndex})
	if err != nil {
		return err
	}
	h, ok := o.Handler(types.StepDeleteIndex)
	if !ok {
		return errdefs.Configurationf("no handler registered for step %s", types.StepDeleteIndex)
	}
	if _, err := h.Invoke(ctx, p); err != nil {
		return err
	}
	o.publish(events.IndexDeleted, p, "")
	return nil
}

// Stop closes every queue binding. In-flight handlers finish first.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	queues := make([]queue.Queue, 0, len(o.queues))
	for _, q := range o.queues {
		queues = append(queues, q)
	}
	o.mu.Unlock()
	for _, q := range queues {
		_ = q.Close()
	}
}

func (o *Orchestrator) publish(t events.Type, p *types.Pipeline, step string) {
	if o.events == nil {
		return
	}
	o.events.Publish(events.Event{
		Type:       t,
		Index:      p.Index,
		DocumentID: p.DocumentID,
		Step:       step,
	})
}

func (o *Orchestrator) publishErr(t events.Type, p *types.Pipeline, step string, err error) {
	if o.events == nil {
		return
	}
	ev := events.Event{
		Type:       t,
		Index:      p.Index,
		DocumentID: p.DocumentID,
		Step:       step,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	o.events.Publish(ev)
}
