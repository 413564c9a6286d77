package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/pii-masker/internal/logging"
	"github.com/example/pii-masker/internal/masker"
	"github.com/example/pii-masker/internal/progress"
	"github.com/example/pii-masker/internal/repository"
)

// User-facing notices.
const (
	NoticeNoFile        = "Please upload an image first!"
	NoticeMaskingFailed = "Masking failed. Check if backend is running."
)

var (
	// ErrNoFileSelected is returned by Submit when nothing has been selected.
	ErrNoFileSelected = errors.New(NoticeNoFile)
	// ErrMaskingFailed wraps every failure of the masking round trip.
	ErrMaskingFailed = errors.New(NoticeMaskingFailed)
	// ErrUploadInProgress is returned by Submit while the session is busy.
	ErrUploadInProgress = errors.New("an upload is already in progress")
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrResultNotFound is returned for unknown, released or expired results.
	ErrResultNotFound = errors.New("result not found")
	// ErrHistoryUnavailable is returned when no job repository is configured.
	ErrHistoryUnavailable = errors.New("job history is not configured")
)

const resultKeyPrefix = "result:"

// JobRepository defines the persistence operations needed by the use case.
type JobRepository interface {
	SaveJob(ctx context.Context, job *repository.MaskJob) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*repository.MaskJob, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Publisher receives session events, typically a progress.Hub.
type Publisher interface {
	Publish(sessionID string, event progress.Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(string, progress.Event) {}

// Options tunes a MaskingUseCase.
type Options struct {
	// ResultTTL bounds how long a materialized result stays addressable.
	ResultTTL time.Duration
	// ResultURLPrefix is joined with a result id to form its URL.
	ResultURLPrefix string
}

// MaskingUseCase owns the page sessions and drives the upload flow.
type MaskingUseCase struct {
	client    masker.Client
	results   Cache
	jobs      JobRepository
	publisher Publisher
	logger    *zap.Logger
	opts      Options
	now       func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMaskingUseCase constructs a use case. jobs and publisher may be nil.
func NewMaskingUseCase(client masker.Client, results Cache, jobs JobRepository, publisher Publisher, logger *zap.Logger, opts Options) *MaskingUseCase {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = 15 * time.Minute
	}
	if opts.ResultURLPrefix == "" {
		opts.ResultURLPrefix = "/api/results/"
	}
	if publisher == nil {
		publisher = discardPublisher{}
	}
	return &MaskingUseCase{
		client:    client,
		results:   results,
		jobs:      jobs,
		publisher: publisher,
		logger:    logger.Named("masking_usecase"),
		opts:      opts,
		now:       time.Now,
		sessions:  make(map[string]*Session),
	}
}

// NewSession registers a fresh page session.
func (uc *MaskingUseCase) NewSession() *Session {
	s := newSession(uuid.NewString(), uc.now())
	uc.mu.Lock()
	uc.sessions[s.ID] = s
	uc.mu.Unlock()
	uc.logger.Debug("session created", zap.String("session_id", s.ID))
	return s
}

// Session looks up a live session and marks it as seen.
func (uc *MaskingUseCase) Session(sessionID string) (*Session, error) {
	uc.mu.RLock()
	s, ok := uc.sessions[sessionID]
	uc.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.touch(uc.now())
	return s, nil
}

// Select stores image as the session's input and clears any shown result.
func (uc *MaskingUseCase) Select(ctx context.Context, sessionID string, image *masker.Image) error {
	s, err := uc.Session(sessionID)
	if err != nil {
		return err
	}
	prev := s.selectImage(image)
	uc.releaseResult(ctx, sessionID, prev)
	uc.publish(sessionID, progress.EventState, s.Snapshot(), "")
	return nil
}

// Clear drops the session's selection along with any shown result.
func (uc *MaskingUseCase) Clear(ctx context.Context, sessionID string) error {
	return uc.Select(ctx, sessionID, nil)
}

// Submit sends the selected image to the masking backend and materializes
// the answer. Every failure after the request starts is reported as
// ErrMaskingFailed with the cause wrapped inside.
func (uc *MaskingUseCase) Submit(ctx context.Context, sessionID string) (*ResultHandle, error) {
	s, err := uc.Session(sessionID)
	if err != nil {
		return nil, err
	}

	image, generation, prev, err := s.begin()
	if err != nil {
		return nil, err
	}
	uc.releaseResult(ctx, sessionID, prev)
	uc.publish(sessionID, progress.EventState, s.Snapshot(), "")

	requestID := uuid.NewString()
	opLogger := logging.WithSession(uc.logger, "usecase.submit", sessionID, requestID)
	opLogger.Info("masking started", zap.String("file", image.Name), zap.Int("bytes", len(image.Data)))

	started := uc.now()
	result, err := uc.client.Mask(ctx, image, func(loaded, total int64) {
		percent, ok := masker.Percent(loaded, total)
		if !ok {
			return
		}
		s.advance(generation, percent, func(current int) {
			uc.publisher.Publish(sessionID, progress.Event{Type: progress.EventProgress, Progress: current, Busy: true})
		})
	})
	if err == nil && result == nil {
		err = errors.New("masking backend returned no result")
	}

	var handle *ResultHandle
	if err == nil {
		handle, err = uc.storeResult(ctx, result)
	}
	latency := uc.now().Sub(started)

	job := &repository.MaskJob{
		RequestID:   requestID,
		SessionID:   sessionID,
		FileName:    image.Name,
		ContentType: image.ContentType,
		InputBytes:  int64(len(image.Data)),
		Success:     err == nil,
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   started.UTC(),
	}

	if err != nil {
		wrapped := logging.NewOperationError("usecase.submit", requestID, err)
		opLogger.Error("masking failed", zap.Error(wrapped), zap.Duration("latency", latency))
		job.Error = err.Error()
		uc.recordJob(ctx, job)

		snap := s.finish(nil)
		uc.publish(sessionID, progress.EventError, snap, NoticeMaskingFailed)
		return nil, fmt.Errorf("%w: %w", ErrMaskingFailed, wrapped)
	}

	job.OutputBytes = handle.Size
	uc.recordJob(ctx, job)

	snap := s.finish(handle)
	opLogger.Info("masking completed",
		zap.String("result_id", handle.ID),
		zap.Int64("result_bytes", handle.Size),
		zap.Duration("latency", latency),
	)
	uc.publish(sessionID, progress.EventResult, snap, "")
	return handle, nil
}

// State returns a snapshot of the session.
func (uc *MaskingUseCase) State(sessionID string) (Snapshot, error) {
	s, err := uc.Session(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// OpenResult loads a materialized result by id.
func (uc *MaskingUseCase) OpenResult(ctx context.Context, resultID string) (*masker.Result, error) {
	if _, err := uuid.Parse(resultID); err != nil {
		return nil, ErrResultNotFound
	}
	raw, err := uc.results.Get(ctx, resultKeyPrefix+resultID)
	if errors.Is(err, ErrCacheMiss) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, logging.NewOperationError("usecase.open_result", resultID, err)
	}
	result, err := decodeResult(raw)
	if err != nil {
		return nil, logging.NewOperationError("usecase.open_result", resultID, err)
	}
	return result, nil
}

// History lists the recent masking attempts of a session.
func (uc *MaskingUseCase) History(ctx context.Context, sessionID string, limit int) ([]*repository.MaskJob, error) {
	if _, err := uc.Session(sessionID); err != nil {
		return nil, err
	}
	if uc.jobs == nil {
		return nil, ErrHistoryUnavailable
	}
	return uc.jobs.ListBySession(ctx, sessionID, limit)
}

// Expire drops sessions idle for longer than idle and releases their
// results. It returns how many sessions were removed.
func (uc *MaskingUseCase) Expire(ctx context.Context, idle time.Duration) int {
	cutoff := uc.now().Add(-idle)

	var expired []*Session
	uc.mu.Lock()
	for id, s := range uc.sessions {
		if s.idleSince(cutoff) {
			expired = append(expired, s)
			delete(uc.sessions, id)
		}
	}
	uc.mu.Unlock()

	for _, s := range expired {
		uc.releaseResult(ctx, s.ID, s.currentResult())
		if closer, ok := uc.publisher.(interface{ Close(sessionID string) }); ok {
			closer.Close(s.ID)
		}
	}
	if len(expired) > 0 {
		uc.logger.Info("expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Sessions reports the number of live sessions.
func (uc *MaskingUseCase) Sessions() int {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return len(uc.sessions)
}

func (uc *MaskingUseCase) storeResult(ctx context.Context, result *masker.Result) (*ResultHandle, error) {
	if len(result.Data) == 0 {
		return nil, errors.New("masking backend returned an empty result")
	}
	contentType := result.ContentType
	if contentType == "" {
		contentType = masker.DefaultContentType
	}

	id := uuid.NewString()
	if err := uc.results.Set(ctx, resultKeyPrefix+id, encodeResult(contentType, result.Data), uc.opts.ResultTTL); err != nil {
		return nil, logging.NewOperationError("cache.set.result", id, err)
	}
	return &ResultHandle{
		ID:           id,
		URL:          uc.opts.ResultURLPrefix + id,
		ContentType:  contentType,
		Size:         int64(len(result.Data)),
		DownloadName: DownloadName,
	}, nil
}

func (uc *MaskingUseCase) releaseResult(ctx context.Context, sessionID string, handle *ResultHandle) {
	if handle == nil {
		return
	}
	if err := uc.results.Del(context.WithoutCancel(ctx), resultKeyPrefix+handle.ID); err != nil {
		logging.WithSession(uc.logger, "cache.del.result", sessionID, handle.ID).
			Warn("failed to release result", zap.Error(err))
	}
}

func (uc *MaskingUseCase) recordJob(ctx context.Context, job *repository.MaskJob) {
	if uc.jobs == nil {
		return
	}
	if err := uc.jobs.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		logging.WithSession(uc.logger, "usecase.record_job", job.SessionID, job.RequestID).
			Warn("failed to record masking job", zap.Error(err))
	}
}

func (uc *MaskingUseCase) publish(sessionID, eventType string, snap Snapshot, message string) {
	event := progress.Event{
		Type:     eventType,
		Progress: snap.Progress,
		Busy:     snap.Busy,
		Error:    message,
	}
	if snap.Result != nil {
		event.ResultURL = snap.Result.URL
	}
	uc.publisher.Publish(sessionID, event)
}

// encodeResult frames a result as "<content type>\n<bytes>".
func encodeResult(contentType string, data []byte) []byte {
	buf := make([]byte, 0, len(contentType)+1+len(data))
	buf = append(buf, contentType...)
	buf = append(buf, '\n')
	return append(buf, data...)
}

func decodeResult(raw []byte) (*masker.Result, error) {
	i := bytes.IndexByte(raw, '\n')
	if i <= 0 {
		return nil, errors.New("malformed result entry")
	}
	return &masker.Result{ContentType: string(raw[:i]), Data: raw[i+1:]}, nil
}
