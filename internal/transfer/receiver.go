// Package transfer implements the chunked file sub-protocol: inbound
// reassembly with progress and completion, outbound chunking, and the
// on-disk store for received files.
package transfer

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	syncerr "github.com/alexjbarnes/device-sync/internal/errors"
	"github.com/alexjbarnes/device-sync/internal/protocol"
	"golang.org/x/time/rate"
)

// DefaultCompletedTTL is how long a finished transfer ID is remembered
// so late duplicates are recognized.
const DefaultCompletedTTL = 5 * time.Minute

// EventKind classifies receiver events.
type EventKind int

const (
	EventProgress EventKind = iota
	EventComplete
	EventAborted
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventAborted:
		return "aborted"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event reports progress or the outcome of one inbound transfer. Path
// is set on EventComplete, Err on EventAborted.
type Event struct {
	Kind          EventKind
	TransferID    string
	FileName      string
	Percent       int
	BytesReceived int64
	FileSize      int64
	Path          string
	Err           error
}

// ReceiverOptions tunes a Receiver. Zero values use defaults.
type ReceiverOptions struct {
	// ProgressRate caps progress events per second per transfer. The 0
	// and 100 percent events are never throttled. Zero disables
	// throttling.
	ProgressRate float64
	CompletedTTL time.Duration
}

type session struct {
	id       string
	meta     protocol.FileMetadata
	sink     Sink
	received int64
	percent  int
	limiter  *rate.Limiter
}

// Receiver reassembles inbound files. Handle is called from the single
// dispatch goroutine; the progress accessors may be called from anywhere.
type Receiver struct {
	opener SinkOpener
	opts   ReceiverOptions
	logger *slog.Logger

	mu        sync.Mutex
	sessions  map[string]*session
	latest    string
	completed *ttlworker.Cache[string, bool]
	closeOnce sync.Once

	listenerMu sync.RWMutex
	listeners  []func(Event)
}

// NewReceiver creates a Receiver that writes files through opener.
func NewReceiver(opener SinkOpener, opts ReceiverOptions, logger *slog.Logger) *Receiver {
	if opts.CompletedTTL <= 0 {
		opts.CompletedTTL = DefaultCompletedTTL
	}

	return &Receiver{
		opener:    opener,
		opts:      opts,
		logger:    logger,
		sessions:  make(map[string]*session),
		completed: ttlworker.NewCache[string, bool](opts.CompletedTTL),
	}
}

// OnEvent registers a listener for transfer events. Listeners run on
// the dispatch goroutine after the receiver state is updated.
func (r *Receiver) OnEvent(fn func(Event)) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()

	r.listeners = append(r.listeners, fn)
}

func (r *Receiver) emit(events []Event) {
	r.listenerMu.RLock()
	listeners := r.listeners
	r.listenerMu.RUnlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// Handle routes one FileTransfer frame.
func (r *Receiver) Handle(msg protocol.FileTransfer) error {
	var (
		events []Event
		err    error
	)

	r.mu.Lock()

	switch msg.TransferType {
	case protocol.TransferMetadata:
		if msg.Metadata == nil {
			err = fmt.Errorf("%w: metadata frame without metadata", syncerr.ErrMalformedMessage)
			break
		}

		events, err = r.onMetadata(msg.TransferID, *msg.Metadata, msg.ChunkData)
	case protocol.TransferChunk:
		events, err = r.onChunk(msg.TransferID, msg.ChunkData, msg.Offset)
	case protocol.TransferComplete:
		events, err = r.onComplete(msg.TransferID)
	default:
		err = fmt.Errorf("%w: unknown transfer type %q", syncerr.ErrMalformedMessage, msg.TransferType)
	}

	r.mu.Unlock()

	r.emit(events)

	return err
}

func (r *Receiver) onMetadata(id string, meta protocol.FileMetadata, inline string) ([]Event, error) {
	var events []Event

	if prev, ok := r.sessions[id]; ok {
		r.logger.Warn("new metadata supersedes active transfer",
			slog.String("transfer_id", id),
			slog.String("file", prev.meta.FileName),
		)
		events = append(events, r.abort(prev, errors.New("superseded by new metadata")))
	}

	r.completed.Delete(id)

	sink, err := r.opener.Open(meta)
	if err != nil {
		ev := Event{Kind: EventAborted, TransferID: id, FileName: meta.FileName, FileSize: meta.FileSize, Err: err}
		r.logger.Error("opening transfer sink", slog.String("file", meta.FileName), slog.String("error", err.Error()))

		return append(events, ev), fmt.Errorf("%w: opening %s: %w", syncerr.ErrTransferAborted, meta.FileName, err)
	}

	s := &session{
		id:      id,
		meta:    meta,
		sink:    sink,
		limiter: r.newLimiter(),
	}
	r.sessions[id] = s
	r.latest = id

	r.logger.Info("receiving file",
		slog.String("transfer_id", id),
		slog.String("file", meta.FileName),
		slog.Int64("size", meta.FileSize),
	)

	events = append(events, s.event(EventProgress))

	if inline != "" {
		more, err := r.write(s, inline, nil)
		return append(events, more...), err
	}

	if meta.FileSize == 0 {
		more, err := r.finish(s)
		return append(events, more...), err
	}

	return events, nil
}

func (r *Receiver) onChunk(id, payload string, offset *int64) ([]Event, error) {
	s, ok := r.sessions[id]
	if !ok {
		if r.completed.Get(id) {
			r.logger.Debug("dropping chunk for completed transfer", slog.String("transfer_id", id))
			return nil, nil
		}

		r.logger.Warn("chunk without active transfer", slog.String("transfer_id", id))

		return nil, fmt.Errorf("%w: transfer %q", syncerr.ErrOrphanChunk, id)
	}

	return r.write(s, payload, offset)
}

func (r *Receiver) onComplete(id string) ([]Event, error) {
	s, ok := r.sessions[id]
	if !ok {
		if r.completed.Get(id) {
			return nil, nil
		}

		r.logger.Warn("complete without active transfer", slog.String("transfer_id", id))

		return nil, fmt.Errorf("%w: complete for transfer %q", syncerr.ErrOrphanChunk, id)
	}

	reason := fmt.Errorf("completed with %d of %d bytes", s.received, s.meta.FileSize)

	return []Event{r.abort(s, reason)}, fmt.Errorf("%w: %s: %w", syncerr.ErrTransferAborted, s.meta.FileName, reason)
}

// write appends one base64 payload to s. offset, when present, must
// match the bytes received so far: lower is a duplicate and is dropped,
// higher means a chunk went missing.
func (r *Receiver) write(s *session, payload string, offset *int64) ([]Event, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return r.fail(s, fmt.Errorf("decoding chunk: %w", err))
	}

	if offset != nil {
		switch {
		case *offset < s.received:
			r.logger.Debug("dropping duplicate chunk",
				slog.String("transfer_id", s.id),
				slog.Int64("offset", *offset),
				slog.Int64("received", s.received),
			)

			return nil, nil
		case *offset > s.received:
			return r.fail(s, fmt.Errorf("chunk at offset %d, expected %d", *offset, s.received))
		}
	}

	if s.received+int64(len(data)) > s.meta.FileSize {
		return r.fail(s, fmt.Errorf("chunk overruns file size %d", s.meta.FileSize))
	}

	if _, err := s.sink.Write(data); err != nil {
		return r.fail(s, fmt.Errorf("writing chunk: %w", err))
	}

	s.received += int64(len(data))

	var events []Event

	pct := percentOf(s.received, s.meta.FileSize)
	if pct > s.percent && (pct == 100 || s.limiter.Allow()) {
		s.percent = pct
		events = append(events, s.event(EventProgress))
	}

	if s.received == s.meta.FileSize {
		more, err := r.finish(s)
		return append(events, more...), err
	}

	return events, nil
}

func (r *Receiver) finish(s *session) ([]Event, error) {
	path, err := s.sink.Commit()
	if err != nil {
		delete(r.sessions, s.id)
		r.clearLatest(s.id)

		ev := s.event(EventAborted)
		ev.Err = err

		r.logger.Error("committing received file", slog.String("file", s.meta.FileName), slog.String("error", err.Error()))

		return []Event{ev}, fmt.Errorf("%w: committing %s: %w", syncerr.ErrTransferAborted, s.meta.FileName, err)
	}

	delete(r.sessions, s.id)
	r.clearLatest(s.id)
	r.completed.Set(s.id, true)

	r.logger.Info("file received",
		slog.String("transfer_id", s.id),
		slog.String("path", path),
		slog.Int64("size", s.received),
	)

	ev := s.event(EventComplete)
	ev.Path = path

	return []Event{ev}, nil
}

func (r *Receiver) fail(s *session, reason error) ([]Event, error) {
	ev := r.abort(s, reason)
	return []Event{ev}, fmt.Errorf("%w: %s: %w", syncerr.ErrTransferAborted, s.meta.FileName, reason)
}

// abort discards s and returns its EventAborted.
func (r *Receiver) abort(s *session, reason error) Event {
	if err := s.sink.Abort(); err != nil {
		r.logger.Warn("discarding partial file", slog.String("file", s.meta.FileName), slog.String("error", err.Error()))
	}

	delete(r.sessions, s.id)
	r.clearLatest(s.id)

	r.logger.Warn("transfer aborted",
		slog.String("transfer_id", s.id),
		slog.String("file", s.meta.FileName),
		slog.String("reason", reason.Error()),
	)

	ev := s.event(EventAborted)
	ev.Err = reason

	return ev
}

// clearLatest points latest at any remaining session once id is gone.
func (r *Receiver) clearLatest(id string) {
	if r.latest != id {
		return
	}

	r.latest = ""
	for other := range r.sessions {
		r.latest = other
		break
	}
}

// Close stops the completed-transfer cache. The Receiver must not be
// used afterwards.
func (r *Receiver) Close() {
	r.closeOnce.Do(r.completed.Destroy)
}

// AbortAll discards every active transfer, for example when the
// connection drops.
func (r *Receiver) AbortAll(reason error) {
	r.mu.Lock()

	events := make([]Event, 0, len(r.sessions))
	for _, s := range r.sessions {
		events = append(events, r.abort(s, reason))
	}

	r.mu.Unlock()

	r.emit(events)
}

// CurrentProgress returns the percentage of the most recently started
// active transfer.
func (r *Receiver) CurrentProgress() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[r.latest]
	if !ok {
		return 0, false
	}

	return s.percent, true
}

// Progress returns the percentage of the active transfer id.
func (r *Receiver) Progress(id string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return 0, false
	}

	return s.percent, true
}

// Active returns the number of transfers in flight.
func (r *Receiver) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

func (r *Receiver) newLimiter() *rate.Limiter {
	if r.opts.ProgressRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}

	return rate.NewLimiter(rate.Limit(r.opts.ProgressRate), 1)
}

func (s *session) event(kind EventKind) Event {
	return Event{
		Kind:          kind,
		TransferID:    s.id,
		FileName:      s.meta.FileName,
		Percent:       s.percent,
		BytesReceived: s.received,
		FileSize:      s.meta.FileSize,
	}
}

// percentOf returns received/size as a whole percentage in [0, 100].
func percentOf(received, size int64) int {
	if size <= 0 {
		return 0
	}

	pct := received * 100 / size

	return int(min(max(pct, 0), 100))
}
