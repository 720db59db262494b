package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codesync/executor"
	"codesync/metrics"
	"codesync/models"

	"cdr.dev/slog"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

var (
	// ErrBusy is returned when a room already holds as many submissions as it may
	ErrBusy = xerrors.New("room is busy")
	// ErrClosed is returned for submissions made after Close
	ErrClosed = xerrors.New("coordinator is closed")
)

// Publisher
//
//	Delivers finished executions to a room and refusals to a single
//	requester.
type Publisher interface {
	Publish(ctx context.Context, event models.ResultEvent) error
	Reject(ctx context.Context, requesterID string, event models.RejectedEvent) error
}

type Params struct {
	Engine    executor.Executor
	Publisher Publisher
	// MaxConcurrent is the process wide ceiling of simultaneous executions
	MaxConcurrent int
	// QueueDepth is the number of submissions a room may hold behind its
	// in-flight execution. Zero rejects every submission made while busy.
	QueueDepth int
	// IdleTimeout is how long a room actor waits for work before retiring
	IdleTimeout time.Duration
	Logger      slog.Logger
}

// Stats is a point in time snapshot of the coordinator
type Stats struct {
	Rooms    int `json:"rooms"`
	InFlight int `json:"in_flight"`
	Queued   int `json:"queued"`
}

// room is the execution slot of one room. Its queue is only read by the
// room's actor; pending is guarded by Coordinator.mu.
type room struct {
	id    string
	queue chan models.ExecutionRequest
	// pending counts the queued and in-flight submissions of the room
	pending int
}

// Coordinator
//
//	Admits submissions per room, runs at most one execution per room at a
//	time in arrival order and publishes every result to the whole room.
//	Executions of different rooms run concurrently up to a global ceiling.
type Coordinator struct {
	engine    executor.Executor
	publisher Publisher
	depth     int
	idle      time.Duration
	logger    slog.Logger

	sem *semaphore.Weighted
	wg  *conc.WaitGroup

	// stop tells room actors to stop taking work
	stop chan struct{}
	// execCtx is only canceled when Close runs out of time
	execCtx    context.Context
	execCancel context.CancelFunc

	mu       sync.Mutex
	rooms    map[string]*room
	closed   bool
	inFlight atomic.Int64
}

func New(params Params) (*Coordinator, error) {
	if params.Engine == nil || params.Publisher == nil {
		return nil, xerrors.New("engine and publisher are required")
	}
	if params.MaxConcurrent <= 0 {
		return nil, xerrors.Errorf("max concurrent must be positive, got %d", params.MaxConcurrent)
	}
	if params.QueueDepth < 0 {
		return nil, xerrors.Errorf("queue depth must not be negative, got %d", params.QueueDepth)
	}
	if params.IdleTimeout <= 0 {
		params.IdleTimeout = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		engine:     params.Engine,
		publisher:  params.Publisher,
		depth:      params.QueueDepth,
		idle:       params.IdleTimeout,
		logger:     params.Logger.Named("coordinator"),
		sem:        semaphore.NewWeighted(int64(params.MaxConcurrent)),
		wg:         conc.NewWaitGroup(),
		stop:       make(chan struct{}),
		execCtx:    ctx,
		execCancel: cancel,
		rooms:      make(map[string]*room),
	}, nil
}

// Submit
//
//	Admits a request for its room without waiting for it to run. The result
//	is delivered later through the publisher. A room that already holds its
//	in-flight execution plus a full queue refuses the request with ErrBusy
//	and the requester alone is told so.
func (c *Coordinator) Submit(ctx context.Context, req models.ExecutionRequest) error {
	if len(req.RoomID) == 0 {
		return xerrors.New("request has no room")
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	r, ok := c.rooms[req.RoomID]
	if !ok {
		r = &room{
			id:    req.RoomID,
			queue: make(chan models.ExecutionRequest, c.depth+1),
		}
		c.rooms[req.RoomID] = r
		metrics.ActiveRooms.Inc()
		c.wg.Go(func() {
			c.serve(r)
		})
	}

	if r.pending > c.depth {
		c.mu.Unlock()
		c.reject(ctx, req, models.RejectReasonBusy,
			"an execution is already running for this room, try again once it finishes")
		return ErrBusy
	}

	// the queue holds depth+1 slots so this send never blocks
	r.pending++
	r.queue <- req
	metrics.QueuedSubmissions.Inc()
	c.mu.Unlock()

	c.logger.Debug(ctx, "submission admitted",
		slog.F("request_id", req.ID),
		slog.F("room_id", req.RoomID),
		slog.F("language", req.Language),
	)

	return nil
}

// serve is the actor owning the execution slot of one room
func (c *Coordinator) serve(r *room) {
	idle := time.NewTimer(c.idle)
	defer idle.Stop()

	for {
		// prefer shutting down over taking more work
		select {
		case <-c.stop:
			c.drain(r)
			return
		default:
		}

		select {
		case <-c.stop:
			c.drain(r)
			return
		case req := <-r.queue:
			metrics.QueuedSubmissions.Dec()
			c.run(req)

			c.mu.Lock()
			r.pending--
			c.mu.Unlock()

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.idle)
		case <-idle.C:
			c.mu.Lock()
			if r.pending == 0 {
				delete(c.rooms, r.id)
				metrics.ActiveRooms.Dec()
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			idle.Reset(c.idle)
		}
	}
}

// run executes one request under the global ceiling and publishes its result
func (c *Coordinator) run(req models.ExecutionRequest) {
	err := c.sem.Acquire(c.execCtx, 1)
	if err != nil {
		c.reject(context.Background(), req, models.RejectReasonShutdown, "the server is shutting down")
		return
	}

	c.inFlight.Add(1)
	metrics.ActiveExecutions.Inc()

	res := c.engine.Execute(c.execCtx, req)

	metrics.ActiveExecutions.Dec()
	c.inFlight.Add(-1)
	c.sem.Release(1)

	event := models.NewResultEvent(req, res, time.Now())
	err = c.publisher.Publish(c.execCtx, event)
	if err != nil {
		metrics.PublishFailures.Inc()
		c.logger.Warn(c.execCtx, "failed to publish execution result",
			slog.F("request_id", req.ID),
			slog.F("room_id", req.RoomID),
			slog.Error(err),
		)
		return
	}

	c.logger.Info(c.execCtx, "execution published",
		slog.F("request_id", req.ID),
		slog.F("room_id", req.RoomID),
		slog.F("status", res.Status),
		slog.F("execution_time_ms", res.ExecutionTimeMs),
	)
}

// drain refuses every submission still waiting in the room's queue
func (c *Coordinator) drain(r *room) {
	for {
		select {
		case req := <-r.queue:
			metrics.QueuedSubmissions.Dec()
			c.reject(context.Background(), req, models.RejectReasonShutdown, "the server is shutting down")
			c.mu.Lock()
			r.pending--
			c.mu.Unlock()
		default:
			c.mu.Lock()
			if _, ok := c.rooms[r.id]; ok {
				delete(c.rooms, r.id)
				metrics.ActiveRooms.Dec()
			}
			c.mu.Unlock()
			return
		}
	}
}

func (c *Coordinator) reject(ctx context.Context, req models.ExecutionRequest, reason models.RejectReason, msg string) {
	metrics.Rejections.WithLabelValues(string(reason)).Inc()

	err := c.publisher.Reject(ctx, req.RequesterID, models.RejectedEvent{
		RoomID:    req.RoomID,
		RequestID: req.ID,
		Reason:    reason,
		Message:   msg,
	})
	if err != nil {
		c.logger.Warn(ctx, "failed to notify requester of rejection",
			slog.F("request_id", req.ID),
			slog.F("requester_id", req.RequesterID),
			slog.F("reason", reason),
			slog.Error(err),
		)
	}
}

// Stats returns a snapshot of the rooms, running and waiting executions
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Rooms:    len(c.rooms),
		InFlight: int(c.inFlight.Load()),
	}
	for _, r := range c.rooms {
		s.Queued += len(r.queue)
	}
	return s
}

// Close
//
//	Stops admitting submissions, refuses everything still queued and waits
//	for in-flight executions to publish. When ctx expires first the running
//	executions are canceled, which kills their processes.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.execCancel()
		return nil
	case <-ctx.Done():
		c.execCancel()
		<-done
		return xerrors.Errorf("coordinator did not drain in time: %w", ctx.Err())
	}
}
