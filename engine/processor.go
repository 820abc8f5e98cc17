package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/mesmerverse/bunker"
	"github.com/mesmerverse/bunker/budget"
	"github.com/mesmerverse/bunker/codec"
	"github.com/mesmerverse/bunker/nostr"
	"github.com/mesmerverse/bunker/policy"
	"github.com/mesmerverse/bunker/storage"
)

// ErrUnknownRequest is returned for decisions on requests that are not
// waiting for one.
var ErrUnknownRequest = errors.New("unknown request")

// ErrQueueFull is reported to clients that send faster than a connection
// drains.
var ErrQueueFull = bunker.Errorf(bunker.CodeExecutionFailed, "too many pending requests")

// Processor runs the request state machine. Commands of one connection are
// handled in arrival order by a dedicated goroutine; the number executing
// across all connections is bounded by a weighted semaphore. HandleEvent
// never publishes on the caller's goroutine, which is a relay read loop
// that must stay free to read the relay's OK.
type Processor struct {
	store      Store
	transport  Transport
	keys       Keys
	approvals  ApprovalChannel
	executors  map[bunker.Protocol]Executor
	policy     *policy.Engine
	ledger     *budget.Ledger
	slots      *semaphore.Weighted
	queueDepth int
	now        func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queues    map[string]*connQueue
	accepting map[string]*sync.Mutex
	waiters   map[string]chan bool
	active    map[string]bool
	executing map[string]bool
	// answered holds requests whose revocation response was already sent.
	answered map[string]bool
}

type connQueue struct {
	jobs   chan *job
	ctx    context.Context
	cancel context.CancelCauseFunc
}

type job struct {
	conn   *bunker.Connection
	cmd    *bunker.Command
	rec    *bunker.PendingRequestRecord
	reason string
}

func newProcessor(cfg Config, deps Deps) *Processor {
	base, cancel := context.WithCancel(context.Background())
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	pol := deps.Policy
	if pol == nil {
		pol = policy.New(nil)
	}
	return &Processor{
		store:      deps.Store,
		transport:  deps.Transport,
		keys:       deps.Keys,
		approvals:  deps.Approvals,
		executors:  deps.Executors,
		policy:     pol,
		ledger:     budget.NewLedger(deps.Store, now),
		slots:      semaphore.NewWeighted(cfg.MaxConcurrent),
		queueDepth: cfg.QueueDepth,
		now:        now,
		base:       base,
		cancel:     cancel,
		queues:     make(map[string]*connQueue),
		accepting:  make(map[string]*sync.Mutex),
		waiters:    make(map[string]chan bool),
		active:     make(map[string]bool),
		executing:  make(map[string]bool),
		answered:   make(map[string]bool),
	}
}

func requestLogger(j *job) zerolog.Logger {
	return log.With().
		Str("connection_id", j.conn.ID).
		Str("request_id", j.rec.RequestID).
		Str("method", j.rec.Method).
		Logger()
}

// HandleEvent accepts one inbound relay event for identity.
func (p *Processor) HandleEvent(ctx context.Context, identity string, ev *nostr.Event) {
	logger := log.With().Str("identity", identity).Str("request_id", ev.ID).Logger()

	if err := ev.Verify(); err != nil {
		logger.Debug().Err(err).Msg("Dropping event with invalid signature")
		return
	}
	protocol, err := bunker.ProtocolForKind(ev.Kind)
	if err != nil {
		logger.Debug().Int("kind", ev.Kind).Msg("Dropping event of unhandled kind")
		return
	}
	if ev.PTag() != identity {
		logger.Debug().Msg("Dropping event addressed to another identity")
		return
	}

	conn, err := p.store.FindByRemotePubkey(ctx, protocol, ev.PubKey)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug().Str("remote", ev.PubKey).Msg("Dropping event from unknown client")
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to look up connection")
		return
	}
	if conn.LocalIdentity != identity {
		logger.Debug().Msg("Dropping event for a connection of another identity")
		return
	}

	if !p.claim(ev.ID) {
		return
	}
	accepted := false
	defer func() {
		if !accepted {
			p.release(ev.ID)
		}
	}()

	existing, err := p.store.GetRecord(ctx, conn.ID, ev.ID)
	switch {
	case err == nil:
		if existing.State.Terminal() {
			logger.Debug().Str("state", string(existing.State)).Msg("Redelivered request, republishing stored response")
			p.detach(func(ctx context.Context) { p.respond(ctx, conn, existing) })
		}
		return
	case !errors.Is(err, storage.ErrNotFound):
		logger.Error().Err(err).Msg("Failed to load request record")
		return
	}

	cmd, failed := p.decode(ctx, conn, ev)
	if failed != nil {
		p.reject(ctx, conn, failed)
		return
	}
	if !conn.Active() {
		p.reject(ctx, conn, bunker.NewRecord(cmd).With(bunker.StateDenied, "", bunker.ErrRevoked))
		return
	}

	// Events of one connection arrive on several relay goroutines. Queue
	// order must match the order records were persisted in.
	unlock := p.lockAccept(conn.ID)
	stored, err := p.store.RecordOutcome(ctx, bunker.NewRecord(cmd))
	if err != nil {
		unlock()
		logger.Error().Err(err).Msg("Failed to persist request")
		return
	}
	if stored.State != bunker.StateReceived {
		unlock()
		return
	}
	j := &job{conn: conn, cmd: cmd, rec: stored}
	queued := p.enqueue(j)
	unlock()

	if !queued {
		logger.Warn().Msg("Connection queue full")
		if rec := p.settle(ctx, j, bunker.StateFailed, "", ErrQueueFull); rec != nil {
			p.detach(func(ctx context.Context) { p.respond(ctx, conn, rec) })
		}
		return
	}
	accepted = true
}

func (p *Processor) lockAccept(connectionID string) func() {
	p.mu.Lock()
	m, ok := p.accepting[connectionID]
	if !ok {
		m = &sync.Mutex{}
		p.accepting[connectionID] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// detach runs fn on its own goroutine, tracked by Close. Nothing runs once
// the processor is closed.
func (p *Processor) detach(fn func(ctx context.Context)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.base.Err() != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.base)
	}()
}

// decode decrypts and parses ev. On failure it returns the failed record
// to store instead of a command.
func (p *Processor) decode(ctx context.Context, conn *bunker.Connection, ev *nostr.Event) (*bunker.Command, *bunker.PendingRequestRecord) {
	base := &bunker.PendingRequestRecord{
		ConnectionID: conn.ID,
		RequestID:    ev.ID,
		Scheme:       codec.DetectScheme(ev.Content),
		ReceivedAt:   p.now().UTC(),
	}

	sgn, err := p.keys.Signer(conn.LocalIdentity)
	if err != nil {
		log.Error().Err(err).Str("identity", conn.LocalIdentity).Msg("Identity unavailable")
		return nil, base.With(bunker.StateFailed, "", bunker.ErrExecutionFailed)
	}

	plaintext, scheme, err := codec.New(sgn).DecryptAny(ctx, ev.PubKey, ev.Content)
	if err != nil {
		log.Warn().Str("connection_id", conn.ID).Str("request_id", ev.ID).Msg("Failed to decrypt request")
		return nil, base.With(bunker.StateFailed, "", bunker.ErrDecrypt)
	}
	base.Scheme = scheme

	req, err := codec.ParseCommand(plaintext)
	if err != nil {
		var pe *codec.ParseError
		if errors.As(err, &pe) {
			base.EnvelopeID = pe.RecoveredID
		}
		log.Warn().Str("connection_id", conn.ID).Str("request_id", ev.ID).Msg("Failed to parse request")
		return nil, base.With(bunker.StateFailed, "", bunker.Errorf(bunker.CodeParse, "%s", err.Error()))
	}

	cmd := &bunker.Command{
		RequestID:    ev.ID,
		EnvelopeID:   req.ID,
		ConnectionID: conn.ID,
		Method:       req.Method,
		Params:       req.Params,
		Scheme:       scheme,
		ReceivedAt:   base.ReceivedAt,
	}
	exec, ok := p.executors[conn.Protocol]
	if !ok {
		return nil, bunker.NewRecord(cmd).With(bunker.StateFailed, "", bunker.ErrUnsupportedMethod)
	}
	if err := exec.Annotate(cmd); err != nil {
		return nil, bunker.NewRecord(cmd).With(bunker.StateFailed, "", clientError(err))
	}
	return cmd, nil
}

func clientError(err error) error {
	var be *bunker.Error
	if errors.As(err, &be) {
		return be
	}
	return bunker.ErrExecutionFailed
}

func (p *Processor) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active[id] {
		return false
	}
	p.active[id] = true
	return true
}

func (p *Processor) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
	delete(p.executing, id)
	delete(p.answered, id)
}

func (p *Processor) enqueue(j *job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.base.Err() != nil {
		return false
	}

	q, ok := p.queues[j.conn.ID]
	if !ok {
		ctx, cancel := context.WithCancelCause(p.base)
		q = &connQueue{jobs: make(chan *job, p.queueDepth), ctx: ctx, cancel: cancel}
		p.queues[j.conn.ID] = q
		p.wg.Add(1)
		go p.runQueue(q)
	}

	select {
	case q.jobs <- j:
		return true
	default:
		return false
	}
}

func (p *Processor) runQueue(q *connQueue) {
	defer p.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			for {
				select {
				case j := <-q.jobs:
					p.release(j.rec.RequestID)
				default:
					return
				}
			}
		case j := <-q.jobs:
			p.process(q.ctx, j)
		}
	}
}

func (p *Processor) process(ctx context.Context, j *job) {
	defer p.release(j.rec.RequestID)
	logger := requestLogger(j)

	if err := p.slots.Acquire(ctx, 1); err != nil {
		return
	}
	held := true
	defer func() {
		if held {
			p.slots.Release(1)
		}
	}()

	state := j.rec.State
	if state == bunker.StateReceived {
		snap, err := p.store.Snapshot(ctx, j.conn.ID)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load policy state")
			p.finish(ctx, j, bunker.StateFailed, "", bunker.ErrExecutionFailed)
			return
		}
		state = policy.Match(p.policy.Evaluate(snap, j.cmd),
			func(a policy.AutoApprove) bunker.RequestState {
				logger.Info().Str("rule", a.Rule).Msg("Request auto-approved")
				return bunker.StateExecuting
			},
			func(r policy.RequireApproval) bunker.RequestState {
				j.reason = r.Reason
				return bunker.StateAwaitingApproval
			},
			func(d policy.Deny) bunker.RequestState {
				logger.Info().Str("code", string(d.Code)).Str("reason", d.Reason).Msg("Request denied by policy")
				p.finish(ctx, j, bunker.StateDenied, "", d.Err())
				return bunker.StateDenied
			})
	}

	if state == bunker.StateAwaitingApproval {
		p.slots.Release(1)
		held = false

		approved, ok := p.park(ctx, j)
		if !ok {
			return
		}
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return
		}
		held = true

		if !approved {
			logger.Info().Msg("Request denied by user")
			p.finish(ctx, j, bunker.StateDenied, "", bunker.ErrUserDenied)
			return
		}
		if !p.budgetFits(ctx, j) {
			logger.Info().Int64("amount", j.cmd.Amount).Msg("Approved payment no longer fits the budget")
			p.finish(ctx, j, bunker.StateDenied, "", bunker.ErrBudgetExceeded)
			return
		}
		if !p.advance(ctx, j, bunker.StateApproved) {
			return
		}
		state = bunker.StateApproved
	}

	if state == bunker.StateApproved || state == bunker.StateExecuting {
		p.execute(ctx, j, func() {
			if held {
				p.slots.Release(1)
				held = false
			}
		})
	}
}

// budgetFits rechecks a payment's budget after the approval wait. The
// debit in execute still decides.
func (p *Processor) budgetFits(ctx context.Context, j *job) bool {
	if !p.policy.Table().IsPayment(j.cmd.Method) {
		return true
	}
	state, err := p.ledger.ResetIfNewDay(ctx, j.conn.ID)
	if err != nil || state == nil {
		return true
	}
	ok, err := p.ledger.CanDebit(ctx, j.conn.ID, j.cmd.Amount)
	return err != nil || ok
}

// advance persists j's record in state. It returns false when the record
// moved elsewhere first, e.g. to Denied by a revocation.
func (p *Processor) advance(ctx context.Context, j *job, state bunker.RequestState) bool {
	stored, err := p.store.RecordOutcome(ctx, j.rec.With(state, "", nil))
	if err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		logger := requestLogger(j)
		logger.Error().Err(err).Str("state", string(state)).Msg("Failed to persist request state")
		return false
	}
	if stored == nil || stored.State != state {
		return false
	}
	j.rec = stored
	return true
}

func (p *Processor) waiter(id string) chan bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[id]
	if !ok {
		ch = make(chan bool, 1)
		p.waiters[id] = ch
	}
	return ch
}

func (p *Processor) dropWaiter(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, id)
}

// park persists AwaitingApproval, surfaces the request and blocks until the
// user decides. ok is false when the queue was cancelled first. There is
// no timeout.
func (p *Processor) park(ctx context.Context, j *job) (approved, ok bool) {
	id := j.rec.RequestID
	ch := p.waiter(id)
	if j.rec.State != bunker.StateAwaitingApproval && !p.advance(ctx, j, bunker.StateAwaitingApproval) {
		p.dropWaiter(id)
		return false, false
	}

	req := ApprovalRequest{
		RequestID:    id,
		ConnectionID: j.conn.ID,
		Identity:     j.conn.LocalIdentity,
		Client:       j.conn.Metadata.Name,
		Method:       j.cmd.Method,
		EventKind:    j.cmd.EventKind,
		Amount:       j.cmd.Amount,
		Reason:       j.reason,
		ReceivedAt:   j.rec.ReceivedAt,
	}
	if err := p.approvals.RequestApproval(ctx, req); err != nil {
		logger := requestLogger(j)
		logger.Warn().Err(err).Msg("Failed to surface approval request")
	}
	logger := requestLogger(j)
	logger.Info().Str("reason", j.reason).Msg("Request awaiting approval")

	select {
	case approved = <-ch:
		p.dropWaiter(id)
		return approved, true
	case <-ctx.Done():
		p.dropWaiter(id)
		return false, false
	}
}

// beginExecution marks id as executing unless a revocation has already
// answered it.
func (p *Processor) beginExecution(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.answered[id] {
		return false
	}
	p.executing[id] = true
	return true
}

// execute runs an approved command. yield gives up the processing slot for
// commands that may wait on the key holder.
func (p *Processor) execute(ctx context.Context, j *job, yield func()) {
	logger := requestLogger(j)
	id := j.rec.RequestID

	if !p.advance(ctx, j, bunker.StateExecuting) {
		return
	}
	if !p.beginExecution(id) {
		return
	}
	// A revocation landing between the two steps above saw this request as
	// executing and left the response to us.
	if rec, err := p.store.GetRecord(ctx, j.conn.ID, id); err != nil || rec.State != bunker.StateExecuting {
		if err == nil && rec.State.Terminal() {
			p.respond(ctx, j.conn, rec)
		}
		return
	}

	// Execution runs to completion even if the connection is revoked
	// meanwhile; the stored Denied outcome then wins and nothing is sent.
	runCtx := context.WithoutCancel(ctx)

	if p.policy.Table().IsPayment(j.cmd.Method) {
		_, err := p.ledger.Debit(runCtx, j.conn.ID, j.cmd.Amount)
		switch {
		case errors.Is(err, budget.ErrBudgetExceeded):
			p.finish(runCtx, j, bunker.StateDenied, "", bunker.ErrBudgetExceeded)
			return
		case errors.Is(err, storage.ErrNoBudget):
		case err != nil:
			logger.Error().Err(err).Msg("Budget debit failed")
			p.finish(runCtx, j, bunker.StateFailed, "", bunker.ErrExecutionFailed)
			return
		}
	}

	exec := p.executors[j.conn.Protocol]
	if sb, ok := exec.(SelfBounded); ok && sb.SelfBounded(j.cmd) {
		yield()
	}
	payload, err := exec.Execute(runCtx, j.conn, j.cmd)
	if err != nil {
		logger.Warn().Err(err).Msg("Execution failed")
		p.finish(runCtx, j, bunker.StateFailed, "", clientError(err))
		return
	}
	p.finish(runCtx, j, bunker.StateCompleted, payload, nil)
}

// finish persists a terminal outcome and publishes the response. When the
// stored record already holds a different outcome, nothing is sent.
func (p *Processor) finish(ctx context.Context, j *job, state bunker.RequestState, payload string, err error) {
	if stored := p.settle(ctx, j, state, payload, err); stored != nil {
		p.respond(ctx, j.conn, stored)
	}
}

// settle persists a terminal outcome. It returns the record to answer
// with, or nil when another outcome was stored first.
func (p *Processor) settle(ctx context.Context, j *job, state bunker.RequestState, payload string, err error) *bunker.PendingRequestRecord {
	want := j.rec.With(state, payload, err)
	stored, werr := p.store.RecordOutcome(context.WithoutCancel(ctx), want)
	if werr != nil && !errors.Is(werr, storage.ErrInvalidTransition) {
		logger := requestLogger(j)
		logger.Error().Err(werr).Msg("Failed to persist outcome")
		return nil
	}
	if stored == nil || stored.State != want.State || stored.ErrorCode != want.ErrorCode {
		logger := requestLogger(j)
		logger.Debug().Msg("Outcome superseded by stored record")
		return nil
	}
	j.rec = stored

	logger := requestLogger(j)
	logger.Info().
		Str("state", string(stored.State)).
		Str("code", string(stored.ErrorCode)).
		Msg("Request finished")
	return stored
}

// reject stores a request that failed before it could be queued and
// answers it, off the caller's goroutine, when an id to answer under is
// known.
func (p *Processor) reject(ctx context.Context, conn *bunker.Connection, rec *bunker.PendingRequestRecord) {
	stored, err := p.store.RecordOutcome(ctx, rec)
	if err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		log.Error().Err(err).Str("request_id", rec.RequestID).Msg("Failed to persist rejected request")
		return
	}
	if stored == nil || stored.State != rec.State || stored.ErrorCode != rec.ErrorCode {
		return
	}
	log.Info().
		Str("connection_id", conn.ID).
		Str("request_id", rec.RequestID).
		Str("code", string(rec.ErrorCode)).
		Msg("Request rejected")
	p.detach(func(ctx context.Context) { p.respond(ctx, conn, stored) })
}

func (p *Processor) respond(ctx context.Context, conn *bunker.Connection, rec *bunker.PendingRequestRecord) {
	if rec.ErrorCode == bunker.CodeParse && rec.EnvelopeID == "" {
		return
	}
	rerr := bunker.FromRecord(rec.ErrorCode, rec.ErrorMessage)
	if err := p.publishResponse(ctx, conn, rec.Scheme, rec.ResponseID(), rec.RequestID, rec.ResponsePayload, rerr); err != nil {
		log.Warn().Err(err).Str("connection_id", conn.ID).Str("request_id", rec.RequestID).Msg("Failed to publish response")
	}
}

func (p *Processor) publishResponse(ctx context.Context, conn *bunker.Connection, scheme bunker.Scheme, id, requestEventID, result string, rerr error) error {
	content, err := codec.SerializeResponse(id, result, rerr)
	if err != nil {
		return err
	}
	sgn, err := p.keys.Signer(conn.LocalIdentity)
	if err != nil {
		return err
	}
	if !scheme.Valid() {
		scheme = bunker.SchemeNIP44
	}
	ciphertext, err := codec.New(sgn).Encrypt(ctx, scheme, conn.RemotePubkey, content)
	if err != nil {
		return err
	}

	ev := &nostr.Event{
		CreatedAt: p.now().Unix(),
		Kind:      conn.Protocol.ResponseKind(),
		Tags:      nostr.Tags{{"p", conn.RemotePubkey}},
		Content:   ciphertext,
	}
	if requestEventID != "" && requestEventID != id {
		ev.Tags = append(ev.Tags, nostr.Tag{"e", requestEventID})
	}
	if err := sgn.SignEvent(ev); err != nil {
		return err
	}
	return p.transport.Publish(context.WithoutCancel(ctx), conn.LocalIdentity, ev)
}

// RespondToDecision delivers the user's verdict on a parked request.
// Decisions on finished requests are ignored.
func (p *Processor) RespondToDecision(ctx context.Context, requestID string, approved bool) error {
	p.mu.Lock()
	ch, ok := p.waiters[requestID]
	p.mu.Unlock()
	if ok {
		// The first decision wins; the waiter is dropped once park reads it.
		select {
		case ch <- approved:
			log.Info().Str("request_id", requestID).Bool("approved", approved).Msg("Approval decision received")
		default:
		}
		return nil
	}

	rec, err := p.store.FindRecord(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrUnknownRequest
	}
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return nil
	}
	return ErrUnknownRequest
}

// Revoke revokes a connection. Its open requests are denied; parked and
// queued ones are answered with a revoked error, executing ones finish
// silently.
func (p *Processor) Revoke(ctx context.Context, connectionID string) (*bunker.Connection, error) {
	cascaded, err := p.store.Revoke(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	var toAnswer []*bunker.PendingRequestRecord
	p.mu.Lock()
	q := p.queues[connectionID]
	delete(p.queues, connectionID)
	for _, rec := range cascaded {
		delete(p.waiters, rec.RequestID)
		if p.executing[rec.RequestID] {
			continue
		}
		if p.active[rec.RequestID] {
			p.answered[rec.RequestID] = true
		}
		toAnswer = append(toAnswer, rec)
	}
	p.mu.Unlock()

	if q != nil {
		q.cancel(bunker.ErrRevoked)
	}

	conn, err := p.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	for _, rec := range toAnswer {
		p.respond(ctx, conn, rec)
	}
	log.Info().
		Str("connection_id", connectionID).
		Int("denied", len(cascaded)).
		Msg("Connection revoked")
	return conn, nil
}

// Recover resumes requests persisted before a restart. Received and
// approved requests are queued again, awaiting ones are parked and
// surfaced again, and executing ones are failed as interrupted because
// their side effects may already have happened.
func (p *Processor) Recover(ctx context.Context) error {
	recs, err := p.store.LoadAllPending(ctx)
	if err != nil {
		return err
	}

	requeued, interrupted := 0, 0
	for _, rec := range recs {
		conn, err := p.store.GetConnection(ctx, rec.ConnectionID)
		if err != nil {
			log.Error().Err(err).Str("request_id", rec.RequestID).Msg("Failed to load connection of pending request")
			continue
		}
		j := &job{conn: conn, cmd: rec.Command(), rec: rec, reason: "pending since before restart"}

		if rec.State == bunker.StateExecuting {
			p.finish(ctx, j, bunker.StateFailed, "", bunker.ErrInterrupted)
			interrupted++
			continue
		}

		exec, ok := p.executors[conn.Protocol]
		if !ok {
			p.finish(ctx, j, bunker.StateFailed, "", bunker.ErrUnsupportedMethod)
			continue
		}
		if err := exec.Annotate(j.cmd); err != nil {
			p.finish(ctx, j, bunker.StateFailed, "", clientError(err))
			continue
		}

		if !p.claim(rec.RequestID) {
			continue
		}
		if rec.State == bunker.StateAwaitingApproval {
			p.waiter(rec.RequestID)
		}
		if !p.enqueue(j) {
			p.release(rec.RequestID)
			p.finish(ctx, j, bunker.StateFailed, "", ErrQueueFull)
			continue
		}
		requeued++
	}

	log.Info().Int("requeued", requeued).Int("interrupted", interrupted).Msg("Pending requests recovered")
	return nil
}

// Close stops every connection queue and waits for in-flight work.
func (p *Processor) Close() {
	p.mu.Lock()
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()
}
