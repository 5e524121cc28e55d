// Package chat ties the message store, room registry, presence tracker and fan-out engine
// together. Every mutation of a room runs on that room's worker goroutine, so sequence
// assignment, membership changes and the events they publish are linearized per room while
// different rooms proceed in parallel.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roomchat/internal/broadcast"
	"github.com/roomchat/internal/chaterr"
	"github.com/roomchat/internal/logger"
	"github.com/roomchat/internal/metrics"
	"github.com/roomchat/internal/model"
	"github.com/roomchat/internal/msgstore"
	"github.com/roomchat/internal/presence"
	"github.com/roomchat/internal/registry"
	"github.com/roomchat/internal/storage"
	ephemeralmem "github.com/roomchat/internal/storage/memory"
)

var ErrClosed = errors.New("chat service closed")

// Notifier delivers a push notification to a user without a live subscription.
type Notifier interface {
	Notify(ctx context.Context, userID, title, body string, data map[string]string)
}

// Directory resolves display names of events and communities.
type Directory interface {
	Name(ctx context.Context, kind, refID string) (string, error)
}

type Config struct {
	// CommandTimeout bounds one command on a room worker, store retries included.
	CommandTimeout time.Duration
	// IdleTimeout retires a worker with no subscribers and no queued work.
	IdleTimeout       time.Duration
	QueueSize         int
	HeartbeatTTL      time.Duration
	MessageRateLimit  int
	MessageRateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		CommandTimeout:    10 * time.Second,
		IdleTimeout:       5 * time.Minute,
		QueueSize:         64,
		HeartbeatTTL:      60 * time.Second,
		MessageRateLimit:  30,
		MessageRateWindow: 10 * time.Second,
	}
}

type Service struct {
	store     *msgstore.Store
	rooms     *registry.Registry
	presence  *presence.Tracker
	bus       *broadcast.Engine
	ephemeral storage.Ephemeral
	slots     storage.Ephemeral
	directory Directory
	notifier  Notifier
	cfg       Config
	now       func() time.Time

	mu      sync.Mutex
	workers map[string]*roomWorker
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		def := DefaultConfig()
		if cfg.CommandTimeout <= 0 {
			cfg.CommandTimeout = def.CommandTimeout
		}
		if cfg.IdleTimeout <= 0 {
			cfg.IdleTimeout = def.IdleTimeout
		}
		if cfg.QueueSize <= 0 {
			cfg.QueueSize = def.QueueSize
		}
		if cfg.HeartbeatTTL <= 0 {
			cfg.HeartbeatTTL = def.HeartbeatTTL
		}
		if cfg.MessageRateWindow <= 0 {
			cfg.MessageRateWindow = def.MessageRateWindow
		}
		s.cfg = cfg
	}
}

// WithEphemeral enables the presence mirror and the per-user message rate limit, and holds
// slow-mode slots. Without it slow mode is tracked in process memory.
func WithEphemeral(e storage.Ephemeral) Option {
	return func(s *Service) { s.ephemeral = e }
}

func WithDirectory(d Directory) Option {
	return func(s *Service) { s.directory = d }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock replaces time.Now for slow mode, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(store *msgstore.Store, rooms *registry.Registry, tracker *presence.Tracker, bus *broadcast.Engine, opts ...Option) *Service {
	s := &Service{
		store:    store,
		rooms:    rooms,
		presence: tracker,
		bus:      bus,
		cfg:      DefaultConfig(),
		now:      time.Now,
		workers:  make(map[string]*roomWorker),
		quit:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.slots = s.ephemeral
	if s.slots == nil {
		s.slots = ephemeralmem.New().WithClock(func() time.Time { return s.now() })
	}
	return s
}

// Run sweeps expired presence and typing entries every interval until ctx is done.
func (s *Service) Run(ctx context.Context, sweepInterval time.Duration) {
	s.presence.Run(ctx, sweepInterval, s.HandleExpired)
}

// Close stops every room worker. Commands still queued are abandoned.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()
	s.wg.Wait()
}

type command struct {
	ctx  context.Context
	fn   func(ctx context.Context, w *roomWorker) error
	done chan error
}

// roomWorker owns the cached room of one room. Only its own goroutine touches room.
type roomWorker struct {
	id   string
	svc  *Service
	cmds chan command

	pending int // guarded by svc.mu

	room *model.Room
	// missing is set when the last command found no such room.
	missing bool
}

// acquire returns the worker of roomID, starting it if needed, and counts one pending command.
func (s *Service) acquire(roomID string) *roomWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	w, ok := s.workers[roomID]
	if !ok {
		w = &roomWorker{
			id:   roomID,
			svc:  s,
			cmds: make(chan command, s.cfg.QueueSize),
		}
		s.workers[roomID] = w
		metrics.RoomWorkers.Inc()
		s.wg.Add(1)
		go w.run()
	}
	w.pending++
	return w
}

func (s *Service) release(w *roomWorker) {
	s.mu.Lock()
	w.pending--
	s.mu.Unlock()
}

// retire removes w when nothing is queued and nobody is subscribed to the room.
func (s *Service) retire(w *roomWorker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.pending > 0 || len(s.presence.Connections(w.id)) > 0 {
		return false
	}
	delete(s.workers, w.id)
	metrics.RoomWorkers.Dec()
	return true
}

// do runs fn on the worker of roomID and waits for its result.
func (s *Service) do(ctx context.Context, roomID string, fn func(ctx context.Context, w *roomWorker) error) error {
	if roomID == "" {
		return chaterr.Validation("room id is required")
	}
	w := s.acquire(roomID)
	if w == nil {
		return ErrClosed
	}
	done := make(chan error, 1)
	select {
	case w.cmds <- command{ctx: ctx, fn: fn, done: done}:
	case <-ctx.Done():
		s.release(w)
		return ctx.Err()
	case <-s.quit:
		s.release(w)
		return ErrClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
}

// post queues fn on the worker of roomID without waiting for it.
func (s *Service) post(roomID string, fn func(ctx context.Context, w *roomWorker) error) {
	w := s.acquire(roomID)
	if w == nil {
		return
	}
	select {
	case w.cmds <- command{ctx: context.Background(), fn: fn}:
	case <-s.quit:
		s.release(w)
	}
}

func (w *roomWorker) run() {
	s := w.svc
	defer s.wg.Done()
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case cmd := <-w.cmds:
			w.exec(cmd)
			s.release(w)
			if w.missing && s.retire(w) {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.cfg.IdleTimeout)
		case <-idle.C:
			if s.retire(w) {
				return
			}
			idle.Reset(s.cfg.IdleTimeout)
		case <-s.quit:
			metrics.RoomWorkers.Dec()
			return
		}
	}
}

func (w *roomWorker) exec(cmd command) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.ctx), w.svc.cfg.CommandTimeout)
	defer cancel()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("room %s: worker panic: %v", w.id, r)
				err = fmt.Errorf("room worker panic: %v", r)
			}
		}()
		err = cmd.fn(ctx, w)
	}()
	if errors.Is(err, chaterr.ErrStoreUnavailable) {
		w.fail(err)
	}
	w.missing = w.room == nil && errors.Is(err, chaterr.ErrNotFound)
	if cmd.done != nil {
		cmd.done <- err
	}
}

// fail tells every subscriber the room is unavailable, drops them and forgets the cached
// state; the next command reloads it from the store.
func (w *roomWorker) fail(err error) {
	s := w.svc
	logger.Errorf("room %s: store unavailable, dropping subscribers: %v", w.id, err)
	s.bus.Publish(w.id, model.Event{Type: model.EventError, Payload: model.ErrorPayload{
		Code:    chaterr.Code(err),
		Message: "room is temporarily unavailable, rejoin to continue",
	}})
	for _, r := range s.presence.DropRoom(w.id) {
		s.mirrorClear(w.id, r.UserID, r.ConnectionID)
	}
	w.room = nil
}

// load returns the cached room, reading it from the registry on first use.
func (w *roomWorker) load(ctx context.Context) (*model.Room, error) {
	if w.room != nil {
		return w.room, nil
	}
	room, err := w.svc.rooms.Get(ctx, w.id)
	if err != nil {
		return nil, err
	}
	w.room = room
	return room, nil
}

// member loads the room and checks that userID belongs to it.
func (w *roomWorker) member(ctx context.Context, userID string) (*model.Room, error) {
	room, err := w.load(ctx)
	if err != nil {
		return nil, err
	}
	if !room.IsMember(userID) {
		return nil, chaterr.Forbidden("not a member of this room")
	}
	return room, nil
}

func canRead(room *model.Room, userID string) bool {
	return room.IsMember(userID) || (!room.Settings.IsPrivate && room.Type != model.RoomTypeDirect)
}

func (w *roomWorker) publish(typ model.EventType, payload any) {
	w.svc.bus.Publish(w.id, model.Event{Type: typ, Payload: payload})
}

// user describes userID for presence events, with the role when the room is cached.
func (w *roomWorker) user(userID string) model.RoomMember {
	m := model.RoomMember{ID: userID}
	if w.room != nil {
		m.Role = w.room.Members[userID]
	}
	return m
}

// left broadcasts the departure of userID unless another of their connections is still live.
func (w *roomWorker) left(userID string) {
	s := w.svc
	for _, id := range s.presence.Online(w.id) {
		if id == userID {
			return
		}
	}
	if s.presence.StopTyping(w.id, userID) {
		w.publish(model.EventStopTyping, model.TypingPayload{RoomID: w.id, UserID: userID})
	}
	w.publish(model.EventUserLeft, model.UserPresencePayload{RoomID: w.id, User: w.user(userID)})
}

const mirrorTimeout = 2 * time.Second

func (s *Service) mirrorSet(roomID, userID, connID string) {
	if s.ephemeral == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.ephemeral.SetPresence(ctx, roomID, userID, connID, s.cfg.HeartbeatTTL); err != nil {
		logger.Warnf("presence mirror set room=%s user=%s: %v", roomID, userID, err)
	}
}

func (s *Service) mirrorClear(roomID, userID, connID string) {
	if s.ephemeral == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.ephemeral.ClearPresence(ctx, roomID, userID, connID); err != nil {
		logger.Warnf("presence mirror clear room=%s user=%s: %v", roomID, userID, err)
	}
}

func slowModeKey(roomID, userID string) string {
	return "slow:" + roomID + ":" + userID
}

// claimSlowMode takes the slow-mode slot of userID in roomID for interval. claimed is false
// when the slot store failed and the send went through unchecked.
func (s *Service) claimSlowMode(ctx context.Context, roomID, userID string, interval time.Duration) (claimed bool, err error) {
	ok, left, err := s.slots.ClaimSlot(ctx, slowModeKey(roomID, userID), interval)
	if err != nil {
		logger.Warnf("slow mode room=%s user=%s: %v", roomID, userID, err)
		return false, nil
	}
	if !ok {
		return false, chaterr.RateLimited(retryAfterSeconds(left), "slow mode is on")
	}
	return true, nil
}

func (s *Service) releaseSlowMode(ctx context.Context, roomID, userID string) {
	if err := s.slots.ReleaseSlot(ctx, slowModeKey(roomID, userID)); err != nil {
		logger.Warnf("slow mode release room=%s user=%s: %v", roomID, userID, err)
	}
}
