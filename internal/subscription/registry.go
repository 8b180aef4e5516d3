package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chainwatch/internal/task"
	logx "chainwatch/pkg/logx"
)

const defaultInterval = 5 * time.Second

// subscription binds a session to a channel through a refresh task.
type subscription struct {
	id      string
	channel *Channel
	session string
	params  any
	emitter Emitter
	t       *task.Task
	sched   Scheduler

	// admitMu orders re-admission against cancel.
	admitMu   sync.Mutex
	cancelled atomic.Bool
	dirty     atomic.Bool
	emits     atomic.Int64
	failures  atomic.Int64
}

// refreshState is the task payload carried between runs.
type refreshState struct {
	mu   sync.Mutex
	hash uint64
}

func (st *refreshState) swap(h uint64) (changed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.hash == h {
		return false
	}
	st.hash = h
	return true
}

func (st *refreshState) get() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.hash
}

type Registry struct {
	log   logx.Logger
	time  Scheduler
	head  Scheduler
	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	channels map[string]*Channel
	subs     map[string]*subscription
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New builds a registry. head may be nil when no chain-head channels exist.
func New(timeSched, head Scheduler, log logx.Logger, opts ...Option) *Registry {
	r := &Registry{
		log:      log.With(logx.String("comp", "subscription")),
		time:     timeSched,
		head:     head,
		now:      time.Now,
		newID:    uuid.NewString,
		channels: make(map[string]*Channel),
		subs:     make(map[string]*subscription),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a channel.
func (r *Registry) Register(ch Channel) error {
	ch.Name = strings.TrimSpace(ch.Name)
	if ch.Name == "" {
		return errors.New("channel name is required")
	}
	if ch.Query == nil {
		return fmt.Errorf("channel %s: query is required", ch.Name)
	}
	if ch.Trigger == TriggerChainHead && r.head == nil {
		return fmt.Errorf("channel %s: no chain head scheduler", ch.Name)
	}
	if ch.Trigger == TriggerTime && ch.Interval <= 0 {
		ch.Interval = defaultInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ch.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateChannel, ch.Name)
	}
	r.channels[ch.Name] = &ch
	return nil
}

func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Keys(r.channels)
	sort.Strings(names)
	return names
}

// Subscribe validates args, evaluates the query once and starts the refresh
// task. The initial result is always returned; later results are emitted to em
// only when their content hash changes.
func (r *Registry) Subscribe(ctx context.Context, session, channel string, args json.RawMessage, em Emitter) (Ack, error) {
	r.mu.Lock()
	ch, ok := r.channels[channel]
	r.mu.Unlock()
	if !ok {
		return Ack{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	if em == nil {
		return Ack{}, errors.New("emitter is required")
	}

	var params any = args
	if ch.Validate != nil {
		p, err := ch.Validate(args)
		if err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Channel = ch.Name
				return Ack{}, ve
			}
			return Ack{}, &ValidationError{Channel: ch.Name, Reason: err.Error()}
		}
		params = p
	}

	initial, err := r.query(ctx, ch, params)
	if err != nil {
		return Ack{}, err
	}
	h, err := ContentHash(initial)
	if err != nil {
		return Ack{}, err
	}

	sub := &subscription{
		id:      r.newID(),
		channel: ch,
		session: session,
		params:  params,
		emitter: em,
		sched:   r.time,
	}
	st := &refreshState{hash: h}
	opts := []task.Option{task.WithData(st), task.WithHandler(r.refreshed(sub))}
	if ch.Trigger == TriggerChainHead {
		sub.sched = r.head
		opts = append(opts, task.WithRecurrence(task.OnHead()))
	} else {
		opts = append(opts, task.WithRecurrence(task.Every(ch.Interval)), task.At(r.now().Add(ch.Interval)))
	}
	sub.t = task.New("sub."+ch.Name, func(ctx context.Context, _ *task.Task) (any, error) {
		return r.query(ctx, ch, params)
	}, opts...)

	sub.admitMu.Lock()
	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()
	err = sub.sched.Add(sub.t)
	sub.admitMu.Unlock()
	if err != nil {
		r.mu.Lock()
		delete(r.subs, sub.id)
		r.mu.Unlock()
		r.release(sub)
		return Ack{}, fmt.Errorf("schedule %s: %w", ch.Name, err)
	}
	// The session may have closed while the initial query ran, after its
	// UnsubscribeAll found nothing to cancel.
	if emitterClosed(em) {
		r.Unsubscribe(sub.id)
		return Ack{}, fmt.Errorf("%w: session %s", ErrEmitterClosed, session)
	}
	r.log.Debug("subscribed", logx.String("id", sub.id), logx.String("channel", ch.Name), logx.String("session", session))
	return Ack{ID: sub.id, Initial: initial}, nil
}

// Unsubscribe cancels id. It reports false when id is unknown.
func (r *Registry) Unsubscribe(id string) bool {
	return r.unsubscribe(id, func(*subscription) bool { return true })
}

// UnsubscribeSession cancels id only if session owns it. A subscription of
// another session is reported as unknown.
func (r *Registry) UnsubscribeSession(session, id string) bool {
	return r.unsubscribe(id, func(s *subscription) bool { return s.session == session })
}

func (r *Registry) unsubscribe(id string, allowed func(*subscription) bool) bool {
	r.mu.Lock()
	sub, ok := r.subs[id]
	if ok && !allowed(sub) {
		ok = false
	}
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel(sub)
	return true
}

// UnsubscribeAll cancels every subscription owned by session.
func (r *Registry) UnsubscribeAll(session string) int {
	r.mu.Lock()
	owned := lo.Filter(lo.Values(r.subs), func(s *subscription, _ int) bool { return s.session == session })
	for _, s := range owned {
		delete(r.subs, s.id)
	}
	r.mu.Unlock()

	for _, s := range owned {
		r.cancel(s)
	}
	if len(owned) > 0 {
		r.log.Debug("session subscriptions cancelled", logx.String("session", session), logx.Int("count", len(owned)))
	}
	return len(owned)
}

// Refresh pulls time-triggered subscriptions of channel forward so they run
// now. Subscriptions whose task is executing re-run right after it completes.
func (r *Registry) Refresh(channel string) int {
	r.mu.Lock()
	subs := lo.Filter(lo.Values(r.subs), func(s *subscription, _ int) bool {
		return s.channel.Name == channel && s.channel.Trigger == TriggerTime
	})
	r.mu.Unlock()

	for _, s := range subs {
		if s.cancelled.Load() {
			continue
		}
		r.pullForward(s)
	}
	return len(subs)
}

// pullForward makes a pending refresh due now. A task that is not pending is
// executing, so it is marked to re-run as soon as it completes.
func (r *Registry) pullForward(s *subscription) {
	if adv, ok := s.sched.(advancer); ok {
		// Mark first so a run completing concurrently still re-runs at once.
		s.dirty.Store(true)
		if adv.Advance(s.t) {
			s.dirty.Store(false)
		}
		return
	}
	if !s.sched.Remove(s.t) {
		s.dirty.Store(true)
		return
	}
	s.t.NextRun = time.Time{}
	if err := s.sched.Add(s.t); err != nil {
		r.log.Warn("refresh not admitted", logx.String("id", s.id), logx.Err(err))
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	subs := lo.Values(r.subs)
	r.mu.Unlock()

	infos := lo.Map(subs, func(s *subscription, _ int) Info {
		info := Info{
			ID:       s.id,
			Channel:  s.channel.Name,
			Session:  s.session,
			Emits:    s.emits.Load(),
			Failures: s.failures.Load(),
			Task:     s.t.Status(),
		}
		if st := task.DataOf[refreshState](s.t); st != nil {
			info.Hash = st.get()
		}
		return info
	})
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return Snapshot{Channels: r.Channels(), Subscriptions: infos}
}

// Close cancels every subscription.
func (r *Registry) Close() {
	r.mu.Lock()
	subs := lo.Values(r.subs)
	r.subs = make(map[string]*subscription)
	r.mu.Unlock()
	for _, s := range subs {
		r.cancel(s)
	}
}

func (r *Registry) query(ctx context.Context, ch *Channel, params any) (any, error) {
	if ch.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ch.Timeout)
		defer cancel()
	}
	v, err := ch.Query(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ch.Name, err)
	}
	return v, nil
}

// refreshed is the completion handler of a subscription task. It emits on
// change and re-admits the task unless the subscription ended meanwhile.
func (r *Registry) refreshed(sub *subscription) task.Handler {
	return func(res task.Result, t *task.Task) {
		if sub.cancelled.Load() {
			return
		}
		if emitterClosed(sub.emitter) {
			r.Unsubscribe(sub.id)
			return
		}
		err := res.Err
		var h uint64
		if err == nil {
			h, err = ContentHash(res.Value)
		}
		if err != nil {
			sub.failures.Add(1)
			r.log.Warn("refresh failed", logx.String("id", sub.id), logx.String("channel", sub.channel.Name), logx.Err(err))
			if sub.channel.OnError == Stop {
				r.stopFailed(sub, err)
				return
			}
			r.readmit(sub, t)
			return
		}

		if st := task.DataOf[refreshState](t); st != nil && st.swap(h) && !sub.cancelled.Load() {
			r.emit(sub, Update{ID: sub.id, Channel: sub.channel.Name, Data: res.Value})
		}
		r.readmit(sub, t)
	}
}

func (r *Registry) readmit(sub *subscription, t *task.Task) {
	if emitterClosed(sub.emitter) {
		r.Unsubscribe(sub.id)
		return
	}
	sub.admitMu.Lock()
	defer sub.admitMu.Unlock()
	if sub.cancelled.Load() {
		return
	}
	if sub.channel.Trigger == TriggerTime {
		t.NextRun = r.now().Add(sub.channel.Interval)
		if sub.dirty.Swap(false) {
			t.NextRun = time.Time{}
		}
	}
	if err := sub.sched.Add(t); err != nil {
		r.log.Debug("subscription not re-admitted", logx.String("id", sub.id), logx.Err(err))
	}
}

func (r *Registry) stopFailed(sub *subscription, err error) {
	r.mu.Lock()
	_, ok := r.subs[sub.id]
	delete(r.subs, sub.id)
	r.mu.Unlock()
	if !ok {
		return
	}
	sub.cancelled.Store(true)
	r.release(sub)
	r.emit(sub, Update{ID: sub.id, Channel: sub.channel.Name, Error: err.Error()})
}

func (r *Registry) emit(sub *subscription, u Update) {
	if err := sub.emitter.Emit(sub.channel.Name, u); err != nil {
		r.log.Debug("emit failed", logx.String("id", sub.id), logx.Err(err))
		return
	}
	sub.emits.Add(1)
}

// cancel stops future scheduling. A run in flight completes but its handler
// neither emits nor re-admits.
func (r *Registry) cancel(sub *subscription) {
	sub.admitMu.Lock()
	if sub.cancelled.Swap(true) {
		sub.admitMu.Unlock()
		return
	}
	sub.sched.Remove(sub.t)
	sub.admitMu.Unlock()
	r.release(sub)
}

func (r *Registry) release(sub *subscription) {
	if sub.channel.Release != nil {
		sub.channel.Release(sub.params)
	}
}
