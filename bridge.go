package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ============================================================================
// Transport contract
// ============================================================================

// Transport is a push channel. Connect blocks until the channel is
// established; afterwards events and state changes are delivered to the
// given callbacks from the transport's own goroutine, one at a time.
// Reconnection after a drop is the transport's concern.
type Transport interface {
	Connect(ctx context.Context, onEvent func(Event), onState func(RealtimeState)) error
	Disconnect() error
}

// Dialer builds a transport for a session.
type Dialer func(Session) Transport

// BridgeState is the lifecycle state of a Bridge.
type BridgeState string

const (
	BridgeDisconnected BridgeState = "disconnected"
	BridgeConnecting   BridgeState = "connecting"
	BridgeConnected    BridgeState = "connected"
)

// ============================================================================
// Bridge
// ============================================================================

// Bridge owns one push subscription for one session and feeds its events
// into the store through the same merge operations used by the pager and
// the coordinator. A stopped bridge drops every late event.
type Bridge struct {
	session   Session
	store     *Store
	transport Transport
	log       *logrus.Entry

	mu         sync.Mutex
	state      BridgeState
	stopped    bool
	subscribed []string
	onState    func(BridgeState)
}

func newBridge(s Session, store *Store, t Transport, log *logrus.Entry, onState func(BridgeState)) *Bridge {
	return &Bridge{
		session:   s,
		store:     store,
		transport: t,
		log: log.WithFields(logrus.Fields{
			"component": "bridge",
			"user_id":   s.UserID,
			"tenant_id": s.TenantID,
		}),
		state:   BridgeDisconnected,
		onState: onState,
	}
}

// Session returns the session the bridge was created for.
func (b *Bridge) Session() Session {
	return b.session
}

// State returns the current lifecycle state.
func (b *Bridge) State() BridgeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscribed returns the group ids announced by the last readiness event.
func (b *Bridge) Subscribed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.subscribed...)
}

// Start connects the transport.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return errors.New("chatsync: bridge stopped")
	}
	if b.state != BridgeDisconnected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	b.setState(BridgeConnecting)

	if err := b.transport.Connect(ctx, b.Handle, b.transportState); err != nil {
		b.setState(BridgeDisconnected)
		return fmt.Errorf("connect push channel: %w", err)
	}

	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		// Stopped while dialing.
		_ = b.transport.Disconnect()
		return errors.New("chatsync: bridge stopped")
	}
	b.setState(BridgeConnected)
	return nil
}

// Stop disconnects the transport and detaches the bridge from the store.
// It is safe to call more than once.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()
	b.store.settle()

	err := b.transport.Disconnect()
	b.setState(BridgeDisconnected)
	return err
}

// Handle applies one push event to the store. Store writes are admitted
// only while the bridge is live, checked under the store's write lock, so
// nothing lands after Stop returns.
func (b *Bridge) Handle(ev Event) {
	if !b.live() {
		return
	}

	switch e := ev.(type) {
	case MessageNew:
		if _, err := b.store.appendLive(e.Message, b.live); err != nil {
			b.log.WithError(err).WithField("message_id", e.Message.ID).Warn("dropping message event")
		}

	case GroupUpdated:
		if _, err := b.store.applyGroupNotice(e.Group, b.live); err != nil {
			b.log.WithError(err).WithField("group_id", e.Group.ID).Warn("dropping group event")
		}

	case ConnectionReady:
		b.mu.Lock()
		b.subscribed = append([]string(nil), e.GroupIDs...)
		b.mu.Unlock()
		b.log.WithField("groups", len(e.GroupIDs)).Debug("push channel ready")

	default:
		b.log.WithField("type", fmt.Sprintf("%T", ev)).Warn("unhandled event")
	}
}

func (b *Bridge) live() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.stopped
}

func (b *Bridge) transportState(s RealtimeState) {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return
	}
	switch s {
	case StateConnected:
		b.setState(BridgeConnected)
	case StateConnecting:
		b.setState(BridgeConnecting)
	default:
		b.setState(BridgeDisconnected)
	}
}

func (b *Bridge) setState(s BridgeState) {
	b.mu.Lock()
	if b.state == s {
		b.mu.Unlock()
		return
	}
	prev := b.state
	b.state = s
	onState := b.onState
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{"from": prev, "to": s}).Info("bridge state changed")
	if onState != nil {
		onState(s)
	}
}

// ============================================================================
// BridgeSupervisor
// ============================================================================

// BridgeSupervisor keeps at most one live Bridge, bound to the current
// session. Update is the context-change notifier: a session satisfying all
// preconditions gets a fresh bridge, anything else tears the bridge down.
type BridgeSupervisor struct {
	store *Store
	dial  Dialer
	log   *logrus.Entry

	mu      sync.Mutex
	session Session
	bridge  *Bridge
	onState func(BridgeState)
}

// NewBridgeSupervisor creates a supervisor that dials transports with dial.
func NewBridgeSupervisor(store *Store, dial Dialer, log *logrus.Entry) *BridgeSupervisor {
	if log == nil {
		log = defaultLogger()
	}
	return &BridgeSupervisor{
		store: store,
		dial:  dial,
		log:   log,
	}
}

// OnStateChange registers a callback for state changes of every bridge the
// supervisor creates.
func (sv *BridgeSupervisor) OnStateChange(h func(BridgeState)) {
	sv.mu.Lock()
	sv.onState = h
	sv.mu.Unlock()
}

// Update reconciles the bridge with session s. Returns the connect error of
// a newly created bridge; a session that does not satisfy the preconditions
// is not an error.
func (sv *BridgeSupervisor) Update(ctx context.Context, s Session) error {
	sv.mu.Lock()
	if sv.bridge != nil && sv.session == s {
		sv.mu.Unlock()
		return nil
	}
	old := sv.bridge
	sv.bridge = nil
	sv.session = s

	var b *Bridge
	if s.Ready() && sv.dial != nil {
		b = newBridge(s, sv.store, sv.dial(s), sv.log, sv.onState)
		sv.bridge = b
	}
	sv.mu.Unlock()

	if old != nil {
		if err := old.Stop(); err != nil {
			sv.log.WithError(err).Warn("push bridge teardown")
		}
	}
	if b == nil {
		return nil
	}

	if err := b.Start(ctx); err != nil {
		sv.mu.Lock()
		if sv.bridge == b {
			sv.bridge = nil
		}
		sv.mu.Unlock()
		_ = b.Stop()
		return err
	}
	return nil
}

// Stop tears the current bridge down.
func (sv *BridgeSupervisor) Stop() error {
	sv.mu.Lock()
	old := sv.bridge
	sv.bridge = nil
	sv.session = Session{}
	sv.mu.Unlock()
	if old == nil {
		return nil
	}
	return old.Stop()
}

// Current returns the live bridge, or nil when preconditions are unmet.
func (sv *BridgeSupervisor) Current() *Bridge {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.bridge
}

// State returns the live bridge's state, or disconnected without one.
func (sv *BridgeSupervisor) State() BridgeState {
	if b := sv.Current(); b != nil {
		return b.State()
	}
	return BridgeDisconnected
}
