// One live websocket session per active item. Inbound events are matched to
// their item by correlation id and routed into the queue store; an abnormal
// drop gets a single automatic reconnect; a periodic sweep removes sessions
// whose connection died without a terminal event.

package channel

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vrsandeep/shipyard-go/internal/models"
)

// ChannelError reports a channel that failed to open or dropped
// unexpectedly past its automatic reconnect.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// EventSink receives routed progress events. *queue.Store satisfies it.
type EventSink interface {
	UpdateItemProgress(id models.CorrelationKey, progress int, stage, message string)
	UpdateItemStatus(id models.CorrelationKey, status models.ItemStatus, errMsg string, result *models.UploadResult)
	BindSession(id models.CorrelationKey, sessionID string)
}

// Options tune the manager's documented timings.
type Options struct {
	OpenTimeout    time.Duration // channel-open bound, default 10s
	ReconnectDelay time.Duration // delay before the single reconnect, default 3s
	SweepInterval  time.Duration // stale-session sweep period, default 30s
}

func (o *Options) fill() {
	if o.OpenTimeout == 0 {
		o.OpenTimeout = 10 * time.Second
	}
	if o.ReconnectDelay == 0 {
		o.ReconnectDelay = 3 * time.Second
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 30 * time.Second
	}
}

type session struct {
	id   string
	key  models.CorrelationKey
	conn *websocket.Conn

	connected   bool // false once the read pump exits
	deliberate  bool // manual/intentional close; suppresses reconnection
	reconnected bool // the one automatic reconnect has been spent
	timer       *time.Timer
}

// Manager owns every progress channel session.
type Manager struct {
	mu       sync.Mutex
	endpoint string
	sink     EventSink
	dialer   *websocket.Dialer
	opts     Options

	sessions  map[models.CorrelationKey]*session
	scheduler *gocron.Scheduler
	closed    bool
}

// NewManager returns a Manager dialing endpoint (a ws:// or wss:// URL) and
// routing events into sink. Start starts the stale sweep.
func NewManager(endpoint string, sink EventSink, opts Options) *Manager {
	opts.fill()
	return &Manager{
		endpoint: endpoint,
		sink:     sink,
		dialer:   websocket.DefaultDialer,
		opts:     opts,
		sessions: make(map[models.CorrelationKey]*session),
	}
}

// Start launches the periodic stale-session sweep.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scheduler != nil || m.closed {
		return
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	if _, err := s.Every(m.opts.SweepInterval).Do(m.Sweep); err != nil {
		log.Printf("channel: error scheduling stale sweep: %v", err)
	}
	s.StartAsync()
	m.scheduler = s
}

// CreateSession opens a progress channel for key and returns the session id
// once the open is confirmed. It fails after the configured open timeout.
// Any existing session for the same item is torn down first, and a dial that
// loses a concurrent open for the same item discards its connection and
// adopts the registered session, so at most one live channel exists per item.
func (m *Manager) CreateSession(ctx context.Context, key models.CorrelationKey) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", &ChannelError{Op: "open", Err: fmt.Errorf("manager is shut down")}
	}
	if prev, ok := m.sessions[key]; ok {
		m.teardownLocked(prev)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	conn, err := m.dial(ctx, key)
	if err != nil {
		return "", &ChannelError{Op: "open " + key.String(), Err: err}
	}

	sess := &session{
		id:        uuid.NewString(),
		key:       key,
		conn:      conn,
		connected: true,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return "", &ChannelError{Op: "open", Err: fmt.Errorf("manager is shut down")}
	}
	if prev, ok := m.sessions[key]; ok {
		// A concurrent open for the same item registered while we were
		// dialing. Its channel stands; ours is surplus.
		m.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		return prev.id, nil
	}
	m.sessions[key] = sess
	m.mu.Unlock()

	m.sink.BindSession(key, sess.id)
	go m.readPump(sess)
	return sess.id, nil
}

// CloseSession deliberately tears down an item's channel. No reconnection
// is attempted for a deliberate close.
func (m *Manager) CloseSession(key models.CorrelationKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[key]; ok {
		m.teardownLocked(sess)
		delete(m.sessions, key)
	}
}

// ActiveSessions returns the number of live sessions. Used by the control
// surface and tests.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions whose connection is no longer alive and that have
// no reconnect pending. This catches remote-side failures that never emit a
// terminal event.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sess := range m.sessions {
		if !sess.connected && sess.timer == nil {
			log.Printf("channel: sweeping stale session for item %s", key)
			m.teardownLocked(sess)
			delete(m.sessions, key)
		}
	}
}

// Shutdown cancels pending reconnect timers, closes every open channel with
// the normal close code and clears the registry. No channel or timer
// outlives the manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.scheduler != nil {
		m.scheduler.Stop()
		m.scheduler = nil
	}
	for key, sess := range m.sessions {
		m.teardownLocked(sess)
		delete(m.sessions, key)
	}
}

func (m *Manager) dial(ctx context.Context, key models.CorrelationKey) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.OpenTimeout)
	defer cancel()
	conn, _, err := m.dialer.DialContext(ctx, m.sessionURL(key), nil)
	return conn, err
}

func (m *Manager) sessionURL(key models.CorrelationKey) string {
	return m.endpoint + "?correlation_id=" + url.QueryEscape(key.String())
}

// teardownLocked marks a session deliberate, stops its timer and closes its
// connection with the normal close code. Caller holds m.mu.
func (m *Manager) teardownLocked(sess *session) {
	sess.deliberate = true
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	if sess.conn != nil {
		sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		sess.conn.Close()
	}
}

// readPump forwards events from one session's connection until it closes.
func (m *Manager) readPump(sess *session) {
	conn := sess.conn
	for {
		var event models.ProgressEvent
		if err := conn.ReadJSON(&event); err != nil {
			m.handleClosure(sess, err)
			return
		}
		m.route(sess, &event)
	}
}

// route applies one inbound event. Events whose correlation id does not
// match the session's item are dropped.
func (m *Manager) route(sess *session, event *models.ProgressEvent) {
	if event.CorrelationID != sess.key {
		log.Printf("channel: dropping event for %q on session for %q", event.CorrelationID, sess.key)
		return
	}
	if !event.Terminal() {
		m.sink.UpdateItemProgress(sess.key, event.Progress, event.Stage, event.Message)
		return
	}

	switch {
	case event.Error != "":
		m.sink.UpdateItemStatus(sess.key, models.StatusError, event.Error, event.Metadata)
	case event.Metadata != nil && event.Metadata.Duplicate:
		m.sink.UpdateItemStatus(sess.key, models.StatusDuplicate, "", event.Metadata)
	default:
		m.sink.UpdateItemStatus(sess.key, models.StatusCompleted, "", event.Metadata)
	}
	// Terminal outcome reached; the channel has served its purpose.
	m.CloseSession(sess.key)
}

// handleClosure decides what a dropped connection means. Normal and
// going-away codes, and any deliberate close, end the session quietly. An
// abnormal drop schedules exactly one reconnect attempt.
func (m *Manager) handleClosure(sess *session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess.connected = false
	if m.sessions[sess.key] != sess {
		return // already replaced or removed
	}
	if sess.deliberate || m.closed {
		delete(m.sessions, sess.key)
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		delete(m.sessions, sess.key)
		return
	}
	if sess.reconnected {
		// The one automatic attempt is spent; leave the item in its last
		// known status and let the sweep collect the session.
		log.Printf("channel: session for item %s dropped again, giving up", sess.key)
		return
	}
	sess.reconnected = true
	log.Printf("channel: session for item %s dropped unexpectedly, reconnecting in %s", sess.key, m.opts.ReconnectDelay)
	sess.timer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.reconnect(sess)
	})
}

func (m *Manager) reconnect(sess *session) {
	m.mu.Lock()
	if m.closed || m.sessions[sess.key] != sess {
		m.mu.Unlock()
		return
	}
	sess.timer = nil
	m.mu.Unlock()

	conn, err := m.dial(context.Background(), sess.key)
	if err != nil {
		// Channel loss alone never forces an error transition; the item
		// keeps its last known status.
		log.Printf("channel: reconnect failed for item %s: %v", sess.key, err)
		return
	}

	m.mu.Lock()
	if m.closed || m.sessions[sess.key] != sess {
		m.mu.Unlock()
		conn.Close()
		return
	}
	sess.conn = conn
	sess.connected = true
	m.mu.Unlock()

	log.Printf("channel: session for item %s reconnected", sess.key)
	go m.readPump(sess)
}
