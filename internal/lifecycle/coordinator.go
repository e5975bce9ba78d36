package lifecycle

import (
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/pioner22/client-web-sub000/internal/bus"
	"github.com/pioner22/client-web-sub000/internal/chat"
	"github.com/pioner22/client-web-sub000/internal/outbox"
	"github.com/pioner22/client-web-sub000/internal/persist"
	"github.com/pioner22/client-web-sub000/internal/status"
	"github.com/pioner22/client-web-sub000/internal/sync"
	"github.com/pioner22/client-web-sub000/internal/userstate"
	"github.com/pioner22/client-web-sub000/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrNotSignedIn is returned by operations that need a known user.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrSignedIn is returned when logging in over another signed-in user.
	ErrSignedIn = errors.New("another user is signed in; log out first")
)

// Transport is the part of the wire transport the coordinator drives.
type Transport interface {
	Send(payload any) bool
	SetSelf(userID string)
}

// Credential is the auto-login credential.
type Credential struct {
	UserID string
	Token  string
}

// Valid reports whether the credential can be used to log in.
func (c Credential) Valid() bool {
	return c.UserID != ""
}

// Coordinator feeds connectivity and auth events to the status machine and
// runs the resulting actions. It is the only component that both rolls
// back in-flight work and resyncs.
type Coordinator struct {
	machine   *status.Machine
	transport Transport
	rec       *sync.Reconciler
	history   *sync.History
	outbox    *outbox.Manager
	user      *userstate.State
	gateway   *persist.Gateway
	logger    *zap.Logger
	now       func() time.Time

	mu         gosync.Mutex
	cred       Credential
	generation uint64 // current connection
	authGen    uint64 // connection the last automatic auth was sent on
	authUser   string // user id reported by the last auth_ok
}

// New creates a coordinator and binds the gateway's slots to the live state.
func New(
	machine *status.Machine,
	transport Transport,
	rec *sync.Reconciler,
	history *sync.History,
	ob *outbox.Manager,
	user *userstate.State,
	gateway *persist.Gateway,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		machine:   machine,
		transport: transport,
		rec:       rec,
		history:   history,
		outbox:    ob,
		user:      user,
		gateway:   gateway,
		logger:    logger,
		now:       time.Now,
	}

	userstate.Bind(user, gateway)
	gateway.Outbox.Bind(func() (string, persist.Outbox, bool) {
		id := user.UserID()
		return id, ob.Snapshot(), id != ""
	})
	gateway.History.Bind(func() (string, persist.HistoryCache, bool) {
		id := user.UserID()
		return id, rec.Snapshot(), id != ""
	})
	ob.OnChange(gateway.Outbox.Schedule)
	rec.OnChange(func(chat.Key) { gateway.History.Schedule() })
	return c
}

// SetCredential sets the credential used to log in on every new connection.
func (c *Coordinator) SetCredential(cred Credential) {
	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()
}

// Boot hydrates the credential's user from storage so queued sends and
// cached transcripts are available before the first connection.
func (c *Coordinator) Boot() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred.Valid() {
		c.hydrateLocked(c.cred.UserID)
	}
}

// Status returns the current machine state.
func (c *Coordinator) Status() status.State {
	return c.machine.Current()
}

// Handle applies one transport event. Register it with the transport so
// connection events are seen in order.
func (c *Coordinator) Handle(evt bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt.Kind {
	case bus.ConnConnecting:
		c.applyLocked(status.InConnecting)
	case bus.ConnConnected:
		if p, ok := evt.Payload.(wire.Connected); ok {
			c.generation = p.Generation
		}
		c.applyLocked(status.InConnected)
	case bus.ConnDisconnected:
		c.applyLocked(status.InDisconnected)
	case bus.NetAuthOK:
		c.authUser = ""
		if p, ok := evt.Payload.(wire.AuthOK); ok {
			c.authUser = p.UserID
		}
		c.applyLocked(status.InAuthOK)
	case bus.NetAuthFailed:
		if p, ok := evt.Payload.(wire.AuthFailed); ok {
			c.logger.Warn("authentication rejected", zap.String("reason", p.Reason))
		}
		c.applyLocked(status.InAuthFailed)
	}
}

// Login stores the credential and authenticates the current connection.
// When offline the credential is used as soon as the transport connects.
func (c *Coordinator) Login(userID, token string) error {
	if userID == "" {
		return fmt.Errorf("login: empty user id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.user.UserID(); cur != "" && cur != userID {
		return ErrSignedIn
	}
	c.cred = Credential{UserID: userID, Token: token}
	c.hydrateLocked(userID)

	st := c.machine.Current()
	if st.Transport != status.Connected || st.Auth != status.Unauthenticated {
		return nil
	}
	return c.stepLocked(status.InLogin)
}

// Logout ends the server session, flushes pending writes and clears the
// in-memory user state. Stored data is kept.
func (c *Coordinator) Logout() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.transport.Send(wire.NewLogoutFrame())
	if err := c.stepLocked(status.InLogout); err != nil {
		return err
	}
	c.cred = Credential{}
	return nil
}

// SendText queues text for key and clears the conversation's draft.
func (c *Coordinator) SendText(key chat.Key, text string) (string, error) {
	if c.user.UserID() == "" {
		return "", ErrNotSignedIn
	}
	target, err := key.Target()
	if err != nil {
		return "", err
	}
	localID, err := c.outbox.Enqueue(key, text, target, c.now())
	if err != nil {
		return "", err
	}
	if err := c.user.SetDraft(key, ""); err != nil {
		c.logger.Warn("clear draft failed", zap.Error(err))
	}
	return localID, nil
}

// Open makes key the active conversation and fetches its history: the
// newest page the first time, a delta afterwards. An empty key closes
// the active conversation.
func (c *Coordinator) Open(key chat.Key) error {
	if key != "" && !key.Valid() {
		return fmt.Errorf("open: invalid conversation key %q", string(key))
	}
	c.rec.SetActive(key)
	if key != "" && c.machine.Current().Ready() {
		c.history.RequestHistory(key, sync.RequestOptions{})
	}
	return nil
}

// Flush writes every pending persistence slot. The daemon calls it on
// shutdown.
func (c *Coordinator) Flush() {
	c.gateway.FlushAll()
}

func (c *Coordinator) applyLocked(in status.Input) {
	if err := c.stepLocked(in); err != nil {
		c.logger.Debug("ignoring event", zap.String("input", string(in)), zap.Error(err))
	}
}

func (c *Coordinator) stepLocked(in status.Input) error {
	from := c.machine.Current()
	actions, err := c.machine.Apply(in, c.cred.Valid())
	if err != nil {
		return err
	}
	c.logger.Info("status transition",
		zap.Stringer("from", from),
		zap.Stringer("to", c.machine.Current()),
		zap.String("input", string(in)),
	)
	for _, a := range actions {
		c.runLocked(a, in)
	}
	return nil
}

func (c *Coordinator) runLocked(a status.Action, in status.Input) {
	switch a {
	case status.Rollback:
		c.outbox.OnDisconnect()
		c.history.ClearInFlight()
	case status.Authenticate:
		c.authenticateLocked(in == status.InLogin)
	case status.Resync:
		c.resyncLocked()
	case status.Reset:
		c.resetLocked()
	}
}

func (c *Coordinator) authenticateLocked(manual bool) {
	if !manual && c.authGen == c.generation && c.generation != 0 {
		c.logger.Debug("auth already attempted on this connection", zap.Uint64("generation", c.generation))
		return
	}
	c.authGen = c.generation
	c.logger.Info("authenticating", zap.String("user", c.cred.UserID), zap.Uint64("generation", c.generation))
	if !c.transport.Send(wire.NewAuthFrame(c.cred.UserID, c.cred.Token)) {
		c.logger.Warn("auth frame rejected by transport")
		c.applyLocked(status.InAuthFailed)
	}
}

func (c *Coordinator) resyncLocked() {
	userID := c.authUser
	if userID == "" {
		userID = c.cred.UserID
	}
	if userID == "" {
		c.logger.Warn("authenticated without a user id")
		return
	}
	c.transport.SetSelf(userID)
	c.hydrateLocked(userID)
	c.outbox.SetSendable(true)

	if key := c.rec.Active(); key != "" {
		c.history.RequestHistory(key, sync.RequestOptions{Force: true, DeltaLimit: sync.MaxDeltaLimit})
	}
	sent := c.outbox.Drain(c.now())
	c.logger.Info("session resynced", zap.String("user", userID), zap.Int("drained", sent))
}

// hydrateLocked loads userID's stored state once. A different signed-in
// user is reset first.
func (c *Coordinator) hydrateLocked(userID string) {
	cur := c.user.UserID()
	if cur == userID {
		return
	}
	if cur != "" {
		c.resetLocked()
	}
	c.outbox.SetSelf(userID)
	c.user.Hydrate(userID, userstate.Load(c.gateway, userID))
	if cache, ok := c.gateway.LoadHistory(userID); ok {
		c.rec.Restore(cache)
	}
	if stored, ok := c.gateway.Outbox.Load(userID); ok {
		c.outbox.Restore(stored)
	}
}

func (c *Coordinator) resetLocked() {
	c.gateway.FlushAll()
	c.gateway.CancelAll()
	c.outbox.Reset()
	c.history.Reset()
	c.rec.Reset()
	c.user.Reset()
	c.transport.SetSelf("")
	c.authUser = ""
	c.logger.Info("user state cleared")
}
