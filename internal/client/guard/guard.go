// Package guard keeps the client's view of its session consistent with the server. Request
// admission is derived from the held credential; the persisted flag is only a hint. An
// authorization failure flips persisted state before anything navigates, and a breaker stops
// redirect loops.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"timepulse/backend/internal/client/api"
	"timepulse/backend/internal/client/authstate"
	"timepulse/backend/internal/logging"
)

// Validity is the client's belief about the held credential.
type Validity int

const (
	Unknown Validity = iota
	Valid
	Invalid
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Navigation reasons.
const (
	ReasonSessionEnded = "session_ended"
	ReasonCircuitOpen  = "circuit_open"
)

// ErrNotAuthenticated is returned by Admit for a protected route without a valid credential.
var ErrNotAuthenticated = errors.New("not authenticated")

// Navigator moves the user to the public view. It is called without the guard's lock held.
type Navigator func(reason string)

type Options struct {
	// Threshold is how many forced navigations a Window may hold before the breaker opens.
	Threshold int
	Window    time.Duration
	// PublicRoutes are admitted without a credential.
	PublicRoutes []string
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

type Guard struct {
	store     *authstate.Store
	navigate  Navigator
	clock     clockwork.Clock
	log       *slog.Logger
	threshold int
	window    time.Duration
	public    map[string]bool

	mu        sync.Mutex
	validity  Validity
	identity  string
	epoch     uint64
	navigated bool
	failures  []time.Time
	tripped   bool
}

func New(store *authstate.Store, navigate Navigator, opts Options) *Guard {
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if navigate == nil {
		navigate = func(string) {}
	}
	if opts.PublicRoutes == nil {
		opts.PublicRoutes = []string{"login"}
	}
	public := make(map[string]bool, len(opts.PublicRoutes))
	for _, r := range opts.PublicRoutes {
		public[r] = true
	}
	return &Guard{
		store:     store,
		navigate:  navigate,
		clock:     opts.Clock,
		log:       opts.Logger,
		threshold: opts.Threshold,
		window:    opts.Window,
		public:    public,
	}
}

// Init derives validity from the persisted credential. Until it runs validity is Unknown and
// nothing is admitted.
func (g *Guard) Init(ctx context.Context) error {
	cred, err := g.store.Credential(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validity, g.identity = Invalid, ""
	if cred != nil && cred.AccessToken != "" && !cred.Expired(g.clock.Now()) {
		g.validity, g.identity = Valid, cred.UserID
	}
	return nil
}

// Admit reports whether route may be entered. Protected routes need a present, unexpired,
// not-invalidated credential regardless of the persisted flag.
func (g *Guard) Admit(ctx context.Context, route string) error {
	if g.public[route] {
		return nil
	}
	if _, err := g.credential(ctx); err != nil {
		return ErrNotAuthenticated
	}
	return nil
}

// AccessToken implements api.TokenSource.
func (g *Guard) AccessToken(ctx context.Context) (string, error) {
	cred, err := g.credential(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// Credential returns the held credential when it is usable.
func (g *Guard) Credential(ctx context.Context) (*authstate.Credential, error) {
	return g.credential(ctx)
}

func (g *Guard) credential(ctx context.Context) (*authstate.Credential, error) {
	g.mu.Lock()
	if g.validity != Valid || g.tripped {
		g.mu.Unlock()
		return nil, api.ErrNoCredential
	}
	g.mu.Unlock()

	cred, err := g.store.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", api.ErrNoCredential, err)
	}
	if cred == nil || cred.AccessToken == "" {
		g.setValidity(Invalid)
		return nil, api.ErrNoCredential
	}
	if cred.Expired(g.clock.Now()) {
		g.setValidity(Invalid)
		return nil, fmt.Errorf("%w: access token expired", api.ErrNoCredential)
	}
	return cred, nil
}

func (g *Guard) setValidity(v Validity) {
	g.mu.Lock()
	g.validity = v
	g.mu.Unlock()
}

// ValidFor reports whether the held credential is valid and belongs to identity.
func (g *Guard) ValidFor(identity string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validity == Valid && !g.tripped && g.identity == identity
}

// Identity returns the user the current credential was issued to.
func (g *Guard) Identity() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.identity
}

func (g *Guard) Validity() Validity {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.validity
}

func (g *Guard) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// Tripped reports whether the breaker is open.
func (g *Guard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// Hint returns the persisted authenticated flag for optimistic rendering.
func (g *Guard) Hint(ctx context.Context) (bool, error) {
	st, err := g.store.Load(ctx)
	if err != nil {
		return false, err
	}
	return st.Authenticated, nil
}

// ObserveAuthFailure handles a 401, a revoked socket, or a rejected refresh from source.
// Persisted state is false and the credential dropped before Navigator runs. Navigation
// happens at most once per epoch; past the breaker threshold the local state is wiped and
// one terminal navigation is made, after which failures navigate nowhere until Login.
func (g *Guard) ObserveAuthFailure(ctx context.Context, source string) error {
	reason, err := g.observe(ctx, source)
	if reason != "" {
		g.navigate(reason)
	}
	return err
}

func (g *Guard) observe(ctx context.Context, source string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.validity = Invalid
	persistErr := g.store.Invalidate(ctx)
	if persistErr != nil {
		g.log.Error("persist auth failure", "source", source, "error", persistErr)
	}
	if g.tripped {
		return "", persistErr
	}

	now := g.clock.Now()
	g.failures = append(g.failures, now)
	cutoff := now.Add(-g.window)
	kept := g.failures[:0]
	for _, t := range g.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.failures = kept

	if len(g.failures) > g.threshold {
		g.tripped = true
		g.identity = ""
		if err := g.store.Wipe(ctx); err != nil {
			g.log.Error("wipe local state", "error", err)
			persistErr = errors.Join(persistErr, err)
		}
		g.log.Warn("redirect breaker open", "failures", len(g.failures), "window", g.window, "source", source)
		return ReasonCircuitOpen, persistErr
	}
	if g.navigated {
		g.log.Debug("auth failure after navigation", "source", source, "epoch", g.epoch)
		return "", persistErr
	}
	g.navigated = true
	g.log.Info("session ended", "source", source, "epoch", g.epoch)
	return ReasonSessionEnded, persistErr
}

// Login stores cred and starts a new epoch. The breaker is re-armed but its window keeps
// the failures already counted.
func (g *Guard) Login(ctx context.Context, cred authstate.Credential) error {
	if err := g.store.SaveCredential(ctx, cred); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validity = Valid
	g.identity = cred.UserID
	g.epoch++
	g.navigated = false
	g.tripped = false
	return nil
}

// Logout clears local auth state. It does not navigate.
func (g *Guard) Logout(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validity = Invalid
	g.identity = ""
	return g.store.Invalidate(ctx)
}

// OnUnauthorized adapts ObserveAuthFailure to api.UnauthorizedHook.
func (g *Guard) OnUnauthorized(ctx context.Context, source string) {
	_ = g.ObserveAuthFailure(ctx, source)
}
