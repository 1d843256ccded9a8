// Package cli implements presencectl, a terminal client for the presence API built on the
// client connection manager, reconciler and session guard.
package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"

	"timepulse/backend/internal/client/api"
	"timepulse/backend/internal/client/authstate"
	"timepulse/backend/internal/client/conn"
	"timepulse/backend/internal/client/guard"
	"timepulse/backend/internal/client/reconciler"
	"timepulse/backend/internal/config"
	"timepulse/backend/internal/presence"
)

// ErrUsage is returned for unknown commands or bad flags.
var ErrUsage = errors.New("usage")

const usage = `usage: presencectl <command> [flags]

commands:
  login  [-email addr]                 sign in and store the credential
  logout                               end the session
  start  -project id -task id [-label] start a timer
  stop                                 stop the running timer
  status                               print who is working on what
  watch                                follow presence changes live
  terminate [-user id]                 end every session of a user (default: yourself)
`

// App wires the client stack for one process.
type App struct {
	cfg    *config.ClientConfig
	out    io.Writer
	in     *bufio.Reader
	log    *slog.Logger
	clock  clockwork.Clock
	store  *authstate.Store
	guard  *guard.Guard
	client *api.Client

	mu      sync.Mutex
	onEnded func()
}

// New builds the App over store. The guard is initialised from the stored credential.
func New(ctx context.Context, cfg *config.ClientConfig, store *authstate.Store, in io.Reader, out io.Writer, log *slog.Logger) (*App, error) {
	a := &App{
		cfg:   cfg,
		out:   out,
		in:    bufio.NewReader(in),
		log:   log,
		clock: clockwork.NewRealClock(),
		store: store,
	}
	a.guard = guard.New(store, a.navigate, guard.Options{
		Threshold: cfg.RedirectBreakerThreshold,
		Window:    cfg.RedirectBreakerWindow,
		Clock:     a.clock,
		Logger:    log,
	})
	if err := a.guard.Init(ctx); err != nil {
		return nil, err
	}
	client, err := api.New(cfg.ServerURL, api.WithTokenSource(a.guard), api.WithUnauthorizedHook(a.guard.OnUnauthorized))
	if err != nil {
		return nil, err
	}
	a.client = client
	return a, nil
}

// navigate is the CLI's "public view": tell the user to sign in again and stop any watch.
func (a *App) navigate(reason string) {
	switch reason {
	case guard.ReasonCircuitOpen:
		fmt.Fprintln(a.out, "Too many authorization failures; local state cleared. Run `presencectl login`.")
	default:
		fmt.Fprintln(a.out, "Session ended. Run `presencectl login` to sign in again.")
	}
	a.mu.Lock()
	fn := a.onEnded
	a.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Run dispatches args[0].
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(a.out, usage)
		return ErrUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "login":
		return a.login(ctx, rest)
	case "logout":
		return a.logout(ctx)
	case "start":
		return a.start(ctx, rest)
	case "stop":
		return a.stop(ctx)
	case "status":
		return a.status(ctx)
	case "watch":
		return a.watch(ctx)
	case "terminate":
		return a.terminate(ctx, rest)
	default:
		fmt.Fprint(a.out, usage)
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
}

func (a *App) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(a.out)
	email := fs.String("email", "", "account email")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if *email == "" {
		v, err := prompt(a.in, a.out, "Email")
		if err != nil {
			return err
		}
		*email = v
	}
	pw, err := promptPassword(a.out)
	if err != nil {
		return err
	}
	defer wipe(pw)

	res, err := a.client.Login(ctx, *email, string(pw))
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return errors.New("invalid email or password")
		}
		return err
	}
	if err := a.guard.Login(ctx, credentialFrom(res)); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	fmt.Fprintf(a.out, "Signed in as %s (%s)\n", *email, res.Role)
	return nil
}

func (a *App) logout(ctx context.Context) error {
	err := a.client.Logout(ctx)
	if err != nil && !errors.Is(err, api.ErrNoCredential) && !errors.Is(err, api.ErrUnauthorized) {
		a.log.Warn("server logout failed, clearing local state", "error", err)
	}
	if err := a.guard.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Signed out.")
	return nil
}

func (a *App) start(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(a.out)
	project := fs.String("project", "", "project id")
	task := fs.String("task", "", "task id")
	label := fs.String("label", "", "optional label")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if *project == "" || *task == "" {
		return fmt.Errorf("%w: -project and -task are required", ErrUsage)
	}
	if err := a.ensureFresh(ctx); err != nil {
		return err
	}
	res, err := a.client.StartTimer(ctx, *project, *task, *label)
	if err != nil {
		return a.explain(err)
	}
	if !res.Changed {
		fmt.Fprintf(a.out, "Already running %s/%s\n", res.Entry.ProjectID, res.Entry.TaskID)
		return nil
	}
	fmt.Fprintf(a.out, "Started %s/%s at %s\n", res.Entry.ProjectID, res.Entry.TaskID, res.Entry.StartedAt.Local().Format(time.Kitchen))
	return nil
}

func (a *App) stop(ctx context.Context) error {
	if err := a.ensureFresh(ctx); err != nil {
		return err
	}
	res, err := a.client.StopTimer(ctx)
	if err != nil {
		if errors.Is(err, api.ErrNotRunning) {
			fmt.Fprintln(a.out, "No timer running.")
			return nil
		}
		return a.explain(err)
	}
	fmt.Fprintf(a.out, "Stopped %s/%s after %s\n", res.Entry.ProjectID, res.Entry.TaskID,
		(time.Duration(res.Entry.DurationSeconds) * time.Second).String())
	return nil
}

func (a *App) status(ctx context.Context) error {
	if err := a.ensureFresh(ctx); err != nil {
		return err
	}
	snap, err := a.client.Presence(ctx)
	if err != nil {
		return a.explain(err)
	}
	if err := a.store.MarkSynced(ctx, a.clock.Now()); err != nil {
		a.log.Warn("persist sync time", "error", err)
	}
	a.printEntries(snap.Entries)
	return nil
}

// watch follows presence over the socket, falling back to polling when the socket is gone.
func (a *App) watch(ctx context.Context) error {
	if err := a.ensureFresh(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.onEnded = cancel
	a.mu.Unlock()

	var rec *reconciler.Reconciler
	rec = reconciler.New(a.client, a.guard, a.store, reconciler.Options{
		DebounceWindow:     a.cfg.PollDebounceWindow,
		StalenessThreshold: a.cfg.PollStalenessThreshold,
		Interval:           a.cfg.PollInterval,
		DegradedInterval:   a.cfg.DegradedPollInterval,
		Clock:              a.clock,
		Logger:             a.log,
		OnChange:           func() { a.printEntries(rec.Entries()) },
	})
	mgr := conn.New(a.client.WebSocketURL(), conn.WebSocketDialer{}, a.guard, rec, conn.Options{
		BaseDelay:   a.cfg.ReconnectBaseDelay,
		MaxDelay:    a.cfg.ReconnectMaxDelay,
		MaxAttempts: a.cfg.ReconnectMaxAttempts,
		Clock:       a.clock,
		Logger:      a.log,
		OnState: func(s conn.State) {
			fmt.Fprintf(a.out, "[%s]\n", s)
		},
		Refresh: a.refresh,
	})

	if _, err := rec.Rehydrate(ctx); err != nil {
		a.log.Warn("rehydrate", "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()
	err := mgr.Run(ctx)
	if errors.Is(err, conn.ErrExhausted) {
		fmt.Fprintln(a.out, "Live updates unavailable; polling.")
		err = <-done
	} else {
		cancel()
		<-done
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ensureFresh refreshes an expired access token when the refresh token is still usable.
func (a *App) ensureFresh(ctx context.Context) error {
	if _, err := a.guard.AccessToken(ctx); err == nil {
		return nil
	}
	if err := a.refresh(ctx); err != nil {
		return a.explain(err)
	}
	return nil
}

// refresh exchanges the stored refresh token for a new credential. A rejected refresh is
// reported to the guard by the client's unauthorized hook.
func (a *App) refresh(ctx context.Context) error {
	cred, err := a.store.Credential(ctx)
	if err != nil {
		return err
	}
	if cred == nil || cred.RefreshToken == "" || (!cred.RefreshExpiresAt.IsZero() && !a.clock.Now().Before(cred.RefreshExpiresAt)) {
		return api.ErrNoCredential
	}
	res, err := a.client.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return err
	}
	return a.guard.Login(ctx, credentialFrom(res))
}

func (a *App) terminate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("terminate", flag.ContinueOnError)
	fs.SetOutput(a.out)
	user := fs.String("user", "", "user id (default: the signed-in user)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if err := a.ensureFresh(ctx); err != nil {
		return err
	}
	target := *user
	if target == "" {
		target = a.guard.Identity()
	}
	res, err := a.client.TerminateUser(ctx, target)
	if err != nil {
		if errors.Is(err, api.ErrForbidden) {
			return errors.New("not allowed to terminate that user")
		}
		return a.explain(err)
	}
	fmt.Fprintf(a.out, "Terminated %s: %d sessions revoked, %d connections closed, timer stopped: %t\n",
		res.UserID, res.SessionsRevoked, res.ConnectionsClosed, res.TimerStopped)
	if target == a.guard.Identity() {
		if err := a.guard.Logout(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) explain(err error) error {
	switch {
	case errors.Is(err, api.ErrUnauthorized), errors.Is(err, api.ErrNoCredential):
		return errors.New("not signed in; run `presencectl login`")
	case errors.Is(err, api.ErrRateLimited):
		return fmt.Errorf("rate limited, retry in %s", api.RetryAfter(err))
	case errors.Is(err, api.ErrUnavailable):
		return errors.New("server temporarily unavailable, try again")
	}
	return err
}

func (a *App) printEntries(entries []presence.Entry) {
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	if len(entries) == 0 {
		fmt.Fprintln(tw, "Nobody is tracking time.")
	} else {
		fmt.Fprintln(tw, "USER\tPROJECT/TASK\tLABEL\tSINCE")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%s\n", e.Identity, e.Task.ProjectID, e.Task.TaskID,
				strings.TrimSpace(e.Label), e.StartedAt.Local().Format(time.Kitchen))
		}
	}
	_ = tw.Flush()
}

func credentialFrom(res *api.TokenResponse) authstate.Credential {
	return authstate.Credential{
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		ExpiresAt:        res.ExpiresAt,
		RefreshExpiresAt: res.RefreshExpiresAt,
		UserID:           res.UserID,
		SessionID:        res.SessionID,
	}
}
