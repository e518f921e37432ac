package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/idlewatch/idlewatch/internal/event"
	"github.com/idlewatch/idlewatch/internal/logging"
)

// ErrAlreadyRunning reports that another daemon holds the control
// socket lock.
var ErrAlreadyRunning = errors.New("daemon already running")

const replyTimeout = 10 * time.Second

// Server bridges HTTP requests into command events. It owns the unix
// socket, its lock file, and nothing else; all state reads go through
// the engine via reply channels.
type Server struct {
	socketPath string
	disp       *event.Dispatcher
	httpSrv    *http.Server
	log        zerolog.Logger

	mu          sync.Mutex
	listener    net.Listener
	lockFile    *os.File
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(socketPath string, disp *event.Dispatcher) *Server {
	s := &Server{
		socketPath: socketPath,
		disp:       disp,
		log:        logging.WithComponent("control"),
	}

	r := chi.NewRouter()
	r.Get("/v1/health", s.handleHealth)
	r.Get("/v1/info", s.command(event.CmdInfo, nil))
	r.Post("/v1/pause", s.handlePause)
	r.Post("/v1/resume", s.command(event.CmdResume, nil))
	r.Post("/v1/toggle-inhibit", s.command(event.CmdToggleInhibit, nil))
	r.Post("/v1/trigger", s.handleTrigger)
	r.Get("/v1/actions", s.command(event.CmdListActions, nil))
	r.Get("/v1/profiles", s.command(event.CmdListProfiles, nil))
	r.Post("/v1/profile", s.handleProfile)
	r.Post("/v1/reload", s.command(event.CmdReload, nil))
	r.Post("/v1/stop", s.command(event.CmdStop, nil))

	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until ctx is canceled. The socket directory, a stale
// socket left by a crashed daemon, and the flock are all handled here.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.socketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not a unix socket: %s", s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close() //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("socket", s.socketPath).Msg("control server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve uds: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) acquireLock() error {
	lockPath := s.socketPath + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return ErrAlreadyRunning
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}

// command builds a handler that injects one command event and waits for
// the engine's reply. mutate, when set, patches the command from the
// request body before the push.
func (s *Server) command(name event.CommandName, mutate func(*http.Request, *event.Command) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev := event.NewCommand(name, "")
		if mutate != nil {
			if err := mutate(r, ev.Command); err != nil {
				s.writeJSON(w, http.StatusBadRequest, Response{Message: err.Error()})
				return
			}
		}
		s.dispatch(w, r, ev)
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, ev event.Event) {
	ctx, cancel := context.WithTimeout(r.Context(), replyTimeout)
	defer cancel()

	if err := s.disp.PushCtx(ctx, ev); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, Response{Message: "daemon busy"})
		return
	}
	select {
	case <-ctx.Done():
		s.writeJSON(w, http.StatusGatewayTimeout, Response{Message: "no reply from engine"})
	case reply := <-ev.Command.Reply:
		status := http.StatusOK
		if !reply.OK {
			status = http.StatusUnprocessableEntity
		}
		s.writeJSON(w, status, Response{
			OK:      reply.OK,
			Message: reply.Message,
			Info:    reply.Info,
			Names:   reply.Names,
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{OK: true, Message: "ok"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, Response{Message: err.Error()})
		return
	}
	ev := event.NewCommand(event.CmdPause, "")
	ev.Command.Until = req.Until
	s.dispatch(w, r, ev)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, Response{Message: err.Error()})
		return
	}
	if req.Target == "" {
		s.writeJSON(w, http.StatusBadRequest, Response{Message: "target required"})
		return
	}
	s.dispatch(w, r, event.NewCommand(event.CmdTrigger, req.Target))
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	var req ProfileRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, Response{Message: err.Error()})
		return
	}
	s.dispatch(w, r, event.NewCommand(event.CmdSetProfile, req.Name))
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("encode response failed")
	}
}
