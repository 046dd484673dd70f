package ipc

import (
	"context"
	"net/http"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/bloom.scanner/internal/httputil"
	"github.com/banshee-data/bloom.scanner/internal/serialmux"
)

// AttachAdminRoutes mounts the session pages on the debug mux: a JSON status
// snapshot, a live tail of the protocol output and the DAQ bridge console.
func (s *Session) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.Handle("status", "Session status (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.Status())
	}))

	debug.HandleSilentFunc("protocol-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		id, c := s.out.Subscribe()
		defer s.out.Unsubscribe(id)
		serialmux.ServeLines(w, r, c)
	})

	serialmux.AttachRoutes(mux, &bridgeProxy{s: s})
}

// bridgeProxy forwards the bridge console to whichever serial bridge the
// session currently holds. With no bridge open it behaves like a disabled
// mux.
type bridgeProxy struct {
	s *Session

	mu       sync.Mutex
	disabled *serialmux.DisabledSerialMux
	owners   map[string]serialmux.SerialMuxInterface
}

var _ serialmux.SerialMuxInterface = (*bridgeProxy)(nil)

func (p *bridgeProxy) target() serialmux.SerialMuxInterface {
	if b := p.s.bridge(); b != nil {
		return b.Mux()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled == nil {
		p.disabled = serialmux.NewDisabledSerialMux()
	}
	return p.disabled
}

func (p *bridgeProxy) Subscribe() (string, chan string) {
	t := p.target()
	id, ch := t.Subscribe()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owners == nil {
		p.owners = make(map[string]serialmux.SerialMuxInterface)
	}
	p.owners[id] = t
	return id, ch
}

func (p *bridgeProxy) Unsubscribe(id string) {
	p.mu.Lock()
	t, ok := p.owners[id]
	delete(p.owners, id)
	p.mu.Unlock()
	if ok {
		t.Unsubscribe(id)
	}
}

func (p *bridgeProxy) SendCommand(command string) error {
	return p.target().SendCommand(command)
}

// Monitor is driven by the bridge driver itself.
func (p *bridgeProxy) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Close leaves the bridge to its driver.
func (p *bridgeProxy) Close() error { return nil }

func (p *bridgeProxy) AttachAdminRoutes(mux *http.ServeMux) {
	serialmux.AttachRoutes(mux, p)
}
