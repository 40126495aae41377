package auth

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// CallbackFunc receives the redirect's query parameters. code is empty when
// the provider reported an error instead.
type CallbackFunc func(state, code, errCode, errDesc string)

// Listener is the short-lived loopback HTTP endpoint receiving one OAuth2
// redirect. It accepts exactly one callback and is shut down by the flow
// manager as soon as the session resolves.
type Listener struct {
	srv  *http.Server
	port int

	mu    sync.Mutex
	taken bool

	closeOnce sync.Once
}

// listenLoopback binds the callback socket; swapped in tests to simulate
// bind failure.
var listenLoopback = func() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

// StartListener binds a loopback ephemeral port and begins serving the
// callback route. Bind failures are wrapped in ErrListener: the redirect
// URI promised to the provider cannot change afterwards, so there is no
// retry here.
func StartListener(fn CallbackFunc) (*Listener, error) {
	ln, err := listenLoopback()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrListener, err)
	}

	l := &Listener{port: ln.Addr().(*net.TCPAddr).Port}

	r := chi.NewRouter()
	r.Get("/callback", l.handleCallback(fn))

	l.srv = &http.Server{
		Handler:     r,
		ReadTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[Listener] Callback server error: %v", err)
		}
	}()

	log.Printf("[Listener] Callback listener on %s", l.RedirectURL())
	return l, nil
}

// Port returns the bound ephemeral port.
func (l *Listener) Port() int { return l.port }

// RedirectURL returns the redirect URI embedded in the authorization URL.
func (l *Listener) RedirectURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", l.port)
}

func (l *Listener) handleCallback(fn CallbackFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l.mu.Lock()
		if l.taken {
			l.mu.Unlock()
			http.Error(w, "Callback already processed", http.StatusBadRequest)
			return
		}
		l.taken = true
		l.mu.Unlock()

		q := r.URL.Query()
		fn(q.Get("state"), q.Get("code"), q.Get("error"), q.Get("error_description"))

		// The page is the same regardless of outcome; the authoritative
		// result travels through the flow manager, not this response.
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, confirmationPage)
	}
}

// Close shuts the listener down and releases its port. Safe to call more
// than once.
func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.srv.Shutdown(ctx); err != nil {
			log.Printf("[Listener] Error shutting down callback listener: %v", err)
		}
	})
}

const confirmationPage = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="UTF-8">
	<title>Authentication Received</title>
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 50px auto; padding: 20px; background: #1a1a2e; color: #eee; text-align: center; }
		h1 { font-size: 22px; }
	</style>
</head>
<body>
	<h1>Authentication response received</h1>
	<p>You can close this window and return to the application.</p>
</body>
</html>
`
