package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// DefaultCallbackAddr is where the consent flow's loopback redirect is
// received.
const DefaultCallbackAddr = "localhost:8085"

// OAuthConfig reads a client credentials file downloaded from the Google
// Cloud console and requests read-only calendar access.
func OAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	cfg, err := googleoauth.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	return cfg, nil
}

// CodeReceiver runs the loopback leg of the consent flow: Google redirects
// the browser to it with an authorization code, which is exchanged for a
// token.
type CodeReceiver struct {
	cfg      oauth2.Config
	state    string
	listener net.Listener
	server   *http.Server
	result   chan callbackResult
}

type callbackResult struct {
	code string
	err  error
}

// ListenForCode starts the callback server on addr and points the redirect
// URL at it. Close must be called when done.
func ListenForCode(cfg *oauth2.Config, addr string) (*CodeReceiver, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening for oauth callback: %w", err)
	}
	host, _, _ := net.SplitHostPort(addr)
	if host == "" {
		host = "localhost"
	}
	port := ln.Addr().(*net.TCPAddr).Port

	r := &CodeReceiver{
		cfg:      *cfg,
		state:    uuid.NewString(),
		listener: ln,
		result:   make(chan callbackResult, 1),
	}
	r.cfg.RedirectURL = fmt.Sprintf("http://%s/callback", net.JoinHostPort(host, strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", r.handleCallback)
	r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.deliver(callbackResult{err: fmt.Errorf("oauth callback server: %w", err)})
		}
	}()
	return r, nil
}

// RedirectURL is the loopback URL Google sends the browser back to.
func (r *CodeReceiver) RedirectURL() string { return r.cfg.RedirectURL }

// AuthURL returns the consent page URL the user must open.
func (r *CodeReceiver) AuthURL() string {
	return r.cfg.AuthCodeURL(r.state, oauth2.AccessTypeOffline)
}

// Wait blocks until the callback arrives or ctx ends, then exchanges the
// code for a token.
func (r *CodeReceiver) Wait(ctx context.Context) (*oauth2.Token, error) {
	var res callbackResult
	select {
	case res = <-r.result:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for authorization: %w", ctx.Err())
	}
	if res.err != nil {
		return nil, res.err
	}
	tok, err := r.cfg.Exchange(ctx, res.code)
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return tok, nil
}

// Close stops the callback server.
func (r *CodeReceiver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.server.Shutdown(ctx)
}

func (r *CodeReceiver) handleCallback(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	if q.Get("state") != r.state {
		http.Error(w, "Authorization failed: state mismatch", http.StatusBadRequest)
		r.deliver(callbackResult{err: errors.New("authorization failed: state mismatch")})
		return
	}
	code := q.Get("code")
	if code == "" {
		msg := q.Get("error")
		http.Error(w, "Authorization failed: "+msg, http.StatusBadRequest)
		r.deliver(callbackResult{err: fmt.Errorf("authorization failed: %s", msg)})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, "calrelay is authorized. You can close this window and return to the terminal.")
	r.deliver(callbackResult{code: code})
}

// deliver keeps the first result; later callbacks are ignored.
func (r *CodeReceiver) deliver(res callbackResult) {
	select {
	case r.result <- res:
	default:
	}
}

// LoadToken reads a token saved by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token file (run 'calrelay auth google' first): %w", err)
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(b, tok); err != nil {
		return nil, fmt.Errorf("parsing token file: %w", err)
	}
	return tok, nil
}

// SaveToken writes tok to path with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	b, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}

// NewFromFiles builds a Source from a credentials file and a saved token.
// Refreshed tokens are kept in memory only.
func NewFromFiles(ctx context.Context, credentialsFile, tokenFile string, logger *slog.Logger) (*Source, error) {
	cfg, err := OAuthConfig(credentialsFile)
	if err != nil {
		return nil, err
	}
	tok, err := LoadToken(tokenFile)
	if err != nil {
		return nil, err
	}
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("creating calendar service: %w", err)
	}
	return New(svc, logger), nil
}
