package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"
)

const userAgent = "dds-sync-worker/0.1"

const inboundsListPath = "/panel/api/inbounds/list"

// API is the panel capability consumed by the reconciler and the aggregator.
// Manager implements it over the panels' HTTP surface.
type API interface {
	// Login ensures an authenticated session for the server, reusing a
	// recently validated one when possible.
	Login(ctx context.Context, server Server) error
	// ListInbounds returns every inbound of the server.
	ListInbounds(ctx context.Context, server Server) ([]Inbound, error)

	AddInbound(ctx context.Context, server Server, inbound *Inbound) error
	UpdateInbound(ctx context.Context, server Server, id int64, inbound *Inbound) error
	DeleteInbound(ctx context.Context, server Server, id int64) error

	AddClient(ctx context.Context, server Server, inboundID int64, client *Client) error
	UpdateClient(ctx context.Context, server Server, clientID string, inboundID int64, client *Client) error
	DeleteClient(ctx context.Context, server Server, inboundID int64, clientID string) error

	// GetClientTraffic reads the server's current counters for an email.
	// An email the server doesn't know yields zero counters, not an error.
	GetClientTraffic(ctx context.Context, server Server, email string) (Traffic, error)
	// UpdateClientTraffic overwrites the server's counters for an email.
	UpdateClientTraffic(ctx context.Context, server Server, email string, traffic Traffic) error
}

// NetOptions tune HTTP behavior across every panel session.
type NetOptions struct {
	RequestTimeout  time.Duration
	ValidateTTL     time.Duration
	ConnectPoolSize int
}

// Manager speaks the panels' HTTP API. It keeps one cookie-backed session
// per panel and re-validates it lazily: a session validated within the TTL
// is reused without network I/O, an expired one is probed with a lightweight
// inbound listing, and /login runs only when that probe fails.
type Manager struct {
	opts      NetOptions
	transport *http.Transport
	nowFn     func() time.Time

	mu        sync.Mutex
	sessions  map[string]*http.Client
	lastValid map[string]time.Time
}

var _ API = (*Manager)(nil)

// NewManager returns a Manager with zero option fields filled from defaults.
func NewManager(opts NetOptions) *Manager {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.ValidateTTL <= 0 {
		opts.ValidateTTL = time.Minute
	}
	if opts.ConnectPoolSize <= 0 {
		opts.ConnectPoolSize = 50
	}
	return &Manager{
		opts: opts,
		transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        opts.ConnectPoolSize,
			MaxIdleConnsPerHost: opts.ConnectPoolSize,
			IdleConnTimeout:     90 * time.Second,
		},
		nowFn:     time.Now,
		sessions:  make(map[string]*http.Client),
		lastValid: make(map[string]time.Time),
	}
}

// Close drops all panel sessions and idle connections.
func (m *Manager) Close() {
	m.mu.Lock()
	m.sessions = make(map[string]*http.Client)
	m.lastValid = make(map[string]time.Time)
	m.mu.Unlock()
	m.transport.CloseIdleConnections()
}

func (m *Manager) Login(ctx context.Context, server Server) error {
	var base = server.Key()

	if m.validateSession(ctx, server) {
		log.WithField("panel", base).Debug("reusing validated session")
		return nil
	}

	var env, err = m.do(ctx, server, "login", "POST", "/login", struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{server.Username, server.Password})

	if err != nil {
		return err
	} else if !env.Success {
		return fmt.Errorf("login rejected by %s: %s", base, env.message())
	}

	m.markValidated(base)
	log.WithField("panel", base).Info("logged in")
	return nil
}

func (m *Manager) ListInbounds(ctx context.Context, server Server) ([]Inbound, error) {
	var env, err = m.do(ctx, server, "list_inbounds", "GET", inboundsListPath, nil)
	if err != nil {
		return nil, err
	} else if !env.Success {
		return nil, fmt.Errorf("listing inbounds on %s: %s", server.Key(), env.message())
	}

	if len(env.Obj) == 0 || string(env.Obj) == "null" {
		return nil, nil
	}
	var out []Inbound
	if err = json.Unmarshal(env.Obj, &out); err != nil {
		return nil, fmt.Errorf("decoding inbounds from %s: %w", server.Key(), err)
	}
	return out, nil
}

func (m *Manager) AddInbound(ctx context.Context, server Server, inbound *Inbound) error {
	var env, err = m.do(ctx, server, "add_inbound", "POST", "/panel/api/inbounds/add", inbound)
	if err != nil {
		return err
	} else if !env.Success {
		return fmt.Errorf("adding inbound %d on %s: %s", inbound.ID, server.Key(), env.message())
	}
	return nil
}

func (m *Manager) UpdateInbound(ctx context.Context, server Server, id int64, inbound *Inbound) error {
	var path = fmt.Sprintf("/panel/api/inbounds/update/%d", id)
	var env, err = m.do(ctx, server, "update_inbound", "POST", path, inbound)
	if err != nil {
		return err
	} else if !env.Success {
		return fmt.Errorf("updating inbound %d on %s: %s", id, server.Key(), env.message())
	}
	return nil
}

func (m *Manager) DeleteInbound(ctx context.Context, server Server, id int64) error {
	var path = fmt.Sprintf("/panel/api/inbounds/del/%d", id)
	var env, err = m.do(ctx, server, "delete_inbound", "POST", path, nil)
	if err != nil {
		return err
	} else if !env.Success {
		return fmt.Errorf("deleting inbound %d on %s: %s", id, server.Key(), env.message())
	}
	return nil
}

func (m *Manager) AddClient(ctx context.Context, server Server, inboundID int64, client *Client) error {
	var payload, err = clientPayload(inboundID, client)
	if err != nil {
		return err
	}
	env, err := m.do(ctx, server, "add_client", "POST", "/panel/api/inbounds/addClient", payload)
	if err != nil {
		return err
	} else if !env.Success {
		return fmt.Errorf("adding client %s on %s: %s", client.Email, server.Key(), env.message())
	}
	return nil
}

func (m *Manager) UpdateClient(ctx context.Context, server Server, clientID string, inboundID int64, client *Client) error {
	var payload, err = clientPayload(inboundID, client)
	if err != nil {
		return err
	}
	var path = "/panel/api/inbounds/updateClient/" + url.PathEscape(clientID)
	env, err := m.do(ctx, server, "update_client", "POST", path, payload)
	if err != nil {
		return err
	} else if !env.Success {
		return fmt.Errorf("updating client %s on %s: %s", clientID, server.Key(), env.message())
	}
	return nil
}

func (m *Manager) DeleteClient(ctx context.Context, server Server, inboundID int64, clientID string) error {
	var path = fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", inboundID, url.PathEscape(clientID))
	var env, err = m.do(ctx, server, "delete_client", "POST", path, nil)
	if err != nil {
		return err
	} else if !env.Success {
		return fmt.Errorf("deleting client %s on %s: %s", clientID, server.Key(), env.message())
	}
	return nil
}

func (m *Manager) GetClientTraffic(ctx context.Context, server Server, email string) (Traffic, error) {
	var path = "/panel/api/inbounds/getClientTraffics/" + url.PathEscape(email)
	var env, err = m.do(ctx, server, "get_traffic", "GET", path, nil)
	if err != nil {
		return Traffic{}, err
	}

	// Panels answer success=false or a null object for unknown emails.
	if !env.Success || len(env.Obj) == 0 || string(env.Obj) == "null" {
		return Traffic{}, nil
	}
	var t Traffic
	if err = json.Unmarshal(env.Obj, &t); err != nil {
		return Traffic{}, fmt.Errorf("decoding traffic of %s from %s: %w", email, server.Key(), err)
	}
	return t, nil
}

func (m *Manager) UpdateClientTraffic(ctx context.Context, server Server, email string, traffic Traffic) error {
	var path = "/panel/api/inbounds/updateClientTraffic/" + url.PathEscape(email)
	var env, err = m.do(ctx, server, "update_traffic", "POST", path, struct {
		Upload   int64 `json:"upload"`
		Download int64 `json:"download"`
	}{traffic.Up, traffic.Down})

	if err != nil {
		return err
	} else if !env.Success {
		return fmt.Errorf("updating traffic of %s on %s: %s", email, server.Key(), env.message())
	}
	return nil
}

// validateSession reports whether the server's session may be used as-is.
func (m *Manager) validateSession(ctx context.Context, server Server) bool {
	var base = server.Key()

	m.mu.Lock()
	var ts, ok = m.lastValid[base]
	m.mu.Unlock()

	if ok && m.nowFn().Sub(ts) < m.opts.ValidateTTL {
		return true
	}

	var env, err = m.do(ctx, server, "validate", "GET", inboundsListPath, nil)
	if err != nil || !env.Success {
		return false
	}
	m.markValidated(base)
	return true
}

func (m *Manager) markValidated(base string) {
	m.mu.Lock()
	m.lastValid[base] = m.nowFn()
	m.mu.Unlock()
}

// session returns the cookie-backed HTTP client of a panel, creating it on
// first use. Sessions share one transport but never cookies.
func (m *Manager) session(base string) (*http.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.sessions[base]; ok {
		return c, nil
	}
	var jar, err = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	var c = &http.Client{Transport: m.transport, Jar: jar}
	m.sessions[base] = c
	return c, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

func (e *envelope) message() string {
	if e.Msg == "" {
		return "no message"
	}
	return e.Msg
}

func clientPayload(inboundID int64, client *Client) (interface{}, error) {
	var settings, err = json.Marshal(struct {
		Clients []*Client `json:"clients"`
	}{[]*Client{client}})
	if err != nil {
		return nil, fmt.Errorf("encoding client record: %w", err)
	}
	// The panel API takes the clients document as a JSON-encoded string.
	return struct {
		ID       int64  `json:"id"`
		Settings string `json:"settings"`
	}{inboundID, string(settings)}, nil
}

// do issues one request against the server and decodes the response
// envelope. The returned error covers transport and decode failures only;
// callers inspect env.Success for panel-level rejection.
func (m *Manager) do(ctx context.Context, server Server, op, method, path string, body interface{}) (*envelope, error) {
	var base = server.Key()

	var client, err = m.session(base)
	if err != nil {
		return nil, err
	}

	env, err := m.roundTrip(ctx, client, method, base+path, body)
	if err != nil {
		requestsTotal.WithLabelValues(base, op, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", op, base, err)
	}
	if env.Success {
		requestsTotal.WithLabelValues(base, op, "ok").Inc()
	} else {
		requestsTotal.WithLabelValues(base, op, "rejected").Inc()
	}
	return env, nil
}

func (m *Manager) roundTrip(ctx context.Context, client *http.Client, method, url string, body interface{}) (*envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		var b, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	var req, err = http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}

	var env envelope
	if err = json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &env, nil
}
