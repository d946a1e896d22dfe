package e2e_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/device-sync/internal/auth"
	"github.com/alexjbarnes/device-sync/internal/dispatch"
	"github.com/alexjbarnes/device-sync/internal/engine"
	"github.com/alexjbarnes/device-sync/internal/mcpserver"
	"github.com/alexjbarnes/device-sync/internal/mirror"
	"github.com/alexjbarnes/device-sync/internal/outbox"
	"github.com/alexjbarnes/device-sync/internal/protocol"
	"github.com/alexjbarnes/device-sync/internal/server"
	"github.com/alexjbarnes/device-sync/internal/state"
	"github.com/alexjbarnes/device-sync/internal/transfer"
	"github.com/alexjbarnes/device-sync/internal/transport"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const hostID = "host-e2e"

// phone is a fake device: a WebSocket server on /socket that records
// every message the host sends and can push messages back.
type phone struct {
	srv      *httptest.Server
	received chan protocol.Message
	accepted chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func newPhone(t *testing.T) *phone {
	t.Helper()

	p := &phone{
		received: make(chan protocol.Message, 256),
		accepted: make(chan struct{}, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/socket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		p.accepted <- struct{}{}

		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}

			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}

			p.received <- msg
		}
	})

	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)

	return p
}

func (p *phone) addr(t *testing.T) transport.Address {
	t.Helper()

	addr, err := transport.ParseAddress(strings.TrimPrefix(p.srv.URL, "http://"))
	require.NoError(t, err)

	return addr
}

// send pushes msg to the host over the current connection.
func (p *phone) send(t *testing.T, msg protocol.Message) {
	t.Helper()

	data, err := protocol.Encode(msg)
	require.NoError(t, err)

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	require.NotNil(t, conn, "phone has no connection")

	require.NoError(t, conn.Write(t.Context(), websocket.MessageText, data))
}

// next returns the next message from the host, skipping other kinds.
func (p *phone) next(t *testing.T, kind protocol.Kind) protocol.Message {
	t.Helper()

	timeout := time.After(5 * time.Second)

	for {
		select {
		case msg := <-p.received:
			if msg.Kind() == kind {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
			return nil
		}
	}
}

// waitAccepted blocks until the host opens a new connection.
func (p *phone) waitAccepted(t *testing.T) {
	t.Helper()

	select {
	case <-p.accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("host never connected")
	}
}

// harness is the full host stack wired as main does, pointed at a phone.
type harness struct {
	phone       *phone
	ctrl        *engine.Controller
	mirror      *mirror.Mirror
	state       *state.State
	downloadDir string
	outboxDir   string
	URL         string
	apiKey      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	dir := t.TempDir()

	st, err := state.LoadAt(dir + "/state.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store, err := transfer.NewStore(dir + "/downloads")
	require.NoError(t, err)

	registry := dispatch.NewRegistry(logger)
	mir := mirror.New(logger)
	mir.Register(registry)

	receiver := transfer.NewReceiver(store, transfer.ReceiverOptions{}, logger)
	receiver.OnEvent(mir.HandleTransfer)
	t.Cleanup(receiver.Close)

	session := transport.NewSession(transport.Config{}, logger)
	ctrl := engine.New(session, registry, receiver, st, engine.Options{
		Local:        protocol.DeviceInfo{ID: hostID, DeviceName: "e2e-host"},
		ToggleGrace:  50 * time.Millisecond,
		ReconnectMin: 20 * time.Millisecond,
		ReconnectMax: 100 * time.Millisecond,
	}, logger)
	ctrl.OnStatus(func(connected bool) {
		if !connected {
			mir.Reset()
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	ctrl.HandleCommands(ctx, registry, nil)

	sender := transfer.NewSender(ctrl, transfer.SenderOptions{ChunkSize: 8, InlineThreshold: 16}, logger)

	p := newPhone(t)
	addr := p.addr(t)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()
		_ = ctrl.Maintain(ctx, addr)
	}()

	outboxDir := dir + "/outbox"
	watcher := outbox.NewWatcher(outboxDir, sender, ctrl, logger)

	go func() {
		defer wg.Done()
		_ = watcher.Watch(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "device-sync-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Controller: ctrl,
		Mirror:     mir,
		Files:      sender,
		Devices:    st,
		Logger:     logger,
	})

	apiKey := auth.GenerateAPIKey()
	keys := auth.NewKeys()
	require.NoError(t, keys.Add("e2e", apiKey))

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys: keys,
		MCPHandler: mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return mcpServer
		}, nil),
		Logger: logger,
	}))
	t.Cleanup(srv.Close)

	p.waitAccepted(t)
	waitFor(t, func() bool {
		_, err := os.Stat(outboxDir + "/" + outbox.SentDir)
		return err == nil
	}, "outbox ready")

	return &harness{
		phone:       p,
		ctrl:        ctrl,
		mirror:      mir,
		state:       st,
		downloadDir: store.Dir(),
		outboxDir:   outboxDir,
		URL:         srv.URL,
		apiKey:      apiKey,
	}
}

// mcpSession creates an MCP client session authenticated with the given
// API key. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	tr := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  http.DefaultTransport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), tr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls name and decodes its JSON text content into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	if dest != nil && !result.IsError {
		require.NotEmpty(t, result.Content)
		tc, ok := result.Content[0].(*mcp.TextContent)
		require.True(t, ok, "first content is not TextContent")
		require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
	}

	return result
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out: %s", msg)
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
