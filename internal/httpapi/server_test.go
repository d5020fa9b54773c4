package httpapi

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/health"
	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/glimte/mmate-gateway/internal/wire"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/glimte/mmate-gateway/monitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	msgs []*contracts.Message
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, msg *contracts.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

type fakeAdapters []messaging.PortInfo

func (f fakeAdapters) Describe() []messaging.PortInfo { return f }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitMessage(t *testing.T) {
	t.Run("accepts a valid message", func(t *testing.T) {
		svc := &fakeSubmitter{}
		h := New(Config{}, Deps{Service: svc}).Handler()

		rec := do(t, h, http.MethodPost, "/v1/messages",
			`{"sender":"ops","content":"disk full","priority":"high","destinations":[{"type":"sms","address":"+4712345678"}],"metadata":{"ticket":"42"}}`)

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		var resp submitResponse
		require.NoError(t, wire.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.ID)

		require.Len(t, svc.msgs, 1)
		msg := svc.msgs[0]
		assert.Equal(t, resp.ID, msg.ID)
		assert.Equal(t, "ops", msg.Sender)
		assert.Equal(t, contracts.PriorityHigh, msg.Priority)
		assert.Equal(t, "42", msg.Metadata["ticket"])
		assert.Equal(t, []contracts.Destination{{Type: contracts.DestinationSMS, Address: "+4712345678"}}, msg.Destinations)
	})

	t.Run("defaults sender and keeps caller id", func(t *testing.T) {
		svc := &fakeSubmitter{}
		h := New(Config{}, Deps{Service: svc}).Handler()

		rec := do(t, h, http.MethodPost, "/v1/messages",
			`{"id":"abc-1","content":"hi","destinations":[{"type":"chat","address":"5"}]}`)

		require.Equal(t, http.StatusAccepted, rec.Code)
		require.Len(t, svc.msgs, 1)
		assert.Equal(t, "abc-1", svc.msgs[0].ID)
		assert.Equal(t, DefaultSender, svc.msgs[0].Sender)
	})

	t.Run("rejects malformed and invalid bodies", func(t *testing.T) {
		svc := &fakeSubmitter{}
		h := New(Config{}, Deps{Service: svc}).Handler()

		rec := do(t, h, http.MethodPost, "/v1/messages", `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, h, http.MethodPost, "/v1/messages", `{"content":"hi","destinations":[]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp errorResponse
		require.NoError(t, wire.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "invalid request", resp.Error)
		assert.NotEmpty(t, resp.Fields)

		rec = do(t, h, http.MethodPost, "/v1/messages", `{"content":"hi","priority":"urgent","destinations":[{"type":"sms","address":"1"}]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, h, http.MethodPost, "/v1/messages", `{"content":"hi","destinations":[{"type":"sms"}]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		assert.Empty(t, svc.msgs)
	})

	t.Run("maps router errors to status codes", func(t *testing.T) {
		body := `{"content":"hi","destinations":[{"type":"sms","address":"1"}]}`

		svc := &fakeSubmitter{err: &messaging.QueueFullError{Queue: "incoming", Capacity: 1}}
		rec := do(t, New(Config{}, Deps{Service: svc}).Handler(), http.MethodPost, "/v1/messages", body)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))

		svc = &fakeSubmitter{err: &contracts.ValidationError{Field: "content", Reason: "is empty"}}
		rec = do(t, New(Config{}, Deps{Service: svc}).Handler(), http.MethodPost, "/v1/messages", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		svc = &fakeSubmitter{err: messaging.ErrQueueClosed}
		rec = do(t, New(Config{}, Deps{Service: svc}).Handler(), http.MethodPost, "/v1/messages", body)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestInspectionRoutes(t *testing.T) {
	incoming := messaging.NewMemoryQueue("incoming", 4)
	outgoing := messaging.NewMemoryQueue("outgoing", 4)
	require.NoError(t, incoming.Enqueue(contracts.NewMessage("t", "x",
		contracts.Destination{Type: contracts.DestinationSMS, Address: "1"})))

	collector := monitor.NewCollector()
	collector.Report(messaging.Event{Kind: messaging.EventEnqueued, MessageID: "m1"})

	prom, err := monitor.NewPrometheusSink()
	require.NoError(t, err)

	registry := health.NewRegistry()
	registry.Register(health.NewCheckerFunc("ok", func(context.Context) health.CheckResult {
		return health.CheckResult{Name: "ok", Status: health.StatusHealthy}
	}))

	h := New(Config{}, Deps{
		Adapters:   fakeAdapters{{Name: "modem", Kind: "modem", Category: messaging.CategorySMS, Type: contracts.DestinationSMS}},
		Queues:     []messaging.Queue{incoming, outgoing},
		Health:     registry,
		Metrics:    collector,
		Prometheus: prom.Handler(),
		Alerts:     monitor.NewAlerter("gw", registry),
	}).Handler()

	t.Run("queues", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/queues", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var stats []messaging.QueueStats
		require.NoError(t, wire.Unmarshal(rec.Body.Bytes(), &stats))
		require.Len(t, stats, 2)
		assert.Equal(t, "incoming", stats[0].Name)
		assert.Equal(t, 1, stats[0].Size)
	})

	t.Run("adapters", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/adapters", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"modem"`)
	})

	t.Run("metrics snapshot", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/metrics", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var summary monitor.MetricsSummary
		require.NoError(t, wire.Unmarshal(rec.Body.Bytes(), &summary))
		assert.Equal(t, int64(1), summary.EventCounts[messaging.EventEnqueued])
	})

	t.Run("prometheus exposition", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/metrics", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "go_goroutines")
	})

	t.Run("health and liveness", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/healthz", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"healthy"`)

		rec = do(t, h, http.MethodGet, "/livez", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("alerts", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/alerts", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("unconfigured routes are absent", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/deadletters", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = do(t, h, http.MethodPost, "/v1/messages", `{}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDeadLetterRoutes(t *testing.T) {
	ctx := context.Background()
	store := reliability.NewInMemoryDeadLetterStore(10)
	dest := contracts.Destination{Type: contracts.DestinationEmail, Address: "ops@example.com"}
	dl := &reliability.DeadLetter{MessageID: "m1", Destination: dest, Reason: reliability.ReasonPermanent, Error: "550"}
	require.NoError(t, store.Store(ctx, dl))

	h := New(Config{}, Deps{DeadLetters: store}).Handler()

	t.Run("list", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/deadletters?limit=10", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var entries []reliability.DeadLetter
		require.NoError(t, wire.Unmarshal(rec.Body.Bytes(), &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, dl.ID, entries[0].ID)

		rec = do(t, h, http.MethodGet, "/v1/deadletters?limit=abc", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stats", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/deadletters/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var stats reliability.DeadLetterStats
		require.NoError(t, wire.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, 1, stats.Total)
		assert.Equal(t, 1, stats.ByReason[reliability.ReasonPermanent])
	})

	t.Run("by message", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/messages/m1/deadletters", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), dl.ID)

		rec = do(t, h, http.MethodGet, "/v1/messages/unknown/deadletters", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())
	})

	t.Run("get and delete", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/deadletters/"+dl.ID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"permanent"`)

		rec = do(t, h, http.MethodDelete, "/v1/deadletters/"+dl.ID, "")
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = do(t, h, http.MethodGet, "/v1/deadletters/"+dl.ID, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = do(t, h, http.MethodDelete, "/v1/deadletters/"+dl.ID, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("cleanup", func(t *testing.T) {
		rec := do(t, h, http.MethodDelete, "/v1/deadletters?older_than=soon", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = do(t, h, http.MethodDelete, "/v1/deadletters?older_than=1h", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"removed":0}`, rec.Body.String())
	})
}

func TestCORS(t *testing.T) {
	h := New(Config{CORS: CORSConfig{AllowedOrigins: []string{"https://ops.example.com"}}}, Deps{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/v1/queues", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := New(Config{ShutdownTimeout: time.Second}, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/livez")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
