package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPort struct {
	mock.Mock
	name string
}

func newMockPort(name string) *mockPort {
	return &mockPort{name: name}
}

func (m *mockPort) Name() string { return m.name }

func (m *mockPort) Initialize(ctx context.Context, cfg AdapterConfig) error {
	return m.Called(ctx, cfg).Error(0)
}

func (m *mockPort) SendMessage(ctx context.Context, msg *contracts.Message, dest contracts.Destination) (*contracts.Receipt, error) {
	args := m.Called(ctx, msg, dest)
	if r, ok := args.Get(0).(*contracts.Receipt); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPort) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func portFactory(ports map[string]Port, built *[]string, mu *sync.Mutex) Factory {
	return func(cfg AdapterConfig) (Port, error) {
		mu.Lock()
		*built = append(*built, cfg.Name)
		mu.Unlock()
		p, ok := ports[cfg.Name]
		if !ok {
			return nil, errors.New("no such test port")
		}
		return p, nil
	}
}

func TestRegistryBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("only enabled adapters are constructed and initialized", func(t *testing.T) {
		modem := newMockPort("modem")
		modem.On("Initialize", mock.Anything, mock.Anything).Return(nil).Once()
		gammu := newMockPort("gammu")

		var built []string
		var mu sync.Mutex
		r := NewRegistry()
		r.RegisterFactory("test", portFactory(map[string]Port{"modem": modem, "gammu": gammu}, &built, &mu))

		err := r.Build(ctx, []AdapterConfig{
			{Name: "gammu", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: false},
			{Name: "modem", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
		})
		require.NoError(t, err)

		assert.Equal(t, []string{"modem"}, built)
		modem.AssertExpectations(t)
		gammu.AssertNotCalled(t, "Initialize", mock.Anything, mock.Anything)

		p, err := r.Lookup(contracts.DestinationSMS)
		require.NoError(t, err)
		assert.Same(t, modem, p)

		p, err = r.Get(CategorySMS, "modem")
		require.NoError(t, err)
		assert.Same(t, modem, p)
	})

	t.Run("lookup of unserved type fails", func(t *testing.T) {
		modem := newMockPort("modem")
		modem.On("Initialize", mock.Anything, mock.Anything).Return(nil)

		var built []string
		var mu sync.Mutex
		r := NewRegistry()
		r.RegisterFactory("test", portFactory(map[string]Port{"modem": modem}, &built, &mu))
		require.NoError(t, r.Build(ctx, []AdapterConfig{
			{Name: "modem", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
		}))

		_, err := r.Lookup(contracts.DestinationEmail)
		var nf *AdapterNotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, contracts.DestinationEmail, nf.Type)
		assert.ErrorIs(t, err, ErrAdapterNotFound)

		_, err = r.Get(CategoryIntegration, "telegram")
		assert.ErrorIs(t, err, ErrAdapterNotFound)
	})

	t.Run("initialization failure is not fatal for other adapters", func(t *testing.T) {
		broken := newMockPort("broken")
		broken.On("Initialize", mock.Anything, mock.Anything).Return(errors.New("no device"))
		ok := newMockPort("ok")
		ok.On("Initialize", mock.Anything, mock.Anything).Return(nil)

		var built []string
		var mu sync.Mutex
		r := NewRegistry()
		r.RegisterFactory("test", portFactory(map[string]Port{"broken": broken, "ok": ok}, &built, &mu))

		err := r.Build(ctx, []AdapterConfig{
			{Name: "broken", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
			{Name: "ok", Kind: "test", Category: CategoryIntegration, Type: contracts.DestinationChat, Enabled: true},
		})
		require.NoError(t, err)

		assert.Len(t, r.Ports(), 1)
		require.Len(t, r.InitErrors(), 1)
		assert.ErrorIs(t, r.InitErrors()[0], ErrInitialization)

		_, err = r.Lookup(contracts.DestinationSMS)
		assert.ErrorIs(t, err, ErrAdapterNotFound)
	})

	t.Run("no usable adapters is fatal", func(t *testing.T) {
		broken := newMockPort("broken")
		broken.On("Initialize", mock.Anything, mock.Anything).Return(errors.New("no device"))

		var built []string
		var mu sync.Mutex
		r := NewRegistry()
		r.RegisterFactory("test", portFactory(map[string]Port{"broken": broken}, &built, &mu))

		err := r.Build(ctx, []AdapterConfig{
			{Name: "broken", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
			{Name: "unknown", Kind: "missing", Category: CategorySMS, Type: contracts.DestinationEmail, Enabled: true},
		})
		assert.ErrorIs(t, err, ErrNoUsableAdapters)
		assert.ErrorIs(t, err, ErrUnknownAdapterKind)
	})

	t.Run("ambiguous adapters are rejected by default", func(t *testing.T) {
		r := NewRegistry()
		err := r.Build(ctx, []AdapterConfig{
			{Name: "a", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
			{Name: "b", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
		})
		assert.ErrorIs(t, err, ErrAmbiguousAdapters)
	})

	t.Run("first wins policy routes to first configured adapter", func(t *testing.T) {
		a := newMockPort("a")
		a.On("Initialize", mock.Anything, mock.Anything).Return(nil)
		b := newMockPort("b")
		b.On("Initialize", mock.Anything, mock.Anything).Return(nil)

		var built []string
		var mu sync.Mutex
		r := NewRegistry(WithAmbiguityPolicy(AmbiguityFirstWins))
		r.RegisterFactory("test", portFactory(map[string]Port{"a": a, "b": b}, &built, &mu))

		require.NoError(t, r.Build(ctx, []AdapterConfig{
			{Name: "a", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
			{Name: "b", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
		}))

		p, err := r.Lookup(contracts.DestinationSMS)
		require.NoError(t, err)
		assert.Same(t, a, p)
	})

	t.Run("duplicate names are rejected", func(t *testing.T) {
		r := NewRegistry()
		err := r.Build(ctx, []AdapterConfig{
			{Name: "a", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
			{Name: "a", Kind: "test", Category: CategorySMS, Type: contracts.DestinationChat, Enabled: true},
		})
		assert.ErrorIs(t, err, ErrDuplicateAdapter)
	})

	t.Run("init retry recovers flaky adapters", func(t *testing.T) {
		flaky := newMockPort("flaky")
		flaky.On("Initialize", mock.Anything, mock.Anything).Return(errors.New("busy")).Once()
		flaky.On("Initialize", mock.Anything, mock.Anything).Return(nil).Once()

		var built []string
		var mu sync.Mutex
		r := NewRegistry(WithInitRetry(reliability.NewFixedDelay(time.Millisecond, 3)))
		r.RegisterFactory("test", portFactory(map[string]Port{"flaky": flaky}, &built, &mu))

		require.NoError(t, r.Build(ctx, []AdapterConfig{
			{Name: "flaky", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
		}))
		flaky.AssertNumberOfCalls(t, "Initialize", 2)
	})

	t.Run("build runs once", func(t *testing.T) {
		r := NewRegistry()
		_ = r.Build(ctx, nil)
		assert.Error(t, r.Build(ctx, nil))
	})
}

func TestRegistryShutdown(t *testing.T) {
	ctx := context.Background()

	var order []string
	var orderMu sync.Mutex
	record := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) {
			orderMu.Lock()
			order = append(order, name)
			orderMu.Unlock()
		}
	}

	first := newMockPort("first")
	first.On("Initialize", mock.Anything, mock.Anything).Return(nil)
	first.On("Shutdown", mock.Anything).Run(record("first")).Return(nil).Once()

	second := newMockPort("second")
	second.On("Initialize", mock.Anything, mock.Anything).Return(nil)
	second.On("Shutdown", mock.Anything).Run(record("second")).Return(errors.New("port stuck")).Once()

	var built []string
	var mu sync.Mutex
	r := NewRegistry()
	r.RegisterFactory("test", portFactory(map[string]Port{"first": first, "second": second}, &built, &mu))
	require.NoError(t, r.Build(ctx, []AdapterConfig{
		{Name: "first", Kind: "test", Category: CategorySMS, Type: contracts.DestinationSMS, Enabled: true},
		{Name: "second", Kind: "test", Category: CategoryIntegration, Type: contracts.DestinationChat, Enabled: true},
	}))

	err := r.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port stuck")
	assert.Equal(t, []string{"second", "first"}, order)

	assert.NoError(t, r.Shutdown(ctx))
	first.AssertNumberOfCalls(t, "Shutdown", 1)
	second.AssertNumberOfCalls(t, "Shutdown", 1)

	_, err = r.Lookup(contracts.DestinationSMS)
	assert.ErrorIs(t, err, ErrAdapterNotFound)
}

func TestParseAmbiguityPolicy(t *testing.T) {
	p, err := ParseAmbiguityPolicy("")
	require.NoError(t, err)
	assert.Equal(t, AmbiguityReject, p)

	p, err = ParseAmbiguityPolicy("first_wins")
	require.NoError(t, err)
	assert.Equal(t, AmbiguityFirstWins, p)

	_, err = ParseAmbiguityPolicy("random")
	assert.Error(t, err)
}

func TestAdapterConfigDecodeSettings(t *testing.T) {
	var s struct {
		Probability float64       `mapstructure:"message_probability"`
		Delay       time.Duration `mapstructure:"delay"`
		Recipients  []string      `mapstructure:"recipients"`
	}
	cfg := AdapterConfig{Name: "stub", Settings: map[string]any{
		"message_probability": "0.25",
		"delay":               "1500ms",
		"recipients":          "a,b",
	}}

	require.NoError(t, cfg.DecodeSettings(&s))
	assert.Equal(t, 0.25, s.Probability)
	assert.Equal(t, 1500*time.Millisecond, s.Delay)
	assert.Equal(t, []string{"a", "b"}, s.Recipients)

	bad := AdapterConfig{Name: "stub", Settings: map[string]any{"delay": "soon"}}
	err := bad.DecodeSettings(&s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "adapter stub")
}
