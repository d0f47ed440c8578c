package hook

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisid/aegis/internal/config"
)

func record(name string, priority int, order *[]string) Func {
	return Func{
		HookName:     name,
		HookPriority: priority,
		RunFunc: func(ctx context.Context, hc *Context) error {
			*order = append(*order, name)
			return nil
		},
	}
}

func failing(name string, priority int, order *[]string, err error) Func {
	return Func{
		HookName:     name,
		HookPriority: priority,
		RunFunc: func(ctx context.Context, hc *Context) error {
			*order = append(*order, name)
			return err
		},
	}
}

func newRegistry(strategy config.HookFailureStrategy) *Registry {
	return NewRegistry(strategy, slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func TestDispatchRunsInPriorityOrder(t *testing.T) {
	r := newRegistry(config.FailFast)
	var order []string
	r.Register(UserPreCreate, record("third", 30, &order))
	r.Register(UserPreCreate, record("first", 10, &order))
	r.Register(UserPreCreate, record("second", 20, &order))

	err := r.Dispatch(context.Background(), UserPreCreate, &Context{Realm: "acme"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDispatchEqualPriorityKeepsRegistrationOrder(t *testing.T) {
	r := newRegistry(config.FailFast)
	var order []string
	r.Register(LoginPreAuth, record("a", 10, &order))
	r.Register(LoginPreAuth, record("b", 10, &order))
	r.Register(LoginPreAuth, record("c", 10, &order))

	require.NoError(t, r.Dispatch(context.Background(), LoginPreAuth, &Context{}))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestDispatchFailFastStopsAtFirstError(t *testing.T) {
	r := newRegistry(config.FailFast)
	var order []string
	boom := errors.New("validation rejected")
	r.Register(UserPreCreate, record("first", 10, &order))
	r.Register(UserPreCreate, failing("second", 20, &order, boom))
	r.Register(UserPreCreate, record("third", 30, &order))

	err := r.Dispatch(context.Background(), UserPreCreate, &Context{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first", "second"}, order, "hooks after the failure never run")
}

func TestDispatchContinueRunsAllAndJoinsErrors(t *testing.T) {
	r := newRegistry(config.Continue)
	var order []string
	first := errors.New("first failure")
	second := errors.New("second failure")
	r.Register(UserPreDelete, failing("a", 10, &order, first))
	r.Register(UserPreDelete, record("b", 20, &order))
	r.Register(UserPreDelete, failing("c", 30, &order, second))

	err := r.Dispatch(context.Background(), UserPreDelete, &Context{})
	assert.Equal(t, []string{"a", "b", "c"}, order)
	require.ErrorIs(t, err, first)
	require.ErrorIs(t, err, second)
}

func TestDispatchUnknownKindIsNoop(t *testing.T) {
	r := newRegistry(config.FailFast)
	require.NoError(t, r.Dispatch(context.Background(), LoginPostAuth, &Context{}))
}

func TestDispatchSharesContextData(t *testing.T) {
	r := newRegistry(config.FailFast)
	r.Register(LoginPostAuth, Func{
		HookName: "writer", HookPriority: 10,
		RunFunc: func(ctx context.Context, hc *Context) error {
			hc.Data["seen"] = true
			return nil
		},
	})
	var got any
	r.Register(LoginPostAuth, Func{
		HookName: "reader", HookPriority: 20,
		RunFunc: func(ctx context.Context, hc *Context) error {
			got = hc.Data["seen"]
			return nil
		},
	})

	require.NoError(t, r.Dispatch(context.Background(), LoginPostAuth, &Context{Data: map[string]any{}}))
	assert.Equal(t, true, got)
}
