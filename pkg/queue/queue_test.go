package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var errBoom = errors.New("boom")

func echo(ctx context.Context, args map[string]any) (any, error) {
	return args["v"], nil
}

func testBundle() Bundle {
	return Bundle{
		{Name: "echo", Handler: echo},
		{Name: "write", Mutates: true, Handler: echo},
		{Name: "fail", Handler: func(context.Context, map[string]any) (any, error) {
			return nil, fmt.Errorf("wrapped: %w", errBoom)
		}},
		{Name: "panic", Handler: func(context.Context, map[string]any) (any, error) {
			panic("kaboom")
		}},
		{Name: "request-id", Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			return RequestID(ctx), nil
		}},
	}
}

func startQueue(t *testing.T, opts Options, bundles ...Bundle) *Queue {
	t.Helper()
	q := New(opts, append([]Bundle{testBundle()}, bundles...)...)
	require.NoError(t, q.Begin())
	t.Cleanup(func() { _ = q.Stop(context.Background()) })
	return q
}

func TestQueue_Exec(t *testing.T) {
	ctx := context.Background()
	q := startQueue(t, Options{})

	t.Run("success", func(t *testing.T) {
		v, err := q.Exec(ctx, "echo", map[string]any{"v": 42})
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	})

	t.Run("handler_error_is_command_error", func(t *testing.T) {
		_, err := q.Exec(ctx, "fail", nil)
		var ce *CommandError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "fail", ce.Command)
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("unknown_command", func(t *testing.T) {
		_, err := q.Exec(ctx, "nope", nil)
		assert.ErrorIs(t, err, ErrCommandNotFound)
	})

	t.Run("panic_is_recovered", func(t *testing.T) {
		_, err := q.Exec(ctx, "panic", nil)
		var ce *CommandError
		require.ErrorAs(t, err, &ce)
		assert.Contains(t, err.Error(), "kaboom")

		// The worker survived.
		v, err := q.Exec(ctx, "echo", map[string]any{"v": "still here"})
		require.NoError(t, err)
		assert.Equal(t, "still here", v)
	})

	t.Run("request_id_reaches_handler", func(t *testing.T) {
		ch, err := q.AddWithID("req-1", "request-id", nil)
		require.NoError(t, err)
		v, err := q.Await(ctx, ch, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "req-1", v)
	})

	stats := q.Stats()
	assert.Equal(t, "running", stats.State)
	assert.Equal(t, uint64(3), stats.Failed)
	assert.Equal(t, uint64(6), stats.Processed)
}

func TestQueue_FIFOAcrossSubmitters(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []Completion
	)
	q := New(Options{Capacity: 4096}, testBundle())
	require.NoError(t, q.Observe(func(c Completion) {
		mu.Lock()
		seen = append(seen, c)
		mu.Unlock()
	}))
	require.NoError(t, q.Begin())
	defer q.Stop(context.Background())

	const submitters, perSubmitter = 8, 50
	var g errgroup.Group
	for s := 0; s < submitters; s++ {
		s := s
		g.Go(func() error {
			var chans []<-chan Result
			for i := 0; i < perSubmitter; i++ {
				ch, err := q.Add("write", map[string]any{"v": fmt.Sprintf("%d-%d", s, i)})
				if err != nil {
					return err
				}
				chans = append(chans, ch)
			}
			for i, ch := range chans {
				v, err := q.Await(context.Background(), ch, 5*time.Second)
				if err != nil {
					return err
				}
				if want := fmt.Sprintf("%d-%d", s, i); v != want {
					return fmt.Errorf("got %v, want %s", v, want)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, q.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, submitters*perSubmitter)

	lastBySubmitter := map[string]int{}
	for i, c := range seen {
		assert.Equal(t, uint64(i+1), c.Seq, "completions follow enqueue order")
		assert.True(t, c.Mutates)
		assert.False(t, c.Finished.Before(c.Started))
		if i > 0 {
			assert.False(t, c.Started.Before(seen[i-1].Finished), "commands never overlap")
		}

		var s, n int
		_, err := fmt.Sscanf(c.Args["v"].(string), "%d-%d", &s, &n)
		require.NoError(t, err)
		key := fmt.Sprint(s)
		if prev, ok := lastBySubmitter[key]; ok {
			assert.Equal(t, prev+1, n, "per-submitter order is preserved")
		}
		lastBySubmitter[key] = n
	}
}

// blocker returns a command that parks the worker until release is closed.
func blocker(started chan<- struct{}, release <-chan struct{}) Command {
	return Command{Name: "block", Handler: func(context.Context, map[string]any) (any, error) {
		started <- struct{}{}
		<-release
		return "released", nil
	}}
}

func TestQueue_TimeoutDoesNotCancel(t *testing.T) {
	started, release := make(chan struct{}, 1), make(chan struct{})
	q := startQueue(t, Options{}, Bundle{blocker(started, release)})

	ch, err := q.Add("block", nil)
	require.NoError(t, err)
	<-started

	_, err = q.Await(context.Background(), ch, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	close(release)
	v, err := q.Await(context.Background(), ch, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "released", v, "the command completed after the caller gave up")
}

func TestQueue_Full(t *testing.T) {
	started, release := make(chan struct{}, 1), make(chan struct{})
	q := startQueue(t, Options{Capacity: 1}, Bundle{blocker(started, release)})

	_, err := q.Add("block", nil)
	require.NoError(t, err)
	<-started

	_, err = q.Add("echo", nil)
	require.NoError(t, err)
	_, err = q.Add("echo", nil)
	assert.ErrorIs(t, err, ErrQueueFull)

	close(release)
}

func TestQueue_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("add_before_begin", func(t *testing.T) {
		q := New(Options{}, testBundle())
		_, err := q.Add("echo", nil)
		assert.ErrorIs(t, err, ErrNotRunning)
		assert.Equal(t, StateIdle, q.State())
		require.NoError(t, q.Stop(ctx))
		assert.Equal(t, StateStopped, q.State())
	})

	t.Run("register_after_begin", func(t *testing.T) {
		q := startQueue(t, Options{})
		assert.ErrorIs(t, q.Register(Command{Name: "late", Handler: echo}), ErrAlreadyStarted)
		assert.ErrorIs(t, q.Begin(), ErrAlreadyStarted)
	})

	t.Run("flush_waits_for_queued_work", func(t *testing.T) {
		started, release := make(chan struct{}, 1), make(chan struct{})
		q := startQueue(t, Options{}, Bundle{blocker(started, release)})

		_, err := q.Add("block", nil)
		require.NoError(t, err)
		var chans []<-chan Result
		for i := 0; i < 10; i++ {
			ch, err := q.Add("echo", map[string]any{"v": i})
			require.NoError(t, err)
			chans = append(chans, ch)
		}
		<-started

		flushed := make(chan error, 1)
		go func() { flushed <- q.Flush(ctx) }()

		require.Eventually(t, func() bool { return q.State() == StateDraining }, time.Second, time.Millisecond)
		_, err = q.Add("echo", nil)
		assert.ErrorIs(t, err, ErrNotRunning, "no intake while draining")

		select {
		case <-flushed:
			t.Fatal("flush returned while a command was still running")
		case <-time.After(20 * time.Millisecond):
		}

		close(release)
		require.NoError(t, <-flushed)
		for _, ch := range chans {
			select {
			case r := <-ch:
				assert.True(t, r.OK())
			default:
				t.Fatal("flush returned before every queued command completed")
			}
		}

		require.NoError(t, q.Stop(ctx))
		assert.Equal(t, StateStopped, q.State())
		<-q.Done()
	})

	t.Run("final_command_stops_intake", func(t *testing.T) {
		q := startQueue(t, Options{}, Bundle{{Name: "shutdown", Final: true, Handler: echo}})

		first, err := q.Add("shutdown", map[string]any{"v": "bye"})
		require.NoError(t, err)
		v, err := q.Await(ctx, first, time.Second)
		require.NoError(t, err)
		assert.Equal(t, "bye", v)

		select {
		case <-q.Done():
		case <-time.After(time.Second):
			t.Fatal("worker did not exit after final command")
		}
		assert.Equal(t, StateStopped, q.State())
		_, err = q.Add("echo", nil)
		assert.ErrorIs(t, err, ErrNotRunning)
	})

	t.Run("panicking_observer", func(t *testing.T) {
		q := New(Options{}, testBundle())
		require.NoError(t, q.Observe(func(Completion) { panic("observer") }))
		require.NoError(t, q.Begin())
		defer q.Stop(ctx)

		v, err := q.Exec(ctx, "echo", map[string]any{"v": 1})
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})
}

func TestBundle_Names(t *testing.T) {
	assert.Equal(t, []string{"echo", "write", "fail", "panic", "request-id"}, testBundle().Names())
}
