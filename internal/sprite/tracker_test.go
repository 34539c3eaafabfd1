package sprite

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLifecycle(t *testing.T) {
	tr := NewTracker(nil)
	require.Equal(t, Unknown, tr.Status("0"))

	require.True(t, tr.MarkPlaying("0"))
	require.Equal(t, Playing, tr.Status("0"))
	require.False(t, tr.MarkPlaying("0"))

	require.True(t, tr.MarkEnded("0"))
	require.Equal(t, Ended, tr.Status("0"))
	require.False(t, tr.MarkEnded("0"))
	require.False(t, tr.MarkPlaying("0"))
	require.Equal(t, Ended, tr.Status("0"))
}

func TestUnknownIDEndIsRecorded(t *testing.T) {
	var got []Transition
	tr := NewTracker(func(tn Transition) { got = append(got, tn) })

	require.True(t, tr.MarkEnded("7"))
	require.Equal(t, Ended, tr.Status("7"))
	require.Equal(t, []Transition{{SpriteID: "7", From: Unknown, To: Ended}}, got)
}

func TestAwaitEndedImmediateWhenAlreadyEnded(t *testing.T) {
	tr := NewTracker(nil)
	tr.MarkPlaying("1")
	tr.MarkEnded("1")

	// A cancelled context proves AwaitEnded never reaches the blocking select.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tr.AwaitEnded(ctx, "1"))
}

func TestAwaitEndedResolvesOnNotification(t *testing.T) {
	tr := NewTracker(nil)
	tr.MarkPlaying("2")

	result := make(chan error, 1)
	go func() { result <- tr.AwaitEnded(context.Background(), "2") }()

	select {
	case err := <-result:
		t.Fatalf("await returned before end: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, tr.Dispatch(protocol.NewSpriteEnd("2")))
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("await did not resolve")
	}
}

func TestAbortUnblocksPendingWaiters(t *testing.T) {
	tr := NewTracker(nil)
	tr.MarkPlaying("3")
	tr.MarkPlaying("4")
	tr.MarkEnded("4")

	result := make(chan error, 1)
	go func() { result <- tr.AwaitEnded(context.Background(), "3") }()

	time.Sleep(10 * time.Millisecond)
	tr.Abort()
	tr.Abort()

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("await hung after abort")
	}
	require.True(t, tr.Aborted())

	// Already-ended sprites still resolve cleanly after the abort.
	require.NoError(t, tr.AwaitEnded(context.Background(), "4"))
	require.ErrorIs(t, tr.AwaitEnded(context.Background(), "3"), ErrConnectionClosed)
}

func TestAwaitEndedHonoursContext(t *testing.T) {
	tr := NewTracker(nil)
	tr.MarkPlaying("5")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := tr.AwaitEnded(ctx, "5")
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWaitingOnUnseenIDLeavesItUnknown(t *testing.T) {
	tr := NewTracker(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tr.AwaitEnded(ctx, "9"), context.Canceled)
	require.NotContains(t, tr.Snapshot(), "9")
	require.Equal(t, Unknown, tr.Status("9"))

	// A waiter registered before the id is seen is still woken by its end.
	result := make(chan error, 1)
	go func() { result <- tr.AwaitEnded(context.Background(), "9") }()
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		_, ok := tr.pending["9"]
		return ok
	}, time.Second, time.Millisecond)
	require.Empty(t, tr.Snapshot())

	tr.MarkPlaying("9")
	tr.MarkEnded("9")
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter registered before MarkPlaying never woke")
	}
	require.Equal(t, map[string]Status{"9": Ended}, tr.Snapshot())
}

func TestDispatchIgnoresOtherMethods(t *testing.T) {
	tr := NewTracker(nil)
	tr.MarkPlaying("0")

	require.NoError(t, tr.Dispatch(protocol.NewPlaySprite("0")))
	require.Equal(t, Playing, tr.Status("0"))

	require.Error(t, tr.Dispatch(protocol.Message{Method: protocol.MethodSpriteEnd, Params: []byte(`{}`)}))
	require.Equal(t, Playing, tr.Status("0"))
}

func TestOutOfOrderCompletion(t *testing.T) {
	tr := NewTracker(nil)
	for i := 0; i < 3; i++ {
		tr.MarkPlaying(strconv.Itoa(i))
	}
	tr.MarkEnded("2")
	tr.MarkEnded("0")

	require.Equal(t, map[string]Status{"0": Ended, "1": Playing, "2": Ended}, tr.Snapshot())
}

func TestConcurrentEndsWakeEveryWaiter(t *testing.T) {
	tr := NewTracker(nil)
	const n = 50

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		id := strconv.Itoa(i)
		tr.MarkPlaying(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tr.AwaitEnded(context.Background(), id)
		}()
	}
	for i := n - 1; i >= 0; i-- {
		go tr.MarkEnded(strconv.Itoa(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

// Status never moves backward and repeated ends are no-ops after the first.
func TestStatusIsMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := NewTracker(nil)
		ids := []string{"0", "1", "2", "3"}
		last := map[string]Status{}
		ended := map[string]int{}

		ops := rapid.SliceOfN(rapid.IntRange(0, 1), 1, 40).Draw(t, "ops")
		for i, op := range ops {
			id := rapid.SampledFrom(ids).Draw(t, "id"+strconv.Itoa(i))
			switch op {
			case 0:
				tr.MarkPlaying(id)
			case 1:
				if tr.MarkEnded(id) {
					ended[id]++
				}
			}
			got := tr.Status(id)
			if got < last[id] {
				t.Fatalf("status of %s went from %s to %s", id, last[id], got)
			}
			last[id] = got
		}
		for id, n := range ended {
			if n != 1 {
				t.Fatalf("sprite %s reported %d end transitions", id, n)
			}
		}
	})
}
