package board

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shubhambandhovar/CanvasFlow-AI/domain"
)

type mockConn struct{ id string }

func (m *mockConn) ID() string             { return m.id }
func (m *mockConn) Send(data []byte) error { return nil }
func (m *mockConn) Close() error           { return nil }

type broadcastCall struct {
	roomID    string
	event     string
	payload   any
	excludeID string
}

type mockBroadcaster struct {
	calls []broadcastCall
	mu    sync.Mutex
}

func (m *mockBroadcaster) Broadcast(roomID, event string, payload any, exclude domain.Connection) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, broadcastCall{roomID: roomID, event: event, payload: payload, excludeID: exclude.ID()})
	return 1
}

func (m *mockBroadcaster) SendTo(conn domain.Connection, event string, payload any) error {
	return nil
}

func (m *mockBroadcaster) getCalls() []broadcastCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type failingStore struct {
	domain.BoardStore
	err error
}

func (f *failingStore) SaveBoard(ctx context.Context, boardID string, objects []json.RawMessage, version int64, updatedAt time.Time) (int64, error) {
	return 0, f.err
}

func objects(raw ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(raw))
	for i, r := range raw {
		out[i] = json.RawMessage(r)
	}
	return out
}

func TestCoordinator_ApplyUpdate(t *testing.T) {
	store := NewMemoryStore()
	b := &mockBroadcaster{}
	c := NewCoordinator(store, b)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	source := &mockConn{id: "c1"}

	objs := objects(`{"id":"o1","type":"rectangle","data":{"x":1}}`)
	res, err := c.ApplyUpdate(context.Background(), "r1", objs, 3, source)
	require.NoError(t, err)

	assert.Equal(t, int64(3), res.Version)
	assert.Equal(t, int64(0), res.PreviousVersion)
	assert.Equal(t, 1, res.Delivered)

	calls := b.getCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "r1", calls[0].roomID)
	assert.Equal(t, domain.EventBoardUpdated, calls[0].event)
	assert.Equal(t, "c1", calls[0].excludeID)
	assert.Equal(t, updatedPayload{Objects: objs, Version: 3}, calls[0].payload)

	state, err := store.LoadBoard(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Version)
	assert.Equal(t, fixed, state.UpdatedAt)
	assert.Equal(t, objs, state.Objects)
}

func TestCoordinator_PersistFailureIsNotBroadcast(t *testing.T) {
	storeErr := errors.New("connection refused")
	b := &mockBroadcaster{}
	c := NewCoordinator(&failingStore{err: storeErr}, b)

	_, err := c.ApplyUpdate(context.Background(), "r1", objects(`{}`), 4, &mockConn{id: "c1"})

	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
	assert.Empty(t, b.getCalls())
}

func TestCoordinator_LastWriteWins(t *testing.T) {
	tests := []struct {
		name         string
		versions     []int64
		wantStored   int64
		wantPrevious []int64
	}{
		{
			name:         "increasing versions",
			versions:     []int64{5, 7},
			wantStored:   7,
			wantPrevious: []int64{0, 5},
		},
		{
			name:         "skipped versions are accepted",
			versions:     []int64{1, 4, 9},
			wantStored:   9,
			wantPrevious: []int64{0, 1, 4},
		},
		// Deliberately lets the broadcast version go backwards for a
		// sequential update: there is no version check, the last save wins.
		{
			name:         "stale version still overwrites",
			versions:     []int64{7, 5},
			wantStored:   5,
			wantPrevious: []int64{0, 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			b := &mockBroadcaster{}
			c := NewCoordinator(store, b)

			for i, v := range tt.versions {
				res, err := c.ApplyUpdate(context.Background(), "r1", objects(fmt.Sprintf(`{"v":%d}`, v)), v, &mockConn{id: "c1"})
				require.NoError(t, err)
				assert.Equal(t, tt.wantPrevious[i], res.PreviousVersion)
			}

			state, err := c.Load(context.Background(), "r1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStored, state.Version)

			calls := b.getCalls()
			require.Len(t, calls, len(tt.versions))
			for i, call := range calls {
				assert.Equal(t, tt.versions[i], call.payload.(updatedPayload).Version)
			}
		})
	}
}

func TestCoordinator_ConcurrentUpdatesNeverMerge(t *testing.T) {
	store := NewMemoryStore()
	bc := &mockBroadcaster{}
	c := NewCoordinator(store, bc)

	a := objects(`{"id":"a1"}`, `{"id":"a2"}`)
	b := objects(`{"id":"b1"}`)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.ApplyUpdate(context.Background(), "r1", a, 10, &mockConn{id: "ca"})
		}()
		go func() {
			defer wg.Done()
			c.ApplyUpdate(context.Background(), "r1", b, 11, &mockConn{id: "cb"})
		}()
	}
	wg.Wait()

	state, err := store.LoadBoard(context.Background(), "r1")
	require.NoError(t, err)
	switch state.Version {
	case 10:
		assert.Equal(t, a, state.Objects)
	case 11:
		assert.Equal(t, b, state.Objects)
	default:
		t.Fatalf("unexpected stored version %d", state.Version)
	}

	calls := bc.getCalls()
	require.Len(t, calls, 100)
	last := calls[len(calls)-1].payload.(updatedPayload)
	assert.Equal(t, state.Version, last.Version)
	assert.Equal(t, state.Objects, last.Objects)
}

// gatedStore parks the save of one version until released.
type gatedStore struct {
	*MemoryStore
	gated   int64
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	saved []int64
}

func (g *gatedStore) SaveBoard(ctx context.Context, boardID string, objects []json.RawMessage, version int64, updatedAt time.Time) (int64, error) {
	g.mu.Lock()
	g.saved = append(g.saved, version)
	g.mu.Unlock()

	prev, err := g.MemoryStore.SaveBoard(ctx, boardID, objects, version, updatedAt)
	if version == g.gated {
		close(g.entered)
		<-g.release
	}
	return prev, err
}

func (g *gatedStore) savedVersions() []int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]int64(nil), g.saved...)
}

func TestCoordinator_BroadcastFollowsSaveOrder(t *testing.T) {
	store := &gatedStore{
		MemoryStore: NewMemoryStore(),
		gated:       5,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	bc := &mockBroadcaster{}
	c := NewCoordinator(store, bc)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.ApplyUpdate(context.Background(), "r1", objects(`{"id":"A"}`), 5, &mockConn{id: "ca"})
	}()
	<-store.entered

	go func() {
		defer wg.Done()
		c.ApplyUpdate(context.Background(), "r1", objects(`{"id":"B"}`), 7, &mockConn{id: "cb"})
	}()

	// v7 must not reach the store while v5 is still between save and broadcast.
	assert.Never(t, func() bool { return len(store.savedVersions()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	close(store.release)
	wg.Wait()

	assert.Equal(t, []int64{5, 7}, store.savedVersions())
	calls := bc.getCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, int64(5), calls[0].payload.(updatedPayload).Version)
	assert.Equal(t, int64(7), calls[1].payload.(updatedPayload).Version)

	state, err := store.LoadBoard(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), state.Version)
	assert.Equal(t, state.Objects, calls[1].payload.(updatedPayload).Objects)
}

func TestCoordinator_RoomsDoNotBlockEachOther(t *testing.T) {
	store := &gatedStore{
		MemoryStore: NewMemoryStore(),
		gated:       5,
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	c := NewCoordinator(store, &mockBroadcaster{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ApplyUpdate(context.Background(), "r1", objects(`{}`), 5, &mockConn{id: "ca"})
	}()
	<-store.entered

	_, err := c.ApplyUpdate(context.Background(), "r2", objects(`{}`), 1, &mockConn{id: "cb"})
	require.NoError(t, err)

	close(store.release)
	<-done

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.locks)
}

func TestCoordinator_Load(t *testing.T) {
	store := NewMemoryStore()
	c := NewCoordinator(store, &mockBroadcaster{})

	state, err := c.Load(context.Background(), "never-saved")
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.Version)
	assert.NotNil(t, state.Objects)
	assert.Empty(t, state.Objects)

	loadErr := errors.New("timeout")
	c = NewCoordinator(&erroringLoadStore{err: loadErr}, &mockBroadcaster{})
	_, err = c.Load(context.Background(), "r1")
	assert.ErrorIs(t, err, loadErr)
}

type erroringLoadStore struct {
	domain.BoardStore
	err error
}

func (e *erroringLoadStore) LoadBoard(ctx context.Context, boardID string) (domain.BoardState, error) {
	return domain.BoardState{}, e.err
}
