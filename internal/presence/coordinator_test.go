package presence

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"cipherchat/internal/crypto"
	"cipherchat/internal/database"
	"cipherchat/internal/hub"
	"cipherchat/internal/ratelimit"
	"cipherchat/internal/websocket"
	dbconfig "cipherchat/pkg/database"
	"cipherchat/pkg/interfaces"
	"cipherchat/pkg/types"
)

var testSecret = []byte("presence-test-secret-0123456789abcdef")

// recordConn captures every event written to it
type recordConn struct {
	id       string
	mu       sync.Mutex
	identity *types.Identity
	events   []*types.Event
}

func (r *recordConn) ID() string { return r.id }

func (r *recordConn) WriteJSON(v interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev, ok := v.(*types.Event); ok {
		r.events = append(r.events, ev)
	}
	return nil
}

func (r *recordConn) Close() error { return nil }

func (r *recordConn) Identity() *types.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

func (r *recordConn) SetIdentity(identity *types.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = identity
}

func (r *recordConn) ofType(eventType string) []*types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// hasPresence reports whether a presence event of eventType about identityID arrived
func (r *recordConn) hasPresence(eventType string, identityID, roomID int64) bool {
	for _, ev := range r.ofType(eventType) {
		p, ok := ev.Data.(types.PresenceEvent)
		if ok && p.Identity.ID == identityID && p.RoomID == roomID {
			return true
		}
	}
	return false
}

func (r *recordConn) countPresence(eventType string, identityID, roomID int64) int {
	n := 0
	for _, ev := range r.ofType(eventType) {
		p, ok := ev.Data.(types.PresenceEvent)
		if ok && p.Identity.ID == identityID && p.RoomID == roomID {
			n++
		}
	}
	return n
}

type testEnv struct {
	store    *database.Manager
	registry *websocket.Registry
	hub      *hub.Hub
	claims   *crypto.ClaimCipher
	keyring  *crypto.Keyring
	coord    *Coordinator
	nextConn int
}

// hookStore runs callbacks around selected store calls to interleave concurrent work deterministically
type hookStore struct {
	interfaces.RoomStore
	afterListRooms func(identityID int64)
	beforeUpsert   func(roomID, identityID int64)
	afterUpsert    func(roomID, identityID int64)
}

func (h *hookStore) ListIdentityRooms(ctx context.Context, identityID int64) ([]*types.RoomSummary, error) {
	rooms, err := h.RoomStore.ListIdentityRooms(ctx, identityID)
	if err == nil && h.afterListRooms != nil {
		h.afterListRooms(identityID)
	}
	return rooms, err
}

func (h *hookStore) UpsertParticipant(ctx context.Context, roomID, identityID int64, online bool) (*types.Participant, error) {
	if h.beforeUpsert != nil {
		h.beforeUpsert(roomID, identityID)
	}
	p, err := h.RoomStore.UpsertParticipant(ctx, roomID, identityID, online)
	if err == nil && h.afterUpsert != nil {
		h.afterUpsert(roomID, identityID)
	}
	return p, err
}

func setupEnv(t *testing.T, limiter Limiter) *testEnv {
	t.Helper()
	return setupEnvWithStore(t, limiter, nil)
}

// setupEnvWithStore lets wrap decorate the store the coordinator sees
func setupEnvWithStore(t *testing.T, limiter Limiter, wrap func(interfaces.RoomStore) interfaces.RoomStore) *testEnv {
	t.Helper()

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "presence.db")
	store, err := database.NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate())

	registry := websocket.NewRegistry()
	h := hub.NewHub(registry, 64)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })

	claims, err := crypto.NewClaimCipher(testSecret)
	require.NoError(t, err)
	keyring, err := crypto.NewKeyring(testSecret)
	require.NoError(t, err)

	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultConfig())
	}

	var coordStore interfaces.RoomStore = store
	if wrap != nil {
		coordStore = wrap(store)
	}

	coord, err := NewCoordinator(Dependencies{
		Store:       coordStore,
		Registry:    registry,
		Broadcaster: h,
		Claims:      claims,
		Keyring:     keyring,
		Passwords:   crypto.NewPasswordHasher(bcrypt.MinCost),
		Limiter:     limiter,
	}, DefaultConfig())
	require.NoError(t, err)

	return &testEnv{store: store, registry: registry, hub: h, claims: claims, keyring: keyring, coord: coord}
}

func (e *testEnv) identity(t *testing.T, name string) *types.Identity {
	t.Helper()
	identity := &types.Identity{Handle: "handle-" + name, DisplayName: name}
	require.NoError(t, e.store.CreateIdentity(context.Background(), identity))
	return identity
}

func (e *testEnv) tokenClaims(t *testing.T, identity *types.Identity) *types.TokenClaims {
	t.Helper()
	uid, err := e.claims.Encrypt(strconv.FormatInt(identity.ID, 10))
	require.NoError(t, err)
	name, err := e.claims.Encrypt(identity.DisplayName)
	require.NoError(t, err)
	return &types.TokenClaims{EncryptedUserID: uid, EncryptedName: name}
}

// connect registers a new connection and runs Connect with identity's claims
func (e *testEnv) connect(t *testing.T, identity *types.Identity) *recordConn {
	t.Helper()
	e.nextConn++
	conn := &recordConn{id: fmt.Sprintf("conn-%d", e.nextConn)}
	require.NoError(t, e.registry.Register(conn))

	var claims *types.TokenClaims
	if identity != nil {
		claims = e.tokenClaims(t, identity)
	}
	require.NoError(t, e.coord.Connect(context.Background(), conn, claims))
	return conn
}

func (e *testEnv) disconnect(conn *recordConn) {
	e.coord.Disconnect(context.Background(), conn, nil)
	e.registry.Unregister(conn)
}

func (e *testEnv) online(t *testing.T, roomID, identityID int64) bool {
	t.Helper()
	p, err := e.store.GetParticipant(context.Background(), roomID, identityID)
	require.NoError(t, err)
	return p.Online
}

const waitFor = 2 * time.Second
const tick = 10 * time.Millisecond

func TestCoordinator_LobbyScenario(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	bob := env.identity(t, "bob")

	connA := env.connect(t, alice)
	require.NotNil(t, connA.Identity())

	lobby, err := env.coord.CreateRoom(ctx, alice, "Lobby", "pw123")
	require.NoError(t, err)
	assert.True(t, env.registry.IsSubscribed(connA, lobby.ID))
	assert.True(t, env.online(t, lobby.ID, alice.ID))

	connB := env.connect(t, bob)
	require.NoError(t, env.coord.JoinRoom(ctx, connB, lobby.ID, "pw123"))

	assert.Eventually(t, func() bool {
		return connA.hasPresence(types.EventUserJoined, bob.ID, lobby.ID) &&
			connB.hasPresence(types.EventUserJoined, bob.ID, lobby.ID)
	}, waitFor, tick, "both members see bob join")

	sent, err := env.coord.SendMessage(ctx, connA, lobby.ID, "hi")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, sent.Author.ID)

	for _, conn := range []*recordConn{connA, connB} {
		conn := conn
		assert.Eventually(t, func() bool {
			for _, ev := range conn.ofType(types.EventReceiveMessage) {
				msg := ev.Data.(types.MessageEvent)
				if msg.Content == "hi" && msg.Author.ID == alice.ID && msg.ID == sent.ID {
					return true
				}
			}
			return false
		}, waitFor, tick)
	}

	history, err := env.store.GetRoomHistory(ctx, lobby.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotEqual(t, "hi", history[0].Ciphertext)

	env.disconnect(connB)
	assert.Eventually(t, func() bool {
		return connA.hasPresence(types.EventUserLeft, bob.ID, lobby.ID)
	}, waitFor, tick)
	assert.False(t, env.online(t, lobby.ID, bob.ID))
	assert.True(t, env.online(t, lobby.ID, alice.ID))
}

func TestCoordinator_ConfidentialityAtRest(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	conn := env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "vault", "secret")
	require.NoError(t, err)

	_, err = env.coord.SendMessage(ctx, conn, room.ID, "launch codes")
	require.NoError(t, err)

	stored, err := env.store.GetRoomHistory(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotContains(t, stored[0].Ciphertext, "launch codes")

	material, err := env.store.GetRoomKey(ctx, room.ID)
	require.NoError(t, err)
	key, err := env.keyring.Derive(material)
	require.NoError(t, err)

	plaintext, err := crypto.RoomCipher{}.Decrypt(stored[0].Ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, "launch codes", plaintext)

	other, err := crypto.NewKeyring([]byte("a-completely-different-server-secret!!"))
	require.NoError(t, err)
	wrongKey, err := other.Derive(material)
	require.NoError(t, err)
	_, err = crypto.RoomCipher{}.Decrypt(stored[0].Ciphertext, wrongKey)
	assert.ErrorIs(t, err, crypto.ErrDecryptFailed)
}

func TestCoordinator_ConnectAutoSubscribesPersistedRooms(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	owner := env.connect(t, alice)
	first, err := env.coord.CreateRoom(ctx, alice, "first", "pw123")
	require.NoError(t, err)
	second, err := env.coord.CreateRoom(ctx, alice, "second", "pw123")
	require.NoError(t, err)
	env.disconnect(owner)
	assert.False(t, env.online(t, first.ID, alice.ID))

	conn := env.connect(t, alice)
	assert.ElementsMatch(t, []int64{first.ID, second.ID}, env.registry.ConnectionRooms(conn))
	assert.True(t, env.online(t, first.ID, alice.ID))
	assert.True(t, env.online(t, second.ID, alice.ID))

	count, err := env.store.CountParticipants(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCoordinator_MultipleConnectionsShareRefcountedPresence(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	bob := env.identity(t, "bob")

	watcher := env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "general", "pw123")
	require.NoError(t, err)

	tab1 := env.connect(t, bob)
	require.NoError(t, env.coord.JoinRoom(ctx, tab1, room.ID, "pw123"))
	tab2 := env.connect(t, bob)

	assert.True(t, env.registry.IsSubscribed(tab2, room.ID))
	assert.Equal(t, 2, env.registry.PresenceCount(bob.ID, room.ID))

	env.disconnect(tab1)
	assert.True(t, env.online(t, room.ID, bob.ID), "second tab keeps bob online")

	env.disconnect(tab2)
	assert.False(t, env.online(t, room.ID, bob.ID))

	assert.Eventually(t, func() bool {
		return watcher.countPresence(types.EventUserLeft, bob.ID, room.ID) == 1
	}, waitFor, tick)
	assert.Never(t, func() bool {
		return watcher.countPresence(types.EventUserJoined, bob.ID, room.ID) > 1 ||
			watcher.countPresence(types.EventUserLeft, bob.ID, room.ID) > 1
	}, 100*time.Millisecond, tick)

	assert.Equal(t, 0, env.coord.locks.size())
}

func TestCoordinator_AnonymousConnections(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	owner := env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "general", "pw123")
	require.NoError(t, err)
	env.disconnect(owner)

	tests := []struct {
		name   string
		claims *types.TokenClaims
	}{
		{name: "no claims", claims: nil},
		{name: "garbage claims", claims: &types.TokenClaims{EncryptedUserID: "bm9wZQ==", EncryptedName: "bm9wZQ=="}},
		{name: "unknown identity", claims: env.tokenClaims(t, &types.Identity{ID: 9999, DisplayName: "ghost"})},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &recordConn{id: fmt.Sprintf("anon-%d", i)}
			require.NoError(t, env.registry.Register(conn))
			defer env.registry.Unregister(conn)

			require.NoError(t, env.coord.Connect(ctx, conn, tt.claims))
			assert.Nil(t, conn.Identity())
			assert.Empty(t, env.registry.ConnectionRooms(conn))

			assert.ErrorIs(t, env.coord.JoinRoom(ctx, conn, room.ID, "pw123"), types.ErrUnauthenticated)
			_, err := env.coord.SendMessage(ctx, conn, room.ID, "hello")
			assert.ErrorIs(t, err, types.ErrUnauthenticated)

			env.coord.Disconnect(ctx, conn, nil)
		})
	}
}

func TestCoordinator_ClaimsFromAnotherSecretAreRejected(t *testing.T) {
	env := setupEnv(t, nil)
	alice := env.identity(t, "alice")

	foreign, err := crypto.NewClaimCipher([]byte("another-deployment-secret-abcdefghij"))
	require.NoError(t, err)
	uid, err := foreign.Encrypt(strconv.FormatInt(alice.ID, 10))
	require.NoError(t, err)
	name, err := foreign.Encrypt(alice.DisplayName)
	require.NoError(t, err)

	_, err = env.coord.ResolveIdentity(context.Background(), &types.TokenClaims{EncryptedUserID: uid, EncryptedName: name})
	assert.ErrorIs(t, err, types.ErrUnauthenticated)

	resolved, err := env.coord.ResolveIdentity(context.Background(), env.tokenClaims(t, alice))
	require.NoError(t, err)
	assert.Equal(t, alice.ID, resolved.ID)
}

func TestCoordinator_JoinRoom(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	bob := env.identity(t, "bob")
	env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "general", "pw123")
	require.NoError(t, err)
	closed, err := env.coord.CreateRoom(ctx, alice, "closed", "pw123")
	require.NoError(t, err)
	require.NoError(t, env.store.DeactivateRoom(ctx, closed.ID))

	connB := env.connect(t, bob)

	t.Run("wrong password", func(t *testing.T) {
		err := env.coord.JoinRoom(ctx, connB, room.ID, "wrong-pw")
		assert.ErrorIs(t, err, ErrWrongPassword)
		assert.Equal(t, types.CodePermissionDenied, Code(err))
		_, err = env.store.GetParticipant(ctx, room.ID, bob.ID)
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
	})

	t.Run("validation", func(t *testing.T) {
		assert.ErrorIs(t, env.coord.JoinRoom(ctx, connB, 0, "pw123"), types.ErrInvalidRoomID)
		assert.ErrorIs(t, env.coord.JoinRoom(ctx, connB, room.ID, "pw"), types.ErrInvalidPassword)
	})

	t.Run("missing and inactive rooms", func(t *testing.T) {
		assert.ErrorIs(t, env.coord.JoinRoom(ctx, connB, 4242, "pw123"), ErrRoomNotFound)
		err := env.coord.JoinRoom(ctx, connB, closed.ID, "pw123")
		assert.ErrorIs(t, err, ErrRoomInactive)
		assert.Equal(t, types.CodeFailedPrecondition, Code(err))
	})

	t.Run("idempotent join", func(t *testing.T) {
		require.NoError(t, env.coord.JoinRoom(ctx, connB, room.ID, "pw123"))
		require.NoError(t, env.coord.JoinRoom(ctx, connB, room.ID, "pw123"))

		count, err := env.store.CountParticipants(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.True(t, env.online(t, room.ID, bob.ID))
		assert.Equal(t, 1, env.registry.PresenceCount(bob.ID, room.ID))
	})
}

func TestCoordinator_LeaveRoom(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	bob := env.identity(t, "bob")
	connA := env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "general", "pw123")
	require.NoError(t, err)

	connB := env.connect(t, bob)
	assert.ErrorIs(t, env.coord.LeaveRoom(ctx, connB, room.ID), ErrNotParticipant)

	require.NoError(t, env.coord.JoinRoom(ctx, connB, room.ID, "pw123"))
	require.NoError(t, env.coord.LeaveRoom(ctx, connB, room.ID))

	assert.False(t, env.registry.IsSubscribed(connB, room.ID))
	assert.False(t, env.online(t, room.ID, bob.ID))
	assert.Eventually(t, func() bool {
		return connA.hasPresence(types.EventUserLeft, bob.ID, room.ID)
	}, waitFor, tick)

	// the row survives leaving, so a later send is still authorized
	_, err = env.coord.SendMessage(ctx, connB, room.ID, "still here")
	assert.NoError(t, err)
}

func TestCoordinator_SendRequiresParticipant(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	mallory := env.identity(t, "mallory")
	env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "private", "pw123")
	require.NoError(t, err)

	connM := env.connect(t, mallory)
	_, err = env.coord.SendMessage(ctx, connM, room.ID, "let me in")
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.Equal(t, types.CodePermissionDenied, Code(err))

	_, err = env.coord.History(ctx, mallory, room.ID, 0)
	assert.ErrorIs(t, err, ErrNotParticipant)

	history, err := env.store.GetRoomHistory(ctx, room.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCoordinator_SendValidation(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	conn := env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "general", "pw123")
	require.NoError(t, err)

	tests := []struct {
		name    string
		roomID  int64
		content string
		want    error
	}{
		{name: "blank content", roomID: room.ID, content: "   ", want: types.ErrInvalidContent},
		{name: "empty content", roomID: room.ID, content: "", want: types.ErrInvalidContent},
		{name: "oversized content", roomID: room.ID, content: string(make([]rune, 1001)), want: types.ErrInvalidContent},
		{name: "bad room", roomID: -1, content: "hi", want: types.ErrInvalidRoomID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.coord.SendMessage(ctx, conn, tt.roomID, tt.content)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, types.CodeInvalidArgument, Code(err))
		})
	}
}

func TestCoordinator_SendRateLimit(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	env := setupEnv(t, ratelimit.NewWithClock(ratelimit.DefaultConfig(), clock))
	ctx := context.Background()

	alice := env.identity(t, "alice")
	conn := env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "general", "pw123")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := env.coord.SendMessage(ctx, conn, room.ID, fmt.Sprintf("msg %d", i))
		require.NoError(t, err)
		advance(time.Second)
	}

	_, err = env.coord.SendMessage(ctx, conn, room.ID, "one too many")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrRateLimited)
	assert.Equal(t, types.CodeRateLimited, Code(err))
	assert.Positive(t, ErrorEvent("r1", types.OpSendMessage, err).RetryAfterSeconds)

	history, err := env.store.GetRoomHistory(ctx, room.ID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	advance(31 * time.Second)
	_, err = env.coord.SendMessage(ctx, conn, room.ID, "after the window")
	assert.NoError(t, err)
}

func TestCoordinator_HistoryFlagsUndecryptableMessages(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	conn := env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "general", "pw123")
	require.NoError(t, err)

	_, err = env.coord.SendMessage(ctx, conn, room.ID, "first")
	require.NoError(t, err)
	require.NoError(t, env.store.StoreMessage(ctx, &types.Message{
		RoomID:     room.ID,
		AuthorID:   alice.ID,
		Ciphertext: "bm90IGEgcmVhbCBjaXBoZXJ0ZXh0IGF0IGFsbA==",
		SentAt:     time.Now().UTC().Add(time.Second),
	}))

	entries, err := env.coord.History(ctx, alice, room.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "first", entries[0].Content)
	assert.False(t, entries[0].Undecryptable)
	assert.Equal(t, "alice", entries[0].Author.DisplayName)

	assert.True(t, entries[1].Undecryptable)
	assert.Empty(t, entries[1].Content)

	_, err = env.coord.History(ctx, alice, 9999, 0)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestCoordinator_ListRooms(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	bob := env.identity(t, "bob")
	env.connect(t, alice)
	_, err := env.coord.CreateRoom(ctx, alice, "one", "pw123")
	require.NoError(t, err)
	_, err = env.coord.CreateRoom(ctx, alice, "two", "pw123")
	require.NoError(t, err)

	mine, err := env.coord.ListRooms(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, mine)

	public, err := env.coord.ListPublicRooms(ctx, bob)
	require.NoError(t, err)
	require.Len(t, public, 2)
	for _, room := range public {
		assert.False(t, room.IsJoined)
		assert.Equal(t, 1, room.ParticipantCount)
	}

	_, err = env.coord.ListRooms(ctx, nil)
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestCoordinator_CreateRoomValidation(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()
	alice := env.identity(t, "alice")

	_, err := env.coord.CreateRoom(ctx, alice, "x", "pw123")
	assert.ErrorIs(t, err, types.ErrInvalidRoomName)
	_, err = env.coord.CreateRoom(ctx, alice, "bad/name", "pw123")
	assert.ErrorIs(t, err, types.ErrInvalidRoomName)
	_, err = env.coord.CreateRoom(ctx, alice, "good name", "no")
	assert.ErrorIs(t, err, types.ErrInvalidPassword)
	_, err = env.coord.CreateRoom(ctx, nil, "good name", "pw123")
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestCoordinator_DeleteRoom(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	bob := env.identity(t, "bob")
	connA := env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "doomed", "pw123")
	require.NoError(t, err)
	connB := env.connect(t, bob)
	require.NoError(t, env.coord.JoinRoom(ctx, connB, room.ID, "pw123"))

	assert.ErrorIs(t, env.coord.DeleteRoom(ctx, bob, room.ID), ErrNotRoomCreator)

	require.NoError(t, env.coord.DeleteRoom(ctx, alice, room.ID))
	assert.False(t, env.registry.IsSubscribed(connA, room.ID))
	assert.False(t, env.registry.IsSubscribed(connB, room.ID))
	assert.Len(t, connB.ofType(types.EventRoomDeleted), 1)

	_, err = env.store.GetRoom(ctx, room.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.ErrorIs(t, env.coord.DeleteRoom(ctx, alice, room.ID), ErrRoomNotFound)

	// disconnect after deletion has nothing left to clean up
	env.disconnect(connB)
}

func TestCoordinator_ConnectSkipsRoomDeletedAfterListing(t *testing.T) {
	hooks := &hookStore{}
	env := setupEnvWithStore(t, nil, func(s interfaces.RoomStore) interfaces.RoomStore {
		hooks.RoomStore = s
		return hooks
	})
	ctx := context.Background()

	alice := env.identity(t, "alice")
	bob := env.identity(t, "bob")
	keep, err := env.coord.CreateRoom(ctx, alice, "Keep", "pw123")
	require.NoError(t, err)
	gone, err := env.coord.CreateRoom(ctx, alice, "Gone", "pw123")
	require.NoError(t, err)
	_, err = env.store.UpsertParticipant(ctx, keep.ID, bob.ID, false)
	require.NoError(t, err)
	_, err = env.store.UpsertParticipant(ctx, gone.ID, bob.ID, false)
	require.NoError(t, err)

	hooks.afterListRooms = func(identityID int64) {
		if identityID == bob.ID {
			require.NoError(t, env.store.DeleteRoom(ctx, gone.ID))
		}
	}

	conn := env.connect(t, bob)
	require.NotNil(t, conn.Identity())
	assert.True(t, env.registry.IsSubscribed(conn, keep.ID))
	assert.False(t, env.registry.IsSubscribed(conn, gone.ID))
	assert.Zero(t, env.registry.PresenceCount(bob.ID, gone.ID))
	assert.True(t, env.online(t, keep.ID, bob.ID))
}

func TestCoordinator_JoinRacingDelete(t *testing.T) {
	tests := []struct {
		name    string
		before  bool
		wantErr error
	}{
		// the delete commits first: the join fails and leaves nothing behind
		{name: "delete before participant write", before: true, wantErr: ErrRoomNotFound},
		// the join commits first: the delete's DropRoom removes the new subscription
		{name: "delete after participant write", before: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hooks := &hookStore{}
			env := setupEnvWithStore(t, nil, func(s interfaces.RoomStore) interfaces.RoomStore {
				hooks.RoomStore = s
				return hooks
			})
			ctx := context.Background()

			alice := env.identity(t, "alice")
			bob := env.identity(t, "bob")
			room, err := env.coord.CreateRoom(ctx, alice, "doomed", "pw123")
			require.NoError(t, err)
			connB := env.connect(t, bob)

			deleteRoom := func(roomID, identityID int64) {
				if identityID == bob.ID {
					require.NoError(t, env.coord.DeleteRoom(ctx, alice, roomID))
				}
			}
			if tt.before {
				hooks.beforeUpsert = deleteRoom
			} else {
				hooks.afterUpsert = deleteRoom
			}

			err = env.coord.JoinRoom(ctx, connB, room.ID, "pw123")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.False(t, env.registry.IsSubscribed(connB, room.ID))
			assert.Zero(t, env.registry.PresenceCount(bob.ID, room.ID))
			assert.Empty(t, env.registry.ConnectionRooms(connB))
		})
	}
}

func TestCoordinator_HandleFrame(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	bob := env.identity(t, "bob")
	env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "general", "pw123")
	require.NoError(t, err)
	conn := env.connect(t, bob)

	env.coord.HandleFrame(ctx, conn, &types.ClientFrame{Type: types.OpJoinRoom, RequestID: "r1", RoomID: room.ID, Password: "nope"})
	env.coord.HandleFrame(ctx, conn, &types.ClientFrame{Type: types.OpJoinRoom, RequestID: "r2", RoomID: room.ID, Password: "pw123"})
	env.coord.HandleFrame(ctx, conn, &types.ClientFrame{Type: "dance", RequestID: "r3"})
	env.coord.HandleFrame(ctx, conn, &types.ClientFrame{Type: types.OpSendMessage, RequestID: "r4", RoomID: room.ID, Content: "hello"})

	errs := conn.ofType(types.EventError)
	require.Len(t, errs, 2)
	first := errs[0].Data.(types.ErrorEvent)
	assert.Equal(t, "r1", first.RequestID)
	assert.Equal(t, types.CodePermissionDenied, first.Code)
	unknown := errs[1].Data.(types.ErrorEvent)
	assert.Equal(t, "r3", unknown.RequestID)
	assert.Equal(t, types.CodeInvalidArgument, unknown.Code)

	acks := conn.ofType(types.EventAck)
	require.Len(t, acks, 2)
	assert.Equal(t, types.AckEvent{RequestID: "r2", Op: types.OpJoinRoom, RoomID: room.ID}, acks[0].Data)
	assert.Equal(t, "r4", acks[1].Data.(types.AckEvent).RequestID)
}

func TestCoordinator_ConcurrentConnectionsConverge(t *testing.T) {
	env := setupEnv(t, nil)
	ctx := context.Background()

	alice := env.identity(t, "alice")
	bob := env.identity(t, "bob")
	env.connect(t, alice)
	room, err := env.coord.CreateRoom(ctx, alice, "busy", "pw123")
	require.NoError(t, err)

	seed := env.connect(t, bob)
	require.NoError(t, env.coord.JoinRoom(ctx, seed, room.ID, "pw123"))
	env.disconnect(seed)

	const tabs = 8
	claims := env.tokenClaims(t, bob)
	conns := make([]*recordConn, tabs)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := &recordConn{id: fmt.Sprintf("tab-%d", i)}
			if err := env.registry.Register(conn); err != nil {
				return
			}
			if err := env.coord.Connect(ctx, conn, claims); err != nil {
				return
			}
			mu.Lock()
			conns[i] = conn
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, tabs, env.registry.PresenceCount(bob.ID, room.ID))
	assert.True(t, env.online(t, room.ID, bob.ID))

	for _, conn := range conns {
		require.NotNil(t, conn)
		wg.Add(1)
		go func(conn *recordConn) {
			defer wg.Done()
			env.disconnect(conn)
		}(conn)
	}
	wg.Wait()

	assert.Equal(t, 0, env.registry.PresenceCount(bob.ID, room.ID))
	assert.False(t, env.online(t, room.ID, bob.ID))
	assert.Equal(t, 0, env.coord.locks.size())
}

func TestNewCoordinator_RequiresDependencies(t *testing.T) {
	_, err := NewCoordinator(Dependencies{}, DefaultConfig())
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want types.ErrorCode
	}{
		{err: types.ErrInvalidContent, want: types.CodeInvalidArgument},
		{err: fmt.Errorf("wrapped: %w", types.ErrUnauthenticated), want: types.CodeUnauthenticated},
		{err: ErrNotParticipant, want: types.CodePermissionDenied},
		{err: ErrRoomNotFound, want: types.CodeNotFound},
		{err: ErrRoomInactive, want: types.CodeFailedPrecondition},
		{err: &types.RateLimitError{RetryAfter: 3 * time.Second}, want: types.CodeRateLimited},
		{err: fmt.Errorf("disk on fire"), want: types.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}

	assert.Equal(t, "internal error", PublicMessage(fmt.Errorf("disk on fire")))
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()
	key := presenceKey{identityID: 1, roomID: 1}

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	assert.Equal(t, 0, km.size())
}
