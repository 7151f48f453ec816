package lifecycle

import (
	"context"
	"database/sql"
	"sync"

	"github.com/aureuma/botctl/internal/store"
)

// fakeStore is an in-memory Persistence used by lifecycle tests, following
// the fakes-not-mocks idiom the rest of this repo's tests use for the
// sandbox driver.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	bots   map[int64]store.Bot
	plans  map[int64]store.Plan
	audits []store.AuditLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots: make(map[int64]store.Bot),
		plans: map[int64]store.Plan{
			1: {ID: 1, Name: "Free", MaxBots: 1, CPUShare: "0.5", MemoryLimit: "256m"},
			2: {ID: 2, Name: "Pro", MaxBots: 5, CPUShare: "1.0", MemoryLimit: "512m"},
		},
	}
}

func (f *fakeStore) GetBot(_ context.Context, id int64) (store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return store.Bot{}, sql.ErrNoRows
	}
	return b, nil
}

func (f *fakeStore) ListBotsByOwner(_ context.Context, ownerID int64) ([]store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Bot
	for _, b := range f.bots {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeStore) CountLiveBots(_ context.Context, ownerID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.bots {
		if b.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) BotNameTaken(_ context.Context, ownerID int64, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bots {
		if b.OwnerID == ownerID && b.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) GetPlan(_ context.Context, id int64) (store.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return store.Plan{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) InsertBot(_ context.Context, ownerID, planID int64, name, runtime, startCmd string) (store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	b := store.Bot{
		ID:       f.nextID,
		OwnerID:  ownerID,
		PlanID:   planID,
		Name:     name,
		Runtime:  runtime,
		StartCmd: startCmd,
		State:    "CREATED",
	}
	f.bots[b.ID] = b
	return b, nil
}

type fakeBotTx struct {
	f     *fakeStore
	botID int64
}

func (t fakeBotTx) SetState(_ context.Context, state string, handle sql.NullString) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	b := t.f.bots[t.botID]
	b.State = state
	b.SandboxHandle = handle
	t.f.bots[t.botID] = b
	return nil
}

func (t fakeBotTx) SetSourceType(_ context.Context, sourceType string) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	b := t.f.bots[t.botID]
	b.SourceType = sourceType
	t.f.bots[t.botID] = b
	return nil
}

func (t fakeBotTx) Delete(_ context.Context) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	delete(t.f.bots, t.botID)
	return nil
}

func (f *fakeStore) WithBotLock(ctx context.Context, botID int64, fn func(tx store.BotTx, bot store.Bot) error) error {
	f.mu.Lock()
	bot, ok := f.bots[botID]
	f.mu.Unlock()
	if !ok {
		return store.ErrBotNotFound
	}
	return fn(fakeBotTx{f: f, botID: botID}, bot)
}

func (f *fakeStore) SetBotStateDirect(_ context.Context, botID int64, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[botID]
	if !ok {
		return sql.ErrNoRows
	}
	b.State = state
	f.bots[botID] = b
	return nil
}

func (f *fakeStore) WriteAudit(_ context.Context, entry store.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, entry)
	return nil
}
