// Package lifecycle is the core's control plane: it owns the bot state
// machine, enforces ownership and quota preconditions, and coordinates the
// Artifact Store and Sandbox Driver while keeping the database's view of a
// bot consistent with what the sandbox runtime actually reports.
package lifecycle

import (
	"context"
	"database/sql"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/aureuma/botctl/core/apperr"
	"github.com/aureuma/botctl/core/artifacts"
	"github.com/aureuma/botctl/core/registry"
	"github.com/aureuma/botctl/core/sandbox"
	"github.com/aureuma/botctl/internal/store"
)

// BotView is the owner-facing projection of a bot. The sandbox handle is
// deliberately absent; it is internal to the core.
type BotView struct {
	ID         int64
	Name       string
	Runtime    string
	Status     sandbox.Status
	StartCmd   string
	SourceType string
	CreatedAt  time.Time
}

// Persistence is the slice of the persistent store the Lifecycle Manager
// needs. It is defined here, not in internal/store, so tests can supply
// an in-memory fake instead of a live database connection; *store.Store
// satisfies it.
type Persistence interface {
	GetBot(ctx context.Context, id int64) (store.Bot, error)
	ListBotsByOwner(ctx context.Context, ownerID int64) ([]store.Bot, error)
	CountLiveBots(ctx context.Context, ownerID int64) (int, error)
	BotNameTaken(ctx context.Context, ownerID int64, name string) (bool, error)
	GetPlan(ctx context.Context, id int64) (store.Plan, error)
	InsertBot(ctx context.Context, ownerID, planID int64, name, runtime, startCmd string) (store.Bot, error)
	WithBotLock(ctx context.Context, botID int64, fn func(tx store.BotTx, bot store.Bot) error) error
	SetBotStateDirect(ctx context.Context, botID int64, state string) error
	WriteAudit(ctx context.Context, entry store.AuditLog) error
}

// Manager composes the Runtime Registry, Artifact Store, Sandbox Driver,
// and persistent store into the operations and state machine of the bot
// lifecycle.
type Manager struct {
	registry  *registry.Registry
	artifacts *artifacts.Store
	driver    sandbox.Driver
	store     Persistence
	log       *log.Logger
}

// New builds a Manager. logger may be nil, in which case a discard logger
// is used.
func New(reg *registry.Registry, arts *artifacts.Store, driver sandbox.Driver, db Persistence, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{registry: reg, artifacts: arts, driver: driver, store: db, log: logger}
}

func toView(b store.Bot) BotView {
	return BotView{
		ID:         b.ID,
		Name:       b.Name,
		Runtime:    b.Runtime,
		Status:     sandbox.Status(b.State),
		StartCmd:   b.StartCmd,
		SourceType: b.SourceType,
		CreatedAt:  b.CreatedAt,
	}
}

func (m *Manager) audit(ctx context.Context, actorID int64, action string, targetID int64, sourceIP, detail string) {
	if err := m.store.WriteAudit(ctx, store.AuditLog{
		ActorID:  actorID,
		Action:   action,
		TargetID: targetID,
		SourceIP: sourceIP,
		Detail:   detail,
	}); err != nil {
		m.log.Printf("audit write failed: action=%s target=%d: %v", action, targetID, err)
	}
}

// requireOwned loads bot by id and checks ownerID owns it, in that order:
// a missing bot is NotFound, an existing bot owned by someone else is
// Forbidden. This ordering matches the cross-tenant-delete scenario the
// spec names explicitly (a non-owner's delete attempt on an existing bot
// reports 403, not 404).
func requireOwned(bot store.Bot, err error, ownerID int64) (store.Bot, error) {
	if err != nil {
		if err == store.ErrBotNotFound || err == sql.ErrNoRows {
			return store.Bot{}, apperr.NewNotFound("bot not found")
		}
		return store.Bot{}, apperr.WrapInternal(err, "load bot")
	}
	if bot.OwnerID != ownerID {
		return store.Bot{}, apperr.NewForbidden("not the owner of this bot")
	}
	return bot, nil
}

// Create inserts a new bot in state CREATED, enforcing the plan's
// max_bots quota and per-owner name uniqueness.
func (m *Manager) Create(ctx context.Context, ownerID, planID int64, name, runtimeTag, startCmd, sourceIP string) (BotView, error) {
	if err := artifacts.ValidateBotName(name); err != nil {
		return BotView{}, err
	}
	if startCmd != "" {
		if err := artifacts.ValidateStartCommand(startCmd); err != nil {
			return BotView{}, err
		}
	}
	if !m.registry.Valid(registry.Runtime(runtimeTag)) {
		return BotView{}, apperr.UnsupportedRuntimeErr(runtimeTag)
	}

	plan, err := m.store.GetPlan(ctx, planID)
	if err != nil {
		if err == sql.ErrNoRows {
			return BotView{}, apperr.NewNotFound("plan not found")
		}
		return BotView{}, apperr.WrapInternal(err, "load plan")
	}

	count, err := m.store.CountLiveBots(ctx, ownerID)
	if err != nil {
		return BotView{}, apperr.WrapInternal(err, "count bots")
	}
	if count >= plan.MaxBots {
		return BotView{}, apperr.NewConflict("plan bot quota exceeded")
	}

	taken, err := m.store.BotNameTaken(ctx, ownerID, name)
	if err != nil {
		return BotView{}, apperr.WrapInternal(err, "check bot name")
	}
	if taken {
		return BotView{}, apperr.NewConflict("bot name already in use")
	}

	bot, err := m.store.InsertBot(ctx, ownerID, planID, name, runtimeTag, startCmd)
	if err != nil {
		return BotView{}, apperr.WrapInternal(err, "insert bot")
	}
	if _, err := m.artifacts.PathFor(bot.ID); err != nil {
		return BotView{}, err
	}

	m.audit(ctx, ownerID, "create", bot.ID, sourceIP, "")
	return toView(bot), nil
}

// Upload replaces a bot's artifact directory with the given payload.
func (m *Manager) Upload(ctx context.Context, ownerID, botID int64, filename string, r io.Reader, sourceIP string) (string, error) {
	rawBot, err := m.store.GetBot(ctx, botID)
	bot, err := requireOwned(rawBot, err, ownerID)
	if err != nil {
		return "", err
	}

	desc, err := m.registry.Lookup(registry.Runtime(bot.Runtime))
	if err != nil {
		return "", err
	}

	sourceType, storedName, err := m.artifacts.IngestFile(botID, desc, filename, r)
	if err != nil {
		return "", err
	}

	err = m.store.WithBotLock(ctx, botID, func(tx store.BotTx, _ store.Bot) error {
		return tx.SetSourceType(ctx, string(sourceType))
	})
	if err != nil {
		return "", apperr.WrapInternal(err, "record source type")
	}

	m.audit(ctx, ownerID, "upload", botID, sourceIP, storedName)
	return storedName, nil
}

// Start brings up a bot's sandbox, creating it on the driver first if no
// handle is persisted yet. An empty artifact directory is a hard
// precondition failure, not merely a warning.
func (m *Manager) Start(ctx context.Context, ownerID, botID int64, sourceIP string) (BotView, error) {
	rawBot, err := m.store.GetBot(ctx, botID)
	owned, err := requireOwned(rawBot, err, ownerID)
	if err != nil {
		return BotView{}, err
	}

	empty, err := m.artifacts.IsEmpty(botID)
	if err != nil {
		return BotView{}, err
	}
	if empty {
		return BotView{}, apperr.Validation("no files uploaded for this bot")
	}

	plan, err := m.store.GetPlan(ctx, owned.PlanID)
	if err != nil {
		return BotView{}, apperr.WrapInternal(err, "load plan")
	}
	desc, err := m.registry.Lookup(registry.Runtime(owned.Runtime))
	if err != nil {
		return BotView{}, err
	}
	artifactPath, err := m.artifacts.PathFor(botID)
	if err != nil {
		return BotView{}, err
	}

	var finalBot store.Bot
	lockErr := m.store.WithBotLock(ctx, botID, func(tx store.BotTx, locked store.Bot) error {
		finalBot = locked
		handle := sandbox.Handle("")
		if locked.SandboxHandle.Valid {
			handle = sandbox.Handle(locked.SandboxHandle.String)
		}

		if handle == "" {
			cpuShare := parseCPUShare(plan.CPUShare)
			h, createErr := m.driver.Create(ctx, sandbox.CreateRequest{
				BotID:            botID,
				Runtime:          desc,
				StartCmd:         owned.StartCmd,
				ArtifactHostPath: artifactPath,
				CPUShare:        cpuShare,
				MemoryLimit:      plan.MemoryLimit,
			})
			if createErr != nil {
				_ = tx.SetState(ctx, string(sandbox.StatusCrashed), sql.NullString{})
				finalBot.State = string(sandbox.StatusCrashed)
				return apperr.Validation("failed to create sandbox: %v", createErr)
			}
			handle = h
		}

		if startErr := m.driver.Start(ctx, handle); startErr != nil {
			_ = tx.SetState(ctx, string(sandbox.StatusCrashed), sql.NullString{String: string(handle), Valid: true})
			finalBot.State = string(sandbox.StatusCrashed)
			return apperr.Validation("failed to start sandbox: %v", startErr)
		}

		if err := tx.SetState(ctx, string(sandbox.StatusRunning), sql.NullString{String: string(handle), Valid: true}); err != nil {
			return err
		}
		finalBot.State = string(sandbox.StatusRunning)
		finalBot.SandboxHandle = sql.NullString{String: string(handle), Valid: true}
		return nil
	})
	if lockErr != nil {
		if ae, ok := apperr.As(lockErr); ok {
			return BotView{}, ae
		}
		return BotView{}, apperr.WrapInternal(lockErr, "start bot")
	}

	m.audit(ctx, ownerID, "start", botID, sourceIP, "")
	return toView(finalBot), nil
}

// Stop halts a bot's sandbox. A bot with no sandbox handle cannot be
// stopped.
func (m *Manager) Stop(ctx context.Context, ownerID, botID int64, timeout time.Duration, sourceIP string) (BotView, error) {
	return m.stopOrRestart(ctx, ownerID, botID, timeout, sourceIP, false)
}

// Restart stops then starts a bot's sandbox in one driver call.
func (m *Manager) Restart(ctx context.Context, ownerID, botID int64, timeout time.Duration, sourceIP string) (BotView, error) {
	return m.stopOrRestart(ctx, ownerID, botID, timeout, sourceIP, true)
}

func (m *Manager) stopOrRestart(ctx context.Context, ownerID, botID int64, timeout time.Duration, sourceIP string, restart bool) (BotView, error) {
	rawBot, err := m.store.GetBot(ctx, botID)
	if _, err := requireOwned(rawBot, err, ownerID); err != nil {
		return BotView{}, err
	}

	var finalBot store.Bot
	lockErr := m.store.WithBotLock(ctx, botID, func(tx store.BotTx, locked store.Bot) error {
		finalBot = locked
		if !locked.SandboxHandle.Valid || locked.SandboxHandle.String == "" {
			return apperr.Validation("bot has no sandbox to operate on")
		}
		handle := sandbox.Handle(locked.SandboxHandle.String)

		var opErr error
		nextState := sandbox.StatusStopped
		if restart {
			opErr = m.driver.Restart(ctx, handle, timeout)
			nextState = sandbox.StatusRunning
		} else {
			opErr = m.driver.Stop(ctx, handle, timeout)
		}
		if opErr != nil {
			return apperr.Validation("sandbox operation failed: %v", opErr)
		}

		if err := tx.SetState(ctx, string(nextState), locked.SandboxHandle); err != nil {
			return err
		}
		finalBot.State = string(nextState)
		return nil
	})
	if lockErr != nil {
		if ae, ok := apperr.As(lockErr); ok {
			return BotView{}, ae
		}
		return BotView{}, apperr.WrapInternal(lockErr, "stop/restart bot")
	}

	action := "stop"
	if restart {
		action = "restart"
	}
	m.audit(ctx, ownerID, action, botID, sourceIP, "")
	return toView(finalBot), nil
}

// Delete removes a bot's sandbox (if any), its artifact directory, and its
// row. Every step is idempotent: a missing sandbox or directory counts as
// already removed.
func (m *Manager) Delete(ctx context.Context, ownerID, botID int64, sourceIP string) error {
	rawBot, err := m.store.GetBot(ctx, botID)
	owned, err := requireOwned(rawBot, err, ownerID)
	if err != nil {
		return err
	}

	if owned.SandboxHandle.Valid && owned.SandboxHandle.String != "" {
		if err := m.driver.Remove(ctx, sandbox.Handle(owned.SandboxHandle.String), true); err != nil {
			m.log.Printf("remove sandbox for bot %d failed (continuing): %v", botID, err)
		}
	}
	if err := m.artifacts.RemoveAll(botID); err != nil {
		return err
	}

	err = m.store.WithBotLock(ctx, botID, func(tx store.BotTx, _ store.Bot) error {
		return tx.Delete(ctx)
	})
	if err != nil {
		return apperr.WrapInternal(err, "delete bot row")
	}

	m.audit(ctx, ownerID, "delete", botID, sourceIP, "")
	return nil
}

// List returns every bot owned by ownerID, reconciling CRASHED status
// against the sandbox driver along the way.
func (m *Manager) List(ctx context.Context, ownerID int64) ([]BotView, error) {
	bots, err := m.store.ListBotsByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.WrapInternal(err, "list bots")
	}
	out := make([]BotView, 0, len(bots))
	for _, b := range bots {
		out = append(out, m.reconcile(ctx, b))
	}
	return out, nil
}

// Get returns a single owned bot view, reconciling status first.
func (m *Manager) Get(ctx context.Context, ownerID, botID int64) (BotView, error) {
	rawBot, err := m.store.GetBot(ctx, botID)
	owned, err := requireOwned(rawBot, err, ownerID)
	if err != nil {
		return BotView{}, err
	}
	return m.reconcile(ctx, owned), nil
}

// SandboxHandle resolves ownership of botID and returns its current
// sandbox handle, if any. It exists for core/logbroker, which must reach
// past BotView's deliberately handle-less projection to pump logs.
func (m *Manager) SandboxHandle(ctx context.Context, ownerID, botID int64) (sandbox.Handle, bool, error) {
	rawBot, err := m.store.GetBot(ctx, botID)
	owned, err := requireOwned(rawBot, err, ownerID)
	if err != nil {
		return "", false, err
	}
	if !owned.SandboxHandle.Valid || owned.SandboxHandle.String == "" {
		return "", false, nil
	}
	return sandbox.Handle(owned.SandboxHandle.String), true, nil
}

// reconcile checks the sandbox's observed status against the persisted
// state and, if the sandbox reports CRASHED while the row disagrees,
// updates the row. The Manager is the sole writer of bot state, even on
// this read path.
func (m *Manager) reconcile(ctx context.Context, bot store.Bot) BotView {
	if !bot.SandboxHandle.Valid || bot.SandboxHandle.String == "" {
		return toView(bot)
	}
	status, err := m.driver.Status(ctx, sandbox.Handle(bot.SandboxHandle.String))
	if err != nil {
		return toView(bot)
	}
	if status == sandbox.StatusCrashed && bot.State != string(sandbox.StatusCrashed) {
		if err := m.store.SetBotStateDirect(ctx, bot.ID, string(sandbox.StatusCrashed)); err != nil {
			m.log.Printf("reconcile: failed to persist CRASHED for bot %d: %v", bot.ID, err)
		} else {
			bot.State = string(sandbox.StatusCrashed)
		}
	}
	return toView(bot)
}

// parseCPUShare converts a plan's decimal CPU share string (e.g. "0.5")
// into a float64, defaulting to 1.0 core on parse failure.
func parseCPUShare(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 1.0
	}
	return v
}
