package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"escrowline/internal/apperr"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
	"escrowline/internal/repo"
)

type RegisterWorkerInput struct {
	WorkerID        string
	Verified        bool
	PayoutAccountID string
	PayoutsEnabled  bool
}

// RegisterWorker records the verification and payout readiness the identity
// and processor onboarding flows reported for a worker.
func (e Engine) RegisterWorker(ctx context.Context, actor auth.Actor, in RegisterWorkerInput) (domain.WorkerAccount, error) {
	if err := actor.Require(auth.RoleSystem); err != nil {
		return domain.WorkerAccount{}, err
	}
	id := strings.TrimSpace(in.WorkerID)
	if id == "" {
		return domain.WorkerAccount{}, apperr.InvalidArgument("worker_id_required", "worker_id is required")
	}
	w := domain.WorkerAccount{
		WorkerID:        id,
		Verified:        in.Verified,
		PayoutAccountID: strings.TrimSpace(in.PayoutAccountID),
		PayoutsEnabled:  in.PayoutsEnabled,
		UpdatedAt:       e.ts(),
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertWorkerAccount(ctx, tx, w); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "worker.registered", "worker", id, actor.ID, events.EventPayload{
			"verified":        w.Verified,
			"payouts_enabled": w.PayoutsEnabled,
		})
	})
	return w, err
}

func (e Engine) GetWorker(ctx context.Context, workerID string) (domain.WorkerAccount, error) {
	w, err := e.Repo.GetWorkerAccount(ctx, nil, workerID)
	if err != nil {
		return domain.WorkerAccount{}, notFound(err, "worker", workerID)
	}
	return w, nil
}

// CreatedAPIKey holds the plaintext key, shown once.
type CreatedAPIKey struct {
	domain.APIKey
	Key string `json:"key"`
}

// CreateAPIKey issues a key for a service actor. Only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, roles []string) (CreatedAPIKey, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return CreatedAPIKey{}, apperr.InvalidArgument("actor_id_required", "actor_id is required")
	}
	roles, err := auth.NormalizeRoles(roles)
	if err != nil {
		return CreatedAPIKey{}, err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return CreatedAPIKey{}, err
	}
	plain := "esk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		Roles:     roles,
		CreatedAt: e.ts(),
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "apikey.created", "api_key", key.ID, auth.SystemActorID, events.EventPayload{"actor_id": actorID, "roles": roles})
	})
	if err != nil {
		return CreatedAPIKey{}, err
	}
	return CreatedAPIKey{APIKey: key, Key: plain}, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, actorID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	if err := e.Repo.DeleteAPIKey(ctx, id); err != nil {
		return notFound(err, "api_key", id)
	}
	return nil
}

// ResolveAPIKey maps a presented key to its actor.
func (e Engine) ResolveAPIKey(ctx context.Context, plain string) (auth.Actor, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	if err != nil {
		return auth.Actor{}, apperr.New(apperr.CodeUnauthenticated, "invalid_api_key", "invalid api key")
	}
	return auth.Actor{ID: key.ActorID, Roles: key.Roles}, nil
}

func (e Engine) LatestEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
