package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Node kinds and relationships stored in identity_edges.
const (
	KindUser   = "user"
	KindCard   = "card"
	KindDevice = "device"

	RelUsedDevice     = "USED_DEVICE"
	RelUsedCard       = "USED_CARD"
	RelAssociatedWith = "ASSOCIATED_WITH"
)

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

const upsertEdgeSQL = `
	INSERT INTO identity_edges (src_kind, src_id, rel, dst_kind, dst_id, first_seen, last_seen)
	VALUES ($1, $2, $3, $4, $5, $6, $6)
	ON CONFLICT (src_kind, src_id, rel, dst_kind, dst_id)
	DO UPDATE SET last_seen = GREATEST(identity_edges.last_seen, EXCLUDED.last_seen)`

// IdentityGraphRepository is the relationship-query backend for identity
// data. Every user, card and device is a node; each observed interaction is
// an edge stamped with the time it was last seen.
type IdentityGraphRepository struct {
	db     DB
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time
}

// NewIdentityGraphRepository creates a repository whose device usage edges
// count for ttl after their last update.
func NewIdentityGraphRepository(db DB, ttl time.Duration, logger *zap.Logger) *IdentityGraphRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &IdentityGraphRepository{
		db:     db,
		logger: logger,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock replaces the wall clock.
func (r *IdentityGraphRepository) WithClock(now func() time.Time) *IdentityGraphRepository {
	r.now = now
	return r
}

// RecordUsage upserts the (user)-[USED_DEVICE]->(device) edge.
func (r *IdentityGraphRepository) RecordUsage(ctx context.Context, deviceID, userID string) error {
	_, err := r.db.Exec(ctx, upsertEdgeSQL, KindUser, userID, RelUsedDevice, KindDevice, deviceID, r.now().UTC())
	if err != nil {
		r.logger.Error("record device usage failed",
			zap.String("device_id", deviceID),
			zap.String("user_id", userID),
			zap.Error(err))
		return storeUnavailable(err, "record_usage", deviceID)
	}
	return nil
}

// UsersOf returns the distinct users with a live edge to deviceID, sorted.
func (r *IdentityGraphRepository) UsersOf(ctx context.Context, deviceID string) ([]string, error) {
	cutoff := r.now().Add(-r.ttl).UTC()

	rows, err := r.db.Query(ctx, `
		SELECT src_id
		FROM identity_edges
		WHERE dst_kind = $1 AND dst_id = $2 AND rel = $3 AND src_kind = $4
		  AND last_seen > $5
		ORDER BY src_id`,
		KindDevice, deviceID, RelUsedDevice, KindUser, cutoff)
	if err != nil {
		r.logger.Error("load device users failed", zap.String("device_id", deviceID), zap.Error(err))
		return nil, storeUnavailable(err, "users_of", deviceID)
	}

	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storeUnavailable(err, "users_of", deviceID)
	}
	return users, nil
}

// LinkCard records (user)-[USED_CARD]->(card) and
// (card)-[ASSOCIATED_WITH]->(device) in one transaction.
func (r *IdentityGraphRepository) LinkCard(ctx context.Context, userID, cardID, deviceID string) error {
	seen := r.now().UTC()

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		batch.Queue(upsertEdgeSQL, KindUser, userID, RelUsedCard, KindCard, cardID, seen)
		batch.Queue(upsertEdgeSQL, KindCard, cardID, RelAssociatedWith, KindDevice, deviceID, seen)
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		r.logger.Error("link card failed",
			zap.String("card_id", cardID),
			zap.String("device_id", deviceID),
			zap.Error(err))
		return storeUnavailable(err, "link_card", cardID)
	}
	return nil
}

// Prune deletes edges that have not been seen within the TTL.
func (r *IdentityGraphRepository) Prune(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.ttl).UTC()

	tag, err := r.db.Exec(ctx, `DELETE FROM identity_edges WHERE last_seen <= $1`, cutoff)
	if err != nil {
		return 0, storeUnavailable(err, "prune", "identity_edges")
	}
	return tag.RowsAffected(), nil
}

// RunJanitor prunes expired edges every interval until ctx is done.
func (r *IdentityGraphRepository) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.Prune(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("identity graph prune failed",
					zap.Error(err),
					zap.Bool("connection_error", IsConnectionError(err)))
				continue
			}
			if removed > 0 {
				r.logger.Debug("identity graph pruned", zap.Int64("edges", removed))
			}
		}
	}
}
