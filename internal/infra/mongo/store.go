// Package mongo implements the credit ledger on MongoDB. Balance changes are
// single-document $inc updates, which MongoDB applies atomically; the spend
// filter `balance >= amount` makes the conditional decrement race-free.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/wwc-network/wwc/internal/domain"
)

// Collection name constants.
const (
	colAccounts  = "credit_accounts"
	colEntries   = "credit_entries"
	colFlushKeys = "credit_flush_keys"
	colUnlocks   = "channel_unlocks"
)

// releaseTimeout bounds the rollback of a flush key claim.
const releaseTimeout = 5 * time.Second

// compile-time interface check
var _ domain.LedgerStore = (*Store)(nil)

type accountDoc struct {
	Identity  string    `bson:"_id"`
	Balance   int64     `bson:"balance"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type entryDoc struct {
	ID             string    `bson:"_id"`
	Identity       string    `bson:"identity"`
	Type           string    `bson:"tx_type"`
	Amount         int64     `bson:"amount"`
	Reason         string    `bson:"reason"`
	Note           string    `bson:"note"`
	IdempotencyKey string    `bson:"idempotency_key"`
	BalanceAfter   int64     `bson:"balance_after"`
	CreatedAt      time.Time `bson:"created_at"`
}

type flushKeyDoc struct {
	ID           string    `bson:"_id"`
	Identity     string    `bson:"identity"`
	Key          string    `bson:"key"`
	Amount       int64     `bson:"amount"`
	BalanceAfter *int64    `bson:"balance_after"`
	CreatedAt    time.Time `bson:"created_at"`
}

type unlockDoc struct {
	ID        string    `bson:"_id"`
	Identity  string    `bson:"identity"`
	Channel   string    `bson:"channel_slug"`
	Via       string    `bson:"unlocked_via"`
	CreatedAt time.Time `bson:"created_at"`
}

// Store implements domain.LedgerStore on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to uri, selects database, and creates indexes.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// Migrate creates the secondary indexes.
func (s *Store) Migrate(ctx context.Context) error {
	indexes := map[string]mongo.IndexModel{
		colEntries: {Keys: bson.D{{Key: "identity", Value: 1}, {Key: "created_at", Value: -1}}},
		colUnlocks: {Keys: bson.D{{Key: "identity", Value: 1}, {Key: "created_at", Value: 1}}},
	}
	for col, idx := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateOne(ctx, idx); err != nil {
			return fmt.Errorf("mongo: create index on %s: %w", col, err)
		}
	}
	return nil
}

func (s *Store) accounts() *mongo.Collection { return s.db.Collection(colAccounts) }

func (s *Store) ensureAccount(ctx context.Context, id domain.Identity) error {
	now := time.Now().UTC()
	_, err := s.accounts().UpdateOne(ctx,
		bson.M{"_id": string(id)},
		bson.M{"$setOnInsert": bson.M{"balance": int64(0), "created_at": now, "updated_at": now}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *Store) Balance(ctx context.Context, id domain.Identity) (int64, error) {
	if err := s.ensureAccount(ctx, id); err != nil {
		return 0, err
	}
	var acc accountDoc
	if err := s.accounts().FindOne(ctx, bson.M{"_id": string(id)}).Decode(&acc); err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func flushKeyID(id domain.Identity, key string) string {
	return string(id) + "/" + key
}

func (s *Store) Add(ctx context.Context, req domain.AddRequest) (domain.AddResult, error) {
	keys := s.db.Collection(colFlushKeys)

	// Claim the key before touching the balance: a replay can never apply
	// twice, at worst a failed first attempt is rolled back below.
	if req.IdempotencyKey != "" {
		_, err := keys.InsertOne(ctx, flushKeyDoc{
			ID:        flushKeyID(req.Identity, req.IdempotencyKey),
			Identity:  string(req.Identity),
			Key:       req.IdempotencyKey,
			Amount:    req.Amount,
			CreatedAt: time.Now().UTC(),
		})
		if mongo.IsDuplicateKeyError(err) {
			return s.replayed(ctx, req)
		}
		if err != nil {
			return domain.AddResult{}, err
		}
	}

	now := time.Now().UTC()
	var acc accountDoc
	err := s.accounts().FindOneAndUpdate(ctx,
		bson.M{"_id": string(req.Identity)},
		bson.M{
			"$inc":         bson.M{"balance": req.Amount},
			"$set":         bson.M{"updated_at": now},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&acc)
	if err != nil {
		if req.IdempotencyKey != "" {
			if rerr := s.releaseFlushKey(ctx, flushKeyID(req.Identity, req.IdempotencyKey)); rerr != nil {
				return domain.AddResult{}, errors.Join(err, fmt.Errorf("release flush key: %w", rerr))
			}
		}
		return domain.AddResult{}, err
	}

	if req.IdempotencyKey != "" {
		if _, err := keys.UpdateOne(ctx,
			bson.M{"_id": flushKeyID(req.Identity, req.IdempotencyKey)},
			bson.M{"$set": bson.M{"balance_after": acc.Balance}},
		); err != nil {
			return domain.AddResult{}, err
		}
	}

	if err := s.insertEntry(ctx, entryDoc{
		Identity:       string(req.Identity),
		Type:           string(domain.TxEarn),
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
		BalanceAfter:   acc.Balance,
	}); err != nil {
		return domain.AddResult{}, err
	}
	return domain.AddResult{Balance: acc.Balance}, nil
}

// releaseFlushKey drops a claim whose balance update failed, so the retry
// applies instead of replaying. The request context is usually the reason
// the update failed, so the delete runs detached from its cancellation.
func (s *Store) releaseFlushKey(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	_, err := s.db.Collection(colFlushKeys).DeleteOne(ctx, bson.M{"_id": id})
	return err
}

// replayed answers a duplicate key with the balance recorded by the first
// application, or the current balance while that one is still in flight.
func (s *Store) replayed(ctx context.Context, req domain.AddRequest) (domain.AddResult, error) {
	var doc flushKeyDoc
	err := s.db.Collection(colFlushKeys).FindOne(ctx,
		bson.M{"_id": flushKeyID(req.Identity, req.IdempotencyKey)},
	).Decode(&doc)
	if err != nil {
		return domain.AddResult{}, err
	}
	if doc.BalanceAfter != nil {
		return domain.AddResult{Balance: *doc.BalanceAfter, Replayed: true}, nil
	}
	bal, err := s.Balance(ctx, req.Identity)
	return domain.AddResult{Balance: bal, Replayed: true}, err
}

func (s *Store) Spend(ctx context.Context, req domain.SpendRequest) (domain.SpendResult, error) {
	var acc accountDoc
	err := s.accounts().FindOneAndUpdate(ctx,
		bson.M{"_id": string(req.Identity), "balance": bson.M{"$gte": req.Amount}},
		bson.M{
			"$inc": bson.M{"balance": -req.Amount},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&acc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		cur, err := s.Balance(ctx, req.Identity)
		if err != nil {
			return domain.SpendResult{}, err
		}
		return domain.SpendResult{OK: false, Balance: cur}, nil
	}
	if err != nil {
		return domain.SpendResult{}, err
	}

	if err := s.insertEntry(ctx, entryDoc{
		Identity:     string(req.Identity),
		Type:         string(domain.TxSpend),
		Amount:       req.Amount,
		Reason:       req.Reason,
		Note:         req.Note,
		BalanceAfter: acc.Balance,
	}); err != nil {
		return domain.SpendResult{}, err
	}
	return domain.SpendResult{OK: true, Balance: acc.Balance}, nil
}

func (s *Store) insertEntry(ctx context.Context, e entryDoc) error {
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	_, err := s.db.Collection(colEntries).InsertOne(ctx, e)
	return err
}

func (s *Store) Entries(ctx context.Context, id domain.Identity, limit int) ([]domain.LedgerEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(colEntries).Find(ctx, bson.M{"identity": string(id)}, opts)
	if err != nil {
		return nil, err
	}
	var docs []entryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]domain.LedgerEntry, len(docs))
	for i, d := range docs {
		out[i] = domain.LedgerEntry{
			ID:             d.ID,
			Identity:       id,
			Type:           domain.TransactionType(d.Type),
			Amount:         d.Amount,
			Reason:         d.Reason,
			Note:           d.Note,
			IdempotencyKey: d.IdempotencyKey,
			Balance:        d.BalanceAfter,
			Timestamp:      d.CreatedAt,
		}
	}
	return out, nil
}

func (s *Store) RecordUnlock(ctx context.Context, u domain.ChannelUnlock) (bool, error) {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(colUnlocks).InsertOne(ctx, unlockDoc{
		ID:        string(u.Identity) + "/" + u.Channel,
		Identity:  string(u.Identity),
		Channel:   u.Channel,
		Via:       string(u.Via),
		CreatedAt: u.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) Unlocks(ctx context.Context, id domain.Identity) ([]domain.ChannelUnlock, error) {
	cursor, err := s.db.Collection(colUnlocks).Find(ctx,
		bson.M{"identity": string(id)},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []unlockDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.ChannelUnlock, len(docs))
	for i, d := range docs {
		out[i] = domain.ChannelUnlock{
			Identity:  id,
			Channel:   d.Channel,
			Via:       domain.UnlockMethod(d.Via),
			CreatedAt: d.CreatedAt,
		}
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
