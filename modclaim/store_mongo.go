package modclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	mongoClaimsCollection        = "claims"
	mongoConfigsCollection       = "configs"
	mongoSubscriptionsCollection = "subscriptions"
)

// MongoStore is a [Store] backed by MongoDB, with one claims document
// per thread and one config document per guild.
type MongoStore struct {
	claims        *mongo.Collection
	configs       *mongo.Collection
	subscriptions *mongo.Collection
	logger        *slog.Logger
}

type mongoSubscription struct {
	GuildID  string   `bson:"guild"`
	ThreadID string   `bson:"thread_id"`
	Users    []string `bson:"users"`
}

func NewMongoStore(db *mongo.Database, logger *slog.Logger) *MongoStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoStore{
		claims:        db.Collection(mongoClaimsCollection),
		configs:       db.Collection(mongoConfigsCollection),
		subscriptions: db.Collection(mongoSubscriptionsCollection),
		logger:        logger.With(loggerNameKey, "mongo_store"),
	}
}

// NewMongoClient connects to the MongoDB deployment at uri.
func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongodb: %w", err)
	}
	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("error pinging mongodb: %w", err)
	}
	return client, nil
}

// EnsureIndexes creates the unique (guild, thread_id) indexes
// ClaimIfUnclaimed depends on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	threadIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "guild", Value: 1}, {Key: "thread_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.claims.Indexes().CreateOne(ctx, threadIndex); err != nil {
		return fmt.Errorf("error creating claims index: %w", err)
	}
	claimerIndex := mongo.IndexModel{
		Keys: bson.D{{Key: "guild", Value: 1}, {Key: "claimers", Value: 1}},
	}
	if _, err := s.claims.Indexes().CreateOne(ctx, claimerIndex); err != nil {
		return fmt.Errorf("error creating claimers index: %w", err)
	}
	if _, err := s.subscriptions.Indexes().CreateOne(ctx, threadIndex); err != nil {
		return fmt.Errorf("error creating subscriptions index: %w", err)
	}
	return nil
}

func threadFilter(guildID, threadID string) bson.D {
	return bson.D{{Key: "guild", Value: guildID}, {Key: "thread_id", Value: threadID}}
}

func (s *MongoStore) GetRecord(ctx context.Context, guildID, threadID string) (
	ClaimRecord,
	error,
) {
	var rec ClaimRecord
	err := s.claims.FindOne(ctx, threadFilter(guildID, threadID)).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ClaimRecord{GuildID: guildID, ThreadID: threadID}, ErrRecordNotFound
		}
		return rec, err
	}
	return rec, nil
}

func (s *MongoStore) UpsertRecord(
	ctx context.Context,
	guildID, threadID string,
	claimers []string,
) (ClaimRecord, error) {
	claimers = addUnique([]string{}, claimers...)
	_, err := s.claims.UpdateOne(
		ctx,
		threadFilter(guildID, threadID),
		bson.D{{Key: "$set", Value: bson.D{{Key: "claimers", Value: claimers}}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return ClaimRecord{}, err
	}
	return ClaimRecord{GuildID: guildID, ThreadID: threadID, Claimers: claimers}, nil
}

// ClaimIfUnclaimed upserts with a filter that only matches unclaimed
// threads. When the thread is already claimed the filter misses, the
// upsert collides with the unique (guild, thread_id) index, and the
// duplicate key error is reported as [ErrAlreadyClaimed].
func (s *MongoStore) ClaimIfUnclaimed(
	ctx context.Context,
	guildID, threadID, userID string,
) (ClaimRecord, error) {
	filter := append(
		threadFilter(guildID, threadID),
		bson.E{
			Key: "$or", Value: bson.A{
				bson.D{{Key: "claimers", Value: bson.D{{Key: "$exists", Value: false}}}},
				bson.D{{Key: "claimers", Value: bson.D{{Key: "$size", Value: 0}}}},
			},
		},
	)
	_, err := s.claims.UpdateOne(
		ctx,
		filter,
		bson.D{{Key: "$set", Value: bson.D{{Key: "claimers", Value: bson.A{userID}}}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ClaimRecord{}, ErrAlreadyClaimed
		}
		return ClaimRecord{}, err
	}
	return ClaimRecord{GuildID: guildID, ThreadID: threadID, Claimers: []string{userID}}, nil
}

func (s *MongoStore) AddClaimer(ctx context.Context, guildID, threadID, userID string) error {
	_, err := s.claims.UpdateOne(
		ctx,
		threadFilter(guildID, threadID),
		bson.D{{Key: "$addToSet", Value: bson.D{{Key: "claimers", Value: userID}}}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) RemoveClaimer(ctx context.Context, guildID, threadID, userID string) error {
	_, err := s.claims.UpdateOne(
		ctx,
		threadFilter(guildID, threadID),
		bson.D{{Key: "$pull", Value: bson.D{{Key: "claimers", Value: userID}}}},
	)
	return err
}

func (s *MongoStore) DeleteRecord(ctx context.Context, guildID, threadID string) (bool, error) {
	res, err := s.claims.DeleteOne(ctx, threadFilter(guildID, threadID))
	if err != nil {
		return false, err
	}
	if _, subErr := s.subscriptions.DeleteOne(ctx, threadFilter(guildID, threadID)); subErr != nil {
		s.logger.WarnContext(
			ctx,
			"error deleting subscriptions",
			"guild_id", guildID,
			"thread_id", threadID,
			"error", subErr,
		)
	}
	return res.DeletedCount > 0, nil
}

func (s *MongoStore) ListRecords(
	ctx context.Context,
	guildID string,
	fn func(ClaimRecord) error,
) error {
	cur, err := s.claims.Find(ctx, bson.D{{Key: "guild", Value: guildID}})
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var rec ClaimRecord
		if err = cur.Decode(&rec); err != nil {
			return fmt.Errorf("error decoding claim record: %w", err)
		}
		if err = fn(rec); err != nil {
			return err
		}
	}
	return cur.Err()
}

func (s *MongoStore) CountClaims(ctx context.Context, guildID, userID string) (int, error) {
	n, err := s.claims.CountDocuments(
		ctx,
		bson.D{{Key: "guild", Value: guildID}, {Key: "claimers", Value: userID}},
	)
	return int(n), err
}

func (s *MongoStore) ListGuilds(ctx context.Context) ([]string, error) {
	values, err := s.claims.Distinct(ctx, "guild", bson.D{})
	if err != nil {
		return nil, err
	}
	guildIDs := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			guildIDs = append(guildIDs, id)
		}
	}
	return guildIDs, nil
}

func (s *MongoStore) GetConfig(ctx context.Context, guildID string) (GuildConfig, error) {
	var cfg GuildConfig
	err := s.configs.FindOne(ctx, bson.D{{Key: "_id", Value: guildID}}).Decode(&cfg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return GuildConfig{GuildID: guildID}, ErrRecordNotFound
		}
		return cfg, err
	}
	return cfg, nil
}

func (s *MongoStore) SetConfig(ctx context.Context, cfg GuildConfig) error {
	if cfg.Limit != nil && *cfg.Limit < 0 {
		return errInvalidLimit
	}
	cfg.BypassRoles = addUnique([]string{}, cfg.BypassRoles...)
	_, err := s.configs.ReplaceOne(
		ctx,
		bson.D{{Key: "_id", Value: cfg.GuildID}},
		cfg,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) SetLimit(ctx context.Context, guildID string, limit int) error {
	if limit < 0 {
		return errInvalidLimit
	}
	_, err := s.configs.UpdateOne(
		ctx,
		bson.D{{Key: "_id", Value: guildID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "limit", Value: limit}}}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) AddBypassRoles(
	ctx context.Context,
	guildID string,
	roleIDs ...string,
) (GuildConfig, error) {
	roles := addUnique([]string{}, roleIDs...)
	_, err := s.configs.UpdateOne(
		ctx,
		bson.D{{Key: "_id", Value: guildID}},
		bson.D{
			{
				Key: "$addToSet", Value: bson.D{
					{Key: "bypass_roles", Value: bson.D{{Key: "$each", Value: roles}}},
				},
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return GuildConfig{}, err
	}
	return s.GetConfig(ctx, guildID)
}

func (s *MongoStore) RemoveBypassRole(
	ctx context.Context,
	guildID, roleID string,
) (GuildConfig, error) {
	res, err := s.configs.UpdateOne(
		ctx,
		bson.D{{Key: "_id", Value: guildID}, {Key: "bypass_roles", Value: roleID}},
		bson.D{{Key: "$pull", Value: bson.D{{Key: "bypass_roles", Value: roleID}}}},
	)
	if err != nil {
		return GuildConfig{}, err
	}
	if res.MatchedCount == 0 {
		return GuildConfig{}, notInBypassList(roleID)
	}
	return s.GetConfig(ctx, guildID)
}

func (s *MongoStore) ToggleSubscription(
	ctx context.Context,
	guildID, threadID, userID string,
) (bool, error) {
	filter := append(threadFilter(guildID, threadID), bson.E{Key: "users", Value: userID})
	res, err := s.subscriptions.UpdateOne(
		ctx,
		filter,
		bson.D{{Key: "$pull", Value: bson.D{{Key: "users", Value: userID}}}},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount > 0 {
		return false, nil
	}
	_, err = s.subscriptions.UpdateOne(
		ctx,
		threadFilter(guildID, threadID),
		bson.D{{Key: "$addToSet", Value: bson.D{{Key: "users", Value: userID}}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MongoStore) Subscribers(ctx context.Context, guildID, threadID string) (
	[]string,
	error,
) {
	var sub mongoSubscription
	err := s.subscriptions.FindOne(ctx, threadFilter(guildID, threadID)).Decode(&sub)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, err
	}
	return sub.Users, nil
}

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.claims.Database().Client().Disconnect(ctx)
}
