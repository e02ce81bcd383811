package mw

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const rulesCollection = "watch_rules"

// Store persists watch rules in a document collection. It is the only owner
// of persisted rule documents; everything else goes through it.
type Store struct {
	client *mongo.Client
	rules  *mongo.Collection
	log    zerolog.Logger
}

func NewStore(ctx context.Context, uri, database string, log zerolog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect rule store: %w", err)
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping rule store: %w", err)
	}
	s := &Store{
		client: client,
		rules:  client.Database(database).Collection(rulesCollection),
		log:    log,
	}
	if err = s.ensureIndexes(ctx); err != nil {
		log.Warn().Err(err).Msg("could not create rule indexes")
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.rules.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "rule_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "watch_type", Value: 1}}},
		{Keys: bson.D{{Key: "active", Value: 1}}},
	})
	return err
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Save inserts a new rule. Rule ids are unique; saving an existing id fails.
func (s *Store) Save(ctx context.Context, rule *Rule) error {
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.LastUpdated = now
	_, err := s.rules.InsertOne(ctx, rule)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("rule %s already exists", rule.RuleID)
	}
	return err
}

// Update applies a partial patch to one rule and reports whether any
// document matched.
func (s *Store) Update(ctx context.Context, ruleID string, patch bson.M) (bool, error) {
	patch["last_updated"] = time.Now().UTC()
	res, err := s.rules.UpdateOne(ctx, bson.M{"rule_id": ruleID}, bson.M{"$set": patch})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// Deactivate turns a rule off without deleting it.
func (s *Store) Deactivate(ctx context.Context, ruleID string) (bool, error) {
	return s.Update(ctx, ruleID, bson.M{"active": false})
}

// UpdateStatus records the rule's pipeline status, and the error that put it
// there when one exists.
func (s *Store) UpdateStatus(ctx context.Context, ruleID, status string, cause error) error {
	patch := bson.M{"status": status}
	if cause != nil {
		patch["last_error"] = cause.Error()
	}
	matched, err := s.Update(ctx, ruleID, patch)
	if err != nil {
		return err
	}
	if !matched {
		return fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	return nil
}

// Get fetches one rule by id.
func (s *Store) Get(ctx context.Context, ruleID string) (*Rule, error) {
	var rule Rule
	err := s.rules.FindOne(ctx, bson.M{"rule_id": ruleID}).Decode(&rule)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("rule %s: %w", ruleID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// GetActive returns every active rule, optionally narrowed to one watch
// type. Used by the processor's crash-recovery replay.
func (s *Store) GetActive(ctx context.Context, t WatchType) ([]Rule, error) {
	filter := bson.M{"active": true}
	if t != "" {
		filter["watch_type"] = t
	}
	cur, err := s.rules.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var rules []Rule
	if err = cur.All(ctx, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}
