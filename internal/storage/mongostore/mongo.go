// Package mongostore keeps pastes in a MongoDB collection.
package mongostore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pastebin-lite/internal/storage"
)

// Options configures the MongoDB backend.
type Options struct {
	URI          string
	Database     string
	Collection   string
	Timeout      time.Duration
	ReclaimGrace time.Duration
}

// Store implements storage.Store using MongoDB.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       Options
}

type document struct {
	ID         string     `bson:"_id"`
	Content    string     `bson:"content"`
	CreatedAt  time.Time  `bson:"created_at"`
	TTLSeconds *int       `bson:"ttl_seconds,omitempty"`
	ExpiresAt  *time.Time `bson:"expires_at,omitempty"`
	MaxViews   *int       `bson:"max_views,omitempty"`
	ViewCount  int        `bson:"view_count"`
	// ReclaimAt drives the TTL index. Availability never reads it.
	ReclaimAt *time.Time `bson:"reclaim_at,omitempty"`
}

// Open connects, pings and ensures the collection indexes exist.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Collection == "" {
		opts.Collection = "pastes"
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, storage.Unavailable(errors.Wrap(err, "connect mongodb"))
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, storage.Unavailable(errors.Wrap(err, "ping mongodb"))
	}

	s := &Store{
		client:     client,
		collection: client.Database(opts.Database).Collection(opts.Collection),
		opts:       opts,
	}
	if err := s.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "reclaim_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
		{
			Keys: bson.D{{Key: "expires_at", Value: 1}},
		},
	})
	return classify(err, "create indexes")
}

func (s *Store) Insert(ctx context.Context, paste *storage.Paste) (string, error) {
	if err := paste.Validate(); err != nil {
		return "", err
	}
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	doc := toDocument(paste, s.opts.ReclaimGrace)
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", storage.ErrConflict
		}
		return "", classify(err, "insert paste")
	}
	return paste.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var doc document
	if err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, classify(err, "get paste")
	}
	return doc.paste(), nil
}

// ConsumeView matches the paste only while it is inside both limits and
// increments view_count in the same server-side operation.
func (s *Store) ConsumeView(ctx context.Context, id string, now time.Time) (*storage.Paste, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	filter := bson.M{
		"_id": id,
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"expires_at": nil},
				bson.M{"expires_at": bson.M{"$gte": now.UTC()}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"max_views": nil},
				bson.M{"$expr": bson.M{"$lt": bson.A{"$view_count", "$max_views"}}},
			}},
		},
	}
	update := bson.M{"$inc": bson.M{"view_count": 1}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc document
	if err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, classify(err, "consume view")
	}
	return doc.paste(), nil
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	res, err := s.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, classify(err, "delete expired")
	}
	return int(res.DeletedCount), nil
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := storage.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	if err := s.client.Ping(ctx, nil); err != nil {
		return storage.Unavailable(errors.Wrap(err, "ping mongodb"))
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toDocument(p *storage.Paste, grace time.Duration) document {
	doc := document{
		ID:         p.ID,
		Content:    p.Content,
		CreatedAt:  p.CreatedAt.UTC(),
		TTLSeconds: p.TTLSeconds,
		MaxViews:   p.MaxViews,
		ViewCount:  p.ViewCount,
	}
	if p.ExpiresAt != nil {
		at := p.ExpiresAt.UTC()
		reclaim := at.Add(grace)
		doc.ExpiresAt = &at
		doc.ReclaimAt = &reclaim
	}
	return doc
}

func (d document) paste() *storage.Paste {
	p := &storage.Paste{
		ID:         d.ID,
		Content:    d.Content,
		CreatedAt:  d.CreatedAt.UTC(),
		TTLSeconds: d.TTLSeconds,
		MaxViews:   d.MaxViews,
		ViewCount:  d.ViewCount,
	}
	if d.ExpiresAt != nil {
		at := d.ExpiresAt.UTC()
		p.ExpiresAt = &at
	}
	return p
}

func classify(err error, msg string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return storage.ErrNotFound
	case mongo.IsTimeout(err), mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		return storage.Unavailable(errors.Wrap(err, msg))
	}
	return storage.Classify(err, msg)
}
