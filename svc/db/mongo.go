package db

import (
	"context"
	"time"

	"ephemera/pkg/domain"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoPaste struct {
	ID        string     `bson:"_id"`
	Content   string     `bson:"content"`
	CreatedAt time.Time  `bson:"created_at"`
	ExpiresAt *time.Time `bson:"expires_at"`
	MaxViews  *int       `bson:"max_views"`
	ViewCount int        `bson:"view_count"`
}

func (m *mongoPaste) toDomain() *domain.Paste {
	p := &domain.Paste{
		ID:        m.ID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
		MaxViews:  m.MaxViews,
		ViewCount: m.ViewCount,
	}
	if m.ExpiresAt != nil {
		t := m.ExpiresAt.UTC()
		p.ExpiresAt = &t
	}
	return p
}

type Mongo struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	floor      floor
}

func NewMongo(uri, database string, opts Options) (*Mongo, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(uint64(opts.MaxOpenConns)).
		SetTimeout(opts.QueryTimeout))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	m := &Mongo{
		client:     client,
		collection: client.Database(database).Collection("pastes"),
		timeout:    opts.QueryTimeout,
		floor:      floor(opts.MinResponseTime),
	}
	if err := m.migrate(ctx, opts.Retention); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "migration failed")
	}
	return m, nil
}

// migrate indexes expires_at. With a retention, the index doubles as a TTL index so the
// server drops records that expired long enough ago.
func (m *Mongo) migrate(ctx context.Context, retention time.Duration) error {
	idx := options.Index().SetName("idx_pastes_expires_at")
	if retention > 0 {
		idx.SetExpireAfterSeconds(int32(retention / time.Second))
	}
	_, err := m.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: idx,
	})
	return err
}
func (m *Mongo) Create(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err := m.collection.InsertOne(ctx, mongoPaste{
		ID:        p.ID,
		Content:   p.Content,
		CreatedAt: p.CreatedAt.UTC(),
		ExpiresAt: p.ExpiresAt,
		MaxViews:  p.MaxViews,
		ViewCount: 0,
	})
	if mongo.IsDuplicateKeyError(err) {
		return domain.ErrDuplicateID
	}
	return errors.Wrap(err, "mongo create")
}

// Consume matches the document only while both gates hold and increments in the same
// findOneAndUpdate, which is atomic per document.
func (m *Mongo) Consume(ctx context.Context, id string, now time.Time) (*domain.Paste, error) {
	start := time.Now()
	defer m.floor.pad(start)
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	filter := bson.M{
		"_id": id,
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"expires_at": nil},
				bson.M{"expires_at": bson.M{"$gt": now.UTC()}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"max_views": nil},
				bson.M{"$expr": bson.M{"$lt": bson.A{"$view_count", "$max_views"}}},
			}},
		},
	}
	update := bson.M{"$inc": bson.M{"view_count": 1}}
	var doc mongoPaste
	err := m.collection.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := m.collection.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
		if cerr != nil {
			return nil, errors.Wrap(cerr, "exists check failed")
		}
		if n == 0 {
			return nil, domain.ErrPasteNotFound
		}
		return nil, domain.ErrPasteNotAvailable
	}
	if err != nil {
		return nil, errors.Wrap(err, "mongo consume")
	}
	return doc.toDomain(), nil
}
func (m *Mongo) DeleteRetired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	// DeleteMany has no limit; the batch size only bounds how many ids are collected first.
	cur, err := m.collection.Find(ctx, bson.M{"$or": bson.A{
		bson.M{"expires_at": bson.M{"$lt": cutoff.UTC()}},
		bson.M{
			"max_views":  bson.M{"$ne": nil},
			"created_at": bson.M{"$lt": cutoff.UTC()},
			"$expr":      bson.M{"$gte": bson.A{"$view_count", "$max_views"}},
		},
	}}, options.Find().SetLimit(int64(limit)).SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return 0, errors.Wrap(err, "cleanup scan failed")
	}
	var ids []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &ids); err != nil {
		return 0, errors.Wrap(err, "cleanup scan failed")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	in := make(bson.A, 0, len(ids))
	for _, d := range ids {
		in = append(in, d.ID)
	}
	res, err := m.collection.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": in}})
	if err != nil {
		return 0, errors.Wrap(err, "cleanup batch failed")
	}
	return int(res.DeletedCount), nil
}
func (m *Mongo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.Ping(ctx, nil)
}
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
