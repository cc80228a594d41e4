package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CrawlDocument is the archival record MongoStore writes for every fetched
// or rendered document, given as one of the pluggable submission-fallback
// archival sinks SPEC_FULL.md §2 names alongside local JSON files.
type CrawlDocument struct {
	Hash        string    `bson:"hash"`
	URL         string    `bson:"url"`
	Host        string    `bson:"host"`
	ProxyTag    string    `bson:"proxy_tag"`
	Event       string    `bson:"event"` // "fetched" or "rendered"
	StatusCode  int       `bson:"status_code,omitempty"`
	ContentType string    `bson:"content_type,omitempty"`
	BodySize    int       `bson:"body_size,omitempty"`
	Timestamp   time.Time `bson:"timestamp"`
}

// MongoStore archives crawl documents to a MongoDB collection, adapted
// from the teacher's generic item-storage backend into a fixed
// CrawlDocument schema.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

// NewMongoStore connects to uri and returns a store writing to
// database.collection.
func NewMongoStore(uri, database, collection string, logger *slog.Logger) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongodb ping: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger.With("component", "mongo_store"),
	}, nil
}

// Archive inserts a single crawl document.
func (s *MongoStore) Archive(ctx context.Context, doc CrawlDocument) error {
	insertCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.collection.InsertOne(insertCtx, doc); err != nil {
		return fmt.Errorf("mongodb insert: %w", err)
	}
	s.logger.Debug("document archived", "hash", doc.Hash, "event", doc.Event)
	return nil
}

// Close disconnects the MongoDB client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
