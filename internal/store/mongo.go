package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oicur0t/loglens/internal/config"
	"github.com/oicur0t/loglens/internal/filter"
	"github.com/oicur0t/loglens/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoBackend reads entries from a MongoDB collection
type MongoBackend struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// mongoDocument carries the store id and the raw datetime next to the entry fields
type mongoDocument struct {
	ObjectID        interface{}   `bson:"_id"`
	Datetime        bson.RawValue `bson:"datetime"`
	models.LogEntry `bson:",inline"`
}

// DecodeMongoDocument decodes one stored document. A datetime held as a BSON
// date, a timestamp or a string in any accepted layout is kept; anything else
// leaves Datetime zero so the entry counts as a parse failure, as on the JSON
// backends.
func DecodeMongoDocument(raw bson.Raw) (models.LogEntry, error) {
	var doc mongoDocument
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return models.LogEntry{}, err
	}

	entry := doc.LogEntry
	entry.ID = documentID(doc.ObjectID)
	entry.Datetime = bsonDatetime(doc.Datetime)
	return entry, nil
}

func bsonDatetime(v bson.RawValue) time.Time {
	switch v.Type {
	case bson.TypeDateTime:
		return time.UnixMilli(v.DateTime()).UTC()
	case bson.TypeTimestamp:
		t, _ := v.Timestamp()
		return time.Unix(int64(t), 0).UTC()
	case bson.TypeString:
		return models.ParseDatetime(v.StringValue())
	default:
		return time.Time{}
	}
}

// NewMongoBackend connects to MongoDB and ensures the query indexes exist
func NewMongoBackend(ctx context.Context, cfg config.MongoDBConfig, logger *zap.Logger) (*MongoBackend, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	uri := cfg.URI
	clientOpts := options.Client().ApplyURI(uri)
	clientOpts.SetMaxPoolSize(uint64(cfg.MaxPoolSize))

	// If certificate key file is provided, use X.509 authentication
	if cfg.CertificateKeyFile != "" {
		if strings.Contains(uri, "?") {
			uri = uri + "&tlsCertificateKeyFile=" + cfg.CertificateKeyFile
		} else {
			uri = uri + "?tlsCertificateKeyFile=" + cfg.CertificateKeyFile
		}
		clientOpts.SetAuth(options.Credential{
			AuthMechanism: "MONGODB-X509",
		})
		clientOpts.ApplyURI(uri)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, unavailable("failed to connect to MongoDB", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, unavailable("failed to ping MongoDB", err)
	}

	collection := client.Database(cfg.Database).Collection(cfg.Collection)

	b := &MongoBackend{
		client:     client,
		collection: collection,
		logger:     logger,
	}

	if err := b.ensureIndexes(ctx); err != nil {
		// Queries still work without the indexes, only slower
		logger.Warn("Failed to ensure indexes", zap.Error(err), zap.String("collection", cfg.Collection))
	}

	logger.Info("Connected to MongoDB",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection),
		zap.Int("max_pool_size", cfg.MaxPoolSize))

	return b, nil
}

// FetchPage runs the translated predicate ordered by datetime
func (b *MongoBackend) FetchPage(ctx context.Context, f *filter.Filter, offset, limit int) (Page, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "datetime", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	cursor, err := b.collection.Find(ctx, MongoQuery(f), opts)
	if err != nil {
		return Page{}, unavailable("failed to query MongoDB", err)
	}
	defer cursor.Close(ctx)

	page := Page{Entries: make([]models.LogEntry, 0, limit), Remaining: -1}
	for cursor.Next(ctx) {
		page.Consumed++

		entry, err := DecodeMongoDocument(cursor.Current)
		if err != nil {
			page.Malformed++
			b.logger.Debug("Skipping malformed document", zap.Error(err))
			continue
		}
		page.Entries = append(page.Entries, entry)
	}
	if err := cursor.Err(); err != nil {
		return Page{}, unavailable("failed to read MongoDB cursor", err)
	}

	page.Exhausted = page.Consumed < limit
	return page, nil
}

// MongoQuery translates a filter into a bson predicate.
// CIDR clauses have no native form and are left to the in-memory check.
func MongoQuery(f *filter.Filter) bson.D {
	var and bson.A
	for _, c := range f.Clauses {
		switch clause := c.(type) {
		case filter.DatetimeRange:
			bounds := bson.D{}
			if clause.From != nil {
				bounds = append(bounds, bson.E{Key: "$gte", Value: *clause.From})
			}
			if clause.To != nil {
				bounds = append(bounds, bson.E{Key: "$lte", Value: *clause.To})
			}
			and = append(and, bson.D{{Key: "datetime", Value: bounds}})
		case filter.StatusRange:
			bounds := bson.D{}
			if clause.From != nil {
				bounds = append(bounds, bson.E{Key: "$gte", Value: *clause.From})
			}
			if clause.To != nil {
				bounds = append(bounds, bson.E{Key: "$lte", Value: *clause.To})
			}
			and = append(and, bson.D{{Key: "status", Value: bounds}})
		case filter.StatusTerm:
			and = append(and, bson.D{{Key: "status", Value: clause.Status}})
		case filter.MethodTerm:
			and = append(and, bson.D{{Key: "method", Value: primitive.Regex{
				Pattern: "^" + regexp.QuoteMeta(clause.Method) + "$",
				Options: "i",
			}}})
		case filter.PathTerm:
			and = append(and, bson.D{{Key: "path", Value: clause.Path}})
		case filter.AddrTerm:
			and = append(and, bson.D{{Key: "remote_addr", Value: clause.Addr.String()}})
		case filter.AgentMatch:
			and = append(and, bson.D{{Key: "http_user_agent", Value: primitive.Regex{
				Pattern: regexp.QuoteMeta(clause.Text),
				Options: "i",
			}}})
		}
	}

	if len(and) == 0 {
		return bson.D{}
	}
	return bson.D{{Key: "$and", Value: and}}
}

// ensureIndexes creates the indexes used by the datetime-ordered queries
func (b *MongoBackend) ensureIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "datetime", Value: 1}},
			Options: options.Index().SetName("datetime_asc"),
		},
		{
			Keys: bson.D{
				{Key: "remote_addr", Value: 1},
				{Key: "datetime", Value: 1},
			},
			Options: options.Index().SetName("remote_addr_datetime"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "datetime", Value: 1},
			},
			Options: options.Index().SetName("status_datetime"),
		},
	}

	// Create indexes (this is idempotent)
	if _, err := b.collection.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// Close closes the MongoDB connection
func (b *MongoBackend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

func documentID(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
