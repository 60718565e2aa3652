// Package mongo is a catalog backend on MongoDB. Each table is one
// document; the compare-and-swap is an UpdateOne filtered on the expected
// metadata location.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/florinutz/icetable/catalog"
)

const defaultDatabase = "icetable"

type namespaceDoc struct {
	ID         string            `bson:"_id"`
	Properties map[string]string `bson:"properties"`
	CreatedAt  time.Time         `bson:"created_at"`
}

type tableDoc struct {
	ID                       string    `bson:"_id"`
	Namespace                string    `bson:"namespace"`
	Name                     string    `bson:"name"`
	MetadataLocation         string    `bson:"metadata_location"`
	PreviousMetadataLocation string    `bson:"previous_metadata_location,omitempty"`
	UpdatedAt                time.Time `bson:"updated_at"`
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. If not set, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithDatabase sets the database name. Defaults to "icetable".
func WithDatabase(db string) Option {
	return func(s *Store) { s.database = db }
}

// Store implements catalog.Store on a MongoDB database.
type Store struct {
	client     *mongo.Client
	database   string
	namespaces *mongo.Collection
	tables     *mongo.Collection
	logger     *slog.Logger
}

var _ catalog.Store = (*Store)(nil)

// Open connects to uri and ensures the catalog indexes exist.
func Open(ctx context.Context, uri string, opts ...Option) (*Store, error) {
	s := &Store{database: defaultDatabase}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "catalog", "backend", s.Name())

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	s.client = client
	db := client.Database(s.database)
	s.namespaces = db.Collection("namespaces")
	s.tables = db.Collection("tables")

	_, err = s.tables.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "namespace", Value: 1}, {Key: "name", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("create tables index: %w", err)
	}
	return s, nil
}

func (s *Store) Name() string { return "mongodb" }

func tableID(id catalog.Identifier) string { return id.Namespace.String() + "/" + id.Name }

func (s *Store) CreateNamespace(ctx context.Context, ns catalog.Namespace, props map[string]string) error {
	_, err := s.namespaces.InsertOne(ctx, namespaceDoc{
		ID:         ns.String(),
		Properties: catalog.CloneProperties(props),
		CreatedAt:  time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return catalog.NamespaceAlreadyExists(ns)
	}
	if err != nil {
		return fmt.Errorf("create namespace %s: %w", ns, err)
	}
	return nil
}

func (s *Store) NamespaceProperties(ctx context.Context, ns catalog.Namespace) (map[string]string, error) {
	var doc namespaceDoc
	err := s.namespaces.FindOne(ctx, bson.M{"_id": ns.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, catalog.NamespaceNotFound(ns)
	}
	if err != nil {
		return nil, fmt.Errorf("namespace %s properties: %w", ns, err)
	}
	return catalog.CloneProperties(doc.Properties), nil
}

// DropNamespace checks for tables and then deletes. A table created in
// between is removed again by CreateTable's re-check.
func (s *Store) DropNamespace(ctx context.Context, ns catalog.Namespace) error {
	if _, err := s.NamespaceProperties(ctx, ns); err != nil {
		return err
	}
	n, err := s.tables.CountDocuments(ctx, bson.M{"namespace": ns.String()})
	if err != nil {
		return fmt.Errorf("drop namespace %s: %w", ns, err)
	}
	if n > 0 {
		return catalog.NamespaceNotEmpty(ns)
	}
	res, err := s.namespaces.DeleteOne(ctx, bson.M{"_id": ns.String()})
	if err != nil {
		return fmt.Errorf("drop namespace %s: %w", ns, err)
	}
	if res.DeletedCount == 0 {
		return catalog.NamespaceNotFound(ns)
	}
	return nil
}

func (s *Store) ListNamespaces(ctx context.Context) ([]catalog.Namespace, error) {
	cur, err := s.namespaces.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	var docs []namespaceDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	out := make([]catalog.Namespace, 0, len(docs))
	for _, d := range docs {
		ns, err := catalog.ParseNamespace(d.ID)
		if err != nil {
			s.logger.Warn("skipping unparseable namespace", "namespace", d.ID, "error", err)
			continue
		}
		out = append(out, ns)
	}
	return out, nil
}

func (s *Store) CreateTable(ctx context.Context, id catalog.Identifier, metadataLocation string) error {
	if _, err := s.NamespaceProperties(ctx, id.Namespace); err != nil {
		return err
	}
	_, err := s.tables.InsertOne(ctx, tableDoc{
		ID:               tableID(id),
		Namespace:        id.Namespace.String(),
		Name:             id.Name,
		MetadataLocation: metadataLocation,
		UpdatedAt:        time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return catalog.TableAlreadyExists(id)
	}
	if err != nil {
		return fmt.Errorf("create table %s: %w", id, err)
	}
	if _, err := s.NamespaceProperties(ctx, id.Namespace); err != nil {
		if _, derr := s.tables.DeleteOne(context.WithoutCancel(ctx), bson.M{"_id": tableID(id)}); derr != nil {
			s.logger.Warn("remove table created in dropped namespace", "table", id.String(), "error", derr)
		}
		return err
	}
	return nil
}

func (s *Store) LoadTable(ctx context.Context, id catalog.Identifier) (string, error) {
	var doc tableDoc
	err := s.tables.FindOne(ctx, bson.M{"_id": tableID(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", catalog.TableNotFound(id)
	}
	if err != nil {
		return "", fmt.Errorf("load table %s: %w", id, err)
	}
	return doc.MetadataLocation, nil
}

func (s *Store) SwapTable(ctx context.Context, id catalog.Identifier, expected, next string) error {
	res, err := s.tables.UpdateOne(ctx,
		bson.M{"_id": tableID(id), "metadata_location": expected},
		bson.M{"$set": bson.M{
			"metadata_location":          next,
			"previous_metadata_location": expected,
			"updated_at":                 time.Now().UTC(),
		}})
	if err != nil {
		return fmt.Errorf("swap table %s: %w", id, err)
	}
	if res.MatchedCount == 1 {
		return nil
	}
	actual, err := s.LoadTable(ctx, id)
	if err != nil {
		return err
	}
	return catalog.Conflict(id, expected, actual)
}

func (s *Store) DropTable(ctx context.Context, id catalog.Identifier) error {
	res, err := s.tables.DeleteOne(ctx, bson.M{"_id": tableID(id)})
	if err != nil {
		return fmt.Errorf("drop table %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return catalog.TableNotFound(id)
	}
	return nil
}

func (s *Store) ListTables(ctx context.Context, ns catalog.Namespace) ([]catalog.Identifier, error) {
	if _, err := s.NamespaceProperties(ctx, ns); err != nil {
		return nil, err
	}
	cur, err := s.tables.Find(ctx, bson.M{"namespace": ns.String()},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", ns, err)
	}
	var docs []tableDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", ns, err)
	}
	out := make([]catalog.Identifier, len(docs))
	for i, d := range docs {
		out[i] = catalog.NewIdentifier(ns, d.Name)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

func (s *Store) Close() error { return s.client.Disconnect(context.Background()) }
