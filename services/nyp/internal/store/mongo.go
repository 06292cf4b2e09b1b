package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Mongo keeps one BSON document per name in a collection. The JSON body is
// stored verbatim as a string so numbers and key order survive round trips.
type Mongo struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

type mongoDocument struct {
	Name      string    `bson:"_id"`
	Body      string    `bson:"body"`
	Version   int64     `bson:"version"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	const op = "store.ConnectMongo"

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("%s: ping failed: %w", op, err)
	}
	return client, nil
}

func NewMongo(client *mongo.Client, database, collection string) *Mongo {
	return &Mongo{
		client: client,
		coll:   client.Database(database).Collection(collection),
		now:    time.Now,
	}
}

func (m *Mongo) Load(ctx context.Context, name string, def json.RawMessage) (json.RawMessage, error) {
	const op = "store.Mongo.Load"

	if err := ValidateName(name); err != nil {
		return nil, err
	}
	var d mongoDocument
	if err := m.coll.FindOne(ctx, bson.M{"_id": name}).Decode(&d); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return def, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !json.Valid([]byte(d.Body)) {
		return nil, fmt.Errorf("%s: %w: %s", op, ErrCorrupt, name)
	}
	return json.RawMessage(d.Body), nil
}

// saveOne is a single conditional upsert: the body is replaced and the
// version incremented by the server in one operation.
func (m *Mongo) saveOne(ctx context.Context, name string, doc json.RawMessage) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{
			"$set": bson.M{"body": string(doc), "updated_at": m.now().UTC()},
			"$inc": bson.M{"version": int64(1)},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *Mongo) Save(ctx context.Context, name string, doc json.RawMessage) error {
	if err := validateDoc(name, doc); err != nil {
		return err
	}
	if err := m.saveOne(ctx, name, doc); err != nil {
		return fmt.Errorf("store.Mongo.Save: %w", err)
	}
	return nil
}

// SaveAll needs a replica set or sharded cluster; standalone servers reject
// transactions.
func (m *Mongo) SaveAll(ctx context.Context, docs map[string]json.RawMessage) error {
	const op = "store.Mongo.SaveAll"

	for name, doc := range docs {
		if err := validateDoc(name, doc); err != nil {
			return err
		}
	}
	sess, err := m.client.StartSession()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for name, doc := range docs {
			if err := m.saveOne(sc, name, doc); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (m *Mongo) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	n, err := m.coll.CountDocuments(ctx, bson.M{"_id": name}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("store.Mongo.Exists: %w", err)
	}
	return n > 0, nil
}

func (m *Mongo) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": name})
	if err != nil {
		return false, fmt.Errorf("store.Mongo.Delete: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (m *Mongo) Backup(ctx context.Context, name string) (string, error) {
	const op = "store.Mongo.Backup"

	body, err := m.Load(ctx, name, nil)
	if err != nil {
		return "", err
	}
	if body == nil {
		return "", nil
	}
	dst := backupName(name, m.now().UTC().Format(backupLayout))
	if err := m.saveOne(ctx, dst, body); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return dst, nil
}

func (m *Mongo) List(ctx context.Context) ([]string, error) {
	const op = "store.Mongo.List"

	cur, err := m.coll.Find(ctx, bson.M{}, options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var docs []struct {
		Name string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Name)
	}
	return out, nil
}

func (m *Mongo) Info() Info {
	return Info{Mode: ModeDB, Location: "mongo:" + m.coll.Database().Name() + "." + m.coll.Name()}
}
