package mongodb

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"code.kerpass.org/prekeys/pkg/accounts"
	"code.kerpass.org/prekeys/pkg/prekeys"
)

const CollectionName = "accounts"

// Directory implements accounts.Directory using a MongoDB collection.
//
// Documents are keyed by ACI, a unique index on pni maintains the PNI lookup.
// Update replaces the document only if its version is unchanged.
type Directory struct {
	Collection *mongo.Collection
}

// NewDirectory returns a Directory using the accounts collection of database db.
// It ensures the pni index exists.
func NewDirectory(ctx context.Context, db *mongo.Database) (*Directory, error) {
	if nil == db {
		return nil, newError("nil Database")
	}
	coll := db.Collection(CollectionName)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "pni", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("pni_unique"),
	})
	if nil != err {
		return nil, wrapError(err, "failed creating pni index")
	}

	return &Directory{Collection: coll}, nil
}

// Connect returns a connected mongo.Client.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if nil != err {
		return nil, wrapError(err, "failed mongo.Connect")
	}
	err = client.Ping(ctx, nil)
	if nil != err {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, wrapError(err, "failed mongo Ping")
	}
	return client, nil
}

// FindByServiceID loads the Account addressed by sid.
func (self *Directory) FindByServiceID(ctx context.Context, sid prekeys.ServiceIdentifier) (*accounts.Account, error) {
	filter := bson.M{"_id": sid.UUID.String()}
	if prekeys.PNI == sid.Kind {
		filter = bson.M{"pni": sid.UUID.String()}
	}

	var doc accountDoc
	err := self.Collection.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, wrapError(accounts.ErrNotFound, "unknown %s", sid)
	}
	if nil != err {
		return nil, wrapError(err, "failed loading account")
	}

	return doc.account()
}

// Create saves a new Account.
func (self *Directory) Create(ctx context.Context, acct *accounts.Account) error {
	if err := acct.Check(); nil != err {
		return wrapError(err, "can not create invalid account")
	}
	_, err := self.Collection.InsertOne(ctx, toAccountDoc(acct))
	if mongo.IsDuplicateKeyError(err) {
		return wrapError(accounts.ErrConflict, "ACI or PNI already in use")
	}

	return wrapError(err, "failed inserting account")
}

// Update replaces the stored Account if its version is acct.Version.
func (self *Directory) Update(ctx context.Context, acct *accounts.Account) error {
	if err := acct.Check(); nil != err {
		return wrapError(err, "can not save invalid account")
	}

	doc := toAccountDoc(acct)
	doc.Version += 1
	filter := bson.M{"_id": doc.ACI, "version": acct.Version}
	res, err := self.Collection.ReplaceOne(ctx, filter, doc)
	if mongo.IsDuplicateKeyError(err) {
		return wrapError(accounts.ErrConflict, "PNI already in use")
	}
	if nil != err {
		return wrapError(err, "failed replacing account")
	}
	if 0 == res.MatchedCount {
		count, err := self.Collection.CountDocuments(ctx, bson.M{"_id": doc.ACI})
		if nil != err {
			return wrapError(err, "failed counting account")
		}
		if 0 == count {
			return wrapError(accounts.ErrNotFound, "unknown ACI %s", doc.ACI)
		}
		return wrapError(accounts.ErrConflict, "stale account version %d", acct.Version)
	}
	acct.Version = doc.Version

	return nil
}

var _ accounts.Directory = &Directory{}
