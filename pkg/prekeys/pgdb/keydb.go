// Package pgdb provides a prekeys.KeyStore that keeps prekeys in a PostgreSQL database.
package pgdb

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"code.kerpass.org/prekeys/pkg/prekeys"
)

// PGDB is implemented by pgx.Tx, pgx.Conn & pgxpool.Pool
// accessing a postgres database through this common interface simplifies testing
type PGDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// KeyStore is a prekeys.KeyStore backed by PostgreSQL.
//
// One time prekeys are taken with a single DELETE ... RETURNING statement that
// locks the selected row with FOR UPDATE SKIP LOCKED, concurrent takers never
// obtain the same row.
type KeyStore struct {
	DB PGDB
}

//go:embed keystore_schema.sql
var schemaScriptTpl string

// KeyStoreMigrate creates the KeyStore tables in dbschema.
// Tables are not qualified by the KeyStore queries, dbschema must be in the connection search_path.
func KeyStoreMigrate(ctx context.Context, db PGDB, dbschema string) error {
	schemaName := pgx.Identifier{dbschema}.Sanitize()
	schemaScript := strings.ReplaceAll(schemaScriptTpl, "${schema_name}", schemaName)

	_, err := db.Exec(ctx, schemaScript)

	return wrapError(err, "failed db schema initialization") // nil if err is nil...
}

// NewKeyStore returns a KeyStore using a connection pool to dsn.
func NewKeyStore(ctx context.Context, dsn string) (*KeyStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if nil != err {
		return nil, wrapError(err, "failed connection pool creation")
	}

	return &KeyStore{DB: pool}, nil
}

// Close releases the connection pool if the KeyStore owns one.
func (self *KeyStore) Close() {
	if pool, isPool := self.DB.(*pgxpool.Pool); isPool {
		pool.Close()
	}
}

// TakeEC removes and returns the EC one time prekey with the lowest KeyId.
func (self *KeyStore) TakeEC(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID) (*prekeys.ECPreKey, error) {
	row := self.DB.QueryRow(
		ctx,
		`DELETE FROM ec_one_time_prekey p
		 USING (
		   SELECT identity_id, device_id, key_id FROM ec_one_time_prekey
		   WHERE identity_id = $1 AND device_id = $2
		   ORDER BY key_id
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 ) s
		 WHERE p.identity_id = s.identity_id AND p.device_id = s.device_id AND p.key_id = s.key_id
		 RETURNING p.key_id, p.public_key`,
		identity.String(),
		int16(device),
	)
	var keyId int64
	var rv prekeys.ECPreKey
	err := row.Scan(&keyId, &rv.PublicKey)
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapError(err, "failed taking EC prekey")
	}
	rv.KeyId = uint64(keyId)

	return &rv, nil
}

// TakeKEM removes and returns the KEM one time prekey with the lowest KeyId,
// falling back to the last resort prekey.
func (self *KeyStore) TakeKEM(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID) (*prekeys.KEMSignedPreKey, error) {
	row := self.DB.QueryRow(
		ctx,
		`DELETE FROM kem_one_time_prekey p
		 USING (
		   SELECT identity_id, device_id, key_id FROM kem_one_time_prekey
		   WHERE identity_id = $1 AND device_id = $2
		   ORDER BY key_id
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 ) s
		 WHERE p.identity_id = s.identity_id AND p.device_id = s.device_id AND p.key_id = s.key_id
		 RETURNING p.key_id, p.public_key, p.signature`,
		identity.String(),
		int16(device),
	)
	var keyId int64
	var rv prekeys.KEMSignedPreKey
	err := row.Scan(&keyId, &rv.PublicKey, &rv.Signature)
	if nil == err {
		rv.KeyId = uint64(keyId)
		return &rv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrapError(err, "failed taking KEM prekey")
	}

	// one time pool is empty
	lr, err := self.GetLastResort(ctx, identity, device)
	return lr, wrapError(err, "failed loading last resort prekey")
}

// CountEC returns the number of EC one time prekeys.
func (self *KeyStore) CountEC(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID) (int, error) {
	return self.count(ctx, `SELECT COUNT(*) FROM ec_one_time_prekey WHERE identity_id = $1 AND device_id = $2`, identity, device)
}

// CountKEM returns the number of KEM one time prekeys.
func (self *KeyStore) CountKEM(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID) (int, error) {
	return self.count(ctx, `SELECT COUNT(*) FROM kem_one_time_prekey WHERE identity_id = $1 AND device_id = $2`, identity, device)
}

func (self *KeyStore) count(ctx context.Context, query string, identity uuid.UUID, device prekeys.DeviceID) (int, error) {
	var rv int
	err := self.DB.QueryRow(ctx, query, identity.String(), int16(device)).Scan(&rv)
	if nil != err {
		return 0, wrapError(err, "failed count query")
	}

	return rv, nil
}

// StoreECOneTime upserts keys in the EC one time pool.
// Keys are sent in a single batch which runs in an implicit transaction.
func (self *KeyStore) StoreECOneTime(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID, keys []prekeys.ECPreKey) error {
	for pos, key := range keys {
		if err := key.Check(); nil != err {
			return wrapError(err, "can not store invalid key #%d", pos)
		}
	}
	if 0 == len(keys) {
		return nil
	}

	batch := &pgx.Batch{}
	for _, key := range keys {
		batch.Queue(
			`INSERT INTO ec_one_time_prekey(identity_id, device_id, key_id, public_key) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (identity_id, device_id, key_id) DO UPDATE SET
			 public_key = EXCLUDED.public_key`,
			identity.String(),
			int16(device),
			int64(key.KeyId),
			key.PublicKey,
		)
	}

	return wrapError(self.sendBatch(ctx, batch), "failed storing EC prekeys")
}

// StoreKEMOneTime upserts keys in the KEM one time pool.
func (self *KeyStore) StoreKEMOneTime(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID, keys []prekeys.KEMSignedPreKey) error {
	for pos, key := range keys {
		if err := key.Check(); nil != err {
			return wrapError(err, "can not store invalid key #%d", pos)
		}
	}
	if 0 == len(keys) {
		return nil
	}

	batch := &pgx.Batch{}
	for _, key := range keys {
		batch.Queue(
			`INSERT INTO kem_one_time_prekey(identity_id, device_id, key_id, public_key, signature) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (identity_id, device_id, key_id) DO UPDATE SET
			 public_key = EXCLUDED.public_key,
			 signature = EXCLUDED.signature`,
			identity.String(),
			int16(device),
			int64(key.KeyId),
			key.PublicKey,
			key.Signature,
		)
	}

	return wrapError(self.sendBatch(ctx, batch), "failed storing KEM prekeys")
}

// StoreLastResort replaces the KEM last resort prekey.
func (self *KeyStore) StoreLastResort(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID, key prekeys.KEMSignedPreKey) error {
	if err := key.Check(); nil != err {
		return wrapError(err, "can not store invalid last resort key")
	}
	_, err := self.DB.Exec(
		ctx,
		`INSERT INTO kem_last_resort_prekey(identity_id, device_id, key_id, public_key, signature) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identity_id, device_id) DO UPDATE SET
		 key_id = EXCLUDED.key_id,
		 public_key = EXCLUDED.public_key,
		 signature = EXCLUDED.signature`,
		identity.String(),
		int16(device),
		int64(key.KeyId),
		key.PublicKey,
		key.Signature,
	)

	return wrapError(err, "failed storing last resort prekey") // nil if err is nil...
}

// signedRow maps the columns of the single key tables.
type signedRow struct {
	KeyId     int64  `db:"key_id"`
	PublicKey []byte `db:"public_key"`
	Signature []byte `db:"signature"`
}

// GetLastResort returns the KEM last resort prekey or nil.
func (self *KeyStore) GetLastResort(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID) (*prekeys.KEMSignedPreKey, error) {
	sr, err := self.loadSigned(
		ctx,
		`SELECT key_id, public_key, signature FROM kem_last_resort_prekey
		 WHERE identity_id = $1 AND device_id = $2`,
		identity,
		device,
	)
	if nil != err || nil == sr {
		return nil, wrapError(err, "failed loading last resort prekey")
	}

	return &prekeys.KEMSignedPreKey{KeyId: uint64(sr.KeyId), PublicKey: sr.PublicKey, Signature: sr.Signature}, nil
}

// GetECSigned returns the current EC signed prekey or nil.
func (self *KeyStore) GetECSigned(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID) (*prekeys.ECSignedPreKey, error) {
	sr, err := self.loadSigned(
		ctx,
		`SELECT key_id, public_key, signature FROM ec_signed_prekey
		 WHERE identity_id = $1 AND device_id = $2`,
		identity,
		device,
	)
	if nil != err || nil == sr {
		return nil, wrapError(err, "failed loading signed prekey")
	}

	return &prekeys.ECSignedPreKey{KeyId: uint64(sr.KeyId), PublicKey: sr.PublicKey, Signature: sr.Signature}, nil
}

// StoreECSigned replaces the current EC signed prekey.
func (self *KeyStore) StoreECSigned(ctx context.Context, identity uuid.UUID, device prekeys.DeviceID, key prekeys.ECSignedPreKey) error {
	if err := key.Check(); nil != err {
		return wrapError(err, "can not store invalid signed key")
	}
	_, err := self.DB.Exec(
		ctx,
		`INSERT INTO ec_signed_prekey(identity_id, device_id, key_id, public_key, signature) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (identity_id, device_id) DO UPDATE SET
		 key_id = EXCLUDED.key_id,
		 public_key = EXCLUDED.public_key,
		 signature = EXCLUDED.signature`,
		identity.String(),
		int16(device),
		int64(key.KeyId),
		key.PublicKey,
		key.Signature,
	)

	return wrapError(err, "failed storing signed prekey") // nil if err is nil...
}

// loadSigned returns nil if query selects no row.
func (self *KeyStore) loadSigned(ctx context.Context, query string, identity uuid.UUID, device prekeys.DeviceID) (*signedRow, error) {
	rows, err := self.DB.Query(ctx, query, identity.String(), int16(device))
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	sr, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[signedRow])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapError(err, "failed pgx.CollectExactlyOneRow")
	}

	return &sr, nil
}

func (self *KeyStore) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	br := self.DB.SendBatch(ctx, batch)
	for range batch.Len() {
		if _, err := br.Exec(); nil != err {
			br.Close()
			return wrapError(err, "failed batch statement")
		}
	}

	return wrapError(br.Close(), "failed closing batch")
}

var _ prekeys.KeyStore = &KeyStore{}
