package repositories

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"messaging-service/internal/errs"
)

// Key layout shared by the badger repositories:
//
//	user/<id>                      userRecord
//	email/<email>                  user id
//	conv/<cid>/meta                conversationRecord
//	conv/<cid>/msg/<seq:%019d>     messageRecord
//	conv/<cid>/id/<message id>     seq
//	member/<user id>/<cid>         empty
const maxConflictRetries = 16

func userKey(id string) []byte        { return []byte("user/" + id) }
func emailKey(email string) []byte    { return []byte("email/" + email) }
func metaKey(cid string) []byte       { return []byte("conv/" + cid + "/meta") }
func messagePrefix(cid string) []byte { return []byte("conv/" + cid + "/msg/") }
func messageKey(cid string, seq int64) []byte {
	return []byte(fmt.Sprintf("conv/%s/msg/%019d", cid, seq))
}
func messageIDKey(cid, id string) []byte { return []byte("conv/" + cid + "/id/" + id) }
func memberPrefix(userID string) []byte  { return []byte("member/" + userID + "/") }
func memberKey(userID, cid string) []byte {
	return []byte("member/" + userID + "/" + cid)
}

// errNoChange aborts an update transaction that turned out to be a no-op.
var errNoChange = errors.New("no change")

// badgerError classifies badger failures.
func badgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errs.KindOf(err) != nil:
		return err
	case errors.Is(err, badger.ErrKeyNotFound):
		return errs.Wrap(errs.ErrNotFound, "not found", err)
	case errors.Is(err, badger.ErrDBClosed), errors.Is(err, badger.ErrBlockedWrites), errors.Is(err, badger.ErrConflict):
		return errs.Wrap(errs.ErrUnavailable, "store unavailable", err)
	}
	return err
}

// update runs fn in a read-write transaction, retrying on conflicts.
func update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return badgerError(err)
}

func getJSON(txn *badger.Txn, key []byte, dst any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, dst)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if err != nil {
		return "", err
	}
	raw, err := item.ValueCopy(nil)
	return string(raw), err
}

// scan iterates every key under prefix in ascending order.
func scan(txn *badger.Txn, prefix []byte, fn func(item *badger.Item) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := fn(it.Item()); err != nil {
			return err
		}
	}
	return nil
}
