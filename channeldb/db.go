// Package channeldb is the persistence layer for peer and channel records
// (spec §6.6 "Persisted state"). It supports two interchangeable backends —
// an embedded bbolt database (the default) and a Postgres database — behind
// the same Backend interface, mirroring the teacher's own kvdb package's
// multi-backend design.
package channeldb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	bolt "go.etcd.io/bbolt"
)

// log is this package's subsystem logger; set via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the subsystem logger used by the channeldb package.
func UseLogger(l btclog.Logger) {
	log = l
}

const (
	dbName           = "channel.db"
	dbFilePermission = 0600
)

var (
	peersBucket    = []byte("peers")
	channelsBucket = []byte("channels") // sub-bucket per peer, keyed by node pubkey
	metaBucket     = []byte("meta")

	payIndexKey = []byte("pay-index")
)

// migration mutates the key/bucket structure of an existing database to
// bring it up to the next schema version, mirroring the teacher's
// migration-list idiom in channeldb/db.go.
type migration func(tx *bolt.Tx) error

type version struct {
	number    uint32
	migration migration
}

// dbVersions lists every schema version this binary knows how to migrate
// to. The base version requires no migration.
var dbVersions = []version{
	{number: 0, migration: nil},
}

// PeerRecord is the durable projection of a peer.Peer (spec §3: identity,
// database row id; everything else about a peer is ephemeral).
type PeerRecord struct {
	NodeKey [33]byte
	DBID    uint64
	Address string
}

// ChannelRecord is the durable projection of a channel.Channel. It is kept
// as a byte blob here (JSON-encoded by the caller) because channeldb must
// not import the channel package — channel already depends on nothing, but
// keeping the dependency arrow peer/channel -> channeldb -> (nothing)
// avoids a cycle through the core package that wires them together.
type ChannelRecord struct {
	DBID      uint64
	NodeKey   [33]byte
	PayloadJSON []byte
}

// BoltDB is the default persistence backend, an embedded single-file
// key/value store. It satisfies Backend.
type BoltDB struct {
	bdb    *bolt.DB
	dbPath string

	nextDBID uint64
}

// Open opens (creating if necessary) the bolt-backed channeldb at dbPath,
// applying any pending schema migrations, following the open/migrate flow
// of the teacher's channeldb.Open.
func Open(dbPath string) (*BoltDB, error) {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return nil, err
		}
	}

	path := filepath.Join(dbPath, dbName)
	bdb, err := bolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	db := &BoltDB{bdb: bdb, dbPath: dbPath}

	err = bdb.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(peersBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(channelsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	if err := db.syncVersions(dbVersions); err != nil {
		bdb.Close()
		return nil, err
	}

	if err := db.loadNextDBID(); err != nil {
		bdb.Close()
		return nil, err
	}

	return db, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (d *BoltDB) Close() error {
	return d.bdb.Close()
}

// Wipe deletes all saved state atomically, for test teardown.
func (d *BoltDB) Wipe() error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{peersBucket, channelsBucket, metaBucket} {
			if err := tx.DeleteBucket(b); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(b); err != nil {
				return err
			}
		}
		return nil
	})
}

// SavePeer upserts a peer row, assigning a fresh DBID if rec.DBID is 0.
func (d *BoltDB) SavePeer(rec *PeerRecord) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		if rec.DBID == 0 {
			d.nextDBID++
			rec.DBID = d.nextDBID
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(peersBucket).Put(rec.NodeKey[:], b)
	})
}

// DeletePeer removes a peer's row and every channel row filed under it.
func (d *BoltDB) DeletePeer(nodeKey [33]byte) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(peersBucket).Delete(nodeKey[:]); err != nil {
			return err
		}
		chanBkt := tx.Bucket(channelsBucket)
		sub := chanBkt.Bucket(nodeKey[:])
		if sub == nil {
			return nil
		}
		return chanBkt.DeleteBucket(nodeKey[:])
	})
}

// FetchAllPeers returns every persisted peer row.
func (d *BoltDB) FetchAllPeers() ([]*PeerRecord, error) {
	var out []*PeerRecord
	err := d.bdb.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(k, v []byte) error {
			var rec PeerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// SaveChannel upserts a channel row, filed under its owning peer's
// sub-bucket and keyed by the channel's funding outpoint.
func (d *BoltDB) SaveChannel(outpointKey [36]byte, rec *ChannelRecord) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		if rec.DBID == 0 {
			d.nextDBID++
			rec.DBID = d.nextDBID
		}
		chanBkt := tx.Bucket(channelsBucket)
		sub, err := chanBkt.CreateBucketIfNotExists(rec.NodeKey[:])
		if err != nil {
			return err
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return sub.Put(outpointKey[:], b)
	})
}

// DeleteChannel removes one channel row from its peer's sub-bucket.
func (d *BoltDB) DeleteChannel(nodeKey [33]byte, outpointKey [36]byte) error {
	return d.bdb.Update(func(tx *bolt.Tx) error {
		sub := tx.Bucket(channelsBucket).Bucket(nodeKey[:])
		if sub == nil {
			return nil
		}
		return sub.Delete(outpointKey[:])
	})
}

// FetchChannelsForPeer returns every channel row filed under nodeKey.
func (d *BoltDB) FetchChannelsForPeer(nodeKey [33]byte) ([]*ChannelRecord, error) {
	var out []*ChannelRecord
	err := d.bdb.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(channelsBucket).Bucket(nodeKey[:])
		if sub == nil {
			return nil
		}
		return sub.ForEach(func(k, v []byte) error {
			var rec ChannelRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// NextPayIndex atomically increments and returns the monotonic invoice
// pay-index counter (spec §6.6).
func (d *BoltDB) NextPayIndex() (uint64, error) {
	var next uint64
	err := d.bdb.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		cur := b.Get(payIndexKey)
		var n uint64
		if cur != nil {
			n = decodeUint64(cur)
		}
		n++
		next = n
		return b.Put(payIndexKey, encodeUint64(n))
	})
	return next, err
}

func (d *BoltDB) loadNextDBID() error {
	return d.bdb.View(func(tx *bolt.Tx) error {
		var maxID uint64
		if err := tx.Bucket(peersBucket).ForEach(func(_, v []byte) error {
			var rec PeerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.DBID > maxID {
				maxID = rec.DBID
			}
			return nil
		}); err != nil {
			return err
		}

		chanBkt := tx.Bucket(channelsBucket)
		cur := chanBkt.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if v != nil {
				continue // not a sub-bucket
			}
			sub := chanBkt.Bucket(k)
			if err := sub.ForEach(func(_, cv []byte) error {
				var rec ChannelRecord
				if err := json.Unmarshal(cv, &rec); err != nil {
					return err
				}
				if rec.DBID > maxID {
					maxID = rec.DBID
				}
				return nil
			}); err != nil {
				return err
			}
		}

		d.nextDBID = maxID
		return nil
	})
}

// syncVersions applies any pending migrations, following the teacher's
// channeldb.syncVersions flow.
func (d *BoltDB) syncVersions(versions []version) error {
	latest := versions[len(versions)-1].number

	var current uint32
	err := d.bdb.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get([]byte("db-version"))
		if v != nil {
			current = uint32(decodeUint64(v))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if current == latest {
		return nil
	}

	log.Infof("performing channeldb schema migration: %d -> %d", current, latest)

	return d.bdb.Update(func(tx *bolt.Tx) error {
		for _, v := range versions {
			if v.number <= current || v.migration == nil {
				continue
			}
			if err := v.migration(tx); err != nil {
				return fmt.Errorf("migration %d failed: %w", v.number, err)
			}
		}
		return tx.Bucket(metaBucket).Put([]byte("db-version"),
			encodeUint64(uint64(latest)))
	})
}

func encodeUint64(n uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(n >> (56 - 8*i))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var n uint64
	for i := 0; i < 8 && i < len(b); i++ {
		n = n<<8 | uint64(b[i])
	}
	return n
}
