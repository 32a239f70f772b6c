package channeldb

// Backend is the persistence contract the core depends on; BoltDB and
// PostgresDB both satisfy it. A non-empty `--postgres` DSN selects
// PostgresDB; otherwise BoltDB is used (spec §6.6).
type Backend interface {
	SavePeer(rec *PeerRecord) error
	DeletePeer(nodeKey [33]byte) error
	FetchAllPeers() ([]*PeerRecord, error)

	SaveChannel(outpointKey [36]byte, rec *ChannelRecord) error
	DeleteChannel(nodeKey [33]byte, outpointKey [36]byte) error
	FetchChannelsForPeer(nodeKey [33]byte) ([]*ChannelRecord, error)

	NextPayIndex() (uint64, error)

	Close() error
}

// OutpointKey packs a funding txid and output index into the fixed-size
// key channel rows are filed under.
func OutpointKey(txid [32]byte, outNum uint16) [36]byte {
	var key [36]byte
	copy(key[:32], txid[:])
	key[32] = byte(outNum >> 8)
	key[33] = byte(outNum)
	// bytes 34-35 reserved/zero, keeps the key fixed-width if outpoint
	// indices ever grow past 16 bits on another chain.
	return key
}

var _ Backend = (*BoltDB)(nil)
