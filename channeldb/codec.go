package channeldb

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/lightningnetwork/lnode/lnwire"
)

// Record types of the channel snapshot stream. Odd types are only present
// when the matching value is set.
const (
	chanIdentityType        tlv.Type = 0
	chanFundingTxidType     tlv.Type = 2
	chanFundingIndexType    tlv.Type = 4
	chanCapacityType        tlv.Type = 6
	chanInitiatorType       tlv.Type = 8
	chanLocalCfgType        tlv.Type = 10
	chanRemoteCfgType       tlv.Type = 12
	chanFeePerKwType        tlv.Type = 14
	chanRequiredDepthType   tlv.Type = 16
	chanBroadcastHeightType tlv.Type = 18
	chanLocalCommitType     tlv.Type = 20
	chanRemoteCommitType    tlv.Type = 22
	chanRevocationRootType  tlv.Type = 24
	chanLastBlockType       tlv.Type = 26
	chanNextLocalHtlcType   tlv.Type = 28
	chanNextRemoteHtlcType  tlv.Type = 30
	chanConfHeightType      tlv.Type = 31
	chanConfBlockType       tlv.Type = 33
	chanReadyPointType      tlv.Type = 35
	chanHtlcsType           tlv.Type = 37
	chanFundingSpendType    tlv.Type = 39
)

// encodeStream writes the records as a single tlv stream.
func encodeStream(w io.Writer, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// encodeStreamBytes encodes the records into a fresh byte slice.
func encodeStreamBytes(records ...tlv.Record) ([]byte, error) {
	var b bytes.Buffer
	if err := encodeStream(&b, records...); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeStream decodes a tlv stream into the records, returning the set of
// types that were present.
func decodeStream(r io.Reader, records ...tlv.Record) (tlv.TypeMap, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	return stream.DecodeWithParsedTypes(r)
}

// optionalPubKey appends a record for key only when it is set.
func optionalPubKey(records []tlv.Record, typ tlv.Type,
	key **btcec.PublicKey) []tlv.Record {

	if *key == nil {
		return records
	}

	return append(records, tlv.MakePrimitiveRecord(typ, key))
}

// encodeChanConfig serializes a ChannelConfig.
func encodeChanConfig(cfg *ChannelConfig) ([]byte, error) {
	var records []tlv.Record
	records = optionalPubKey(records, 1, &cfg.FundingKey)
	records = optionalPubKey(records, 3, &cfg.RevocationBasePoint)
	records = optionalPubKey(records, 5, &cfg.PaymentBasePoint)
	records = optionalPubKey(records, 7, &cfg.DelayBasePoint)
	records = optionalPubKey(records, 9, &cfg.HtlcBasePoint)

	reserve := uint64(cfg.ChanReserve)
	dust := uint64(cfg.DustLimit)
	records = append(records,
		tlv.MakePrimitiveRecord(10, &cfg.CsvDelay),
		tlv.MakePrimitiveRecord(12, &reserve),
		tlv.MakePrimitiveRecord(14, &dust),
		tlv.MakePrimitiveRecord(16, &cfg.MaxAcceptedHtlcs),
	)

	return encodeStreamBytes(records...)
}

// decodeChanConfig parses a ChannelConfig. Absent keys stay nil.
func decodeChanConfig(b []byte, cfg *ChannelConfig) error {
	var reserve, dust uint64
	_, err := decodeStream(bytes.NewReader(b),
		tlv.MakePrimitiveRecord(1, &cfg.FundingKey),
		tlv.MakePrimitiveRecord(3, &cfg.RevocationBasePoint),
		tlv.MakePrimitiveRecord(5, &cfg.PaymentBasePoint),
		tlv.MakePrimitiveRecord(7, &cfg.DelayBasePoint),
		tlv.MakePrimitiveRecord(9, &cfg.HtlcBasePoint),
		tlv.MakePrimitiveRecord(10, &cfg.CsvDelay),
		tlv.MakePrimitiveRecord(12, &reserve),
		tlv.MakePrimitiveRecord(14, &dust),
		tlv.MakePrimitiveRecord(16, &cfg.MaxAcceptedHtlcs),
	)
	if err != nil {
		return err
	}

	cfg.ChanReserve = btcutil.Amount(reserve)
	cfg.DustLimit = btcutil.Amount(dust)

	return nil
}

// encodeCommitment serializes a ChannelCommitment.
func encodeCommitment(c *ChannelCommitment) ([]byte, error) {
	records := []tlv.Record{
		tlv.MakePrimitiveRecord(0, &c.CommitHeight),
	}
	records = optionalPubKey(records, 1, &c.CurrentPoint)
	records = optionalPubKey(records, 3, &c.NextPoint)

	return encodeStreamBytes(records...)
}

// decodeCommitment parses a ChannelCommitment.
func decodeCommitment(b []byte, c *ChannelCommitment) error {
	_, err := decodeStream(bytes.NewReader(b),
		tlv.MakePrimitiveRecord(0, &c.CommitHeight),
		tlv.MakePrimitiveRecord(1, &c.CurrentPoint),
		tlv.MakePrimitiveRecord(3, &c.NextPoint),
	)

	return err
}

// htlcRecords returns the records of a single HTLC.
func htlcRecords(offerer *uint8, id *uint64, amt *uint64, rHash *[32]byte,
	timeout *uint32) []tlv.Record {

	return []tlv.Record{
		tlv.MakePrimitiveRecord(0, offerer),
		tlv.MakePrimitiveRecord(2, id),
		tlv.MakePrimitiveRecord(4, amt),
		tlv.MakePrimitiveRecord(6, rHash),
		tlv.MakePrimitiveRecord(8, timeout),
	}
}

// encodeHtlcs serializes the HTLC set as a count followed by length prefixed
// streams.
func encodeHtlcs(htlcs []HTLC) ([]byte, error) {
	var (
		b   bytes.Buffer
		buf [8]byte
	)
	if err := tlv.WriteVarInt(&b, uint64(len(htlcs)), &buf); err != nil {
		return nil, err
	}

	for _, htlc := range htlcs {
		offerer := uint8(htlc.Offerer)
		amt := uint64(htlc.Amt)
		encoded, err := encodeStreamBytes(htlcRecords(
			&offerer, &htlc.ID, &amt, &htlc.RHash,
			&htlc.RefundTimeout,
		)...)
		if err != nil {
			return nil, err
		}

		err = tlv.WriteVarInt(&b, uint64(len(encoded)), &buf)
		if err != nil {
			return nil, err
		}
		if _, err := b.Write(encoded); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

// decodeHtlcs parses the HTLC set written by encodeHtlcs.
func decodeHtlcs(b []byte) ([]HTLC, error) {
	var (
		r   = bytes.NewReader(b)
		buf [8]byte
	)
	count, err := tlv.ReadVarInt(r, &buf)
	if err != nil {
		return nil, err
	}
	if count > uint64(r.Len()) {
		return nil, fmt.Errorf("htlc count %d exceeds payload", count)
	}

	htlcs := make([]HTLC, 0, count)
	for i := uint64(0); i < count; i++ {
		length, err := tlv.ReadVarInt(r, &buf)
		if err != nil {
			return nil, err
		}

		var (
			htlc    HTLC
			offerer uint8
			amt     uint64
		)
		_, err = decodeStream(
			io.LimitReader(r, int64(length)),
			htlcRecords(
				&offerer, &htlc.ID, &amt, &htlc.RHash,
				&htlc.RefundTimeout,
			)...,
		)
		if err != nil {
			return nil, err
		}

		htlc.Offerer = ChannelParty(offerer)
		htlc.Amt = lnwire.MilliSatoshi(amt)
		htlcs = append(htlcs, htlc)
	}

	return htlcs, nil
}

// spendRecords returns the records of a FundingSpend.
func spendRecords(txid, block *[32]byte, height *uint32,
	closeType *uint8) []tlv.Record {

	return []tlv.Record{
		tlv.MakePrimitiveRecord(0, txid),
		tlv.MakePrimitiveRecord(2, height),
		tlv.MakePrimitiveRecord(4, block),
		tlv.MakePrimitiveRecord(6, closeType),
	}
}

// SerializeChannel writes the full channel state to w.
func SerializeChannel(w io.Writer, c *OpenChannel) error {
	localCfg, err := encodeChanConfig(&c.LocalChanCfg)
	if err != nil {
		return err
	}
	remoteCfg, err := encodeChanConfig(&c.RemoteChanCfg)
	if err != nil {
		return err
	}
	localCommit, err := encodeCommitment(&c.LocalCommitment)
	if err != nil {
		return err
	}
	remoteCommit, err := encodeCommitment(&c.RemoteCommitment)
	if err != nil {
		return err
	}

	var (
		fundingTxid   = [32]byte(c.FundingOutpoint.Hash)
		capacity      = uint64(c.Capacity)
		initiator     uint8
		revRoot       = [32]byte(c.RevocationRoot)
		nextLocalIdx  = c.nextHtlcIndex[Local]
		nextRemoteIdx = c.nextHtlcIndex[Remote]
	)
	if c.IsInitiator {
		initiator = 1
	}

	var records []tlv.Record
	records = optionalPubKey(records, chanIdentityType, &c.IdentityPub)
	records = append(records,
		tlv.MakePrimitiveRecord(chanFundingTxidType, &fundingTxid),
		tlv.MakePrimitiveRecord(
			chanFundingIndexType, &c.FundingOutpoint.Index,
		),
		tlv.MakePrimitiveRecord(chanCapacityType, &capacity),
		tlv.MakePrimitiveRecord(chanInitiatorType, &initiator),
		tlv.MakePrimitiveRecord(chanLocalCfgType, &localCfg),
		tlv.MakePrimitiveRecord(chanRemoteCfgType, &remoteCfg),
		tlv.MakePrimitiveRecord(chanFeePerKwType, &c.FeePerKw),
		tlv.MakePrimitiveRecord(
			chanRequiredDepthType, &c.RequiredDepth,
		),
		tlv.MakePrimitiveRecord(
			chanBroadcastHeightType, &c.FundingBroadcastHeight,
		),
		tlv.MakePrimitiveRecord(chanLocalCommitType, &localCommit),
		tlv.MakePrimitiveRecord(chanRemoteCommitType, &remoteCommit),
		tlv.MakePrimitiveRecord(chanRevocationRootType, &revRoot),
		tlv.MakePrimitiveRecord(chanLastBlockType, &c.lastBlockHeight),
		tlv.MakePrimitiveRecord(chanNextLocalHtlcType, &nextLocalIdx),
		tlv.MakePrimitiveRecord(
			chanNextRemoteHtlcType, &nextRemoteIdx,
		),
	)

	c.confirmedHeight.WhenSome(func(height uint32) {
		confBlock := [32]byte(c.confirmingBlock)
		records = append(records,
			tlv.MakePrimitiveRecord(chanConfHeightType, &height),
			tlv.MakePrimitiveRecord(chanConfBlockType, &confBlock),
		)
	})

	if c.channelReady != nil {
		records = optionalPubKey(
			records, chanReadyPointType,
			&c.channelReady.NextPerCommitmentPoint,
		)
	}

	if len(c.htlcs) > 0 {
		htlcs, err := encodeHtlcs(c.ActiveHtlcs())
		if err != nil {
			return err
		}
		records = append(
			records, tlv.MakePrimitiveRecord(chanHtlcsType, &htlcs),
		)
	}

	var spendErr error
	c.fundingSpend.WhenSome(func(spend FundingSpend) {
		var (
			txid      = [32]byte(spend.SpendTxid)
			block     = [32]byte(spend.SpendBlock)
			closeType = uint8(spend.CloseType)
		)
		encoded, err := encodeStreamBytes(spendRecords(
			&txid, &block, &spend.SpendHeight, &closeType,
		)...)
		if err != nil {
			spendErr = err
			return
		}
		records = append(records, tlv.MakePrimitiveRecord(
			chanFundingSpendType, &encoded,
		))
	})
	if spendErr != nil {
		return spendErr
	}

	return encodeStream(w, records...)
}

// DeserializeChannel reads a channel written by SerializeChannel.
func DeserializeChannel(r io.Reader) (*OpenChannel, error) {
	var (
		c             OpenChannel
		fundingTxid   [32]byte
		capacity      uint64
		initiator     uint8
		localCfg      []byte
		remoteCfg     []byte
		localCommit   []byte
		remoteCommit  []byte
		revRoot       [32]byte
		nextLocalIdx  uint64
		nextRemoteIdx uint64
		confHeight    uint32
		confBlock     [32]byte
		readyPoint    *btcec.PublicKey
		htlcs         []byte
		spend         []byte
	)

	parsed, err := decodeStream(r,
		tlv.MakePrimitiveRecord(chanIdentityType, &c.IdentityPub),
		tlv.MakePrimitiveRecord(chanFundingTxidType, &fundingTxid),
		tlv.MakePrimitiveRecord(
			chanFundingIndexType, &c.FundingOutpoint.Index,
		),
		tlv.MakePrimitiveRecord(chanCapacityType, &capacity),
		tlv.MakePrimitiveRecord(chanInitiatorType, &initiator),
		tlv.MakePrimitiveRecord(chanLocalCfgType, &localCfg),
		tlv.MakePrimitiveRecord(chanRemoteCfgType, &remoteCfg),
		tlv.MakePrimitiveRecord(chanFeePerKwType, &c.FeePerKw),
		tlv.MakePrimitiveRecord(
			chanRequiredDepthType, &c.RequiredDepth,
		),
		tlv.MakePrimitiveRecord(
			chanBroadcastHeightType, &c.FundingBroadcastHeight,
		),
		tlv.MakePrimitiveRecord(chanLocalCommitType, &localCommit),
		tlv.MakePrimitiveRecord(chanRemoteCommitType, &remoteCommit),
		tlv.MakePrimitiveRecord(chanRevocationRootType, &revRoot),
		tlv.MakePrimitiveRecord(chanLastBlockType, &c.lastBlockHeight),
		tlv.MakePrimitiveRecord(chanNextLocalHtlcType, &nextLocalIdx),
		tlv.MakePrimitiveRecord(
			chanNextRemoteHtlcType, &nextRemoteIdx,
		),
		tlv.MakePrimitiveRecord(chanConfHeightType, &confHeight),
		tlv.MakePrimitiveRecord(chanConfBlockType, &confBlock),
		tlv.MakePrimitiveRecord(chanReadyPointType, &readyPoint),
		tlv.MakePrimitiveRecord(chanHtlcsType, &htlcs),
		tlv.MakePrimitiveRecord(chanFundingSpendType, &spend),
	)
	if err != nil {
		return nil, err
	}

	c.FundingOutpoint.Hash = chainhash.Hash(fundingTxid)
	c.Capacity = btcutil.Amount(capacity)
	c.IsInitiator = initiator == 1
	c.RevocationRoot = chainhash.Hash(revRoot)
	c.nextHtlcIndex[Local] = nextLocalIdx
	c.nextHtlcIndex[Remote] = nextRemoteIdx

	if err := decodeChanConfig(localCfg, &c.LocalChanCfg); err != nil {
		return nil, fmt.Errorf("local config: %w", err)
	}
	if err := decodeChanConfig(remoteCfg, &c.RemoteChanCfg); err != nil {
		return nil, fmt.Errorf("remote config: %w", err)
	}
	if err := decodeCommitment(localCommit, &c.LocalCommitment); err != nil {
		return nil, fmt.Errorf("local commitment: %w", err)
	}
	err = decodeCommitment(remoteCommit, &c.RemoteCommitment)
	if err != nil {
		return nil, fmt.Errorf("remote commitment: %w", err)
	}

	if _, ok := parsed[chanConfHeightType]; ok {
		c.confirmedHeight = fn.Some(confHeight)
		c.confirmingBlock = chainhash.Hash(confBlock)
	}

	if readyPoint != nil {
		c.channelReady = lnwire.NewChannelReady(c.ChanID(), readyPoint)
	}

	if _, ok := parsed[chanHtlcsType]; ok {
		decoded, err := decodeHtlcs(htlcs)
		if err != nil {
			return nil, fmt.Errorf("htlcs: %w", err)
		}

		c.htlcs = make(map[htlcKey]HTLC, len(decoded))
		for _, htlc := range decoded {
			key := htlcKey{offerer: htlc.Offerer, id: htlc.ID}
			c.htlcs[key] = htlc
		}
	}

	if _, ok := parsed[chanFundingSpendType]; ok {
		var (
			fs        FundingSpend
			txid      [32]byte
			block     [32]byte
			closeType uint8
		)
		_, err := decodeStream(bytes.NewReader(spend), spendRecords(
			&txid, &block, &fs.SpendHeight, &closeType,
		)...)
		if err != nil {
			return nil, fmt.Errorf("funding spend: %w", err)
		}

		fs.SpendTxid = chainhash.Hash(txid)
		fs.SpendBlock = chainhash.Hash(block)
		fs.CloseType = CloseType(closeType)
		c.fundingSpend = fn.Some(fs)
	}

	return &c, nil
}
