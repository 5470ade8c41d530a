package swapdb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"

	"github.com/lightninglabs/xswap/chain"
	"github.com/lightninglabs/xswap/swap"
	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	byteOrder = binary.BigEndian

	errShortRecord = errors.New("record too short")
)

// keyBytes serializes a swap key. Keys sort by request id first.
func keyBytes(k Key) []byte {
	var b [8]byte
	byteOrder.PutUint32(b[:4], k.RequestID)
	byteOrder.PutUint32(b[4:], k.QuoteID)

	return b[:]
}

func parseKey(b []byte) (Key, error) {
	if len(b) != 8 {
		return Key{}, errShortRecord
	}

	return Key{
		RequestID: byteOrder.Uint32(b[:4]),
		QuoteID:   byteOrder.Uint32(b[4:]),
	}, nil
}

// serializeSwap encodes time || role || order hash || uuid.
func serializeSwap(s *Swap) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, byteOrder, s.Started.UnixNano())
	b.WriteByte(byte(s.Role))
	b.Write(s.OrderHash[:])
	b.WriteString(s.UUID)

	return b.Bytes()
}

func deserializeSwap(key Key, b []byte) (*Swap, error) {
	if len(b) < 8+1+lntypes.HashSize {
		return nil, errShortRecord
	}

	s := &Swap{
		Key:     key,
		Started: time.Unix(0, int64(byteOrder.Uint64(b[:8]))),
		Role:    swap.Role(b[8]),
	}
	copy(s.OrderHash[:], b[9:9+lntypes.HashSize])
	s.UUID = string(b[9+lntypes.HashSize:])

	return s, nil
}

// serializeUpdate encodes time || state || code || detail.
func serializeUpdate(u Update) []byte {
	var b bytes.Buffer
	_ = binary.Write(&b, byteOrder, u.Time.UnixNano())
	b.WriteByte(byte(u.State))
	_ = binary.Write(&b, byteOrder, u.Code)
	b.WriteString(u.Detail)

	return b.Bytes()
}

func deserializeUpdate(b []byte) (Update, error) {
	if len(b) < 8+1+4 {
		return Update{}, errShortRecord
	}

	return Update{
		Time:   time.Unix(0, int64(byteOrder.Uint64(b[:8]))),
		State:  State(b[8]),
		Code:   int32(byteOrder.Uint32(b[9:13])),
		Detail: string(b[13:]),
	}, nil
}

// serializeArmed encodes locktime || symbol length || symbol || raw tx.
func serializeArmed(a ArmedTx) ([]byte, error) {
	if len(a.Symbol) > 0xff {
		return nil, errors.New("symbol too long")
	}

	var b bytes.Buffer
	_ = binary.Write(&b, byteOrder, a.Locktime)
	b.WriteByte(byte(len(a.Symbol)))
	b.WriteString(a.Symbol)
	b.Write(a.Raw)

	return b.Bytes(), nil
}

func deserializeArmed(kind byte, b []byte) (ArmedTx, error) {
	if len(b) < 5 || len(b) < 5+int(b[4]) {
		return ArmedTx{}, errShortRecord
	}

	symbolEnd := 5 + int(b[4])

	return ArmedTx{
		Kind:     chain.TxKind(kind),
		Locktime: byteOrder.Uint32(b[:4]),
		Symbol:   string(b[5:symbolEnd]),
		Raw:      append([]byte(nil), b[symbolEnd:]...),
	}, nil
}
