// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/absmach/journal/message"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Key layout:
//   - m/{seq}                   zstd-compressed JSON record
//   - i/{id}                    seq of the record carrying id
//   - x/{key}                   registered payload index
//   - p/{key}\x00{hash}{seq}    payload index entry
var (
	msgPrefix   = []byte("m/")
	idPrefix    = []byte("i/")
	indexPrefix = []byte("x/")
	entryPrefix = []byte("p/")
	seqKey      = []byte("seq")
)

// Zstd encoder/decoder shared by all stores.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

func encodeMessage(m *message.Message) ([]byte, error) {
	data, err := json.Marshal(m.Record())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return zstdEncoder.EncodeAll(data, nil), nil
}

func decodeMessage(val []byte) (*message.Message, error) {
	data, err := zstdDecoder.DecodeAll(val, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress message: %w", err)
	}
	var r message.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return message.FromRecord(r)
}

func seqBytes(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func msgKey(seq uint64) []byte {
	return append(append([]byte{}, msgPrefix...), seqBytes(seq)...)
}

func idKey(id string) []byte {
	return append(append([]byte{}, idPrefix...), id...)
}

func indexKey(key string) []byte {
	return append(append([]byte{}, indexPrefix...), key...)
}

// entryValuePrefix is the prefix of every entry indexing value under key.
func entryValuePrefix(key string, value any) ([]byte, error) {
	h, err := valueHash(value)
	if err != nil {
		return nil, err
	}
	b := append(append([]byte{}, entryPrefix...), key...)
	b = append(b, 0)
	return binary.BigEndian.AppendUint64(b, h), nil
}

func entryKey(key string, value any, seq uint64) ([]byte, error) {
	p, err := entryValuePrefix(key, value)
	if err != nil {
		return nil, err
	}
	return append(p, seqBytes(seq)...), nil
}

// valueHash hashes the canonical JSON form of a payload value, so numbers
// hash equally regardless of their Go type. Collisions are resolved by
// re-checking the decoded record.
func valueHash(value any) (uint64, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("failed to hash payload value: %w", err)
	}
	return xxhash.Sum64(data), nil
}

func seqFromSuffix(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}
