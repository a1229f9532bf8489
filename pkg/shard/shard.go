// Package shard maps content identifiers to object-store paths and back.
//
// The path layout is a persisted contract: every reader of a store must use
// an identically configured strategy to locate blocks. Changing the
// extension, prefix length, or encoding after blocks have been written
// orphans the objects stored under the old layout.
package shard

import (
	"strings"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"

	"github.com/jacktea/cidstore/pkg/xerrors"
)

const (
	// DefaultExtension is appended to every encoded path.
	DefaultExtension = ".data"
	// DefaultPrefixLength is the number of trailing token characters used
	// as the bucket segment.
	DefaultPrefixLength = 2
)

// Strategy converts a content identifier into an object-store path and back.
// Implementations are stateless and safe for concurrent use.
type Strategy interface {
	Encode(c cid.Cid) string
	Decode(path string) (cid.Cid, error)
}

// Config holds the parameters shared by all strategies. The zero value
// selects ".data", a prefix length of 2, and base32 upper.
type Config struct {
	Extension    string
	PrefixLength int
	Encoding     multibase.Encoding
}

func (c Config) withDefaults() Config {
	if c.Extension == "" {
		c.Extension = DefaultExtension
	}
	if c.PrefixLength <= 0 {
		c.PrefixLength = DefaultPrefixLength
	}
	if c.Encoding == 0 {
		c.Encoding = multibase.Base32Upper
	}
	return c
}

// NextToLast spreads blocks across buckets named after the trailing
// characters of the encoded identifier, bounding the number of objects any
// single listing prefix accumulates. It is the production default.
type NextToLast struct {
	cfg Config
	enc multibase.Encoder
}

// NewNextToLast builds the prefix-shard strategy.
func NewNextToLast(cfg Config) (*NextToLast, error) {
	cfg = cfg.withDefaults()
	enc, err := multibase.NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "NewNextToLast", "", err)
	}
	return &NextToLast{cfg: cfg, enc: enc}, nil
}

func (s *NextToLast) Encode(c cid.Cid) string {
	token := s.enc.Encode(c.Bytes())
	bucket := token
	if len(token) > s.cfg.PrefixLength {
		bucket = token[len(token)-s.cfg.PrefixLength:]
	}
	return bucket + "/" + token + s.cfg.Extension
}

func (s *NextToLast) Decode(path string) (cid.Cid, error) {
	return decodeToken(path, s.cfg.Extension)
}

// Flat writes every block under a single listing prefix. Listing degrades
// badly once a store holds many objects, so this strategy is only suitable
// for diagnostics and small test fixtures.
type Flat struct {
	cfg Config
	enc multibase.Encoder
}

// NewFlat builds the unsharded strategy.
func NewFlat(cfg Config) (*Flat, error) {
	cfg = cfg.withDefaults()
	enc, err := multibase.NewEncoder(cfg.Encoding)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "NewFlat", "", err)
	}
	return &Flat{cfg: cfg, enc: enc}, nil
}

func (s *Flat) Encode(c cid.Cid) string {
	return s.enc.Encode(c.Bytes()) + s.cfg.Extension
}

func (s *Flat) Decode(path string) (cid.Cid, error) {
	return decodeToken(path, s.cfg.Extension)
}

// decodeToken recovers the identifier from the final path segment. Anything
// before the last separator is discarded, so paths with or without a bucket
// segment, or nested under an arbitrary namespace, decode identically.
func decodeToken(path, extension string) (cid.Cid, error) {
	token := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		token = path[idx+1:]
	}
	token = strings.TrimSuffix(token, extension)
	if token == "" {
		return cid.Undef, xerrors.E(xerrors.KindDecode, "Decode", path)
	}
	_, raw, err := multibase.Decode(token)
	if err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.KindDecode, "Decode", path, err)
	}
	c, err := cid.Cast(raw)
	if err != nil {
		return cid.Undef, xerrors.Wrap(xerrors.KindDecode, "Decode", path, err)
	}
	return c, nil
}
