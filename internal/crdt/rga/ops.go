package rga

import (
	"fmt"
	"unicode/utf8"

	"github.com/starford/pagelink/internal/apperr"
	"github.com/starford/pagelink/internal/checksum"
	"github.com/starford/pagelink/internal/codec"
)

// opID is a Lamport timestamp. Counters are unique per actor and exceed every
// counter the author had observed when the op was created.
type opID struct {
	Counter uint64 `msgpack:"c"`
	Actor   string `msgpack:"a"`
}

func (a opID) less(b opID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Actor < b.Actor
}

func (a opID) isZero() bool { return a.Counter == 0 && a.Actor == "" }

type opKind uint8

const (
	kindInsert opKind = iota + 1
	kindDelete
	kindAnnAdd
	kindAnnInc
	kindAnnRemove
	kindAnnSet
	kindSetType
)

// op is one mutation. Ref is the parent element for inserts, the target
// element for deletes and the annotation for annotation ops.
type op struct {
	Kind  opKind   `msgpack:"k"`
	Ref   opID     `msgpack:"r"`
	Text  string   `msgpack:"x,omitempty"`
	Start int64    `msgpack:"s,omitempty"`
	End   int64    `msgpack:"e,omitempty"`
	Ann   *annBody `msgpack:"n,omitempty"`
	Plain bool     `msgpack:"p,omitempty"`
}

// width is the number of op ids the op consumes.
func (o op) width() uint64 {
	if o.Kind == kindInsert {
		return uint64(utf8.RuneCountInString(o.Text))
	}
	return 1
}

type annBody struct {
	Type          string                       `msgpack:"t"`
	Attributes    map[string]string            `msgpack:"a,omitempty"`
	AppAttributes map[string]map[string]string `msgpack:"aa,omitempty"`
}

// change is the encoded unit of replication.
type change struct {
	Actor   string   `msgpack:"actor"`
	Seq     uint64   `msgpack:"seq"`
	StartOp uint64   `msgpack:"startOp"`
	Deps    []string `msgpack:"deps"`
	Time    int64    `msgpack:"time"`
	Message string   `msgpack:"message,omitempty"`
	Ops     []op     `msgpack:"ops"`
}

func (c *change) width() uint64 {
	var w uint64
	for _, o := range c.Ops {
		w += o.width()
	}
	return w
}

func encodeChange(c *change) ([]byte, string, error) {
	raw, err := codec.Marshal(c)
	if err != nil {
		return nil, "", err
	}
	return raw, checksum.Sum(raw), nil
}

func decodeChange(raw []byte) (*change, string, error) {
	var c change
	if err := codec.Unmarshal(raw, &c); err != nil {
		return nil, "", fmt.Errorf("rga: decode change: %w", err)
	}
	if c.Actor == "" || c.Seq == 0 || c.StartOp == 0 {
		return nil, "", fmt.Errorf("rga: decode change: missing header: %w", apperr.ErrInvalidInput)
	}
	return &c, checksum.Sum(raw), nil
}
