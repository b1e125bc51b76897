// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package eventio reads and writes streams of events. Events are
// encoded with gob, one record per event, each followed by a CRC32
// checksum of its encoding. Event files carry a short header and may
// be zstd-compressed; they are accessed through
// github.com/grailbio/base/file and may thus live on local disk or
// in S3.
package eventio

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/offload/edm"
	"github.com/grailbio/offload/store"
)

// EOF is the error returned by Decode and Next when no more events
// are available.
var EOF = errors.New("EOF")

// record is the wire representation of an event.
type record struct {
	Index      uint64
	Keys       []string
	Containers []*edm.Container
}

// An Encoder writes events to an underlying io.Writer.
type Encoder struct {
	enc *gob.Encoder
	crc hash.Hash32
}

// NewEncoder returns a new Encoder that writes events to w.
func NewEncoder(w io.Writer) *Encoder {
	crc := crc32.NewIEEE()
	return &Encoder{
		enc: gob.NewEncoder(io.MultiWriter(w, crc)),
		crc: crc,
	}
}

// Encode writes the event e.
func (e *Encoder) Encode(ev *store.Event) error {
	rec := record{Index: ev.Index, Keys: ev.Keys()}
	for _, key := range rec.Keys {
		c, err := ev.Retrieve(key)
		if err != nil {
			return err
		}
		rec.Containers = append(rec.Containers, c)
	}
	e.crc.Reset()
	if err := e.enc.Encode(rec); err != nil {
		return errors.E(errors.Fatal, fmt.Sprintf("encode event %d", ev.Index), err)
	}
	return e.enc.Encode(e.crc.Sum32())
}

// A Decoder reads events written by an Encoder.
type Decoder struct {
	dec *gob.Decoder
	crc hash.Hash32
	err error
}

// NewDecoder returns a new Decoder reading events from r.
func NewDecoder(r io.Reader) *Decoder {
	// Checksums are computed over the bytes consumed by gob. Gob treats
	// readers that implement io.ByteReader as already buffered and
	// otherwise inserts its own buffer, which would read ahead of the
	// checksummed stream. We buffer the reader ourselves and present
	// the tee as an io.ByteReader.
	crc := crc32.NewIEEE()
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}
	r = io.TeeReader(r, crc)
	return &Decoder{dec: gob.NewDecoder(readerByteReader{Reader: r}), crc: crc}
}

// Decode reads the next event. It returns EOF when the stream is
// exhausted, and an error of kind errors.Integrity if the event's
// checksum does not match.
func (d *Decoder) Decode() (*store.Event, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.crc.Reset()
	var rec record
	if d.err = d.dec.Decode(&rec); d.err != nil {
		if d.err == io.EOF {
			d.err = EOF
		}
		return nil, d.err
	}
	sum := d.crc.Sum32()
	var want uint32
	if d.err = d.dec.Decode(&want); d.err != nil {
		if d.err == io.EOF {
			d.err = io.ErrUnexpectedEOF
		}
		return nil, d.err
	}
	if sum != want {
		d.err = errors.E(errors.Integrity, fmt.Sprintf("event %d: checksum %x, expected %x", rec.Index, sum, want))
		return nil, d.err
	}
	if len(rec.Keys) != len(rec.Containers) {
		d.err = errors.E(errors.Integrity, fmt.Sprintf("event %d: %d keys, %d containers", rec.Index, len(rec.Keys), len(rec.Containers)))
		return nil, d.err
	}
	ev := store.NewEvent(rec.Index)
	for i, key := range rec.Keys {
		if d.err = ev.Record(key, rec.Containers[i]); d.err != nil {
			return nil, d.err
		}
	}
	return ev, nil
}

// readerByteReader is used to provide an (invalid) implementation of
// io.ByteReader to gob.Decoder. See comment in NewDecoder for
// details.
type readerByteReader struct {
	io.Reader
	io.ByteReader
}
