// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package eventio

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/offload/store"
	"github.com/pierrec/lz4/v4"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

const (
	magic   = "OFEV"
	version = 1

	flagZstd = 1 << 0
	flagLZ4  = 1 << 1
)

// Codec is the compression codec applied to the events of a file.
type Codec int

const (
	// None writes events uncompressed.
	None Codec = iota
	// Zstd compresses events with zstd.
	Zstd
	// LZ4 compresses events with the LZ4 frame format. It is faster
	// than Zstd, at a lower compression ratio.
	LZ4
)

var codecs = map[string]Codec{"none": None, "zstd": Zstd, "lz4": LZ4}

// ParseCodec returns the codec with the given name: one of "none",
// "zstd", or "lz4".
func ParseCodec(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return None, errors.E(errors.Invalid, fmt.Sprintf("unknown codec %q", name))
	}
	return c, nil
}

// String returns the codec's name.
func (c Codec) String() string {
	for name, d := range codecs {
		if c == d {
			return name
		}
	}
	return fmt.Sprintf("Codec(%d)", int(c))
}

// Options configures event file writing.
type Options struct {
	// Codec is the codec with which events are compressed.
	Codec Codec
}

// A Writer writes events to a file.
type Writer struct {
	f   file.File
	zw  io.WriteCloser
	enc *Encoder
	n   int
}

// Create creates the event file at path, which may be any path
// supported by github.com/grailbio/base/file.
func Create(ctx context.Context, path string, opts Options) (*Writer, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f}
	out := f.Writer(ctx)
	header := []byte(magic + "\x00\x00")
	header[len(magic)] = version
	switch opts.Codec {
	case None:
	case Zstd:
		header[len(magic)+1] |= flagZstd
	case LZ4:
		header[len(magic)+1] |= flagLZ4
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("%s: unknown codec %d", path, opts.Codec))
		fileio.CloseAndReport(ctxCloser{ctx, f}, &err)
		return nil, err
	}
	if _, err = out.Write(header); err != nil {
		fileio.CloseAndReport(ctxCloser{ctx, f}, &err)
		return nil, err
	}
	switch opts.Codec {
	case Zstd:
		if w.zw, err = zstd.NewWriter(out); err != nil {
			fileio.CloseAndReport(ctxCloser{ctx, f}, &err)
			return nil, err
		}
		out = w.zw
	case LZ4:
		w.zw = lz4.NewWriter(out)
		out = w.zw
	}
	w.enc = NewEncoder(out)
	return w, nil
}

// Write appends the event ev to the file.
func (w *Writer) Write(ev *store.Event) error {
	w.n++
	return w.enc.Encode(ev)
}

// Count returns the number of events written.
func (w *Writer) Count() int { return w.n }

// Close flushes and closes the file.
func (w *Writer) Close(ctx context.Context) (err error) {
	if w.zw != nil {
		fileio.CloseAndReport(w.zw, &err)
	}
	fileio.CloseAndReport(ctxCloser{ctx, w.f}, &err)
	return
}

// A Reader reads events from a file.
type Reader struct {
	f   file.File
	zr  io.ReadCloser
	dec *Decoder
}

// Open opens the event file at path for reading.
func Open(ctx context.Context, path string) (*Reader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	r := &Reader{f: f}
	in := io.Reader(f.Reader(ctx))
	header := make([]byte, len(magic)+2)
	if _, err = io.ReadFull(in, header); err != nil {
		err = errors.E(errors.Invalid, fmt.Sprintf("%s: read header", path), err)
		fileio.CloseAndReport(ctxCloser{ctx, f}, &err)
		return nil, err
	}
	if string(header[:len(magic)]) != magic {
		err = errors.E(errors.Invalid, fmt.Sprintf("%s: not an event file", path))
		fileio.CloseAndReport(ctxCloser{ctx, f}, &err)
		return nil, err
	}
	if v := header[len(magic)]; v != version {
		err = errors.E(errors.Invalid, fmt.Sprintf("%s: unsupported version %d", path, v))
		fileio.CloseAndReport(ctxCloser{ctx, f}, &err)
		return nil, err
	}
	switch flags := header[len(magic)+1]; {
	case flags&flagZstd != 0:
		if r.zr, err = zstd.NewReader(in); err != nil {
			fileio.CloseAndReport(ctxCloser{ctx, f}, &err)
			return nil, err
		}
		in = r.zr
	case flags&flagLZ4 != 0:
		r.zr = ioutil.NopCloser(lz4.NewReader(in))
		in = r.zr
	}
	r.dec = NewDecoder(in)
	return r, nil
}

// Next returns the next event in the file, or EOF.
func (r *Reader) Next() (*store.Event, error) {
	return r.dec.Decode()
}

// Close closes the file.
func (r *Reader) Close(ctx context.Context) (err error) {
	if r.zr != nil {
		fileio.CloseAndReport(r.zr, &err)
	}
	fileio.CloseAndReport(ctxCloser{ctx, r.f}, &err)
	return
}

// ReadAll reads every event in the file at path.
func ReadAll(ctx context.Context, path string) (events []*store.Event, err error) {
	r, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := r.Close(ctx); err == nil {
			err = cerr
		}
	}()
	for {
		ev, err := r.Next()
		if err == EOF {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
}

// WriteAll writes events to a new file at path.
func WriteAll(ctx context.Context, path string, opts Options, events []*store.Event) (err error) {
	w, err := Create(ctx, path, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(ctx); err == nil {
			err = cerr
		}
	}()
	for _, ev := range events {
		if err = w.Write(ev); err != nil {
			return err
		}
	}
	return nil
}

// ctxCloser adapts a file.File to io.Closer.
type ctxCloser struct {
	ctx context.Context
	f   file.File
}

func (c ctxCloser) Close() error { return c.f.Close(c.ctx) }
