// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned when using an endpoint after Close.
var ErrClosed = errors.New("worker channel closed")

// Endpoint is the supervisor side of a worker channel.
type Endpoint interface {
	Send(ctx context.Context, cmd Command) error
	Receive(ctx context.Context) (Response, error)
	Close() error
}

// Conn is the worker side of a channel. Receive returns io.EOF once the
// supervisor side is closed.
type Conn interface {
	Receive(ctx context.Context) (Command, error)
	Send(ctx context.Context, resp Response) error
}

// =============================================================================
// In-process pipe
// =============================================================================

type pipe struct {
	cmds  chan Command
	resps chan Response

	supervisorGone chan struct{}
	workerGone     chan struct{}
	closeSup       sync.Once
	closeWorker    sync.Once
}

// PipeEnd is the supervisor end of an in-process pipe.
type PipeEnd struct{ p *pipe }

// PipeConn is the worker end of an in-process pipe.
type PipeConn struct{ p *pipe }

// NewPipe creates an unbuffered in-process channel pair. Values are moved
// by pointer; nothing is copied.
func NewPipe() (*PipeEnd, *PipeConn) {
	p := &pipe{
		cmds:           make(chan Command),
		resps:          make(chan Response),
		supervisorGone: make(chan struct{}),
		workerGone:     make(chan struct{}),
	}
	return &PipeEnd{p: p}, &PipeConn{p: p}
}

// Send delivers cmd to the worker.
func (e *PipeEnd) Send(ctx context.Context, cmd Command) error {
	select {
	case <-e.p.supervisorGone:
		return ErrClosed
	default:
	}
	select {
	case e.p.cmds <- cmd:
		return nil
	case <-e.p.workerGone:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive waits for the next response.
func (e *PipeEnd) Receive(ctx context.Context) (Response, error) {
	select {
	case r := <-e.p.resps:
		return r, nil
	case <-e.p.workerGone:
		return Response{}, io.EOF
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Close tells the worker no more commands will come.
func (e *PipeEnd) Close() error {
	e.p.closeSup.Do(func() { close(e.p.supervisorGone) })
	return nil
}

// Receive waits for the next command.
func (c *PipeConn) Receive(ctx context.Context) (Command, error) {
	select {
	case cmd := <-c.p.cmds:
		return cmd, nil
	case <-c.p.supervisorGone:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send delivers a response to the supervisor.
func (c *PipeConn) Send(ctx context.Context, resp Response) error {
	select {
	case c.p.resps <- resp:
		return nil
	case <-c.p.supervisorGone:
		return io.EOF
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the worker as gone. The supervisor sees io.EOF afterwards.
func (c *PipeConn) Close() error {
	c.p.closeWorker.Do(func() { close(c.p.workerGone) })
	return nil
}

// =============================================================================
// Gob stream
// =============================================================================

// frame is the wire form of a command.
type frame struct {
	Kind  Kind
	Setup *Setup
	Run   *Run
}

type decoded[T any] struct {
	v   T
	err error
}

// reader decodes values of T in the background so Receive can honour
// context cancellation. stop releases the decoder goroutine even when
// nobody drains ch any more.
type reader[T any] struct {
	ch     chan decoded[T]
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newReader[T any](r io.Reader) *reader[T] {
	rd := &reader[T]{
		ch:     make(chan decoded[T], 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	dec := gob.NewDecoder(r)
	go func() {
		defer close(rd.exited)
		defer close(rd.ch)
		for {
			var v T
			err := dec.Decode(&v)
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = io.EOF
			}
			select {
			case rd.ch <- decoded[T]{v: v, err: err}:
			case <-rd.done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return rd
}

func (rd *reader[T]) next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-rd.done:
		return zero, ErrClosed
	default:
	}
	select {
	case d, ok := <-rd.ch:
		if !ok {
			return zero, io.EOF
		}
		return d.v, d.err
	case <-rd.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (rd *reader[T]) stop() {
	rd.once.Do(func() { close(rd.done) })
}

// StreamEndpoint is the supervisor side of a gob stream.
type StreamEndpoint struct {
	mu  sync.Mutex
	enc *gob.Encoder
	w   io.Closer
	rd  *reader[Response]
}

// NewStreamEndpoint writes commands to w and reads responses from r.
func NewStreamEndpoint(r io.Reader, w io.WriteCloser) *StreamEndpoint {
	return &StreamEndpoint{enc: gob.NewEncoder(w), w: w, rd: newReader[Response](r)}
}

// Send encodes cmd. The encode is not interruptible; ctx is checked first.
func (e *StreamEndpoint) Send(ctx context.Context, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := toFrame(cmd)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return ErrClosed
	}
	if err := e.enc.Encode(f); err != nil {
		return fmt.Errorf("encoding %s: %w", cmd.Kind(), err)
	}
	return nil
}

// Receive decodes the next response.
func (e *StreamEndpoint) Receive(ctx context.Context) (Response, error) {
	return e.rd.next(ctx)
}

// Close closes the write side so the worker reads EOF, and stops the
// response decoder. Receive returns ErrClosed afterwards.
func (e *StreamEndpoint) Close() error {
	e.rd.stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return nil
	}
	e.enc = nil
	return e.w.Close()
}

// StreamConn is the worker side of a gob stream.
type StreamConn struct {
	mu  sync.Mutex
	enc *gob.Encoder
	rd  *reader[frame]
}

// NewStreamConn reads commands from r and writes responses to w.
func NewStreamConn(r io.Reader, w io.Writer) *StreamConn {
	return &StreamConn{enc: gob.NewEncoder(w), rd: newReader[frame](r)}
}

// Receive decodes the next command.
func (c *StreamConn) Receive(ctx context.Context) (Command, error) {
	f, err := c.rd.next(ctx)
	if err != nil {
		return nil, err
	}
	return fromFrame(f)
}

// Send encodes resp.
func (c *StreamConn) Send(ctx context.Context, resp Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(resp)
}

func toFrame(cmd Command) (frame, error) {
	switch c := cmd.(type) {
	case Initialize:
		return frame{Kind: KindInitialize, Setup: c.Setup}, nil
	case Run:
		return frame{Kind: KindRun, Run: &c}, nil
	case Terminate:
		return frame{Kind: KindTerminate}, nil
	default:
		return frame{}, fmt.Errorf("unsupported command %T", cmd)
	}
}

func fromFrame(f frame) (Command, error) {
	switch f.Kind {
	case KindInitialize:
		if f.Setup == nil {
			return nil, errors.New("initialize_chain without setup")
		}
		return Initialize{Setup: f.Setup}, nil
	case KindRun:
		if f.Run == nil || f.Run.Sample == nil {
			return nil, errors.New("run_chain without sample")
		}
		return Run{Sample: f.Run.Sample}, nil
	case KindTerminate:
		return Terminate{}, nil
	default:
		return nil, fmt.Errorf("unknown command %s", f.Kind)
	}
}
