// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rpc implements the remote call layer of a cloud. A call
// ships a Task, a registered wire value, to a target node, where it is
// run against a named service; the task's reply or error is delivered
// asynchronously through a Future.
//
// Each call carries a sequence number scoped to the (sender, target)
// pair. Receivers execute a given sequence number at most once, so
// callers may retransmit freely when the transport fails. Requests
// that do not fit in a small message buffer are streamed instead.
// Transport failures, including a peer that was declared dead or that
// rebooted, are reported as errors of kind errors.Net; errors returned
// by the remote task itself keep their kind and are annotated with
// the node on which they occurred.
package rpc

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcloud/cloud"
	"github.com/grailbio/bigcloud/wire"
)

// A Task is a unit of work that can be shipped to another node.
// Tasks must be registered in the wire registry of every node.
type Task interface {
	wire.Value
	// Service names the service against which the task is run.
	Service() string
	// Run runs the task on the receiving node. Svc is the service
	// registered under the task's service name.
	Run(ctx context.Context, svc interface{}) (wire.Value, error)
}

// request is the envelope of a call. A request with a nil task is a
// ping: it carries only the sender's heartbeat.
type request struct {
	From cloud.Heartbeat
	Seq  uint64
	Task Task
}

func (r *request) encode(e *wire.Encoder) {
	r.From.MarshalWire(e)
	e.Uvarint(r.Seq)
	if r.Task == nil {
		e.Value(nil)
	} else {
		e.Value(r.Task)
	}
}

func (r *request) decode(d *wire.Decoder) error {
	r.From.UnmarshalWire(d)
	r.Seq = d.Uvarint()
	v := d.Value()
	if err := d.Err(); err != nil {
		return err
	}
	if v == nil {
		return nil
	}
	task, ok := v.(Task)
	if !ok {
		return errors.E(errors.NotAllowed, fmt.Sprintf("rpc: value of type %T is not a task", v))
	}
	r.Task = task
	return nil
}

// response is the envelope of a reply.
type response struct {
	// Boot is the responder's boot id.
	Boot string
	// Rejected is set when the responder refused the request because
	// the sender belongs to another cloud or build.
	Rejected bool
	// Kind and Message describe the error returned by the task,
	// if any.
	Failed  bool
	Kind    errors.Kind
	Message string
	Reply   wire.Value
}

func (r *response) setError(err error) {
	r.Failed = true
	r.Kind = errors.Recover(err).Kind
	r.Message = err.Error()
}

func (r *response) encode(e *wire.Encoder) {
	e.String(r.Boot)
	e.Bool(r.Rejected)
	e.Bool(r.Failed)
	if r.Failed {
		e.Uvarint(uint64(r.Kind))
		e.String(r.Message)
		return
	}
	e.Value(r.Reply)
}

func (r *response) decode(d *wire.Decoder) error {
	r.Boot = d.String()
	r.Rejected = d.Bool()
	r.Failed = d.Bool()
	if r.Failed {
		r.Kind = errors.Kind(d.Uvarint())
		r.Message = d.String()
	} else {
		r.Reply = d.Value()
	}
	return d.Err()
}

// err reconstructs the remote error. The returned error inherits the
// remote error's kind.
func (r *response) err(addr string) error {
	if !r.Failed {
		return nil
	}
	cause := errors.E(r.Kind, r.Message)
	if r.Rejected {
		return errors.E(errors.Invalid, fmt.Sprintf("rpc: rejected by node %s", addr), cause)
	}
	return OnNode(addr, cause)
}

// OnNode annotates err, returned by a task, with the node on which it
// occurred. The annotation does not change the error's kind.
func OnNode(addr string, err error) error {
	return errors.E(fmt.Sprintf("node %s", addr), err)
}
