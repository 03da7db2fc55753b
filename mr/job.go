// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mr

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/status"
	"github.com/grailbio/bigcloud/wire"
)

// State represents the runtime state of a job, or of a job's part on
// a single node. State values are defined so that their magnitudes
// correspond with job progression.
type State int

const (
	// Created is the initial state of a job.
	Created State = iota
	// Dispatched indicates that the job's parts have been sent to
	// every node owning at least one of the dataset's chunks.
	Dispatched
	// LocalFanout is the state of a part whose chunks are being
	// mapped across the node's cores.
	LocalFanout
	// LocalReduce is the state of a part whose mapped results are
	// being combined.
	LocalReduce
	// ClusterReduce indicates that the parts' results are being
	// collected and combined by the submitting node.
	ClusterReduce

	// Done indicates that the job completed successfully. All
	// states greater than Done indicate failure.
	Done
	// Failed indicates that a map or reduce returned an error, or
	// that a node failed.
	Failed
	// Canceled indicates that the job was canceled.
	Canceled

	maxState
)

var states = [...]string{
	Created:       "CREATED",
	Dispatched:    "DISPATCHED",
	LocalFanout:   "LOCAL_FANOUT",
	LocalReduce:   "LOCAL_REDUCE",
	ClusterReduce: "CLUSTER_REDUCE",
	Done:          "DONE",
	Failed:        "FAILED",
	Canceled:      "CANCELED",
}

// String returns the state as an upper-case string.
func (s State) String() string {
	if s < 0 || s >= maxState {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return states[s]
}

// A Job is a MapReduce computation submitted to an Engine.
type Job struct {
	// ID uniquely identifies the job across the cloud.
	ID      string
	Dataset *Dataset

	engine *Engine
	cancel func()
	// Status is a status object to which job status is reported.
	Status *status.Task

	mu    sync.Mutex
	waitc chan struct{}
	state State
	err   error
	// result is defined when state == Done.
	result wire.Value
	// nodes are the nodes to which parts were dispatched.
	nodes []string
}

func (j *Job) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var b bytes.Buffer
	fmt.Fprintf(&b, "job %s on %s %s", j.ID, j.Dataset.Name, j.state)
	if j.err != nil {
		fmt.Fprintf(&b, ": %v", j.err)
	}
	return b.String()
}

// set sets the job's state and notifies waiters. Terminal states are
// final.
func (j *Job) set(state State, result wire.Value, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state >= Done {
		return
	}
	j.state = state
	j.result = result
	j.err = err
	if j.Status != nil {
		if err != nil {
			j.Status.Print(err.Error())
		} else {
			j.Status.Print(state.String())
		}
		if state >= Done {
			j.Status.Done()
		}
	}
	if j.waitc != nil {
		close(j.waitc)
		j.waitc = nil
	}
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the error of a failed or canceled job.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// WaitState returns when the job's state is at least the provided
// state, or else when the context is done.
func (j *Job) WaitState(ctx context.Context, state State) (State, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for j.state < state {
		if j.waitc == nil {
			j.waitc = make(chan struct{})
		}
		waitc := j.waitc
		j.mu.Unlock()
		var err error
		select {
		case <-waitc:
		case <-ctx.Done():
			err = ctx.Err()
		}
		j.mu.Lock()
		if err != nil {
			return j.state, err
		}
	}
	return j.state, nil
}

// Wait blocks until the job is complete and returns its result. Jobs
// that fail return the error of the first failed map or reduce,
// wrapped with the node on which it failed; no partial result is
// returned.
func (j *Job) Wait(ctx context.Context) (wire.Value, error) {
	if _, err := j.WaitState(ctx, Done); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != Done {
		return nil, j.err
	}
	return j.result, nil
}

// Cancel requests that the job stop. Mappers observe cancellation
// through their context. Cancel does not wait for the job to
// complete.
func (j *Job) Cancel() {
	j.mu.Lock()
	nodes := j.nodes
	done := j.state >= Done
	j.mu.Unlock()
	if done {
		return
	}
	j.cancel()
	j.engine.cancelRemote(j.ID, nodes)
}
