// Copyright 2026 The flowlite Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is the command-side SDK: deploy programs, start and
// cancel instances, deliver signals, and resolve incidents over NATS
// request/reply.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/flowlite/flowlite/api"
	"github.com/flowlite/flowlite/api/serde"
)

const defaultRequestTimeout = 10 * time.Second

type Options struct {
	// URL of the NATS server, e.g. nats://localhost:4222.
	URL string
	// RequestTimeout bounds each command round trip. Default 10s.
	RequestTimeout time.Duration
	// Serde must match the server's wire codec. Default msgpack.
	Serde serde.BinarySerde
}

type Client struct {
	nc      *nats.Conn
	conv    serde.BinarySerde
	timeout time.Duration
}

func New(opts *Options) (*Client, error) {
	if opts == nil || opts.URL == "" {
		return nil, fmt.Errorf("client: NATS URL is required")
	}
	conv := opts.Serde
	if conv == nil {
		conv = &serde.MsgpackSerde{}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	nc, err := nats.Connect(opts.URL, nats.Name("flowlite-client"))
	if err != nil {
		return nil, fmt.Errorf("client: connecting to %s: %w", opts.URL, err)
	}
	return &Client{nc: nc, conv: conv, timeout: timeout}, nil
}

func (c *Client) Close() {
	if c.nc != nil && !c.nc.IsClosed() {
		c.nc.Close()
	}
}

// DeployProgram registers a compiled program artifact under a process key
// and returns the content-addressed bytecode version.
func (c *Client) DeployProgram(ctx context.Context, processKey string, artifact []byte) (string, error) {
	var reply api.DeployProgramReply
	err := c.request(ctx, api.CommandRequestDeploy, api.DeployProgramCommand, api.DeployProgramAttributes{
		ProcessKey: processKey,
		Program:    artifact,
	}, &reply)
	if err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", fmt.Errorf("deploy rejected: %s", reply.Error)
	}
	return reply.BytecodeVersion, nil
}

// StartProcess starts an instance of the latest deployed version. A
// non-zero version hash pins the instance to that exact bytecode.
func (c *Client) StartProcess(ctx context.Context, processKey string, version api.Hash, domainPayload []byte, correlationID string) (string, error) {
	var reply api.StartProcessReply
	err := c.request(ctx, api.CommandRequestStart, api.StartProcessCommand, api.StartProcessAttributes{
		ProcessKey:      processKey,
		BytecodeVersion: version,
		DomainPayload:   domainPayload,
		CorrelationID:   correlationID,
	}, &reply)
	if err != nil {
		return "", err
	}
	if reply.Error != "" {
		return "", fmt.Errorf("start rejected: %s", reply.Error)
	}
	return reply.InstanceID, nil
}

// CancelProcess tears down a running instance.
func (c *Client) CancelProcess(ctx context.Context, instanceID, reason string) error {
	return c.requestAck(ctx, api.CommandRequestCancel, api.CancelProcessCommand, api.CancelProcessAttributes{
		InstanceID: instanceID,
		Reason:     reason,
	})
}

// Signal delivers a correlated message to an instance. Signals that match
// no waiting fiber are recorded and ignored.
func (c *Client) Signal(ctx context.Context, msg *api.MessageArrived) error {
	return c.requestAck(ctx, api.CommandRequestSignal, api.SignalCommand, msg)
}

// ResolveIncident applies an operator verdict ("retry" or "abort") to an
// open incident.
func (c *Client) ResolveIncident(ctx context.Context, incidentID, resolution string) error {
	return c.requestAck(ctx, api.CommandRequestResolve, api.ResolveIncidentCommand, api.ResolveIncidentAttributes{
		IncidentID: incidentID,
		Resolution: resolution,
	})
}

func (c *Client) requestAck(ctx context.Context, subject string, cmdType api.CommandType, attrs any) error {
	var reply api.Ack
	if err := c.request(ctx, subject, cmdType, attrs, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("%s rejected: %s", cmdType, reply.Error)
	}
	return nil
}

func (c *Client) request(ctx context.Context, subject string, cmdType api.CommandType, attrs any, replyPtr any) error {
	attrData, err := c.conv.SerializeBinary(attrs)
	if err != nil {
		return fmt.Errorf("serializing %s attributes: %w", cmdType, err)
	}
	envelope, err := json.Marshal(api.Command{CommandType: cmdType, Attributes: attrData})
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", cmdType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, subject, envelope)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", cmdType, err)
	}
	if err := c.conv.DeserializeBinary(msg.Data, replyPtr); err != nil {
		return fmt.Errorf("decoding %s reply: %w", cmdType, err)
	}
	return nil
}
