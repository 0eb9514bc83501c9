// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package antientropy is the wire contract for the mesh's two-method
// anti-entropy RPC service (Push, Pull). It is hand-authored in the shape
// Thrift's Go generator produces, since this build has no `thrift -gen go`
// compiler step; the IDL it tracks lives at idl/anti_entropy.thrift. Keep
// the two in sync by hand.
package antientropy

import (
	"context"
	"fmt"

	"github.com/apache/thrift/lib/go/thrift"
)

const (
	methodPush = "push"
	methodPull = "pull"
)

// AntiEntropy is the service interface: implemented by the Anti-Entropy
// Server's handler, invoked through AntiEntropyClient by the Anti-Entropy
// Client / RPC Transport.
type AntiEntropy interface {
	Push(ctx context.Context, payload []byte) error
	Pull(ctx context.Context) ([]byte, error)
}

// ---------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------

// AntiEntropyClient sends Push/Pull calls over a pair of Thrift protocols.
// Callers are expected to have already opened the underlying transport;
// internal/transport owns connect/reconnect policy.
type AntiEntropyClient struct {
	iprot, oprot thrift.TProtocol
	seqID        int32
}

// NewAntiEntropyClient builds a client over a single protocol used for both
// directions (the common case for a framed, binary, request/reply stream
// socket).
func NewAntiEntropyClient(prot thrift.TProtocol) *AntiEntropyClient {
	return &AntiEntropyClient{iprot: prot, oprot: prot}
}

// Push sends the compact sketch bytes to the peer and waits for the void
// reply.
func (c *AntiEntropyClient) Push(ctx context.Context, payload []byte) error {
	c.seqID++
	if err := c.oprot.WriteMessageBegin(ctx, methodPush, thrift.CALL, c.seqID); err != nil {
		return err
	}
	if err := c.oprot.WriteStructBegin(ctx, "push_args"); err != nil {
		return err
	}
	if err := c.oprot.WriteFieldBegin(ctx, "payload", thrift.STRING, 1); err != nil {
		return err
	}
	if err := c.oprot.WriteBinary(ctx, payload); err != nil {
		return err
	}
	if err := c.oprot.WriteFieldEnd(ctx); err != nil {
		return err
	}
	if err := c.oprot.WriteFieldStop(ctx); err != nil {
		return err
	}
	if err := c.oprot.WriteStructEnd(ctx); err != nil {
		return err
	}
	if err := c.oprot.WriteMessageEnd(ctx); err != nil {
		return err
	}
	if err := c.oprot.Flush(ctx); err != nil {
		return err
	}
	return c.recvVoid(ctx, methodPush)
}

// Pull requests and returns the peer's compact sketch bytes.
func (c *AntiEntropyClient) Pull(ctx context.Context) ([]byte, error) {
	c.seqID++
	if err := c.oprot.WriteMessageBegin(ctx, methodPull, thrift.CALL, c.seqID); err != nil {
		return nil, err
	}
	if err := c.oprot.WriteStructBegin(ctx, "pull_args"); err != nil {
		return nil, err
	}
	if err := c.oprot.WriteFieldStop(ctx); err != nil {
		return nil, err
	}
	if err := c.oprot.WriteStructEnd(ctx); err != nil {
		return nil, err
	}
	if err := c.oprot.WriteMessageEnd(ctx); err != nil {
		return nil, err
	}
	if err := c.oprot.Flush(ctx); err != nil {
		return nil, err
	}

	name, typeID, _, err := c.iprot.ReadMessageBegin(ctx)
	if err != nil {
		return nil, err
	}
	if typeID == thrift.EXCEPTION {
		exc := thrift.NewTApplicationException(thrift.UNKNOWN_APPLICATION_EXCEPTION, "")
		read, err := exc.Read(ctx, c.iprot)
		if err != nil {
			return nil, err
		}
		_ = c.iprot.ReadMessageEnd(ctx)
		return nil, read
	}
	if name != methodPull {
		return nil, fmt.Errorf("antientropy: unexpected reply method %q, want %q", name, methodPull)
	}
	if _, err := c.iprot.ReadStructBegin(ctx); err != nil {
		return nil, err
	}
	var result []byte
	for {
		_, fieldType, fieldID, err := c.iprot.ReadFieldBegin(ctx)
		if err != nil {
			return nil, err
		}
		if fieldType == thrift.STOP {
			break
		}
		if fieldID == 0 && fieldType == thrift.STRING {
			if result, err = c.iprot.ReadBinary(ctx); err != nil {
				return nil, err
			}
		} else if err := c.iprot.Skip(ctx, fieldType); err != nil {
			return nil, err
		}
		if err := c.iprot.ReadFieldEnd(ctx); err != nil {
			return nil, err
		}
	}
	if err := c.iprot.ReadStructEnd(ctx); err != nil {
		return nil, err
	}
	if err := c.iprot.ReadMessageEnd(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *AntiEntropyClient) recvVoid(ctx context.Context, method string) error {
	name, typeID, _, err := c.iprot.ReadMessageBegin(ctx)
	if err != nil {
		return err
	}
	if typeID == thrift.EXCEPTION {
		exc := thrift.NewTApplicationException(thrift.UNKNOWN_APPLICATION_EXCEPTION, "")
		read, err := exc.Read(ctx, c.iprot)
		if err != nil {
			return err
		}
		_ = c.iprot.ReadMessageEnd(ctx)
		return read
	}
	if name != method {
		return fmt.Errorf("antientropy: unexpected reply method %q, want %q", name, method)
	}
	if _, err := c.iprot.ReadStructBegin(ctx); err != nil {
		return err
	}
	for {
		_, fieldType, _, err := c.iprot.ReadFieldBegin(ctx)
		if err != nil {
			return err
		}
		if fieldType == thrift.STOP {
			break
		}
		if err := c.iprot.Skip(ctx, fieldType); err != nil {
			return err
		}
		if err := c.iprot.ReadFieldEnd(ctx); err != nil {
			return err
		}
	}
	if err := c.iprot.ReadStructEnd(ctx); err != nil {
		return err
	}
	return c.iprot.ReadMessageEnd(ctx)
}

// ---------------------------------------------------------------------
// Processor (server side)
// ---------------------------------------------------------------------

// AntiEntropyProcessor dispatches incoming Push/Pull calls to a handler,
// serializing the struct/field wire format by hand.
type AntiEntropyProcessor struct {
	handler      AntiEntropy
	processorMap map[string]thrift.TProcessorFunction
}

// NewAntiEntropyProcessor builds a processor around the given handler,
// typically the mesh's Anti-Entropy Server.
func NewAntiEntropyProcessor(handler AntiEntropy) *AntiEntropyProcessor {
	p := &AntiEntropyProcessor{handler: handler, processorMap: make(map[string]thrift.TProcessorFunction, 2)}
	p.processorMap[methodPush] = &pushProcessorFunction{handler: handler}
	p.processorMap[methodPull] = &pullProcessorFunction{handler: handler}
	return p
}

// Process implements thrift.TProcessor.
func (p *AntiEntropyProcessor) Process(ctx context.Context, in, out thrift.TProtocol) (bool, thrift.TException) {
	name, _, seqID, err := in.ReadMessageBegin(ctx)
	if err != nil {
		return false, thrift.WrapTException(err)
	}
	fn, ok := p.processorMap[name]
	if !ok {
		if err := in.Skip(ctx, thrift.STRUCT); err != nil {
			return false, thrift.WrapTException(err)
		}
		if err := in.ReadMessageEnd(ctx); err != nil {
			return false, thrift.WrapTException(err)
		}
		exc := thrift.NewTApplicationException(thrift.UNKNOWN_METHOD, fmt.Sprintf("unknown method %q", name))
		if err := out.WriteMessageBegin(ctx, name, thrift.EXCEPTION, seqID); err != nil {
			return false, thrift.WrapTException(err)
		}
		if _, err := exc.Write(ctx, out); err != nil {
			return false, thrift.WrapTException(err)
		}
		if err := out.WriteMessageEnd(ctx); err != nil {
			return false, thrift.WrapTException(err)
		}
		if err := out.Flush(ctx); err != nil {
			return false, thrift.WrapTException(err)
		}
		return true, exc
	}
	return fn.Process(ctx, seqID, in, out)
}

type pushProcessorFunction struct{ handler AntiEntropy }

func (f *pushProcessorFunction) Process(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException) {
	payload, err := readPushArgs(ctx, in)
	if err != nil {
		return false, thrift.WrapTException(err)
	}

	handlerErr := f.handler.Push(ctx, payload)

	if handlerErr != nil {
		return writeApplicationException(ctx, out, methodPush, seqID, handlerErr)
	}
	if err := out.WriteMessageBegin(ctx, methodPush, thrift.REPLY, seqID); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteStructBegin(ctx, "push_result"); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteFieldStop(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteStructEnd(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteMessageEnd(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.Flush(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	return true, nil
}

func readPushArgs(ctx context.Context, in thrift.TProtocol) ([]byte, error) {
	if _, err := in.ReadStructBegin(ctx); err != nil {
		return nil, err
	}
	var payload []byte
	for {
		_, fieldType, fieldID, err := in.ReadFieldBegin(ctx)
		if err != nil {
			return nil, err
		}
		if fieldType == thrift.STOP {
			break
		}
		if fieldID == 1 && fieldType == thrift.STRING {
			if payload, err = in.ReadBinary(ctx); err != nil {
				return nil, err
			}
		} else if err := in.Skip(ctx, fieldType); err != nil {
			return nil, err
		}
		if err := in.ReadFieldEnd(ctx); err != nil {
			return nil, err
		}
	}
	if err := in.ReadStructEnd(ctx); err != nil {
		return nil, err
	}
	return payload, in.ReadMessageEnd(ctx)
}

type pullProcessorFunction struct{ handler AntiEntropy }

func (f *pullProcessorFunction) Process(ctx context.Context, seqID int32, in, out thrift.TProtocol) (bool, thrift.TException) {
	if err := readPullArgs(ctx, in); err != nil {
		return false, thrift.WrapTException(err)
	}

	result, handlerErr := f.handler.Pull(ctx)
	if handlerErr != nil {
		return writeApplicationException(ctx, out, methodPull, seqID, handlerErr)
	}

	if err := out.WriteMessageBegin(ctx, methodPull, thrift.REPLY, seqID); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteStructBegin(ctx, "pull_result"); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteFieldBegin(ctx, "success", thrift.STRING, 0); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteBinary(ctx, result); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteFieldEnd(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteFieldStop(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteStructEnd(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteMessageEnd(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.Flush(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	return true, nil
}

func readPullArgs(ctx context.Context, in thrift.TProtocol) error {
	if _, err := in.ReadStructBegin(ctx); err != nil {
		return err
	}
	for {
		_, fieldType, _, err := in.ReadFieldBegin(ctx)
		if err != nil {
			return err
		}
		if fieldType == thrift.STOP {
			break
		}
		if err := in.Skip(ctx, fieldType); err != nil {
			return err
		}
		if err := in.ReadFieldEnd(ctx); err != nil {
			return err
		}
	}
	if err := in.ReadStructEnd(ctx); err != nil {
		return err
	}
	return in.ReadMessageEnd(ctx)
}

func writeApplicationException(ctx context.Context, out thrift.TProtocol, method string, seqID int32, handlerErr error) (bool, thrift.TException) {
	exc := thrift.NewTApplicationException(thrift.INTERNAL_ERROR, handlerErr.Error())
	if err := out.WriteMessageBegin(ctx, method, thrift.EXCEPTION, seqID); err != nil {
		return false, thrift.WrapTException(err)
	}
	if _, err := exc.Write(ctx, out); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.WriteMessageEnd(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	if err := out.Flush(ctx); err != nil {
		return false, thrift.WrapTException(err)
	}
	return true, exc
}
