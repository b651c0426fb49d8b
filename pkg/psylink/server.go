// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package psylink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Thermoquad/qc3tune/pkg/psy"
)

// Host error codes carried by ERROR_ACCESS, matching Linux errno values.
const (
	AccessCodeIO      = -5  // EIO
	AccessCodeInvalid = -22 // EINVAL
)

// Server answers psylink requests from a psy.Source. One Server may serve
// several connections at once.
type Server struct {
	src   psy.Source
	log   *log.Logger
	start time.Time
}

// NewServer creates a server for src. A nil logger uses log.Default().
func NewServer(src psy.Source, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{src: src, log: logger, start: time.Now()}
}

// Serve handles requests on conn until the stream fails or ctx is done. If
// the source also implements psy.Notifier, supply changes are pushed to the
// peer as SUPPLY_CHANGED. conn is closed on return.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	var writeMu sync.Mutex
	write := func(p *Packet) error {
		data, err := Encode(p)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(data)
		return err
	}

	if n, ok := s.src.(psy.Notifier); ok {
		unregister, err := n.RegisterNotifier(func(supply string) int {
			if err := write(NewSupplyChanged(supply)); err != nil {
				s.log.Printf("psylink: push %s change: %v", supply, err)
			}
			return psy.NotifyOK
		})
		if err != nil {
			conn.Close()
			return fmt.Errorf("psylink: register notifier: %w", err)
		}
		defer unregister()
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	decoder := NewDecoder()
	buf := make([]byte, 128)
	for {
		n, err := conn.Read(buf)
		for i := 0; i < n; i++ {
			packet, decodeErr := decoder.DecodeByte(buf[i])
			if decodeErr != nil {
				s.log.Printf("psylink: decode: %v", decodeErr)
				continue
			}
			if packet == nil {
				continue
			}
			if resp := s.Handle(packet); resp != nil {
				if werr := write(resp); werr != nil {
					s.log.Printf("psylink: write %s: %v", FormatMessageType(resp.Type()), werr)
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Handle returns the response to a single request, or nil if the packet
// needs none.
func (s *Server) Handle(p *Packet) *Packet {
	seq := p.Seq()
	if err := p.ParseError(); err != nil {
		s.log.Printf("psylink: bad request seq %d: %v", seq, err)
		return nil
	}
	m := p.PayloadMap()

	switch p.Type() {
	case MsgPingRequest:
		return NewPingResponse(seq, uint64(time.Since(s.start).Milliseconds()))

	case MsgEndpointQuery:
		ep, ok := GetMapString(m, 0)
		if !ok {
			return NewErrorInvalidCmd(seq, p.Type())
		}
		return NewEndpointStatus(seq, psy.Endpoint(ep), s.src.Available(psy.Endpoint(ep)))

	case MsgGetProperty:
		ep, prop, ok := endpointProperty(m)
		if !ok {
			return NewErrorInvalidCmd(seq, p.Type())
		}
		if !prop.Valid() {
			return NewErrorAccess(seq, ep, prop, AccessCodeInvalid)
		}
		v, err := s.src.Get(ep, prop)
		if err != nil {
			return s.errorResponse(seq, ep, prop, err)
		}
		return NewPropertyValue(seq, ep, prop, v)

	case MsgSetProperty:
		ep, prop, ok := endpointProperty(m)
		value, hasValue := GetMapInt(m, 2)
		if !ok || !hasValue {
			return NewErrorInvalidCmd(seq, p.Type())
		}
		if !prop.Valid() {
			return NewErrorAccess(seq, ep, prop, AccessCodeInvalid)
		}
		if err := s.src.Set(ep, prop, int(value)); err != nil {
			return s.errorResponse(seq, ep, prop, err)
		}
		return NewSetAck(seq, ep, prop)

	case MsgPropertyValue, MsgSetAck, MsgEndpointStatus, MsgSupplyChanged, MsgPingResponse,
		MsgErrorUnavailable, MsgErrorAccess, MsgErrorInvalidCmd:
		// Host-originated messages arriving at a host are ignored.
		return nil

	default:
		return NewErrorInvalidCmd(seq, p.Type())
	}
}

func (s *Server) errorResponse(seq uint32, ep psy.Endpoint, prop psy.Property, err error) *Packet {
	if errors.Is(err, psy.ErrEndpointUnavailable) {
		return NewErrorUnavailable(seq, ep)
	}
	s.log.Printf("psylink: %s/%s: %v", ep, prop, err)
	return NewErrorAccess(seq, ep, prop, AccessCodeIO)
}

func endpointProperty(m map[int]interface{}) (psy.Endpoint, psy.Property, bool) {
	ep, ok := GetMapString(m, 0)
	if !ok {
		return "", 0, false
	}
	prop, ok := GetMapUint(m, 1)
	if !ok || prop > 255 {
		return "", 0, false
	}
	return psy.Endpoint(ep), psy.Property(prop), true
}
