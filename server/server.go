// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server defines a gRIBI server that programs the AFT entries that
// it receives into the tables of a RIB.
package server

import (
	"context"
	"io"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/openconfig/ribctl/internal/reason"
	"github.com/openconfig/ribctl/rib"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/prototext"
	"lukechampine.com/uint128"

	spb "github.com/openconfig/gribi/v1/proto/service"
)

// unixTS is used to determine the current unix timestamp in nanoseconds since the
// epoch. It is defined such that it can be overloaded by unit tests.
var unixTS = time.Now().UnixNano

// Server implements the gRIBI service.
type Server struct {
	spb.UnimplementedGRIBIServer

	// csMu protects the cs map.
	csMu sync.RWMutex
	// cs stores the state for clients that are connected to the server
	// this allows the server perform operations such as ensuring consistency
	// across different connected clients. The key of the map is a unique string
	// identifying each client, which in this implementation is a UUID generated
	// at connection time.
	cs map[string]*clientState

	// elecMu protects curElecID and curMaster.
	elecMu sync.RWMutex
	// curElecID stores the current election ID for cases where the server is
	// operating in SINGLE_PRIMARY mode.
	curElecID *spb.Uint128
	// curMaster stores the client ID of the current master.
	curMaster string

	// r is the RIB into which operations are programmed.
	r *rib.RIB
}

// clientState stores information that relates to a specific client
// connected to the gRIBI server.
type clientState struct {
	// params stores parameters that are associated with a single
	// client of the server. These parameters are advertised as the
	// first message on a Modify stream. It is an error to send
	// parameters in any other context.
	params *clientParams
}

// clientParams stores parameters that are set as part of the Modify RPC
// initial handshake for a particular client.
type clientParams struct {
	// Persist indicates whether the client's AFT entries should be
	// persisted even after the client disconnects.
	Persist bool

	// ExpectElecID indicates whether the client expects to send
	// election IDs (i.e., the ClientRedundancy is SINGLE_PRIMARY).
	ExpectElecID bool

	// FIBAck indicates that the client would like an acknowledgement once
	// an entry is installed in the forwarding table as well as the RIB.
	FIBAck bool
}

// New creates a new gRIBI server that programs the RIB r.
func New(r *rib.RIB) *Server {
	return &Server{
		cs: map[string]*clientState{},
		r:  r,
	}
}

// Modify implements the gRIBI Modify RPC.
func (s *Server) Modify(ms spb.GRIBI_ModifyServer) error {
	// Initiate the per client state for this client.
	cid := uuid.New().String()
	if err := s.newClient(cid); err != nil {
		return err
	}
	defer s.deleteClient(cid)

	var gotMsg bool
	for {
		in, err := ms.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return status.Errorf(codes.Unknown, "error reading message from client, %v", err)
		}
		log.V(2).Infof("client %s: received ModifyRequest %s", cid, prototext.Format(in))

		var res *spb.ModifyResponse
		switch {
		case in.GetParams() != nil:
			if res, err = s.checkParams(cid, in.GetParams(), gotMsg); err == nil {
				err = s.updateParams(cid, in.GetParams())
			}
		case len(in.GetOperation()) == 0 && in.GetElectionId() != nil:
			res, err = s.runElection(cid, in.GetElectionId())
		case len(in.GetOperation()) != 0:
			res, err = s.doModify(cid, in.GetOperation())
		default:
			err = status.Errorf(codes.InvalidArgument, "invalid ModifyRequest, %s", prototext.Format(in))
		}
		gotMsg = true
		if err != nil {
			return err
		}
		if err := ms.Send(res); err != nil {
			return status.Errorf(codes.Internal, "cannot write message to client channel, %s", res)
		}
	}
}

// newClient creates a new client context within the server using the specified string
// ID.
func (s *Server) newClient(id string) error {
	s.csMu.Lock()
	defer s.csMu.Unlock()
	if s.cs[id] != nil {
		return status.Errorf(codes.Internal, "cannot create new client with duplicate ID, %s", id)
	}
	s.cs[id] = &clientState{}
	return nil
}

// deleteClient removes the client with the specified ID from the server. The
// entries that it programmed are retained, since only PRESERVE persistence is
// supported.
func (s *Server) deleteClient(id string) {
	s.csMu.Lock()
	defer s.csMu.Unlock()
	delete(s.cs, id)
}

// paramsFrom returns the clientParams described by the SessionParameters p.
func paramsFrom(p *spb.SessionParameters) *clientParams {
	return &clientParams{
		Persist:      p.GetPersistence() == spb.SessionParameters_PRESERVE,
		ExpectElecID: p.GetRedundancy() == spb.SessionParameters_SINGLE_PRIMARY,
		FIBAck:       p.GetAckType() == spb.SessionParameters_RIB_AND_FIB_ACK,
	}
}

// updateParams writes the parameters for the client with the specified id
// into the server state. It returns an error if the client already has
// parameters.
func (s *Server) updateParams(id string, params *spb.SessionParameters) error {
	s.csMu.Lock()
	defer s.csMu.Unlock()
	cs, ok := s.cs[id]
	if !ok {
		return status.Errorf(codes.Internal, "cannot update parameters for a client with no state, %s", id)
	}
	if cs.params != nil {
		return addModifyErrDetails(
			status.New(codes.FailedPrecondition, "cannot modify SessionParameters"),
			spb.ModifyRPCErrorDetails_MODIFY_NOT_ALLOWED)
	}
	cs.params = paramsFrom(params)
	return nil
}

// checkClientsConsistent reports whether the parameters p of the client id
// match those of every other connected client.
func (s *Server) checkClientsConsistent(id string, p *clientParams) (bool, error) {
	if p == nil {
		return false, status.Errorf(codes.Internal, "nil parameters for client %s", id)
	}
	s.csMu.RLock()
	defer s.csMu.RUnlock()
	for cid, cs := range s.cs {
		if cid == id {
			continue
		}
		if cs.params == nil {
			return false, status.Errorf(codes.Internal, "client %s has no parameters", cid)
		}
		if *cs.params != *p {
			return false, nil
		}
	}
	return true, nil
}

// checkParams validates the SessionParameters p received from the client id.
// gotMsg indicates whether a message has already been received on the
// client's stream. It returns the response to be sent to the client.
func (s *Server) checkParams(id string, p *spb.SessionParameters, gotMsg bool) (*spb.ModifyResponse, error) {
	if gotMsg {
		return nil, addModifyErrDetails(
			status.New(codes.FailedPrecondition, "must send SessionParameters as the first request"),
			spb.ModifyRPCErrorDetails_MODIFY_NOT_ALLOWED)
	}
	if p == nil {
		return nil, status.Errorf(codes.Internal, "nil SessionParameters from client %s", id)
	}

	switch {
	case p.GetRedundancy() == spb.SessionParameters_ALL_PRIMARY && p.GetPersistence() == spb.SessionParameters_PRESERVE:
		return nil, addModifyErrDetails(
			status.New(codes.FailedPrecondition, "PRESERVE persistence is not valid with ALL_PRIMARY redundancy"),
			spb.ModifyRPCErrorDetails_UNSUPPORTED_PARAMS)
	case p.GetRedundancy() == spb.SessionParameters_ALL_PRIMARY:
		return nil, addModifyErrDetails(
			status.New(codes.Unimplemented, "ALL_PRIMARY redundancy is not supported"),
			spb.ModifyRPCErrorDetails_UNSUPPORTED_PARAMS)
	case p.GetPersistence() == spb.SessionParameters_DELETE:
		return nil, addModifyErrDetails(
			status.New(codes.Unimplemented, "DELETE persistence is not supported"),
			spb.ModifyRPCErrorDetails_UNSUPPORTED_PARAMS)
	}

	ok, err := s.checkClientsConsistent(id, paramsFrom(p))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, addModifyErrDetails(
			status.New(codes.FailedPrecondition, "parameters differ from those of other clients"),
			spb.ModifyRPCErrorDetails_PARAMS_DIFFER_FROM_OTHER_CLIENTS)
	}

	return &spb.ModifyResponse{
		SessionParamsResult: &spb.SessionParametersResult{
			Status: spb.SessionParametersResult_OK,
		},
	}, nil
}

// isNewMaster takes two election IDs, cand and exist, and determines whether
// the candidate is a new master. It also reports whether the two IDs are
// equal.
func isNewMaster(cand, exist *spb.Uint128) (bool, bool, error) {
	if cand == nil {
		return false, false, status.Errorf(codes.InvalidArgument, "nil candidate election ID")
	}
	if exist == nil {
		return true, false, nil
	}
	c := uint128.New(cand.GetLow(), cand.GetHigh())
	e := uint128.New(exist.GetLow(), exist.GetHigh())
	switch c.Cmp(e) {
	case 1:
		return true, false, nil
	case 0:
		return false, true, nil
	}
	return false, false, nil
}

// runElection runs an election on the server, using the election ID elecID
// received from the client id. The client becomes master if elecID is at
// least the current election ID. The current election ID is returned.
func (s *Server) runElection(id string, elecID *spb.Uint128) (*spb.ModifyResponse, error) {
	s.csMu.RLock()
	cs, ok := s.cs[id]
	s.csMu.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.Internal, "election for unknown client %s", id)
	}
	if cs.params == nil || !cs.params.ExpectElecID {
		return nil, addModifyErrDetails(
			status.New(codes.FailedPrecondition, "client is not expecting an election ID"),
			spb.ModifyRPCErrorDetails_ELECTION_ID_IN_ALL_PRIMARY)
	}

	s.elecMu.Lock()
	defer s.elecMu.Unlock()
	nm, eq, err := isNewMaster(elecID, s.curElecID)
	if err != nil {
		return nil, err
	}
	if nm || eq {
		s.curElecID = elecID
		s.curMaster = id
		log.Infof("client %s is master with election ID %s", id, prototext.Format(elecID))
	}
	return &spb.ModifyResponse{ElectionId: s.curElecID}, nil
}

// isMaster reports whether the client id is the current master, and that
// elecID, if supplied, is the current election ID.
func (s *Server) isMaster(id string, elecID *spb.Uint128) bool {
	s.elecMu.RLock()
	defer s.elecMu.RUnlock()
	if s.curMaster != id {
		return false
	}
	if elecID == nil {
		return true
	}
	_, eq, err := isNewMaster(elecID, s.curElecID)
	return err == nil && eq
}

// doModify handles the AFT operations ops received from the client id.
func (s *Server) doModify(id string, ops []*spb.AFTOperation) (*spb.ModifyResponse, error) {
	s.csMu.RLock()
	cs, ok := s.cs[id]
	s.csMu.RUnlock()
	if !ok || cs.params == nil {
		return nil, addModifyErrDetails(
			status.New(codes.FailedPrecondition, "must send SessionParameters before AFT operations"),
			spb.ModifyRPCErrorDetails_UNSUPPORTED_PARAMS)
	}

	res := &spb.ModifyResponse{}
	for _, op := range ops {
		if !s.isMaster(id, op.GetElectionId()) {
			log.Errorf("client %s: rejected operation %d, client is not master", id, op.GetId())
			res.Result = append(res.Result, opResult(op, spb.AFTResult_FAILED))
			continue
		}
		if err := s.handleOperation(op); err != nil {
			log.Errorf("client %s: operation %d failed, %v", id, op.GetId(), err)
			res.Result = append(res.Result, opResult(op, spb.AFTResult_FAILED))
			continue
		}
		res.Result = append(res.Result, opResult(op, spb.AFTResult_RIB_PROGRAMMED))
		if cs.params.FIBAck {
			// Lookups read the tables directly, so an entry is forwarding
			// once it is in the RIB.
			res.Result = append(res.Result, opResult(op, spb.AFTResult_FIB_PROGRAMMED))
		}
	}
	return res, nil
}

func opResult(op *spb.AFTOperation, st spb.AFTResult_Status) *spb.AFTResult {
	return &spb.AFTResult{
		Id:        op.GetId(),
		Status:    st,
		Timestamp: unixTS(),
	}
}

// handleOperation programs the single AFT operation op into the RIB.
func (s *Server) handleOperation(op *spb.AFTOperation) error {
	ni := op.GetNetworkInstance()
	if ni == "" {
		ni = s.r.DefaultName()
	}
	h, ok := s.r.NetworkInstanceRIB(ni)
	if !ok {
		return reason.Errorf(reason.NotFound, "unknown network instance %s", ni)
	}

	del := op.GetOp() == spb.AFTOperation_DELETE
	switch e := op.GetEntry().(type) {
	case *spb.AFTOperation_NextHop:
		if del {
			return h.AFT().DeleteNextHop(e.NextHop.GetIndex())
		}
		if err := h.AFT().AddNextHop(e.NextHop); err != nil {
			return err
		}
		return reprogram(h, usesNextHop(h.AFT(), e.NextHop.GetIndex()))
	case *spb.AFTOperation_NextHopGroup:
		if del {
			return h.AFT().DeleteNextHopGroup(e.NextHopGroup.GetId())
		}
		if err := h.AFT().AddNextHopGroup(e.NextHopGroup); err != nil {
			return err
		}
		return reprogram(h, map[uint64]bool{e.NextHopGroup.GetId(): true})
	case *spb.AFTOperation_Ipv4:
		if del {
			return h.RemoveIPv4(e.Ipv4)
		}
		return h.ProgramIPv4(e.Ipv4)
	default:
		return reason.Errorf(reason.Unsupported, "unsupported entry type %T", e)
	}
}

// usesNextHop returns the set of next-hop-groups of x that contain the
// next-hop with index idx.
func usesNextHop(x *rib.AFTIndex, idx uint64) map[uint64]bool {
	ids := map[uint64]bool{}
	for _, g := range x.NextHopGroups() {
		for _, n := range g.GetNextHopGroup().GetNextHop() {
			if n.GetIndex() == idx {
				ids[g.GetId()] = true
			}
		}
	}
	return ids
}

// reprogram reinstalls the IPv4 entries of h that refer to any of the
// next-hop-groups nhgs, such that a replaced next-hop or group is reflected
// in the routes.
func reprogram(h *rib.RIBHolder, nhgs map[uint64]bool) error {
	for _, e := range h.AFT().IPv4Entries() {
		if !nhgs[e.GetIpv4Entry().GetNextHopGroup().GetValue()] {
			continue
		}
		if err := h.ProgramIPv4(e); err != nil {
			return err
		}
	}
	return nil
}

// holders returns the network instances named by a Get or Flush request. An
// empty name with all false selects the default network instance.
func (s *Server) holders(name string, all bool) ([]*rib.RIBHolder, error) {
	if all {
		var hs []*rib.RIBHolder
		for _, n := range s.r.NetworkInstances() {
			if h, ok := s.r.NetworkInstanceRIB(n); ok {
				hs = append(hs, h)
			}
		}
		return hs, nil
	}
	if name == "" {
		name = s.r.DefaultName()
	}
	h, ok := s.r.NetworkInstanceRIB(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown network instance %s", name)
	}
	return []*rib.RIBHolder{h}, nil
}

// Get implements the gRIBI Get RPC, returning the entries programmed into
// the requested network instances.
func (s *Server) Get(req *spb.GetRequest, stream spb.GRIBI_GetServer) error {
	hs, err := s.holders(req.GetName(), req.GetAll() != nil)
	if err != nil {
		return err
	}
	aft := req.GetAft()
	switch aft {
	case spb.AFTType_ALL, spb.AFTType_IPV4, spb.AFTType_NEXTHOP, spb.AFTType_NEXTHOP_GROUP:
	default:
		return status.Errorf(codes.Unimplemented, "AFT type %s is not supported", aft)
	}
	want := func(t spb.AFTType) bool { return aft == spb.AFTType_ALL || aft == t }

	for _, h := range hs {
		resp := &spb.GetResponse{}
		if want(spb.AFTType_NEXTHOP) {
			for _, n := range h.AFT().NextHops() {
				resp.Entry = append(resp.Entry, &spb.AFTEntry{
					NetworkInstance: h.Name(),
					Entry:           &spb.AFTEntry_NextHop{NextHop: n},
				})
			}
		}
		if want(spb.AFTType_NEXTHOP_GROUP) {
			for _, g := range h.AFT().NextHopGroups() {
				resp.Entry = append(resp.Entry, &spb.AFTEntry{
					NetworkInstance: h.Name(),
					Entry:           &spb.AFTEntry_NextHopGroup{NextHopGroup: g},
				})
			}
		}
		if want(spb.AFTType_IPV4) {
			for _, e := range h.AFT().IPv4Entries() {
				resp.Entry = append(resp.Entry, &spb.AFTEntry{
					NetworkInstance: h.Name(),
					Entry:           &spb.AFTEntry_Ipv4{Ipv4: e},
				})
			}
		}
		if len(resp.Entry) == 0 {
			continue
		}
		if err := stream.Send(resp); err != nil {
			return status.Errorf(codes.Internal, "cannot send GetResponse, %v", err)
		}
	}
	return nil
}

// Flush implements the gRIBI Flush RPC, removing every entry from the
// requested network instances.
func (s *Server) Flush(_ context.Context, req *spb.FlushRequest) (*spb.FlushResponse, error) {
	if err := s.checkFlushElection(req); err != nil {
		return nil, err
	}
	if req.GetNetworkInstance() == nil {
		return nil, status.Errorf(codes.InvalidArgument, "unspecified network instance in FlushRequest")
	}
	hs, err := s.holders(req.GetName(), req.GetAll() != nil)
	if err != nil {
		return nil, err
	}
	for _, h := range hs {
		n := h.Flush()
		log.Infof("flushed %d routes from network instance %s", n, h.Name())
	}
	return &spb.FlushResponse{
		Result:    spb.FlushResponse_OK,
		Timestamp: unixTS(),
	}, nil
}

// checkFlushElection checks that the election ID of req permits the flush.
// An election ID lower than the current one is rejected.
func (s *Server) checkFlushElection(req *spb.FlushRequest) error {
	if req.GetOverride() != nil {
		return nil
	}
	s.elecMu.RLock()
	defer s.elecMu.RUnlock()
	id := req.GetId()
	switch {
	case id == nil && s.curElecID != nil:
		return status.Errorf(codes.FailedPrecondition, "election ID must be specified in SINGLE_PRIMARY mode")
	case id == nil:
		return nil
	}
	nm, eq, err := isNewMaster(id, s.curElecID)
	if err != nil {
		return err
	}
	if !nm && !eq {
		return status.Errorf(codes.FailedPrecondition, "election ID %s is lower than the current election ID", prototext.Format(id))
	}
	return nil
}

// addModifyErrDetails adds a ModifyRPCErrorDetails message with the reason
// r to the status s.
func addModifyErrDetails(s *status.Status, r spb.ModifyRPCErrorDetails_Reason) error {
	ds, err := s.WithDetails(&spb.ModifyRPCErrorDetails{Reason: r})
	if err != nil {
		return status.Errorf(codes.Internal, "cannot build error details, %v", err)
	}
	return ds.Err()
}
