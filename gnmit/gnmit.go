// Package gnmit is a single-target gNMI collector implementation that can be
// used to stream the contents of a RIB as telemetry. It supports the Subscribe
// RPC using the libraries from openconfig/gnmi, and is fed by DELAYED
// subscriptions to the RIB's tables.
package gnmit

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/golang/glog"
	"github.com/openconfig/gnmi/cache"
	"github.com/openconfig/gnmi/subscribe"
	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/rib"
	"google.golang.org/grpc"

	gpb "github.com/openconfig/gnmi/proto/gnmi"
)

var (
	// metadataUpdatePeriod is the period of time after which the metadata for the collector
	// is updated to the client.
	metadataUpdatePeriod = time.Duration(30 * time.Second)
	// sizeUpdatePeriod is the period of time after which the storage size information for
	// the collector is updated to the client.
	sizeUpdatePeriod = time.Duration(30 * time.Second)
)

// periodic runs the function fn every period until ctx is done.
func periodic(ctx context.Context, period time.Duration, fn func()) {
	if period == 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// New returns a new collector that listens on the specified addr (in the form host:port),
// supporting a single downstream target named hostname. sendMeta controls whether the
// metadata *other* than meta/sync and meta/connected is sent by the collector.
//
// New returns the new collector, the address it is listening on in the form hostname:port
// or any errors encounted whilst setting it up.
func New(ctx context.Context, addr string, hostname string, sendMeta bool, opts ...grpc.ServerOption) (*Collector, string, error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &Collector{
		inCh: make(chan *gpb.SubscribeResponse, 64),
		name: hostname,
		ctx:  ctx,
	}

	srv := grpc.NewServer(opts...)
	c.cache = cache.New([]string{hostname})
	t := c.cache.GetTarget(hostname)

	if sendMeta {
		go periodic(ctx, metadataUpdatePeriod, c.cache.UpdateMetadata)
		go periodic(ctx, sizeUpdatePeriod, c.cache.UpdateSize)
	}
	t.Connect()

	// start our single collector from the input channel.
	go func() {
		for {
			select {
			case msg := <-c.inCh:
				if err := c.handleUpdate(msg); err != nil {
					log.Errorf("collector %s: cannot handle update, %v", hostname, err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	subscribeSrv, err := subscribe.NewServer(c.cache)
	if err != nil {
		cancel()
		return nil, "", fmt.Errorf("could not instantiate gNMI server: %v", err)
	}
	gpb.RegisterGNMIServer(srv, subscribeSrv)
	// Forward streaming updates to clients.
	c.cache.SetClient(subscribeSrv.Update)
	// Register listening port and start serving.
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return nil, "", fmt.Errorf("failed to listen: %v", err)
	}

	go srv.Serve(lis)
	c.stopFn = func() {
		cancel()
		srv.Stop()
	}
	return c, lis.Addr().String(), nil
}

// Stop halts the running collector.
func (c *Collector) Stop() {
	c.stopFn()
}

// handleUpdate handles an input gNMI SubscribeResponse that is received by
// the target.
func (c *Collector) handleUpdate(resp *gpb.SubscribeResponse) error {
	t := c.cache.GetTarget(c.name)
	switch v := resp.Response.(type) {
	case *gpb.SubscribeResponse_Update:
		// The cache rejects stale and duplicate updates, which is not fatal.
		if err := t.GnmiUpdate(v.Update); err != nil {
			log.V(2).Infof("collector %s: update not cached, %v", c.name, err)
		}
	case *gpb.SubscribeResponse_SyncResponse:
		t.Sync()
	case *gpb.SubscribeResponse_Error:
		return fmt.Errorf("error in response: %s", v)
	default:
		return fmt.Errorf("unknown response %T: %s", v, v)
	}
	return nil
}

// Collector is a basic gNMI target that supports only the Subscribe
// RPC, and acts as a cache for exactly one target.
type Collector struct {
	cache *cache.Cache
	// name is the hostname of the client.
	name string
	// inCh is a channel use to write new SubscribeResponses to the client.
	inCh chan *gpb.SubscribeResponse
	// ctx is done once the collector has stopped.
	ctx context.Context
	// stopFn is the function used to stop the server.
	stopFn func()
}

// TargetUpdate provides an input gNMI SubscribeResponse to update the
// cache and clients with. Updates supplied after the collector has stopped
// are dropped.
func (c *Collector) TargetUpdate(m *gpb.SubscribeResponse) {
	select {
	case c.inCh <- m:
	case <-c.ctx.Done():
	}
}

// Sync marks the collector's cache as synchronised, such that ONCE
// subscriptions complete.
func (c *Collector) Sync() {
	c.TargetUpdate(&gpb.SubscribeResponse{
		Response: &gpb.SubscribeResponse_SyncResponse{SyncResponse: true},
	})
}

// publish is a rib.NotifyFn that renders each change to a table into the
// collector's cache.
func (c *Collector) publish(rec *rib.ChangeRecord, _ any) {
	n, err := RouteNotification(c.name, rec)
	if err != nil {
		log.Errorf("collector %s: cannot render %s of %s, %v", c.name, rec.Op, rec.Prefix, err)
		return
	}
	c.TargetUpdate(&gpb.SubscribeResponse{
		Response: &gpb.SubscribeResponse_Update{Update: n},
	})
}

// Attach subscribes the collector to the changes of the table t. The
// routes present in t when it is attached are published first.
func (c *Collector) Attach(t *rib.Table) *rib.Subscription {
	s := t.Subscribe(c.publish, nil, constants.DELAYED)
	t.Walk(func(e *rib.Entry) bool {
		c.publish(&rib.ChangeRecord{
			Op:              constants.ADD,
			NetworkInstance: t.NetworkInstance(),
			Family:          t.Family(),
			Prefix:          e.Prefix,
			New:             e.Nexthop,
			Weight:          e.Weight,
			Generation:      t.Generation(),
			Timestamp:       time.Now().UnixNano(),
		}, nil)
		return true
	})
	return s
}

// AttachRIB subscribes the collector to every table of r, and marks the
// cache as synchronised once the existing routes have been published.
func (c *Collector) AttachRIB(r *rib.RIB) []*rib.Subscription {
	var subs []*rib.Subscription
	for _, t := range r.Tables() {
		subs = append(subs, c.Attach(t))
	}
	c.Sync()
	return subs
}
