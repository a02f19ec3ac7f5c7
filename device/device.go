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

// Package device combines a RIB with the gRIBI server that programs it and
// the gNMI collector that streams its contents.
package device

import (
	"context"
	"fmt"
	"net"

	log "github.com/golang/glog"
	"github.com/openconfig/ribctl/gnmit"
	"github.com/openconfig/ribctl/rib"
	"github.com/openconfig/ribctl/server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	spb "github.com/openconfig/gribi/v1/proto/service"
)

// Device is a wrapper struct that contains all functionalities
// for containing a gRIBI and gNMI target that serve a RIB.
type Device struct {
	// gribiAddr is the address that the server is listening on
	// for gRIBI.
	gribiAddr string
	// gribiSrv is the gRIBI server.
	gribiSrv *server.Server

	// gnmiAddr is the address that the server is listening on
	// for gNMI.
	gnmiAddr string
	// gnmiSrv is the gNMI collector implementation.
	gnmiSrv *gnmit.Collector

	// rib is the RIB that is programmed by gRIBI and streamed by gNMI.
	rib *rib.RIB
	// subs are the subscriptions of the collector to the tables of rib.
	subs []*rib.Subscription
}

const (
	// targetName is the default name that the device has in gNMI.
	targetName string = "DUT"
	// defaultNI is the default name of the default network instance.
	defaultNI string = "DEFAULT"
)

// DevOpt is an interface that is implemented by options that can be handed to New()
// for the device.
type DevOpt interface {
	isDevOpt()
}

// gRIBIAddr is the internal implementation that specifies the port that gRIBI should
// listen on.
type gRIBIAddr struct {
	host string
	port int
}

// isDevOpt implements the DevOpt interface.
func (*gRIBIAddr) isDevOpt() {}

// GRIBIPort is a device option that specifies that the port that should be listened on
// is i.
func GRIBIPort(host string, i int) *gRIBIAddr {
	return &gRIBIAddr{host: host, port: i}
}

// gNMIAddr is the internal implementation that specifies the port that gNMI should
// listen on.
type gNMIAddr struct {
	host string
	port int
}

// isDevOpt implements the DevOpt interface.
func (*gNMIAddr) isDevOpt() {}

// GNMIAddr specifies the host and port that the gNMI server should listen on.
func GNMIAddr(host string, i int) *gNMIAddr {
	return &gNMIAddr{host: host, port: i}
}

// TLSCred holds TLS credentials that can be used for a device.
type TLSCred struct {
	C credentials.TransportCredentials
}

// isDevOpt implements the DevOpt interface.
func (*TLSCred) isDevOpt() {}

// TLSCredsFromFile loads the credentials from the specified cert and key file
// and returns them such that they can be used for the gNMI and gRIBI servers.
func TLSCredsFromFile(certFile, keyFile string) (*TLSCred, error) {
	t, err := credentials.NewServerTLSFromFile(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &TLSCred{C: t}, nil
}

// ribConfig specifies the network instances of the device's RIB and the
// options applied to its tables.
type ribConfig struct {
	defaultName string
	instances   []string
	opts        []rib.TableOpt
}

// isDevOpt implements the DevOpt interface.
func (*ribConfig) isDevOpt() {}

// RIBConfig specifies that the device's RIB has the default network instance
// named defaultName, plus the network instances named by instances. The
// options opts are applied to every table.
func RIBConfig(defaultName string, instances []string, opts ...rib.TableOpt) *ribConfig {
	return &ribConfig{defaultName: defaultName, instances: instances, opts: opts}
}

// target is the internal implementation that specifies the gNMI target name.
type target struct {
	name string
}

// isDevOpt implements the DevOpt interface.
func (*target) isDevOpt() {}

// Target specifies the name of the device in gNMI.
func Target(name string) *target {
	return &target{name: name}
}

// New returns a new device with the specific context. It returns the device, a function
// to stop the servers, or any errors that are encountered.
func New(ctx context.Context, opts ...DevOpt) (*Device, func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	rc := optRIBConfig(opts)
	d := &Device{rib: rib.New(rc.defaultName, rc.opts...)}
	for _, ni := range rc.instances {
		if err := d.rib.AddNetworkInstance(ni); err != nil {
			cancel()
			return nil, nil, fmt.Errorf("cannot create network instance %s, %v", ni, err)
		}
	}

	var sopts []grpc.ServerOption
	if c := optTLSCred(opts); c != nil {
		sopts = append(sopts, grpc.Creds(c.C))
	}
	gr := optGRIBIAddr(opts)
	gn := optGNMIAddr(opts)

	if err := d.startgNMI(ctx, gn.host, gn.port, optTarget(opts), sopts...); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("cannot start gNMI server, %v", err)
	}
	stopgRIBI, err := d.startgRIBI(gr.host, gr.port, sopts...)
	if err != nil {
		d.gnmiSrv.Stop()
		cancel()
		return nil, nil, fmt.Errorf("cannot start gRIBI server, %v", err)
	}

	stop := func() {
		stopgRIBI()
		for _, t := range d.rib.Tables() {
			for _, s := range d.subs {
				t.Unsubscribe(s)
			}
		}
		d.gnmiSrv.Stop()
		cancel()
	}
	return d, stop, nil
}

// optGRIBIAddr finds the first occurrence of the GRIBIAddr option in opts.
// If no GRIBIAddr option is found, the default of localhost:0 is returned.
func optGRIBIAddr(opts []DevOpt) *gRIBIAddr {
	for _, o := range opts {
		if v, ok := o.(*gRIBIAddr); ok {
			return v
		}
	}
	return &gRIBIAddr{host: "localhost", port: 0}
}

// optGNMIAddr finds the first occurrence of the GNMIAddr option in opts.
// If no GNMIAddr option is found, the default of localhost:0 is returned.
func optGNMIAddr(opts []DevOpt) *gNMIAddr {
	for _, o := range opts {
		if v, ok := o.(*gNMIAddr); ok {
			return v
		}
	}
	return &gNMIAddr{host: "localhost", port: 0}
}

// optTLSCred finds the first occurrence of the TLSCred option in opts.
func optTLSCred(opts []DevOpt) *TLSCred {
	for _, o := range opts {
		if v, ok := o.(*TLSCred); ok {
			return v
		}
	}
	return nil
}

// optRIBConfig finds the first occurrence of the RIBConfig option in opts.
func optRIBConfig(opts []DevOpt) *ribConfig {
	for _, o := range opts {
		if v, ok := o.(*ribConfig); ok {
			if v.defaultName == "" {
				v.defaultName = defaultNI
			}
			return v
		}
	}
	return &ribConfig{defaultName: defaultNI}
}

// optTarget returns the gNMI target name specified in opts.
func optTarget(opts []DevOpt) string {
	for _, o := range opts {
		if v, ok := o.(*target); ok && v.name != "" {
			return v.name
		}
	}
	return targetName
}

// startgRIBI starts the gRIBI server on the device on the specified host:port with the specified options.
// It returns a function that stops the server, or an error if the server cannot be started.
func (d *Device) startgRIBI(host string, port int, opt ...grpc.ServerOption) (func(), error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("cannot create gRIBI server, %v", err)
	}

	s := grpc.NewServer(opt...)
	ts := server.New(d.rib)
	spb.RegisterGRIBIServer(s, ts)
	d.gribiAddr = l.Addr().String()
	d.gribiSrv = ts
	go func() {
		if err := s.Serve(l); err != nil {
			log.Errorf("gRIBI server stopped, %v", err)
		}
	}()
	log.Infof("gRIBI server listening on %s", d.gribiAddr)
	return s.Stop, nil
}

// startgNMI starts the gNMI server on the specified host:port, and attaches
// it to every table of the device's RIB.
func (d *Device) startgNMI(ctx context.Context, host string, port int, name string, opt ...grpc.ServerOption) error {
	c, addr, err := gnmit.New(ctx, net.JoinHostPort(host, fmt.Sprint(port)), name, true, opt...)
	if err != nil {
		return err
	}
	d.gnmiAddr = addr
	d.gnmiSrv = c
	d.subs = c.AttachRIB(d.rib)
	log.Infof("gNMI server listening on %s", d.gnmiAddr)
	return nil
}

// GRIBIAddr returns the address that the gRIBI server is listening on.
func (d *Device) GRIBIAddr() string {
	return d.gribiAddr
}

// GNMIAddr returns the address that the gNMI server is listening on.
func (d *Device) GNMIAddr() string {
	return d.gnmiAddr
}

// RIB returns the RIB of the device.
func (d *Device) RIB() *rib.RIB {
	return d.rib
}
