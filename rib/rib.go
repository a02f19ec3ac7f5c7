// Package rib implements the routing tables of a network device. A Table holds
// the prefix to nexthop mapping for one address family within one network
// instance, it is mutated under a per-table lock and read without locks
// from within an epoch guard. A RIB holds the tables of all network
// instances.
package rib

import (
	"context"
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"time"

	log "github.com/golang/glog"
	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/epoch"
	"github.com/openconfig/ribctl/internal/reason"
	"github.com/openconfig/ribctl/nexthop"
	"github.com/openconfig/ribctl/ptable"
	"go.uber.org/atomic"
)

// unixTS is used to determine the current unix timestamp in nanoseconds since the
// epoch. It is defined such that it can be overloaded by unit tests.
var unixTS = time.Now().UnixNano

// families is the set of address families for which each network instance
// has a table.
var families = []constants.Family{constants.IPV4, constants.IPV6}

// RIB is a struct that stores the routing tables for a network device.
type RIB struct {
	// nrMu protects the niRIB map.
	nrMu sync.RWMutex
	// niRIB is a map of the tables of each network instance, keyed by the
	// name of the network instance.
	niRIB map[string]*RIBHolder

	// defaultName is the name assigned to the default network instance.
	defaultName string

	// epoch is the reclamation domain shared by all tables in the RIB.
	epoch *epoch.Domain
	// opts are the options that are applied to every table created in the
	// RIB, including those of network instances added later.
	opts []TableOpt
}

// RIBHolder is a container for the tables of a single network instance.
type RIBHolder struct {
	// name is the name that is used for this network instance by the system.
	name string
	// tables is the set of tables keyed by address family. It is not
	// modified after the holder is created.
	tables map[constants.Family]*Table
	// aft records the gRIBI objects programmed into the network instance.
	aft *AFTIndex
}

// New returns a new RIB with the default network instance created with name
// dn. The options opts are applied to every table within the RIB.
func New(dn string, opts ...TableOpt) *RIB {
	r := &RIB{
		niRIB:       map[string]*RIBHolder{},
		defaultName: dn,
		epoch:       epoch.New(),
	}
	// The shared epoch is applied first such that a caller supplied epoch
	// takes precedence.
	r.opts = append([]TableOpt{WithEpoch(r.epoch)}, opts...)
	r.niRIB[dn] = newRIBHolder(dn, r.opts)
	return r
}

func newRIBHolder(name string, opts []TableOpt) *RIBHolder {
	h := &RIBHolder{
		name:   name,
		tables: map[constants.Family]*Table{},
		aft:    NewAFTIndex(),
	}
	for _, f := range families {
		h.tables[f] = NewTable(name, f, opts...)
	}
	return h
}

// DefaultName returns the name of the default network instance.
func (r *RIB) DefaultName() string {
	return r.defaultName
}

// AddNetworkInstance adds a network instance with the specified name to the
// RIB. It returns an error if the name is invalid or already exists.
func (r *RIB) AddNetworkInstance(name string) error {
	if name == "" {
		return reason.Errorf(reason.InvalidArgument, "invalid empty network instance name")
	}
	r.nrMu.Lock()
	defer r.nrMu.Unlock()
	if _, ok := r.niRIB[name]; ok {
		return reason.Errorf(reason.Duplicate, "network instance %s already exists", name)
	}
	r.niRIB[name] = newRIBHolder(name, r.opts)
	log.Infof("created network instance %s", name)
	return nil
}

// NetworkInstanceRIB returns the RIB for the network instance with name s.
func (r *RIB) NetworkInstanceRIB(s string) (*RIBHolder, bool) {
	r.nrMu.RLock()
	defer r.nrMu.RUnlock()
	rh, ok := r.niRIB[s]
	return rh, ok
}

// NetworkInstances returns the names of the network instances in the RIB,
// sorted by name.
func (r *RIB) NetworkInstances() []string {
	r.nrMu.RLock()
	defer r.nrMu.RUnlock()
	names := make([]string, 0, len(r.niRIB))
	for n := range r.niRIB {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Table returns the table for the address family fam in the network instance
// ni. An empty ni refers to the default network instance.
func (r *RIB) Table(ni string, fam constants.Family) (*Table, error) {
	if ni == "" {
		ni = r.defaultName
	}
	h, ok := r.NetworkInstanceRIB(ni)
	if !ok {
		return nil, reason.Errorf(reason.NotFound, "unknown network instance %s", ni)
	}
	t, ok := h.tables[fam]
	if !ok {
		return nil, reason.Errorf(reason.Unsupported, "unsupported address family %s", fam)
	}
	return t, nil
}

// Tables returns every table in the RIB, ordered by network instance name
// and then address family.
func (r *RIB) Tables() []*Table {
	var ts []*Table
	for _, ni := range r.NetworkInstances() {
		h, ok := r.NetworkInstanceRIB(ni)
		if !ok {
			continue
		}
		for _, f := range families {
			ts = append(ts, h.tables[f])
		}
	}
	return ts
}

// Barrier waits until every deferred release registered by the RIB's tables
// before the call has run, or ctx is done.
func (r *RIB) Barrier(ctx context.Context) error {
	return r.epoch.Barrier(ctx)
}

// Name returns the name of the network instance.
func (h *RIBHolder) Name() string { return h.name }

// AFT returns the index of gRIBI objects programmed into the network
// instance.
func (h *RIBHolder) AFT() *AFTIndex { return h.aft }

// Table returns the table of h for the address family fam.
func (h *RIBHolder) Table(fam constants.Family) (*Table, bool) {
	t, ok := h.tables[fam]
	return t, ok
}

// Table is the routing table for one address family within one network
// instance.
type Table struct {
	// ni is the name of the network instance to which the table belongs.
	ni string
	// family is the address family of the destinations in the table.
	family constants.Family

	// mu serialises all mutations of the table. Readers do not take it.
	mu sync.Mutex
	// routes maps each prefix to its route. It is written only with mu
	// held.
	routes *ptable.Table[*Route]
	// gen is incremented on every successful structural change.
	gen atomic.Uint64
	// subs is the copy-on-write registry of subscriptions.
	subs atomic.Pointer[[]*Subscription]

	// epoch defers the release of unlinked routes, superseded nexthops and
	// removed subscriptions until concurrent readers have exited.
	epoch *epoch.Domain
	// store creates the nexthops and groups referenced by routes.
	store *nexthop.Store

	// multipath indicates whether routes with more than one nexthop may
	// be created or composed.
	multipath bool
	// mixedFamily indicates whether a gateway may be of a different family
	// than the destination.
	mixedFamily bool

	metrics *tableMetrics
}

// TableOpt is an interface implemented by options that can be handed to
// NewTable or New.
type TableOpt interface {
	isTableOpt()
}

type disableMultipath struct{}

func (*disableMultipath) isTableOpt() {}

// DisableMultipath specifies that the table must not hold routes with more
// than one nexthop. Requests that would create a group fail as unsupported
// and colliding adds fail as duplicates.
func DisableMultipath() *disableMultipath {
	return &disableMultipath{}
}

type mixedFamily struct{}

func (*mixedFamily) isTableOpt() {}

// WithMixedFamilyGateways specifies that routes may use gateways of a
// different address family than their destination.
func WithMixedFamilyGateways() *mixedFamily {
	return &mixedFamily{}
}

type storeOpt struct {
	s *nexthop.Store
}

func (*storeOpt) isTableOpt() {}

// WithNexthopStore specifies the store from which the table allocates its
// nexthops and groups. By default each table has its own unlimited store.
func WithNexthopStore(s *nexthop.Store) *storeOpt {
	return &storeOpt{s: s}
}

type epochOpt struct {
	d *epoch.Domain
}

func (*epochOpt) isTableOpt() {}

// WithEpoch specifies the reclamation domain used by the table.
func WithEpoch(d *epoch.Domain) *epochOpt {
	return &epochOpt{d: d}
}

type subscriptionOpt struct {
	fn     NotifyFn
	arg    any
	timing constants.Timing
}

func (*subscriptionOpt) isTableOpt() {}

// WithSubscription installs a subscription calling fn with arg for each
// change of the specified timing when the table is created. When handed to
// New, each table in the RIB receives its own subscription.
func WithSubscription(fn NotifyFn, arg any, timing constants.Timing) *subscriptionOpt {
	return &subscriptionOpt{fn: fn, arg: arg, timing: timing}
}

type metricsOpt struct {
	m *Metrics
}

func (*metricsOpt) isTableOpt() {}

// WithMetrics specifies that the table reports its state to m.
func WithMetrics(m *Metrics) *metricsOpt {
	return &metricsOpt{m: m}
}

// NewTable returns an empty table for the family fam within the network
// instance ni.
func NewTable(ni string, fam constants.Family, opts ...TableOpt) *Table {
	t := &Table{
		ni:        ni,
		family:    fam,
		routes:    ptable.New[*Route](),
		multipath: true,
	}
	var subs []*subscriptionOpt
	for _, o := range opts {
		switch v := o.(type) {
		case *disableMultipath:
			t.multipath = false
		case *mixedFamily:
			t.mixedFamily = true
		case *storeOpt:
			t.store = v.s
		case *epochOpt:
			t.epoch = v.d
		case *subscriptionOpt:
			subs = append(subs, v)
		case *metricsOpt:
			t.metrics = v.m.forTable(ni, fam)
		}
	}
	if t.store == nil {
		t.store = nexthop.NewStore()
	}
	if t.epoch == nil {
		t.epoch = epoch.New()
	}
	for _, s := range subs {
		t.subscribeLocked(s.fn, s.arg, s.timing)
	}
	return t
}

// NetworkInstance returns the name of the network instance of t.
func (t *Table) NetworkInstance() string { return t.ni }

// Family returns the address family of t.
func (t *Table) Family() constants.Family { return t.family }

// Store returns the nexthop store used by t.
func (t *Table) Store() *nexthop.Store { return t.store }

// Generation returns the current generation of t. It changes whenever a
// route is added, changed or deleted, and can be compared without a lock to
// detect that nothing changed.
func (t *Table) Generation() uint64 { return t.gen.Load() }

// Len returns the number of prefixes in t.
func (t *Table) Len() int { return t.routes.Len() }

// Enter marks the start of a read of t. Routes and nexthops observed
// between Enter and the returned guard's Exit are not released.
func (t *Table) Enter() epoch.Guard { return t.epoch.Enter() }

// Barrier waits until every release deferred by t before the call has run,
// or ctx is done.
func (t *Table) Barrier(ctx context.Context) error { return t.epoch.Barrier(ctx) }

// Get returns the route stored for exactly the prefix pfx.
func (t *Table) Get(pfx netip.Prefix) (*Entry, bool) {
	if !pfx.IsValid() {
		return nil, false
	}
	g := t.epoch.Enter()
	defer g.Exit()
	r, ok := t.routes.Get(pfx)
	if !ok {
		return nil, false
	}
	return r.Entry(), true
}

// Lookup returns the route with the longest prefix containing addr.
func (t *Table) Lookup(addr netip.Addr) (*Entry, bool) {
	if !addr.IsValid() {
		return nil, false
	}
	g := t.epoch.Enter()
	defer g.Exit()
	r, ok := t.routes.Lookup(addr)
	if !ok {
		return nil, false
	}
	return r.Entry(), true
}

// Walk calls fn for each route in t in prefix order, until fn returns
// false. The walk observes a single version of the table.
func (t *Table) Walk(fn func(*Entry) bool) {
	g := t.epoch.Enter()
	defer g.Exit()
	t.routes.Walk(func(_ netip.Prefix, r *Route) bool {
		return fn(r.Entry())
	})
}

// String returns a name for t used in log messages.
func (t *Table) String() string {
	return fmt.Sprintf("%s/%s", t.ni, t.family)
}

// release schedules the release of the reference r once concurrent readers
// have exited.
func (t *Table) release(r nexthop.Ref) {
	if r == nil {
		return
	}
	t.epoch.Defer(func() { t.store.Release(r) })
}
