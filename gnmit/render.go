package gnmit

import (
	"fmt"

	"github.com/openconfig/gnmi/value"
	"github.com/openconfig/ribctl/constants"
	"github.com/openconfig/ribctl/nexthop"
	"github.com/openconfig/ribctl/rib"

	gpb "github.com/openconfig/gnmi/proto/gnmi"
)

// entryElems returns the path elements, relative to the afts container, of
// the entry for the prefix of rec.
func entryElems(rec *rib.ChangeRecord) ([]*gpb.PathElem, error) {
	var container, list string
	switch rec.Family {
	case constants.IPV4:
		container, list = "ipv4-unicast", "ipv4-entry"
	case constants.IPV6:
		container, list = "ipv6-unicast", "ipv6-entry"
	default:
		return nil, fmt.Errorf("unsupported family %s", rec.Family)
	}
	return []*gpb.PathElem{
		{Name: container},
		{Name: list, Key: map[string]string{"prefix": rec.Prefix.String()}},
	}, nil
}

// refID returns the identifier used for the next-hop-group of r.
func refID(r nexthop.Ref) uint64 {
	switch v := r.(type) {
	case *nexthop.Group:
		return v.ID()
	case *nexthop.Nexthop:
		return v.ID()
	}
	return 0
}

func path(elems ...*gpb.PathElem) *gpb.Path {
	return &gpb.Path{Elem: elems}
}

func leaf(v any, elems ...*gpb.PathElem) (*gpb.Update, error) {
	tv, err := value.FromScalar(v)
	if err != nil {
		return nil, err
	}
	return &gpb.Update{Path: path(elems...), Val: tv}, nil
}

// RouteNotification renders the change rec as a gNMI notification for the
// target, using the paths of the OpenConfig AFT model. An ADD or CHANGE
// updates the entry, its next-hop-group and the group's next-hops. A DELETE
// deletes the entry.
//
// The nexthops of rec must not have been released, which holds within a
// DELAYED notification.
func RouteNotification(target string, rec *rib.ChangeRecord) (*gpb.Notification, error) {
	entry, err := entryElems(rec)
	if err != nil {
		return nil, err
	}
	n := &gpb.Notification{
		Timestamp: rec.Timestamp,
		Prefix: &gpb.Path{
			Target: target,
			Elem: []*gpb.PathElem{
				{Name: "network-instances"},
				{Name: "network-instance", Key: map[string]string{"name": rec.NetworkInstance}},
				{Name: "afts"},
			},
		},
	}

	if rec.Op == constants.DELETE {
		n.Delete = []*gpb.Path{path(entry...)}
		return n, nil
	}
	if rec.New == nil {
		return nil, fmt.Errorf("%s of %s has no nexthop", rec.Op, rec.Prefix)
	}

	id := refID(rec.New)
	nhg := &gpb.PathElem{Name: "next-hop-group", Key: map[string]string{"id": fmt.Sprint(id)}}
	add := func(v any, elems ...*gpb.PathElem) error {
		u, err := leaf(v, elems...)
		if err != nil {
			return err
		}
		n.Update = append(n.Update, u)
		return nil
	}

	state := &gpb.PathElem{Name: "state"}
	if err := add(rec.Prefix.String(), entry[0], entry[1], state, &gpb.PathElem{Name: "prefix"}); err != nil {
		return nil, err
	}
	if err := add(id, entry[0], entry[1], state, &gpb.PathElem{Name: "next-hop-group"}); err != nil {
		return nil, err
	}
	if err := add(id, &gpb.PathElem{Name: "next-hop-groups"}, nhg, state, &gpb.PathElem{Name: "id"}); err != nil {
		return nil, err
	}

	for _, m := range rec.New.Members() {
		idx := fmt.Sprint(m.NH.ID())
		w := m.Weight
		if !rec.New.IsGroup() {
			w = rec.Weight
		}
		member := &gpb.PathElem{Name: "next-hop", Key: map[string]string{"index": idx}}
		if err := add(uint64(w), &gpb.PathElem{Name: "next-hop-groups"}, nhg, &gpb.PathElem{Name: "next-hops"}, member, state, &gpb.PathElem{Name: "weight"}); err != nil {
			return nil, err
		}
		if gw := m.NH.Gateway(); gw.IsValid() {
			if err := add(gw.String(), &gpb.PathElem{Name: "next-hops"}, member, state, &gpb.PathElem{Name: "ip-address"}); err != nil {
				return nil, err
			}
		}
		if intf := m.NH.Interface(); intf != "" {
			if err := add(intf, &gpb.PathElem{Name: "next-hops"}, member, &gpb.PathElem{Name: "interface-ref"}, state, &gpb.PathElem{Name: "interface"}); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}
