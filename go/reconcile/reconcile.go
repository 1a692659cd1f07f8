package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/ddsnet/nodex/go/panel"
	log "github.com/sirupsen/logrus"
)

// Reconciler converges node panel inventories onto the central panel's.
// Convergence is one-way: central is the single writer of inventory, and
// the only flow in the other direction is the expiry promotion of
// start-after-first-use clients that began use on a node.
type Reconciler struct {
	API panel.API

	nowFn func() time.Time
}

// NewReconciler returns a Reconciler driving the given panel API.
func NewReconciler(api panel.API) *Reconciler {
	return &Reconciler{API: api, nowFn: time.Now}
}

// centralView is a central inbound with its parsed client list. The client
// records are shared across the node loop: a promotion updates a record in
// place, and later nodes (and the final push) see the merged view.
type centralView struct {
	inbound *panel.Inbound
	clients []*panel.Client
}

// Reconcile lists the central inventory and converges every node onto it.
// A central failure or an empty central inventory aborts without touching
// any node. Node failures are isolated: they log and the pass continues.
func (r *Reconciler) Reconcile(ctx context.Context, central panel.Server, nodes []panel.Server) error {
	if err := r.API.Login(ctx, central); err != nil {
		return fmt.Errorf("logging in to central panel: %w", err)
	}
	var inbounds, err = r.API.ListInbounds(ctx, central)
	if err != nil {
		return fmt.Errorf("listing central inbounds: %w", err)
	}
	if len(inbounds) == 0 {
		return fmt.Errorf("central panel has no inbounds")
	}

	var views = make([]centralView, 0, len(inbounds))
	for i := range inbounds {
		var clients, err = inbounds[i].SettingsClients()
		if err != nil {
			log.WithFields(log.Fields{
				"inbound": inbounds[i].ID,
				"error":   err,
			}).Warn("malformed central inbound settings; treating client list as empty")
		}
		var view = centralView{inbound: &inbounds[i]}
		for j := range clients {
			view.clients = append(view.clients, &clients[j])
		}
		views = append(views, view)
	}

	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.reconcileNode(ctx, central, node, views); err != nil {
			log.WithFields(log.Fields{
				"node":  node.Key(),
				"error": err,
			}).Error("failed to reconcile node")
			nodeFailuresTotal.Inc()
		}
	}
	return nil
}

func (r *Reconciler) reconcileNode(ctx context.Context, central, node panel.Server, views []centralView) error {
	if err := r.API.Login(ctx, node); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}

	var nodeInbounds, err = r.API.ListInbounds(ctx, node)
	if err != nil {
		// An unreadable listing converges as an empty one: adds are issued
		// for everything and nothing is deleted.
		log.WithFields(log.Fields{
			"node":  node.Key(),
			"error": err,
		}).Error("failed to list node inbounds")
	}

	r.convergeInbounds(ctx, node, views, nodeInbounds)

	var now = r.nowFn().UnixMilli()
	for _, view := range views {
		r.convergeClients(ctx, central, node, view, nodeInbounds, now)
	}
	return nil
}

// convergeInbounds upserts every central inbound on the node by id, then
// deletes node inbounds central doesn't have. Updates are full-record
// overwrites; the central record is authoritative.
func (r *Reconciler) convergeInbounds(ctx context.Context, node panel.Server, views []centralView, nodeInbounds []panel.Inbound) {
	var idx = make(map[int64]struct{}, len(nodeInbounds))
	for i := range nodeInbounds {
		idx[nodeInbounds[i].ID] = struct{}{}
	}

	for _, view := range views {
		var id = view.inbound.ID

		if _, ok := idx[id]; !ok {
			var err = r.API.AddInbound(ctx, node, view.inbound)
			countOp("inbound_add", err)
			if err != nil {
				log.WithFields(log.Fields{"node": node.Key(), "inbound": id, "error": err}).
					Error("failed to add inbound")
			}
		} else {
			delete(idx, id)
			var err = r.API.UpdateInbound(ctx, node, id, view.inbound)
			countOp("inbound_update", err)
			if err != nil {
				log.WithFields(log.Fields{"node": node.Key(), "inbound": id, "error": err}).
					Error("failed to update inbound")
			}
		}
	}

	// Ids still in |idx| are unknown to central and must go.
	for id := range idx {
		var err = r.API.DeleteInbound(ctx, node, id)
		countOp("inbound_delete", err)
		if err != nil {
			log.WithFields(log.Fields{"node": node.Key(), "inbound": id, "error": err}).
				Error("failed to delete inbound")
		}
	}
}

func (r *Reconciler) convergeClients(ctx context.Context, central, node panel.Server, view centralView, nodeInbounds []panel.Inbound, now int64) {
	var inboundID = view.inbound.ID
	var protocol = view.inbound.Protocol

	// The node's clients of the matching inbound, from the listing taken
	// before inbound convergence. A just-added inbound parses as empty.
	var nodeClients []panel.Client
	for i := range nodeInbounds {
		if nodeInbounds[i].ID != inboundID {
			continue
		}
		var parsed, err = nodeInbounds[i].SettingsClients()
		if err != nil {
			log.WithFields(log.Fields{
				"node":    node.Key(),
				"inbound": inboundID,
				"error":   err,
			}).Warn("malformed node inbound settings; treating client list as empty")
		}
		nodeClients = parsed
		break
	}

	var nodeMap = make(map[string]*panel.Client, len(nodeClients))
	for i := range nodeClients {
		if k := clientKey(&nodeClients[i], protocol); k != "" {
			nodeMap[k] = &nodeClients[i]
		}
	}
	var centralMap = make(map[string]*panel.Client, len(view.clients))
	for _, c := range view.clients {
		if k := clientKey(c, protocol); k != "" {
			centralMap[k] = c
		}
	}

	var anyFresh bool
	for _, c := range view.clients {
		if safuFresh(c) {
			anyFresh = true
			break
		}
	}

	if anyFresh {
		r.pushFresh(ctx, node, inboundID, protocol, centralMap, nodeMap)
	} else {
		r.promoteStarted(ctx, central, inboundID, protocol, centralMap, nodeMap, now)
	}

	// Final push: central's records, post-promotion, overwrite the node.
	for _, c := range view.clients {
		var k = clientKey(c, protocol)
		if k == "" {
			continue
		}

		if n, ok := nodeMap[k]; ok {
			delete(nodeMap, k) // No longer a deletion candidate, even if the update fails.

			var apiID = clientAPIID(n, protocol)
			if apiID == "" {
				log.WithFields(log.Fields{
					"node":     node.Key(),
					"client":   k,
					"inbound":  inboundID,
					"protocol": protocol,
				}).Warn("node client has no addressable id; update skipped")
				continue
			}
			var err = r.API.UpdateClient(ctx, node, apiID, inboundID, c)
			countOp("client_update", err)
			if err != nil {
				log.WithFields(log.Fields{"node": node.Key(), "client": k, "error": err}).
					Error("failed to update client on node")
			}
		} else {
			var err = r.API.AddClient(ctx, node, inboundID, c)
			countOp("client_add", err)
			if err != nil {
				log.WithFields(log.Fields{"node": node.Key(), "client": k, "error": err}).
					Error("failed to add client on node")
			}
		}
	}

	// Clients still in |nodeMap| are unknown to central and must go.
	for k, n := range nodeMap {
		var apiID = clientAPIID(n, protocol)
		if apiID == "" {
			continue
		}
		var err = r.API.DeleteClient(ctx, node, inboundID, apiID)
		countOp("client_delete", err)
		if err != nil {
			log.WithFields(log.Fields{"node": node.Key(), "client": k, "error": err}).
				Error("failed to delete extra client on node")
		}
	}
}

// pushFresh restores every fresh start-after-first-use client of the
// central inbound onto the node as-is. Merging from the node is skipped in
// this mode: a client central has re-armed must not re-activate from stale
// node state.
func (r *Reconciler) pushFresh(ctx context.Context, node panel.Server, inboundID int64, protocol string, centralMap, nodeMap map[string]*panel.Client) {
	for k, c := range centralMap {
		if !safuFresh(c) {
			continue
		}

		if n, ok := nodeMap[k]; ok {
			var apiID = clientAPIID(n, protocol)
			if apiID == "" {
				continue
			}
			var err = r.API.UpdateClient(ctx, node, apiID, inboundID, c)
			countOp("safu_push", err)
			if err != nil {
				log.WithFields(log.Fields{"node": node.Key(), "client": k, "error": err}).
					Error("failed to push fresh client to node")
			}
		} else {
			var err = r.API.AddClient(ctx, node, inboundID, c)
			countOp("safu_push", err)
			if err != nil {
				log.WithFields(log.Fields{"node": node.Key(), "client": k, "error": err}).
					Error("failed to add fresh client to node")
			}
		}
	}
}

// promoteStarted adopts a node-side activation onto central: when central
// still holds a client unstarted but the node's copy has a future expiry,
// central's expiry becomes the earliest positive one and its deferred
// activation flag is cleared. The merged record is written to central and,
// through the shared view, reaches every node in the final push.
func (r *Reconciler) promoteStarted(ctx context.Context, central panel.Server, inboundID int64, protocol string, centralMap, nodeMap map[string]*panel.Client, now int64) {
	for k, c := range centralMap {
		var n, ok = nodeMap[k]
		if !ok {
			continue
		}

		var centralExp, nodeExp = c.ExpiryTime, n.ExpiryTime
		if centralExp > now || nodeExp <= now {
			continue // Central already started, or node not started (or ended).
		}

		var merged = nodeExp
		if centralExp > 0 && centralExp < nodeExp {
			merged = centralExp
		}
		if merged == centralExp || merged <= now {
			continue
		}

		c.SetExpiryTime(merged)
		if c.StartAfterFirstUse {
			c.SetStartAfterFirstUse(false)
		}

		var apiID = clientAPIID(c, protocol)
		if apiID == "" {
			apiID = clientAPIID(n, protocol)
		}
		if apiID == "" {
			log.WithFields(log.Fields{
				"client":   k,
				"inbound":  inboundID,
				"protocol": protocol,
			}).Warn("missing client id for promotion; central update skipped")
			continue
		}

		var err = r.API.UpdateClient(ctx, central, apiID, inboundID, c)
		countOp("client_promote", err)
		if err != nil {
			log.WithFields(log.Fields{"client": k, "inbound": inboundID, "error": err}).
				Error("failed to promote client expiry to central")
		} else {
			log.WithFields(log.Fields{
				"client":  k,
				"inbound": inboundID,
				"from":    centralExp,
				"to":      merged,
			}).Info("promoted client expiry to central")
		}
	}
}
