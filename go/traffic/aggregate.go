package traffic

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ddsnet/nodex/go/panel"
	"github.com/ddsnet/nodex/go/state"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Aggregator folds per-client traffic counters from every panel into one
// monotonic total and writes that total back to every panel. Baselines in
// the state store record the last value written per panel, so each cycle
// contributes only the growth since the previous one, and a panel whose
// counter went backwards contributes its absolute value instead.
type Aggregator struct {
	API   panel.API
	Store *state.Store

	// ParallelReads fans node counter reads out to a bounded pool of
	// MaxWorkers goroutines. Writes are always serial.
	ParallelReads bool
	MaxWorkers    int
}

// Aggregate runs one accounting pass over every client email known to the
// central panel. A central login or listing failure aborts the pass;
// per-node and per-email failures are logged and skipped.
func (a *Aggregator) Aggregate(ctx context.Context, central panel.Server, nodes []panel.Server) error {
	if err := a.API.Login(ctx, central); err != nil {
		return fmt.Errorf("logging in to central panel: %w", err)
	}
	var inbounds, err = a.API.ListInbounds(ctx, central)
	if err != nil {
		return fmt.Errorf("listing central inbounds: %w", err)
	}
	if len(inbounds) == 0 {
		return fmt.Errorf("central panel has no inbounds")
	}

	var emails = collectEmails(inbounds)
	if len(emails) == 0 {
		return nil
	}

	// Nodes that fail to log in sit this cycle out.
	var sessions = make([]panel.Server, 0, len(nodes))
	for _, node := range nodes {
		if err := a.API.Login(ctx, node); err != nil {
			log.WithFields(log.Fields{
				"node":  node.Key(),
				"error": err,
			}).Error("failed to log in to node; skipping it this cycle")
			continue
		}
		sessions = append(sessions, node)
	}

	for _, email := range emails {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.syncEmail(ctx, central, sessions, email); err != nil {
			log.WithFields(log.Fields{
				"email": email,
				"error": err,
			}).Error("failed to aggregate client traffic")
			continue
		}
		clientsProcessed.Inc()
	}
	return nil
}

func (a *Aggregator) syncEmail(ctx context.Context, central panel.Server, nodes []panel.Server, email string) error {
	var centralKey = central.Key()
	var currents = a.readCurrents(ctx, central, nodes, email)
	var current = currents[centralKey]

	var lastCentral, seen, err = a.Store.GetLastCounter(ctx, email, centralKey)
	if err != nil {
		return err
	}

	// First observation of this email starts its accounting cycle at the
	// central panel's current counter.
	if !seen {
		if err = a.Store.ResetCycle(ctx, email, currents, centralKey); err != nil {
			return err
		}
		if err = a.alignPanels(ctx, central, nodes, email, current); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"email": email,
			"up":    current.Up,
			"down":  current.Down,
		}).Info("first observation: total anchored to central and panels aligned")
		resetsTotal.WithLabelValues("init").Inc()
		return nil
	}

	// A central counter that went backwards means the panel was reset out
	// from under us. Re-anchor everything to its current value.
	if current.Up < lastCentral.Up || current.Down < lastCentral.Down {
		if err = a.Store.ResetCycle(ctx, email, currents, centralKey); err != nil {
			return err
		}
		if err = a.alignPanels(ctx, central, nodes, email, current); err != nil {
			return err
		}
		log.WithFields(log.Fields{
			"email": email,
			"up":    current.Up,
			"down":  current.Down,
		}).Warn("central counter reset: total re-anchored and panels aligned")
		resetsTotal.WithLabelValues("central").Inc()
		return nil
	}

	total, err := a.Store.GetTotal(ctx, email)
	if err != nil {
		return err
	}

	// Panels are visited central first, then nodes in configuration order.
	var keys = make([]string, 0, len(currents))
	keys = append(keys, centralKey)
	for _, node := range nodes {
		keys = append(keys, node.Key())
	}

	var added panel.Traffic
	for _, key := range keys {
		var cur = currents[key]

		last, seen, err := a.Store.GetLastCounter(ctx, email, key)
		if err != nil {
			return err
		}
		if !seen {
			// First sighting of this panel for the email: the current value
			// becomes its baseline and contributes no delta.
			if _, err = a.Store.SetLastCounter(ctx, email, key, cur); err != nil {
				return err
			}
			continue
		}

		var delta panel.Traffic
		if cur.Up >= last.Up && cur.Down >= last.Down {
			delta = panel.Traffic{Up: cur.Up - last.Up, Down: cur.Down - last.Down}
		} else {
			// The panel's counter went backwards: count its absolute value.
			delta = cur
			log.WithFields(log.Fields{
				"email":    email,
				"panel":    key,
				"lastUp":   last.Up,
				"lastDown": last.Down,
				"curUp":    cur.Up,
				"curDown":  cur.Down,
			}).Warn("panel counter reset: counting current value as delta")
			resetsTotal.WithLabelValues("node").Inc()
		}

		if delta.Up > 0 || delta.Down > 0 {
			added = added.Add(delta)
			deltaBytes.WithLabelValues("up").Add(float64(delta.Up))
			deltaBytes.WithLabelValues("down").Add(float64(delta.Down))

			// Central's contribution reaches the total but is not a node.
			if key != centralKey {
				if err = a.Store.AddNodeDelta(ctx, email, key, delta); err != nil {
					return err
				}
			}
		}
	}

	if added.IsZero() {
		return nil
	}
	total = total.Add(added)

	changed, err := a.Store.SetTotal(ctx, email, total)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if err = a.alignPanels(ctx, central, nodes, email, total); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"email":     email,
		"addedUp":   added.Up,
		"addedDown": added.Down,
		"totalUp":   total.Up,
		"totalDown": total.Down,
	}).Debug("advanced client total")
	return nil
}

// readCurrents reads the email's current counter from central and every
// node. A failed read substitutes zeros; the map always holds an entry for
// each panel asked.
func (a *Aggregator) readCurrents(ctx context.Context, central panel.Server, nodes []panel.Server, email string) map[string]panel.Traffic {
	var currents = make(map[string]panel.Traffic, len(nodes)+1)

	var cur, err = a.API.GetClientTraffic(ctx, central, email)
	if err != nil {
		log.WithFields(log.Fields{
			"email": email,
			"panel": central.Key(),
			"error": err,
		}).Error("failed to read central traffic; substituting zeros")
		cur = panel.Traffic{}
	}
	currents[central.Key()] = cur

	if len(nodes) == 0 {
		return currents
	}

	if !a.ParallelReads {
		for _, node := range nodes {
			currents[node.Key()] = a.readNode(ctx, node, email)
		}
		return currents
	}

	var mu sync.Mutex
	var grp = errgroup.Group{}
	grp.SetLimit(readLimit(len(nodes), a.MaxWorkers))

	for _, node := range nodes {
		grp.Go(func() error {
			var t = a.readNode(ctx, node, email)
			mu.Lock()
			currents[node.Key()] = t
			mu.Unlock()
			return nil
		})
	}
	grp.Wait()
	return currents
}

func (a *Aggregator) readNode(ctx context.Context, node panel.Server, email string) panel.Traffic {
	var t, err = a.API.GetClientTraffic(ctx, node, email)
	if err != nil {
		log.WithFields(log.Fields{
			"email": email,
			"panel": node.Key(),
			"error": err,
		}).Error("failed to read node traffic; substituting zeros")
		return panel.Traffic{}
	}
	return t
}

// alignPanels writes the total to central and then to every node, advancing
// each panel's baseline only after its write succeeded. A panel whose write
// failed keeps its old baseline, so the next cycle re-corrects it.
func (a *Aggregator) alignPanels(ctx context.Context, central panel.Server, nodes []panel.Server, email string, total panel.Traffic) error {
	if err := a.API.UpdateClientTraffic(ctx, central, email, total); err != nil {
		log.WithFields(log.Fields{
			"email": email,
			"panel": central.Key(),
			"error": err,
		}).Error("failed to write total to central")
	} else if _, err = a.Store.SetLastCounter(ctx, email, central.Key(), total); err != nil {
		return err
	}

	var batch []state.Counter
	for _, node := range nodes {
		if err := a.API.UpdateClientTraffic(ctx, node, email, total); err != nil {
			log.WithFields(log.Fields{
				"email": email,
				"panel": node.Key(),
				"error": err,
			}).Error("failed to write total to node")
			continue
		}
		batch = append(batch, state.Counter{Server: node.Key(), Traffic: total})
	}
	return a.Store.SetLastCountersBatch(ctx, email, batch)
}

// collectEmails unions the emails of every inbound's clientStats with those
// of its parsed settings clients, sorted for deterministic processing.
func collectEmails(inbounds []panel.Inbound) []string {
	var set = make(map[string]struct{})
	for i := range inbounds {
		for _, stat := range inbounds[i].ClientStats {
			if stat.Email != "" {
				set[stat.Email] = struct{}{}
			}
		}
		var clients, err = inbounds[i].SettingsClients()
		if err != nil {
			log.WithFields(log.Fields{
				"inbound": inbounds[i].ID,
				"error":   err,
			}).Debug("malformed inbound settings while collecting emails")
		}
		for j := range clients {
			if clients[j].Email != "" {
				set[clients[j].Email] = struct{}{}
			}
		}
	}

	var out = make([]string, 0, len(set))
	for email := range set {
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}

// readLimit bounds the read pool by the smaller of the session count and
// the configured worker cap, with a floor of one.
func readLimit(sessions, maxWorkers int) int {
	var limit = sessions
	if maxWorkers < limit {
		limit = maxWorkers
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}
