package strategy

import (
	"context"

	"polymarket-mm/pkg/types"
)

// reconcile pulls REST-authoritative order state for this market and
// overwrites our WS-derived view with it: REST wins on every
// disagreement. An order REST reports live but we don't know about is
// inserted as Open; an order we think is Open but REST no longer lists is
// treated as Cancelled. Runs on the same goroutine as quoteUpdate and the
// WS event handlers, so activeOrders needs no extra locking here.
func (m *Maker) reconcile(ctx context.Context) {
	orders, err := m.client.ListAllOrders(ctx)
	if err != nil {
		m.logger.Warn("reconciliation: list orders failed", "error", err)
		return
	}
	m.applyRemoteOrders(orders)
}

// applyRemoteOrders is the pure diff step of reconciliation, split out so
// it's testable without a live exchange client: REST wins on every
// disagreement with our WS-derived activeOrders view.
func (m *Maker) applyRemoteOrders(orders []types.OpenOrder) {
	remote := make(map[string]types.OpenOrder, len(orders))
	for _, o := range orders {
		if o.Market != m.marketInfo.ConditionID {
			continue
		}
		if o.Status != "live" {
			continue
		}
		remote[o.ID] = o
	}

	for id, o := range remote {
		if _, known := m.activeOrders[id]; !known {
			m.logger.Info("reconciliation: adopting untracked live order", "order_id", id)
			m.nextSeq++
			m.orderSeq[id] = m.nextSeq
		}
		m.activeOrders[id] = o
	}

	for id := range m.activeOrders {
		if _, stillLive := remote[id]; !stillLive {
			m.logger.Info("reconciliation: dropping order no longer live on exchange", "order_id", id)
			delete(m.activeOrders, id)
			delete(m.orderSeq, id)
		}
	}
}
