package participant

import (
	"fmt"
	"sort"

	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/ledger"
	"github.com/ordersaga/ordersaga/pkg/protocol"
	"github.com/ordersaga/ordersaga/pkg/reconcile"
	"github.com/ordersaga/ordersaga/pkg/saga"
)

// Product is a product variant as the inventory service stores it.
type Product struct {
	ID              int64 `json:"id" koanf:"id"`
	Stock           int64 `json:"stock" koanf:"stock"`
	UnitPrice       int64 `json:"unitPrice" koanf:"unit_price"`
	DiscountedPrice int64 `json:"discountedPrice" koanf:"discounted_price"`
}

func productKey(id int64) string { return fmt.Sprintf("product:%d", id) }

// Inventory deducts and restores stock.
type Inventory struct{}

func (Inventory) Step() saga.Step { return saga.StepInventory }

func (Inventory) Apply(tx ledger.Tx, cmd protocol.Message, header protocol.Header) (protocol.Message, error) {
	c, ok := cmd.(*protocol.StockCommand)
	if !ok {
		return nil, fmt.Errorf("inventory: unexpected command %T", cmd)
	}
	quantities, err := mergeItems(c.Items)
	if err != nil {
		return nil, err
	}

	restore := c.Type == protocol.TypeInventoryRestore
	lines := make([]reconcile.Line, 0, len(quantities))
	for _, id := range sortedIDs(quantities) {
		qty := quantities[id]
		var p Product
		found, err := tx.Get(productKey(id), &p)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, failure.Domainf(failure.CodeProductNotFound, "product %d not found", id)
		}
		if restore {
			p.Stock += qty
		} else {
			if p.Stock < qty {
				return nil, failure.Domainf(failure.CodeInsufficientStock,
					"insufficient stock for product %d: have %d, need %d", id, p.Stock, qty)
			}
			p.Stock -= qty
		}
		if err := tx.Put(productKey(id), p); err != nil {
			return nil, err
		}
		lines = append(lines, reconcile.Line{
			ProductVariantID: id,
			Quantity:         qty,
			UnitPrice:        p.UnitPrice,
			DiscountedPrice:  p.DiscountedPrice,
		})
	}

	if restore {
		return &protocol.Compensated{Header: header}, nil
	}
	return &protocol.StockDeducted{Header: header, Lines: lines}, nil
}

// mergeItems sums quantities per variant.
func mergeItems(items []saga.Item) (map[int64]int64, error) {
	if len(items) == 0 {
		return nil, failure.Domain(failure.CodeInvalidRequest, "no items")
	}
	out := make(map[int64]int64, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, failure.Domainf(failure.CodeInvalidRequest, "invalid quantity %d for product %d", item.Quantity, item.ProductVariantID)
		}
		out[item.ProductVariantID] += item.Quantity
	}
	return out, nil
}

// sortedIDs fixes the lock order of product rows across transactions.
func sortedIDs(m map[int64]int64) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}
