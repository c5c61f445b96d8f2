package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/GriffinCanCode/apmtrace/internal/tracing"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/ext"
)

const inventoryComponent = "inventory"

var inventoryOperations = []tracing.Operation{
	{Name: "lookup", SpanType: ext.SpanTypeCache},
	{Name: "reserve", SpanType: ext.SpanTypeCustom},
}

var (
	errUnknownSKU = errors.New("unknown sku")
	errOutOfStock = errors.New("out of stock")
)

// inventory is the in-memory stock behind the sample routes
type inventory struct {
	mu    sync.Mutex
	stock map[string]int
}

func defaultStock() map[string]int {
	return map[string]int{
		"widget": 10,
		"gadget": 3,
		"gizmo":  0,
	}
}

func newInventory(stock map[string]int) *inventory {
	return &inventory{stock: stock}
}

func (i *inventory) lookup(sku string) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	n, ok := i.stock[sku]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errUnknownSKU, sku)
	}
	return n, nil
}

func (i *inventory) reserve(sku string, qty int) (int, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	n, ok := i.stock[sku]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errUnknownSKU, sku)
	}
	if n < qty {
		return n, fmt.Errorf("%w: %s has %d, want %d", errOutOfStock, sku, n, qty)
	}
	i.stock[sku] = n - qty
	return n - qty, nil
}
