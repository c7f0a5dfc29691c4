package projection

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ThreeDotsLabs/ordermill/cqrs"
)

// GetOrderView asks for one order's read model.
type GetOrderView struct {
	OrderID string
}

// NewGetOrderViewHandler resolves GetOrderView from the view store.
// A missing view surfaces as cqrs.ErrNotFound.
func NewGetOrderViewHandler(views ViewStore) cqrs.QueryHandler {
	return cqrs.NewQueryHandler("GetOrderView", func(ctx context.Context, query GetOrderView) (interface{}, error) {
		view, err := views.Get(ctx, query.OrderID)
		if errors.Cause(err) == ErrNotFound {
			return nil, cqrs.ErrNotFound
		}
		if err != nil {
			return nil, errors.Wrapf(err, "cannot load view of order %s", query.OrderID)
		}

		return view, nil
	})
}
