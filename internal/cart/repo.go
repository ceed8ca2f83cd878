package cart

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ariefcatur/unitrade-orders/internal/postgres"
)

type Repo struct{ DB postgres.DBTX }

// RemoveItems deletes the given items from a buyer's cart and reports how
// many rows went away.
func (r *Repo) RemoveItems(ctx context.Context, userID int64, itemIDs []int64) (int64, error) {
	ct, err := r.DB.Exec(ctx, `DELETE FROM cart WHERE user_id = $1 AND item_id = ANY($2)`, userID, itemIDs)
	if err != nil {
		return 0, errors.Wrapf(err, "clear cart of user %d", userID)
	}
	return ct.RowsAffected(), nil
}
