package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists orders and disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, amount_sats, payment_method, invoice_id, payment_url, lightning_invoice,
	invoice_expires_at, description, delivery_address, recipient_name, recipient_phone,
	customer_email, rider_name, rider_phone, rider_whatsapp, driver_id, buyer_id, seller_id,
	status, release_tx_id, refund_tx_id, created_at, updated_at, paid_at, picked_up_at,
	in_transit_at, delivered_at, completed_at, cancelled_at, refunded_at, disputed_at`

const disputeColumns = `id, order_id, issue_type, description, evidence, status, resolution,
	resolution_notes, tx_id, created_at, resolved_at`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)`,
		o.ID, o.AmountSats, string(o.PaymentMethod), nullString(o.InvoiceID),
		nullString(o.PaymentURL), nullString(o.LightningInvoice), nullTime(o.InvoiceExpiresAt),
		o.Description, o.DeliveryAddress, o.RecipientName, o.RecipientPhone,
		nullString(o.CustomerEmail), nullString(o.RiderName), nullString(o.RiderPhone),
		nullString(o.RiderWhatsapp), nullString(o.DriverID), o.BuyerID, nullString(o.SellerID),
		string(o.Status), nullString(o.ReleaseTxID), nullString(o.RefundTxID),
		o.CreatedAt, o.UpdatedAt, nullTime(o.PaidAt), nullTime(o.PickedUpAt),
		nullTime(o.InTransitAt), nullTime(o.DeliveredAt), nullTime(o.CompletedAt),
		nullTime(o.CancelledAt), nullTime(o.RefundedAt), nullTime(o.DisputedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) GetByInvoice(ctx context.Context, invoiceID string) (*Order, error) {
	if invoiceID == "" {
		return nil, ErrOrderNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE invoice_id = $1`, invoiceID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	return updateOrder(ctx, p.db, o)
}

func updateOrder(ctx context.Context, db execer, o *Order) error {
	result, err := db.ExecContext(ctx, `
		UPDATE orders SET
			rider_name = $1, rider_phone = $2, rider_whatsapp = $3, driver_id = $4,
			seller_id = $5, status = $6, release_tx_id = $7, refund_tx_id = $8,
			updated_at = $9, paid_at = $10, picked_up_at = $11, in_transit_at = $12,
			delivered_at = $13, completed_at = $14, cancelled_at = $15, refunded_at = $16,
			disputed_at = $17
		WHERE id = $18`,
		nullString(o.RiderName), nullString(o.RiderPhone), nullString(o.RiderWhatsapp),
		nullString(o.DriverID), nullString(o.SellerID), string(o.Status),
		nullString(o.ReleaseTxID), nullString(o.RefundTxID), o.UpdatedAt,
		nullTime(o.PaidAt), nullTime(o.PickedUpAt), nullTime(o.InTransitAt),
		nullTime(o.DeliveredAt), nullTime(o.CompletedAt), nullTime(o.CancelledAt),
		nullTime(o.RefundedAt), nullTime(o.DisputedAt), o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// Delete removes the order; the dispute goes with it via ON DELETE CASCADE.
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*Order, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if filter.UserID != "" {
		n := arg(filter.UserID)
		conds = append(conds, "(buyer_id = "+n+" OR seller_id = "+n+" OR driver_id = "+n+")")
	}
	if filter.After != nil {
		conds = append(conds, "(created_at, id) < ("+arg(filter.After.CreatedAt)+", "+arg(filter.After.ID)+")")
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (p *PostgresStore) OpenDispute(ctx context.Context, o *Order, d *Dispute) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateOrder(ctx, tx, o); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.OrderID, d.IssueType, d.Description, pq.Array(d.Evidence), string(d.Status),
		nullString(string(d.Resolution)), nullString(d.ResolutionNotes), nullString(d.TxID),
		d.CreatedAt, nullTime(d.ResolvedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDisputeExists
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ResolveDispute(ctx context.Context, o *Order, d *Dispute) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := updateOrder(ctx, tx, o); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolution = $2, resolution_notes = $3, tx_id = $4, resolved_at = $5
		WHERE id = $6`,
		string(d.Status), nullString(string(d.Resolution)), nullString(d.ResolutionNotes),
		nullString(d.TxID), nullTime(d.ResolvedAt), d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return tx.Commit()
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetDisputeByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE order_id = $1`, orderID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, status DisputeStatus, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context) (*StoreStats, error) {
	active := make([]string, len(activeDeliveryStatuses))
	for i, s := range activeDeliveryStatuses {
		active[i] = string(s)
	}
	st := &StoreStats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = ANY($1)),
			COUNT(*) FILTER (WHERE status = $2),
			COALESCE(SUM(amount_sats) FILTER (WHERE status = $2), 0)
		FROM orders`, pq.Array(active), string(StatusCompleted),
	).Scan(&st.TotalOrders, &st.ActiveDeliveries, &st.CompletedOrders, &st.CompletedSats)
	if err != nil {
		return nil, err
	}
	err = p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM disputes WHERE status = $1`, string(DisputeUnderReview),
	).Scan(&st.OpenDisputes)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*Order, error) {
	o := &Order{}
	var (
		method, status                                  string
		invoiceID, paymentURL, lnInvoice, email         sql.NullString
		riderName, riderPhone, riderWhatsapp, driverID  sql.NullString
		sellerID, releaseTx, refundTx                   sql.NullString
		expiresAt, paidAt, pickedUpAt, inTransitAt      sql.NullTime
		deliveredAt, completedAt, cancelledAt, refundAt sql.NullTime
		disputedAt                                      sql.NullTime
	)
	err := sc.Scan(
		&o.ID, &o.AmountSats, &method, &invoiceID, &paymentURL, &lnInvoice,
		&expiresAt, &o.Description, &o.DeliveryAddress, &o.RecipientName, &o.RecipientPhone,
		&email, &riderName, &riderPhone, &riderWhatsapp, &driverID, &o.BuyerID, &sellerID,
		&status, &releaseTx, &refundTx, &o.CreatedAt, &o.UpdatedAt, &paidAt, &pickedUpAt,
		&inTransitAt, &deliveredAt, &completedAt, &cancelledAt, &refundAt, &disputedAt,
	)
	if err != nil {
		return nil, err
	}
	o.PaymentMethod = PaymentMethod(method)
	o.Status = Status(status)
	o.InvoiceID = invoiceID.String
	o.PaymentURL = paymentURL.String
	o.LightningInvoice = lnInvoice.String
	o.CustomerEmail = email.String
	o.RiderName = riderName.String
	o.RiderPhone = riderPhone.String
	o.RiderWhatsapp = riderWhatsapp.String
	o.DriverID = driverID.String
	o.SellerID = sellerID.String
	o.ReleaseTxID = releaseTx.String
	o.RefundTxID = refundTx.String
	o.InvoiceExpiresAt = timePtr(expiresAt)
	o.PaidAt = timePtr(paidAt)
	o.PickedUpAt = timePtr(pickedUpAt)
	o.InTransitAt = timePtr(inTransitAt)
	o.DeliveredAt = timePtr(deliveredAt)
	o.CompletedAt = timePtr(completedAt)
	o.CancelledAt = timePtr(cancelledAt)
	o.RefundedAt = timePtr(refundAt)
	o.DisputedAt = timePtr(disputedAt)
	return o, nil
}

func scanDispute(sc scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status                  string
		resolution, notes, txID sql.NullString
		resolvedAt              sql.NullTime
		evidence                pq.StringArray
	)
	err := sc.Scan(&d.ID, &d.OrderID, &d.IssueType, &d.Description, &evidence, &status,
		&resolution, &notes, &txID, &d.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	d.Evidence = []string(evidence)
	d.Status = DisputeStatus(status)
	d.Resolution = Resolution(resolution.String)
	d.ResolutionNotes = notes.String
	d.TxID = txID.String
	d.ResolvedAt = timePtr(resolvedAt)
	return d, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
