package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/advert-service/internal/audit"
	"github.com/baechuer/advert-service/internal/contracts/event"
	"github.com/baechuer/advert-service/internal/domain"
	appCtx "github.com/baechuer/advert-service/internal/pkg/context"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgForeignKeyViolation = "23503"

type Repository struct {
	pool  *pgxpool.Pool
	audit *audit.Logger
}

func New(pool *pgxpool.Pool, auditLog *audit.Logger) *Repository {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Repository{pool: pool, audit: auditLog}
}

// dbtx is satisfied by both the pool and a pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// storeErr wraps driver faults as domain.ErrStorageUnavailable. Context errors
// and domain errors pass through.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var nf *domain.NotFoundError
	var ic *domain.InsufficientCreditError
	if errors.As(err, &nf) || errors.As(err, &ic) || errors.Is(err, domain.ErrInvalidObservation) {
		return err
	}
	return domain.Unavailable(op, err)
}

func enqueue[T any](ctx context.Context, q dbtx, routingKey string, payload T) error {
	id := uuid.New()
	traceID := appCtx.GetRequestID(ctx)
	body, err := event.Marshal(id.String(), traceID, time.Now(), payload)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO outbox (message_id, trace_id, routing_key, payload, occurred_at, status)
		 VALUES ($1, $2, $3, $4, NOW(), 'pending')`,
		id, traceID, routingKey, body,
	)
	return err
}

// -------------------------
// Devices
// -------------------------

func (r *Repository) GetTracker(ctx context.Context, trackerID string) (domain.Tracker, error) {
	var t domain.Tracker
	err := r.pool.QueryRow(ctx, `
		SELECT t.id, t.receiver_id, r.location_id
		FROM trackers t
		LEFT JOIN receivers r ON r.id = t.receiver_id
		WHERE t.id = $1
	`, trackerID).Scan(&t.ID, &t.ReceiverID, &t.LocationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tracker{}, domain.NotFound(domain.EntityTracker, trackerID)
	}
	if err != nil {
		return domain.Tracker{}, storeErr("get tracker", err)
	}
	return t, nil
}

func (r *Repository) GetReceiver(ctx context.Context, receiverID string) (domain.Receiver, error) {
	var rc domain.Receiver
	err := r.pool.QueryRow(ctx, `SELECT id, location_id FROM receivers WHERE id = $1`, receiverID).
		Scan(&rc.ID, &rc.LocationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Receiver{}, domain.NotFound(domain.EntityReceiver, receiverID)
	}
	if err != nil {
		return domain.Receiver{}, storeErr("get receiver", err)
	}
	return rc, nil
}

func (r *Repository) GetDisplay(ctx context.Context, displayID int64) (domain.Display, error) {
	var d domain.Display
	err := r.pool.QueryRow(ctx, `SELECT id, location_id, width, height FROM displays WHERE id = $1`, displayID).
		Scan(&d.ID, &d.LocationID, &d.Width, &d.Height)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Display{}, domain.NotFound(domain.EntityDisplay, displayID)
	}
	if err != nil {
		return domain.Display{}, storeErr("get display", err)
	}
	return d, nil
}

// lockTracker takes the tracker row lock and returns its current pairing.
func lockTracker(ctx context.Context, tx pgx.Tx, trackerID string) (receiverID *string, locationID *int64, err error) {
	err = tx.QueryRow(ctx, `
		SELECT t.receiver_id, r.location_id
		FROM trackers t
		LEFT JOIN receivers r ON r.id = t.receiver_id
		WHERE t.id = $1
		FOR UPDATE OF t
	`, trackerID).Scan(&receiverID, &locationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, domain.NotFound(domain.EntityTracker, trackerID)
	}
	return receiverID, locationID, err
}

// -------------------------
// Lock order: receivers row (share) before trackers row (update).
// -------------------------

func (r *Repository) AssignTracker(ctx context.Context, trackerID, receiverID string) (domain.Tracker, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Tracker{}, storeErr("assign tracker", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locationID int64
	err = tx.QueryRow(ctx, `SELECT location_id FROM receivers WHERE id = $1 FOR SHARE`, receiverID).Scan(&locationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tracker{}, domain.NotFound(domain.EntityReceiver, receiverID)
	}
	if err != nil {
		return domain.Tracker{}, storeErr("assign tracker", err)
	}

	prev, prevLoc, err := lockTracker(ctx, tx, trackerID)
	if err != nil {
		return domain.Tracker{}, storeErr("assign tracker", err)
	}

	rid := receiverID
	out := domain.Tracker{ID: trackerID, ReceiverID: &rid, LocationID: &locationID}
	if prev != nil && *prev == receiverID {
		return out, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE trackers SET receiver_id = $2, updated_at = NOW() WHERE id = $1`,
		trackerID, receiverID,
	); err != nil {
		return domain.Tracker{}, storeErr("assign tracker", err)
	}

	if prev != nil {
		p := event.TrackerPairingPayload{TrackerID: trackerID, ReceiverID: *prev}
		if prevLoc != nil {
			p.LocationID = *prevLoc
		}
		if err := enqueue(ctx, tx, event.RKTrackerUnregistered, p); err != nil {
			return domain.Tracker{}, storeErr("assign tracker outbox", err)
		}
	}
	if err := enqueue(ctx, tx, event.RKTrackerRegistered, event.TrackerPairingPayload{
		TrackerID: trackerID, ReceiverID: receiverID, LocationID: locationID,
	}); err != nil {
		return domain.Tracker{}, storeErr("assign tracker outbox", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Tracker{}, storeErr("assign tracker commit", err)
	}
	return out, nil
}

func (r *Repository) ReleaseTracker(ctx context.Context, trackerID, receiverID string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, storeErr("release tracker", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, prevLoc, err := lockTracker(ctx, tx, trackerID)
	if err != nil {
		return false, storeErr("release tracker", err)
	}
	if prev == nil || *prev != receiverID {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`UPDATE trackers SET receiver_id = NULL, updated_at = NOW() WHERE id = $1`, trackerID,
	); err != nil {
		return false, storeErr("release tracker", err)
	}

	p := event.TrackerPairingPayload{TrackerID: trackerID, ReceiverID: receiverID}
	if prevLoc != nil {
		p.LocationID = *prevLoc
	}
	if err := enqueue(ctx, tx, event.RKTrackerUnregistered, p); err != nil {
		return false, storeErr("release tracker outbox", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, storeErr("release tracker commit", err)
	}
	return true, nil
}

func (r *Repository) ListTrackersByReceiver(ctx context.Context, receiverID string) ([]domain.Tracker, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.id, t.receiver_id, r.location_id
		FROM trackers t
		JOIN receivers r ON r.id = t.receiver_id
		WHERE t.receiver_id = $1
		ORDER BY t.id
	`, receiverID)
	if err != nil {
		return nil, storeErr("list trackers", err)
	}
	defer rows.Close()

	out := []domain.Tracker{}
	for rows.Next() {
		var t domain.Tracker
		if err := rows.Scan(&t.ID, &t.ReceiverID, &t.LocationID); err != nil {
			return nil, storeErr("list trackers", err)
		}
		out = append(out, t)
	}
	return out, storeErr("list trackers", rows.Err())
}

// -------------------------
// Interests
// -------------------------

func (r *Repository) InterestWeightsAtLocation(ctx context.Context, locationID int64) ([]domain.InterestWeight, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ti.interest_id, SUM(ti.weight)
		FROM tracker_interest ti
		JOIN trackers t ON t.id = ti.tracker_id
		JOIN receivers r ON r.id = t.receiver_id
		WHERE r.location_id = $1
		GROUP BY ti.interest_id
	`, locationID)
	if err != nil {
		return nil, storeErr("interests at location", err)
	}
	defer rows.Close()

	var out []domain.InterestWeight
	for rows.Next() {
		var iw domain.InterestWeight
		if err := rows.Scan(&iw.InterestID, &iw.Weight); err != nil {
			return nil, storeErr("interests at location", err)
		}
		out = append(out, iw)
	}
	return out, storeErr("interests at location", rows.Err())
}

func (r *Repository) ReplaceTrackerInterests(ctx context.Context, trackerID string, obs []domain.InterestObservation) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storeErr("replace interests", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := r.ReplaceTrackerInterestsTx(ctx, tx, trackerID, obs); err != nil {
		return err
	}
	return storeErr("replace interests commit", tx.Commit(ctx))
}

// ReplaceTrackerInterestsTx is used by the consumer inside ProcessOnce.
func (r *Repository) ReplaceTrackerInterestsTx(ctx context.Context, tx pgx.Tx, trackerID string, obs []domain.InterestObservation) error {
	if _, _, err := lockTracker(ctx, tx, trackerID); err != nil {
		return storeErr("replace interests", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tracker_interest WHERE tracker_id = $1`, trackerID); err != nil {
		return storeErr("replace interests", err)
	}
	for _, o := range obs {
		_, err := tx.Exec(ctx,
			`INSERT INTO tracker_interest (tracker_id, interest_id, weight) VALUES ($1, $2, $3)`,
			trackerID, o.InterestID, o.Weight,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return errors.Join(domain.ErrInvalidObservation, domain.NotFound("interest", o.InterestID))
		}
		if err != nil {
			return storeErr("replace interests", err)
		}
	}
	return nil
}

// -------------------------
// Catalog
// -------------------------

func (r *Repository) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	var o domain.Order
	err := r.pool.QueryRow(ctx, `
		SELECT o.id, o.agency_org_nr, o.credits,
		       COALESCE(array_agg(oi.interest_id ORDER BY oi.interest_id) FILTER (WHERE oi.interest_id IS NOT NULL), '{}')
		FROM orders o
		LEFT JOIN order_interest oi ON oi.order_id = o.id
		WHERE o.id = $1
		GROUP BY o.id
	`, orderID).Scan(&o.ID, &o.AgencyOrgNr, &o.Credits, &o.Interests)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.NotFound(domain.EntityOrder, orderID)
	}
	if err != nil {
		return domain.Order{}, storeErr("get order", err)
	}
	return o, nil
}

func (r *Repository) GetAdvertVideo(ctx context.Context, videoID int64) (domain.AdvertVideo, error) {
	var v domain.AdvertVideo
	err := r.pool.QueryRow(ctx, `
		SELECT v.id, v.url, v.length_sec, v.width, v.height,
		       COALESCE(array_agg(vi.interest_id ORDER BY vi.interest_id) FILTER (WHERE vi.interest_id IS NOT NULL), '{}')
		FROM advert_video v
		LEFT JOIN advert_video_interest vi ON vi.video_id = v.id
		WHERE v.id = $1
		GROUP BY v.id
	`, videoID).Scan(&v.ID, &v.URL, &v.LengthSec, &v.Width, &v.Height, &v.Interests)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AdvertVideo{}, domain.NotFound(domain.EntityVideo, videoID)
	}
	if err != nil {
		return domain.AdvertVideo{}, storeErr("get video", err)
	}
	return v, nil
}

func (r *Repository) GetAgency(ctx context.Context, orgNr string) (domain.Agency, error) {
	var a domain.Agency
	err := r.pool.QueryRow(ctx, `SELECT org_nr, name FROM agencies WHERE org_nr = $1`, orgNr).Scan(&a.OrgNr, &a.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Agency{}, domain.NotFound(domain.EntityAgency, orgNr)
	}
	if err != nil {
		return domain.Agency{}, storeErr("get agency", err)
	}
	return a, nil
}

// FundedVideos returns one row per (video, order) funding pair. A nil interests
// slice is sent as NULL and disables the interest filter.
func (r *Repository) FundedVideos(ctx context.Context, interests []int64, at time.Time) ([]domain.FundedVideo, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT v.id, v.url, v.length_sec, v.width, v.height,
		       COALESCE(array_agg(vi.interest_id ORDER BY vi.interest_id) FILTER (WHERE vi.interest_id IS NOT NULL), '{}'),
		       avo.order_id, COALESCE(avo.cost_per_play, 0), o.credits
		FROM advert_video_order avo
		JOIN advert_video v ON v.id = avo.video_id
		JOIN orders o ON o.id = avo.order_id
		LEFT JOIN advert_video_interest vi ON vi.video_id = v.id
		WHERE o.credits > 0
		  AND (avo.starts_at IS NULL OR avo.starts_at <= $1)
		  AND (avo.ends_at IS NULL OR avo.ends_at > $1)
		  AND ($2::bigint[] IS NULL OR EXISTS (
		        SELECT 1 FROM advert_video_interest m
		        WHERE m.video_id = v.id AND m.interest_id = ANY($2::bigint[])))
		GROUP BY v.id, avo.order_id, avo.cost_per_play, o.credits
		ORDER BY v.id, avo.order_id
	`, at, interests)
	if err != nil {
		return nil, storeErr("funded videos", err)
	}
	defer rows.Close()

	var out []domain.FundedVideo
	for rows.Next() {
		var fv domain.FundedVideo
		if err := rows.Scan(
			&fv.Video.ID, &fv.Video.URL, &fv.Video.LengthSec, &fv.Video.Width, &fv.Video.Height,
			&fv.Video.Interests, &fv.OrderID, &fv.CostPerPlay, &fv.Credits,
		); err != nil {
			return nil, storeErr("funded videos", err)
		}
		out = append(out, fv)
	}
	return out, storeErr("funded videos", rows.Err())
}

// -------------------------
// Ledger
// -------------------------

// drawCredits is a conditional decrement. The row lock it takes is held until
// the surrounding transaction ends.
func drawCredits(ctx context.Context, q dbtx, orderID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	var balance int64
	err := q.QueryRow(ctx, `
		UPDATE orders
		SET credits = credits - $2, updated_at = NOW()
		WHERE id = $1 AND credits >= $2
		RETURNING credits
	`, orderID, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, storeErr("draw credits", err)
	}

	err = q.QueryRow(ctx, `SELECT credits FROM orders WHERE id = $1`, orderID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.NotFound(domain.EntityOrder, orderID)
	}
	if err != nil {
		return 0, storeErr("draw credits", err)
	}
	return balance, &domain.InsufficientCreditError{OrderID: orderID, Balance: balance, Requested: amount}
}

func (r *Repository) DrawCredits(ctx context.Context, orderID string, amount int64) (int64, error) {
	return drawCredits(ctx, r.pool, orderID, amount)
}

func (r *Repository) RefundCredits(ctx context.Context, orderID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	var balance int64
	err := r.pool.QueryRow(ctx, `
		UPDATE orders SET credits = credits + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING credits
	`, orderID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.NotFound(domain.EntityOrder, orderID)
	}
	if err != nil {
		return 0, storeErr("refund credits", err)
	}
	return balance, nil
}

// -------------------------
// Playback
// -------------------------

func insertPlayedVideo(ctx context.Context, q dbtx, pv domain.PlayedVideo) error {
	_, err := q.Exec(ctx, `
		INSERT INTO played_video (id, video_id, display_id, order_id, credits, played_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, pv.ID, pv.VideoID, pv.DisplayID, pv.OrderID, pv.Credits, pv.PlayedAt)
	return storeErr("insert played_video", err)
}

func (r *Repository) InsertPlayedVideo(ctx context.Context, pv domain.PlayedVideo) error {
	return insertPlayedVideo(ctx, r.pool, pv)
}

// ListPlayedVideos returns newest first. displayID 0 lists every display, limit 0 is unbounded.
func (r *Repository) ListPlayedVideos(ctx context.Context, displayID int64, limit int) ([]domain.PlayedVideo, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, video_id, display_id, order_id, credits, played_at
		FROM played_video
		WHERE ($1::bigint = 0 OR display_id = $1)
		ORDER BY played_at DESC, id
		LIMIT NULLIF($2::int, 0)
	`, displayID, limit)
	if err != nil {
		return nil, storeErr("list plays", err)
	}
	defer rows.Close()

	var out []domain.PlayedVideo
	for rows.Next() {
		var pv domain.PlayedVideo
		if err := rows.Scan(&pv.ID, &pv.VideoID, &pv.DisplayID, &pv.OrderID, &pv.Credits, &pv.PlayedAt); err != nil {
			return nil, storeErr("list plays", err)
		}
		out = append(out, pv)
	}
	return out, storeErr("list plays", rows.Err())
}

// DrawAndRecord draws amount from pv.OrderID, appends pv and queues the playback
// events in one transaction. Either all of it commits or none of it does.
func (r *Repository) DrawAndRecord(ctx context.Context, amount int64, pv domain.PlayedVideo) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, storeErr("draw and record", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	balance, err := drawCredits(ctx, tx, pv.OrderID, amount)
	if err != nil {
		return balance, err
	}
	pv.Credits = amount
	if err := insertPlayedVideo(ctx, tx, pv); err != nil {
		return 0, err
	}

	if err := enqueue(ctx, tx, event.RKPlaybackRecorded, event.PlaybackRecordedPayload{
		PlayID:    pv.ID.String(),
		VideoID:   pv.VideoID,
		DisplayID: pv.DisplayID,
		OrderID:   pv.OrderID,
		Credits:   amount,
		Balance:   balance,
		PlayedAt:  pv.PlayedAt,
	}); err != nil {
		return 0, storeErr("draw and record outbox", err)
	}
	if balance == 0 {
		if err := enqueue(ctx, tx, event.RKOrderExhausted, event.OrderExhaustedPayload{OrderID: pv.OrderID}); err != nil {
			return 0, storeErr("draw and record outbox", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storeErr("draw and record commit", err)
	}
	return balance, nil
}
