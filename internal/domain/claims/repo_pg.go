package claims

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/claims/ingest/internal/platform/claimxml"
	"github.com/claims/ingest/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *repoPG) UpsertIngestionFile(ctx context.Context, f *IngestionFile) (int64, error) {
	var recordCount *int
	if f.Header.RecordCount > 0 {
		recordCount = &f.Header.RecordCount
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO ingestion_file (file_id, file_name, root_type, sender_id, receiver_id, transaction_date, record_count, disposition_flag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (file_id) DO UPDATE SET
			file_name = EXCLUDED.file_name, sender_id = EXCLUDED.sender_id, receiver_id = EXCLUDED.receiver_id,
			transaction_date = EXCLUDED.transaction_date, record_count = EXCLUDED.record_count,
			disposition_flag = EXCLUDED.disposition_flag, updated_at = NOW()
		RETURNING id`,
		f.FileID, f.FileName, int16(f.Root), f.Header.SenderID, f.Header.ReceiverID,
		f.Header.TransactionDate, recordCount, nullIfEmpty(f.Header.DispositionFlag),
	).Scan(&f.ID)
	return f.ID, err
}

func (r *repoPG) InsertSubmission(ctx context.Context, ingestionFileID int64) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO submission (ingestion_file_id) VALUES ($1)
		ON CONFLICT (ingestion_file_id) DO UPDATE SET ingestion_file_id = EXCLUDED.ingestion_file_id
		RETURNING id`, ingestionFileID).Scan(&id)
	return id, err
}

func (r *repoPG) InsertRemittance(ctx context.Context, ingestionFileID int64) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO remittance (ingestion_file_id) VALUES ($1)
		ON CONFLICT (ingestion_file_id) DO UPDATE SET ingestion_file_id = EXCLUDED.ingestion_file_id
		RETURNING id`, ingestionFileID).Scan(&id)
	return id, err
}

func (r *repoPG) UpsertClaimKey(ctx context.Context, claimID string) (int64, error) {
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO claim_key (claim_id) VALUES ($1)
			ON CONFLICT (claim_id) DO NOTHING
			RETURNING id
		)
		SELECT id FROM ins
		UNION ALL
		SELECT id FROM claim_key WHERE claim_id = $1
		LIMIT 1`, claimID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent insert committed after this statement's snapshot.
		err = r.conn(ctx).QueryRow(ctx, `SELECT id FROM claim_key WHERE claim_id = $1`, claimID).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("upsert claim key %q: %w", claimID, err)
	}
	return id, nil
}

func (r *repoPG) SubmissionEventTime(ctx context.Context, claimKeyID int64) (time.Time, bool, error) {
	var t time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT event_time FROM claim_event WHERE claim_key_id = $1 AND type = $2`,
		claimKeyID, int16(EventSubmission)).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (r *repoPG) InsertClaim(ctx context.Context, row *ClaimRow) (int64, bool, error) {
	c := row.Claim
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim (claim_key_id, submission_id, id_payer, member_id, payer_id, payer_ref_id,
			provider_id, provider_ref_id, emirates_id_number, gross, patient_share, net, comments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (claim_key_id) DO NOTHING
		RETURNING id`,
		row.ClaimKeyID, row.SubmissionID, nullIfEmpty(c.IDPayer), nullIfEmpty(c.MemberID), c.PayerID, row.PayerRefID,
		c.ProviderID, row.ProviderRefID, c.EmiratesIDNumber, c.Gross, c.PatientShare, c.Net, nullIfEmpty(c.Comments),
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	err = r.conn(ctx).QueryRow(ctx, `SELECT id FROM claim WHERE claim_key_id = $1`, row.ClaimKeyID).Scan(&id)
	return id, false, err
}

func (r *repoPG) InsertEncounter(ctx context.Context, row *EncounterRow) (bool, error) {
	e := row.Encounter
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO encounter (claim_id, facility_id, facility_ref_id, type, patient_id, start_at, end_at,
			start_type, end_type, transfer_source, transfer_destination)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (claim_id) DO NOTHING`,
		row.ClaimID, e.FacilityID, row.FacilityRefID, nullIfEmpty(e.Type), nullIfEmpty(e.PatientID), e.Start, e.End,
		nullIfEmpty(e.StartType), nullIfEmpty(e.EndType), nullIfEmpty(e.TransferSource), nullIfEmpty(e.TransferDestination),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) InsertDiagnosis(ctx context.Context, row *DiagnosisRow) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO diagnosis (claim_id, diag_type, code, diagnosis_code_ref_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (claim_id, diag_type, code) DO NOTHING`,
		row.ClaimID, row.Diagnosis.Type, row.Diagnosis.Code, row.CodeRefID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) InsertActivity(ctx context.Context, row *ActivityRow) (int64, bool, error) {
	a := row.Activity
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO activity (claim_id, activity_id, start_at, type, code, activity_code_ref_id,
			quantity, net, clinician, clinician_ref_id, prior_authorization_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (claim_id, activity_id) DO NOTHING
		RETURNING id`,
		row.ClaimID, a.ID, a.Start, nullIfEmpty(a.Type), a.Code, row.CodeRefID,
		a.Quantity, a.Net, nullIfEmpty(a.Clinician), row.ClinicianRefID, nullIfEmpty(a.PriorAuthorizationID),
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		SELECT id FROM activity WHERE claim_id = $1 AND activity_id = $2`, row.ClaimID, a.ID).Scan(&id)
	return id, false, err
}

func (r *repoPG) InsertRemittanceClaim(ctx context.Context, row *RemittanceClaimRow) (int64, bool, error) {
	c := row.Claim
	var facilityID string
	if c.Encounter != nil {
		facilityID = c.Encounter.FacilityID
	}
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO remittance_claim (remittance_id, claim_key_id, id_payer, provider_id, provider_ref_id,
			denial_code, denial_code_ref_id, payment_reference, date_settlement, facility_id, facility_ref_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (remittance_id, claim_key_id) DO NOTHING
		RETURNING id`,
		row.RemittanceID, row.ClaimKeyID, c.IDPayer, nullIfEmpty(c.ProviderID), row.ProviderRefID,
		nullIfEmpty(c.DenialCode), row.DenialRefID, c.PaymentReference, c.DateSettlement,
		nullIfEmpty(facilityID), row.FacilityRefID,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		SELECT id FROM remittance_claim WHERE remittance_id = $1 AND claim_key_id = $2`,
		row.RemittanceID, row.ClaimKeyID).Scan(&id)
	return id, false, err
}

func (r *repoPG) InsertRemittanceActivity(ctx context.Context, row *RemittanceActivityRow) (int64, bool, error) {
	a := row.Activity
	var id int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO remittance_activity (remittance_claim_id, activity_id, start_at, type, code, activity_code_ref_id,
			quantity, net, list_price, gross, patient_share, payment_amount, denial_code, denial_code_ref_id,
			clinician, clinician_ref_id, prior_authorization_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (remittance_claim_id, activity_id) DO NOTHING
		RETURNING id`,
		row.RemittanceClaimID, a.ID, a.Start, nullIfEmpty(a.Type), a.Code, row.CodeRefID,
		a.Quantity, a.Net, a.List, a.Gross, a.PatientShare, a.PaymentAmount,
		nullIfEmpty(a.DenialCode), row.DenialRefID,
		nullIfEmpty(a.Clinician), row.ClinicianRefID, nullIfEmpty(a.PriorAuthorizationID),
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		SELECT id FROM remittance_activity WHERE remittance_claim_id = $1 AND activity_id = $2`,
		row.RemittanceClaimID, a.ID).Scan(&id)
	return id, false, err
}

// InsertEventActivity snapshots an activity onto an event. Remittance
// amounts are only stored for remittance-side snapshots.
func (r *repoPG) InsertEventActivity(ctx context.Context, row *EventActivityRow) (bool, error) {
	a := row.Activity
	var list, gross, share, payment *float64
	var denial *string
	if row.RemittanceActivityRefID != nil {
		list, gross, share, payment = a.List, a.Gross, a.PatientShare, &a.PaymentAmount
		denial = nullIfEmpty(a.DenialCode)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim_event_activity (claim_event_id, activity_ref_id, remittance_activity_ref_id,
			activity_id_at_event, start_at_event, type_at_event, code_at_event, quantity_at_event, net_at_event,
			clinician_at_event, prior_authorization_id_at_event, list_price_at_event, gross_at_event,
			patient_share_at_event, payment_amount_at_event, denial_code_at_event)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (claim_event_id, activity_id_at_event) DO NOTHING`,
		row.EventID, row.ActivityRefID, row.RemittanceActivityRefID,
		a.ID, a.Start, nullIfEmpty(a.Type), a.Code, a.Quantity, a.Net,
		nullIfEmpty(a.Clinician), nullIfEmpty(a.PriorAuthorizationID), list, gross,
		share, payment, denial,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendEvent relies on xmax = 0 being true only for a freshly inserted
// row; an ON CONFLICT update leaves the locking transaction's id in xmax.
func (r *repoPG) AppendEvent(ctx context.Context, ev *Event) (int64, bool, error) {
	if !ev.Type.Valid() {
		return 0, false, fmt.Errorf("append event: unknown event type %d", int16(ev.Type))
	}
	var inserted bool
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO claim_event (claim_key_id, type, event_time, ingestion_file_id, submission_id, remittance_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (claim_key_id, type, event_time) DO UPDATE SET ingestion_file_id = EXCLUDED.ingestion_file_id
		RETURNING id, (xmax = 0)`,
		ev.ClaimKeyID, int16(ev.Type), ev.Time, ev.IngestionFileID, ev.SubmissionID, ev.RemittanceID,
	).Scan(&ev.ID, &inserted)
	if err != nil {
		return 0, false, err
	}
	return ev.ID, inserted, nil
}

func (r *repoPG) UpdateLastEvent(ctx context.Context, ev *Event) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE claim_key
		SET last_event_id = $2, last_event_type = $3, last_event_time = $4, updated_at = NOW()
		WHERE id = $1 AND (last_event_time IS NULL OR last_event_time <= $4)`,
		ev.ClaimKeyID, ev.ID, int16(ev.Type), ev.Time)
	return err
}

func (r *repoPG) InsertResubmission(ctx context.Context, eventID int64, rs *claimxml.Resubmission) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim_resubmission (claim_event_id, resubmission_type, comment)
		VALUES ($1, $2, $3)
		ON CONFLICT (claim_event_id) DO NOTHING`,
		eventID, rs.Type, nullIfEmpty(rs.Comment))
	return err
}

func (r *repoPG) InsertStatus(ctx context.Context, claimKeyID int64, status Status, at time.Time, eventID int64) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO claim_status_timeline (claim_key_id, status, status_time, claim_event_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (claim_key_id, status, status_time) DO NOTHING`,
		claimKeyID, string(status), at, eventID)
	return err
}

func (r *repoPG) SubmittedNet(ctx context.Context, claimKeyID int64) (float64, error) {
	var net float64
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(a.net), 0)::float8
		FROM claim c JOIN activity a ON a.claim_id = c.id
		WHERE c.claim_key_id = $1`, claimKeyID).Scan(&net)
	return net, err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
