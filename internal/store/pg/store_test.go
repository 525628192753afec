package pg

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"certledger.org/internal/approval"
	"certledger.org/internal/auth"
	"certledger.org/internal/certificate"
	"certledger.org/internal/ledger"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func verifyMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func sampleChain(t *testing.T) []ledger.Block {
	t.Helper()
	l := ledger.NewInMemory(ledger.WithClock(func() time.Time {
		return time.Date(2025, 5, 1, 12, 0, 0, 123456789, time.UTC)
	}))
	ctx := context.Background()
	if _, err := l.Genesis(ctx, ledger.DefaultGenesisData()); err != nil {
		t.Fatal(err)
	}
	_, err := l.Append(ctx, certificate.Payload{
		CertificateID: "CERT-1",
		EntityType:    certificate.EntityProduct,
		EntityID:      "p-1",
		EntityName:    "Acme Vitamin C",
		ContentHash:   strings.Repeat("ab", 32),
		IssuedAt:      time.Date(2025, 5, 1, 11, 0, 0, 0, time.UTC),
		Product:       &certificate.ProductDetails{LTONumber: "LTO-1", BrandName: "Acme"},
		Anchor:        &certificate.AnchorRef{TxID: "0xabc", BlockNumber: 7, BlockTimestamp: time.Date(2025, 5, 1, 11, 30, 0, 0, time.UTC)},
	})
	if err != nil {
		t.Fatal(err)
	}
	blocks := make([]ledger.Block, l.Len())
	for i := range blocks {
		if blocks[i], err = l.Block(i); err != nil {
			t.Fatal(err)
		}
	}
	return blocks
}

func TestLedgerReloadsFromStore(t *testing.T) {
	store, mock := newMock(t)
	blocks := sampleChain(t)

	for _, b := range blocks {
		mock.ExpectExec("insert into ledger_blocks").
			WithArgs(b.Index, sqlmock.AnyArg(), b.PrecedingHash, b.Hash, b.Data.CertificateID, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	for _, b := range blocks {
		if err := store.SaveBlock(context.Background(), b); err != nil {
			t.Fatalf("SaveBlock: %v", err)
		}
	}

	rows := sqlmock.NewRows([]string{"idx", "ts", "preceding_hash", "hash", "data"})
	for _, b := range blocks {
		raw, _ := json.Marshal(b.Data)
		// Postgres hands timestamps back in the session zone.
		rows.AddRow(b.Index, b.Timestamp.In(time.FixedZone("UTC+8", 8*3600)), b.PrecedingHash, b.Hash, raw)
	}
	mock.ExpectQuery("select idx, ts, preceding_hash, hash, data from ledger_blocks").WillReturnRows(rows)

	l := ledger.NewInMemory(ledger.WithStore(store))
	n, err := l.Load(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Load = %d, %v", n, err)
	}
	if !l.IsChainValid() {
		t.Fatalf("reloaded chain should validate: %+v", l.Verify())
	}
	got, _ := l.Block(1)
	if got.Data.Product == nil || got.Data.Product.LTONumber != "LTO-1" || got.Data.Anchor.TxID != "0xabc" {
		t.Fatalf("payload lost in round trip: %+v", got.Data)
	}
	verifyMock(t, mock)
}

func TestSaveBlockDuplicate(t *testing.T) {
	store, mock := newMock(t)
	b := sampleChain(t)[0]
	mock.ExpectExec("insert into ledger_blocks").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "ledger_blocks_pkey"})

	err := store.SaveBlock(context.Background(), b)
	if err == nil || !strings.Contains(err.Error(), "already stored") {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	verifyMock(t, mock)
}

var approvalCols = []string{
	"id", "sequence", "certificate_id", "entity_type", "entity_id", "entity_name", "content_hash",
	"artifact_location", "status", "submitted_by", "submitter_name", "approvers",
	"required_approvals", "rejection", "submission_version", "previous_approval_id",
	"blockchain_tx_id", "blockchain_block_number", "blockchain_block_timestamp",
	"explorer_url", "created_at", "updated_at", "product", "company",
	"pending_tx_id", "pending_tx_at",
}

func approvalRow(a approval.CertificateApproval) []driver.Value {
	approvers, _ := json.Marshal(a.Approvers)
	var rejection any
	if a.Rejection != nil {
		rejection, _ = json.Marshal(a.Rejection)
	}
	var txID, blockNumber, blockTime any
	explorer := ""
	if ref := a.BlockchainReference; ref != nil {
		txID, blockNumber, blockTime, explorer = ref.TxID, int64(ref.BlockNumber), ref.BlockTimestamp, ref.ExplorerURL
	}
	var product, company, pendingTx, pendingAt any
	if a.Product != nil {
		product, _ = json.Marshal(a.Product)
	}
	if a.Company != nil {
		company, _ = json.Marshal(a.Company)
	}
	if a.PendingAnchor != nil {
		pendingTx, pendingAt = a.PendingAnchor.TxID, a.PendingAnchor.BroadcastAt
	}
	return []driver.Value{
		a.ID, int64(a.Sequence), a.CertificateID, string(a.EntityType), a.EntityID, a.EntityName, a.ContentHash,
		a.ArtifactLocation, string(a.Status), a.SubmittedBy, a.SubmitterName, approvers,
		int64(a.RequiredApprovals), rejection, int64(a.SubmissionVersion), a.PreviousApprovalID,
		txID, blockNumber, blockTime, explorer, a.CreatedAt, a.UpdatedAt, product, company,
		pendingTx, pendingAt,
	}
}

func sampleApproval() approval.CertificateApproval {
	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	return approval.CertificateApproval{
		ID:                "01J0000000000000000000000A",
		Sequence:          3,
		CertificateID:     "CERT-1",
		EntityType:        certificate.EntityCompany,
		EntityID:          "c-1",
		EntityName:        "Acme Corp",
		ContentHash:       strings.Repeat("cd", 32),
		Company:           &certificate.CompanyDetails{LicenseNumber: "LIC-7"},
		Status:            approval.StatusApproved,
		SubmittedBy:       "staff",
		SubmitterName:     "Sam",
		RequiredApprovals: 1,
		SubmissionVersion: 1,
		Approvers: []approval.Approver{{
			ApproverID: "a1", ApproverName: "Ana", ApproverWallet: "0x970e8128ab834e8eac17ab8e3812f010678cf791",
			ApprovedAt: at, Signature: "0xsig",
		}},
		BlockchainReference: &approval.BlockchainReference{
			TxID: "0xfeed", BlockNumber: 42, BlockTimestamp: at.Add(time.Minute), ExplorerURL: "https://explorer.test/tx/0xfeed",
		},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestApprovalGet(t *testing.T) {
	store, mock := newMock(t)
	want := sampleApproval()
	mock.ExpectQuery("from certificate_approvals where id = \\$1").WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows(approvalCols).AddRow(approvalRow(want)...))
	mock.ExpectQuery("from certificate_approvals where id = \\$1").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(approvalCols))

	got, err := store.Get(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Sequence != 3 || got.Status != approval.StatusApproved || len(got.Approvers) != 1 || got.Approvers[0].ApproverWallet != want.Approvers[0].ApproverWallet {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.BlockchainReference == nil || got.BlockchainReference.BlockNumber != 42 || got.Rejection != nil {
		t.Fatalf("unexpected reference: %+v", got.BlockchainReference)
	}
	if got.Company == nil || got.Company.LicenseNumber != "LIC-7" || got.Product != nil || got.PendingAnchor != nil {
		t.Fatalf("unexpected details: %+v %+v %+v", got.Company, got.Product, got.PendingAnchor)
	}

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verifyMock(t, mock)
}

func TestApprovalCreateMapsConstraints(t *testing.T) {
	tests := []struct {
		name string
		code string
		want error
	}{
		{"open submission exists", pgErrUniqueViolation, approval.ErrAlreadySubmitted},
		{"unknown previous record", pgErrForeignKeyViolation, approval.ErrInvalidPayload},
		{"bad entity type", pgErrCheckViolation, approval.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMock(t)
			mock.ExpectExec("insert into certificate_approvals").WillReturnError(&pgconn.PgError{Code: tt.code})
			if err := store.Create(context.Background(), sampleApproval()); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			verifyMock(t, mock)
		})
	}
}

func TestApprovalCreateStoresDetails(t *testing.T) {
	store, mock := newMock(t)
	a := sampleApproval()
	a.BlockchainReference = nil
	mock.ExpectExec("insert into certificate_approvals").
		WithArgs(a.ID, a.Sequence, a.CertificateID, "company", a.EntityID, a.EntityName, a.ContentHash,
			nil, "approved", a.SubmittedBy, a.SubmitterName, sqlmock.AnyArg(), a.RequiredApprovals,
			nil, a.SubmissionVersion, nil, a.CreatedAt, a.UpdatedAt,
			[]byte(`{"license_number":"LIC-7"}`), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Create(context.Background(), a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	verifyMock(t, mock)
}

func TestApprovalGetPendingAnchor(t *testing.T) {
	store, mock := newMock(t)
	want := sampleApproval()
	want.BlockchainReference = nil
	want.PendingAnchor = &approval.PendingAnchor{TxID: "0xbeef", BroadcastAt: want.UpdatedAt}
	mock.ExpectQuery("from certificate_approvals where id = \\$1").WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows(approvalCols).AddRow(approvalRow(want)...))

	got, err := store.Get(context.Background(), want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.PendingAnchor == nil || got.PendingAnchor.TxID != "0xbeef" || got.BlockchainReference != nil {
		t.Fatalf("unexpected anchor state: %+v %+v", got.PendingAnchor, got.BlockchainReference)
	}
	verifyMock(t, mock)
}

func TestApprovalUpdate(t *testing.T) {
	store, mock := newMock(t)
	a := sampleApproval()
	a.Status = approval.StatusRejected
	a.Rejection = &approval.Rejection{RejectedBy: "a1", Reason: "blurry scan", RejectedAt: a.UpdatedAt}

	mock.ExpectExec("update certificate_approvals").
		WithArgs(a.ID, "rejected", sqlmock.AnyArg(), sqlmock.AnyArg(), 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update certificate_approvals").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Update(context.Background(), a); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Update(context.Background(), a); !errors.Is(err, approval.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	verifyMock(t, mock)
}

func TestSaveAnchorSingleWrite(t *testing.T) {
	ref := approval.BlockchainReference{TxID: "0xfeed", BlockNumber: 42, BlockTimestamp: time.Now()}
	tests := []struct {
		name     string
		affected int64
		exists   bool
		want     error
	}{
		{"first write", 1, true, nil},
		{"already anchored", 0, true, approval.ErrAnchorAlreadyExists},
		{"unknown record", 0, false, approval.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMock(t)
			mock.ExpectExec("where id = \\$1 and blockchain_tx_id is null").
				WithArgs("id-1", "0xfeed", int64(42), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
				WillReturnResult(sqlmock.NewResult(0, tt.affected))
			if tt.affected == 0 {
				mock.ExpectQuery("select exists").WithArgs("id-1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))
			}
			err := store.SaveAnchor(context.Background(), "id-1", ref, time.Now())
			if !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			verifyMock(t, mock)
		})
	}
}

func TestSavePendingAnchor(t *testing.T) {
	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		pending  *approval.PendingAnchor
		args     []driver.Value
		affected int64
		exists   bool
		want     error
	}{
		{"set", &approval.PendingAnchor{TxID: "0xbeef", BroadcastAt: at}, []driver.Value{"id-1", "0xbeef", at, at}, 1, true, nil},
		{"clear", nil, []driver.Value{"id-1", nil, nil, at}, 1, true, nil},
		{"already anchored", &approval.PendingAnchor{TxID: "0xbeef", BroadcastAt: at}, nil, 0, true, approval.ErrAnchorAlreadyExists},
		{"unknown record", nil, nil, 0, false, approval.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMock(t)
			exp := mock.ExpectExec("set pending_tx_id = \\$2, pending_tx_at = \\$3")
			if tt.args != nil {
				exp = exp.WithArgs(tt.args...)
			}
			exp.WillReturnResult(sqlmock.NewResult(0, tt.affected))
			if tt.affected == 0 {
				mock.ExpectQuery("select exists").WithArgs("id-1").
					WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(tt.exists))
			}
			err := store.SavePendingAnchor(context.Background(), "id-1", tt.pending, at)
			if !errors.Is(err, tt.want) || (tt.want == nil && err != nil) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
			verifyMock(t, mock)
		})
	}
}

func TestListQuery(t *testing.T) {
	tests := []struct {
		name     string
		filter   approval.Filter
		contains []string
		args     int
	}{
		{"no filter", approval.Filter{}, []string{"order by sequence desc"}, 0},
		{"ready for anchoring", approval.Filter{Status: approval.StatusApproved, Unanchored: true},
			[]string{"where status = $1 and blockchain_tx_id is null"}, 1},
		{"history", approval.Filter{ActedBy: "a1"},
			[]string{"jsonb_build_object('approver_id', $1::text)", "rejection->>'rejected_by' = $1"}, 1},
		{"entity", approval.Filter{EntityType: certificate.EntityProduct, EntityID: "p-1"},
			[]string{"entity_type = $1 and entity_id = $2"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := listQuery(tt.filter)
			for _, frag := range tt.contains {
				if !strings.Contains(q, frag) {
					t.Fatalf("query %q missing %q", q, frag)
				}
			}
			if len(args) != tt.args {
				t.Fatalf("args = %v", args)
			}
		})
	}
}

func TestListOrdersAndDecodes(t *testing.T) {
	store, mock := newMock(t)
	newer, older := sampleApproval(), sampleApproval()
	older.ID, older.Sequence, older.BlockchainReference = "older", 1, nil
	mock.ExpectQuery("from certificate_approvals where status = \\$1").WithArgs("approved").
		WillReturnRows(sqlmock.NewRows(approvalCols).AddRow(approvalRow(newer)...).AddRow(approvalRow(older)...))

	got, err := store.List(context.Background(), approval.Filter{Status: approval.StatusApproved})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 || got[0].Sequence != 3 || got[1].BlockchainReference != nil {
		t.Fatalf("unexpected list: %+v", got)
	}
	verifyMock(t, mock)
}

func TestMembers(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	cols := []string{"id", "name", "role", "wallet"}

	mock.ExpectQuery("from members where id = \\$1").WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("a1", "Ana", "admin", "0x970e8128ab834e8eac17ab8e3812f010678cf791"))
	mock.ExpectQuery("from members where id = \\$1").WithArgs("ghost").WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectQuery("from members where id = \\$1").WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("s1", "Sam", "staff", nil))
	mock.ExpectQuery("select count").WithArgs("admin").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	m, err := store.Member(ctx, "a1")
	if err != nil || m.Role != auth.RoleAdmin || m.Wallet == "" {
		t.Fatalf("Member = %+v, %v", m, err)
	}
	if ok, err := store.IsEligibleApprover(ctx, "ghost"); ok || err != nil {
		t.Fatalf("unknown user eligible=%v err=%v", ok, err)
	}
	if ok, err := store.IsEligibleApprover(ctx, "s1"); ok || err != nil {
		t.Fatalf("staff eligible=%v err=%v", ok, err)
	}
	if n, err := store.CountEligibleApprovers(ctx); n != 3 || err != nil {
		t.Fatalf("count = %d, %v", n, err)
	}
	verifyMock(t, mock)
}

func TestPutMember(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	mock.ExpectExec("insert into members").
		WithArgs("a1", "Ana", "admin", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into members").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	m := auth.Member{ID: "a1", Name: "Ana", Role: auth.RoleAdmin, Wallet: "0x970E8128AB834E8EAC17AB8E3812F010678CF791"}
	if err := store.PutMember(ctx, m); err != nil {
		t.Fatalf("PutMember: %v", err)
	}
	if err := store.PutMember(ctx, m); !errors.Is(err, auth.ErrInvalidMember) {
		t.Fatalf("expected ErrInvalidMember, got %v", err)
	}
	if err := store.PutMember(ctx, auth.Member{ID: "x", Role: "root"}); !errors.Is(err, auth.ErrInvalidMember) {
		t.Fatalf("invalid role should fail before the database: %v", err)
	}
	verifyMock(t, mock)
}
