package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/talkhaven/safeguard/internal/models"
	"github.com/talkhaven/safeguard/internal/privacy"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

func TestInsertSafetyEventWritesWhenNotPrivate(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO safety_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	evt := &models.SafetyEvent{
		UserID:         uuid.New(),
		ConversationID: uuid.New(),
		Category:       models.CategorySelfHarm,
		Severity:       models.SeverityHigh,
		Confidence:     80,
	}
	if err := st.InsertSafetyEvent(context.Background(), evt); err != nil {
		t.Fatalf("InsertSafetyEvent returned error: %v", err)
	}
	if evt.ID == uuid.Nil {
		t.Fatal("expected event ID to be assigned")
	}
	if evt.PrivacyCheckedAt.IsZero() {
		t.Fatal("expected privacy_checked_at to be stamped")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertSafetyEventBlockedWhenPrivate(t *testing.T) {
	st, mock := newMockStore(t)

	conversationID := uuid.New()

	// Zero rows inserted means the gate in the INSERT closed. The store
	// then checks the flag to classify the refusal.
	mock.ExpectExec("INSERT INTO safety_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT is_private FROM conversations").
		WithArgs(conversationID).
		WillReturnRows(sqlmock.NewRows([]string{"is_private"}).AddRow(true))

	evt := &models.SafetyEvent{
		UserID:         uuid.New(),
		ConversationID: conversationID,
		Category:       models.CategorySelfHarm,
		Severity:       models.SeverityHigh,
		Confidence:     80,
	}
	err := st.InsertSafetyEvent(context.Background(), evt)
	if !privacy.IsViolation(err) {
		t.Fatalf("err = %v, want privacy violation", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertSafetyEventUnknownConversation(t *testing.T) {
	st, mock := newMockStore(t)

	conversationID := uuid.New()

	mock.ExpectExec("INSERT INTO safety_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT is_private FROM conversations").
		WithArgs(conversationID).
		WillReturnError(sql.ErrNoRows)

	evt := &models.SafetyEvent{
		UserID:         uuid.New(),
		ConversationID: conversationID,
		Category:       models.CategoryHarmToOthers,
		Severity:       models.SeverityModerate,
		Confidence:     75,
	}
	err := st.InsertSafetyEvent(context.Background(), evt)
	if !errors.Is(err, ErrUnknownConversation) {
		t.Fatalf("err = %v, want ErrUnknownConversation", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateAlertReportsDuplicate(t *testing.T) {
	st, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING swallows the duplicate; zero rows affected
	// tells the caller another writer won the race.
	mock.ExpectExec("INSERT INTO alerts").
		WillReturnResult(sqlmock.NewResult(0, 0))

	key := "user1:grooming:2026-01"
	alert := &models.Alert{
		UserID:    uuid.New(),
		Category:  models.CategoryGroomingBehavior,
		Severity:  models.SeverityCritical,
		DedupeKey: &key,
	}
	created, err := st.CreateAlert(context.Background(), alert)
	if err != nil {
		t.Fatalf("CreateAlert returned error: %v", err)
	}
	if created {
		t.Fatal("expected created = false for deduped alert")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionAlertCAS(t *testing.T) {
	st, mock := newMockStore(t)

	id := uuid.New()

	// First acknowledgment lands.
	mock.ExpectExec("UPDATE alerts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := st.TransitionAlert(context.Background(), id, models.AlertStatusAcknowledged,
		[]models.AlertStatus{models.AlertStatusNew, models.AlertStatusViewed}, "reviewer-a")
	if err != nil {
		t.Fatalf("TransitionAlert returned error: %v", err)
	}
	if !ok {
		t.Fatal("expected transition to land")
	}

	// Second attempt finds no row in a predecessor state.
	mock.ExpectExec("UPDATE alerts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = st.TransitionAlert(context.Background(), id, models.AlertStatusAcknowledged,
		[]models.AlertStatus{models.AlertStatusNew, models.AlertStatusViewed}, "reviewer-b")
	if err != nil {
		t.Fatalf("TransitionAlert returned error: %v", err)
	}
	if ok {
		t.Fatal("expected CAS to miss for already-acknowledged alert")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListAlertsAppliesFilters(t *testing.T) {
	st, mock := newMockStore(t)

	status := models.AlertStatusNew
	severity := models.SeverityHigh

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM alerts`).
		WithArgs(status, severity).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	id := uuid.New()
	mock.ExpectQuery(`SELECT \* FROM alerts`).
		WithArgs(status, severity).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "severity"}).
			AddRow(id, string(status), string(severity)))

	alerts, total, err := st.ListAlerts(context.Background(), ListAlertFilters{
		Status:   &status,
		Severity: &severity,
		Limit:    50,
	})
	if err != nil {
		t.Fatalf("ListAlerts returned error: %v", err)
	}
	if total != 1 || len(alerts) != 1 {
		t.Fatalf("got total=%d len=%d, want 1 and 1", total, len(alerts))
	}
	if alerts[0].ID != id {
		t.Fatalf("unexpected alert ID %s", alerts[0].ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkAlertViewedOnlyFromNew(t *testing.T) {
	st, mock := newMockStore(t)

	id := uuid.New()
	mock.ExpectExec("UPDATE alerts").
		WithArgs(models.AlertStatusViewed, "reviewer-a", id, models.AlertStatusNew).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.MarkAlertViewed(context.Background(), id, "reviewer-a"); err != nil {
		t.Fatalf("MarkAlertViewed returned error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
