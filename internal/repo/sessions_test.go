package repo_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"facilitator/internal/domain"
	"facilitator/internal/repo"
)

func TestUpdateSessionStaleVersion(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET state=?, data_json=?, version=version+1, updated_at=? WHERE id=? AND version=?`)).
		WithArgs(string(domain.StateWeeklyKickoff), sqlmock.AnyArg(), sqlmock.AnyArg(), "s-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	r := repo.Repo{DB: conn}
	_, err = r.UpdateSessionTx(context.Background(), nil, domain.Session{ID: "s-1", State: domain.StateWeeklyKickoff, Version: 3})
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateSessionBumpsVersion(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sessions SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := repo.Repo{DB: conn}
	v, err := r.UpdateSessionTx(context.Background(), nil, domain.Session{ID: "s-1", State: domain.StateIdle, Version: 4})
	if err != nil || v != 5 {
		t.Fatalf("version=%d err=%v", v, err)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions WHERE id=?`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "week_number", "state", "data_json", "version", "created_at", "updated_at"}))

	r := repo.Repo{DB: conn}
	if _, err := r.GetSession(context.Background(), "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetSessionUpgradesOldData(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer conn.Close()

	rows := sqlmock.NewRows([]string{"id", "room_id", "week_number", "state", "data_json", "version", "created_at", "updated_at"}).
		AddRow("s-1", "room-1", 3, "PLANNING_MEETING", `{"meeting":{"order":["ana"]}}`, 7, "2026-09-01T00:00:00Z", "2026-09-01T00:00:00Z")
	mock.ExpectQuery(regexp.QuoteMeta(`FROM sessions WHERE id=?`)).WithArgs("s-1").WillReturnRows(rows)

	r := repo.Repo{DB: conn}
	s, err := r.GetSession(context.Background(), "s-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Data.DataVersion != domain.DataVersion || s.Data.Meeting.Contributions == nil {
		t.Fatalf("data not upgraded: %+v", s.Data)
	}
	if next, ok := s.Data.Meeting.NextPending(); !ok || next != "ana" {
		t.Fatalf("next pending = %q %v", next, ok)
	}
}
