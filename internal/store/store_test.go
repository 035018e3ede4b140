package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})

	return NewStore(db), mock
}

func TestEnsureUser(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	id, err := s.EnsureUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if id != 7 {
		t.Errorf("id = %d, want 7", id)
	}
}

func TestGetUserByUsername(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery("SELECT id, username").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "password_hash", "role", "created_at"}).
			AddRow(int64(3), "alice", "hash", "viewer", now))

	u, err := s.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if u.ID != 3 || u.Username != "alice" || u.Role != "viewer" {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestGetUserByUsernameNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, username").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetUserByUsername(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO users").
		WithArgs("alice", "hash", "viewer").
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := s.CreateUser(context.Background(), "alice", "hash", "viewer")
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestDeleteUser(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM users").
		WithArgs("alice").
		WillReturnResult(sqlmock.NewResult(0, 1))

	deleted, err := s.DeleteUser(context.Background(), "alice")
	if err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if !deleted {
		t.Error("deleted = false, want true")
	}
}

func TestDeleteUserMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM users").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	deleted, err := s.DeleteUser(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if deleted {
		t.Error("deleted = true, want false")
	}
}

func TestSaveMessage(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(int64(3), "hello", false, 0.12, false).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(42), now))

	id, ts, err := s.SaveMessage(context.Background(), 3, "hello", false, 0.12, false)
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if id != 42 {
		t.Errorf("id = %d, want 42", id)
	}
	if !ts.Equal(now) {
		t.Errorf("ts = %v, want %v", ts, now)
	}
}

func TestLogAdminAction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO admin_actions").
		WithArgs("mod", "kick", "alice", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.LogAdminAction(context.Background(), "mod", "kick", "alice", ""); err != nil {
		t.Fatalf("LogAdminAction: %v", err)
	}
}

func TestCreateSessionSupersedesPrior(t *testing.T) {
	s, mock := newMockStore(t)

	expires := time.Now().Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE user_sessions SET invalidated").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO user_sessions").
		WithArgs("sess-1", int64(3), "tok", expires).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.CreateSession(context.Background(), "sess-1", 3, "tok", expires); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func TestIsSessionActiveMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM user_sessions").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	active, err := s.IsSessionActive(context.Background(), "nope")
	if err != nil {
		t.Fatalf("IsSessionActive: %v", err)
	}
	if active {
		t.Error("missing session reported active")
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM user_sessions").
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := s.SweepExpiredSessions(context.Background())
	if err != nil {
		t.Fatalf("SweepExpiredSessions: %v", err)
	}
	if n != 5 {
		t.Errorf("n = %d, want 5", n)
	}
}

func TestToxicityThreshold(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(mock sqlmock.Sqlmock)
		want   float64
	}{
		{
			name: "stored value",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT value FROM settings").
					WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("0.8"))
			},
			want: 0.8,
		},
		{
			name: "missing row falls back to default",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT value FROM settings").
					WillReturnError(sql.ErrNoRows)
			},
			want: DefaultToxicityThreshold,
		},
		{
			name: "unparseable value falls back to default",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT value FROM settings").
					WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("not-a-number"))
			},
			want: DefaultToxicityThreshold,
		},
		{
			name: "out of range value falls back to default",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT value FROM settings").
					WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("3.5"))
			},
			want: DefaultToxicityThreshold,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.setup(mock)

			got, err := s.ToxicityThreshold(context.Background())
			if err != nil {
				t.Fatalf("ToxicityThreshold: %v", err)
			}
			if got != tt.want {
				t.Errorf("threshold = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetToxicityThreshold(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO settings").
		WithArgs(keyToxicityThreshold, "0.75").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetToxicityThreshold(context.Background(), 0.75); err != nil {
		t.Fatalf("SetToxicityThreshold: %v", err)
	}
}

func TestSetToxicityThresholdRange(t *testing.T) {
	s, _ := newMockStore(t)

	for _, v := range []float64{-0.1, 1.5} {
		if err := s.SetToxicityThreshold(context.Background(), v); !errors.Is(err, ErrThresholdRange) {
			t.Errorf("SetToxicityThreshold(%v) = %v, want ErrThresholdRange", v, err)
		}
	}
}
