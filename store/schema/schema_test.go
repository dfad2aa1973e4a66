package schema

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestDDLDeclaresPairConstraint(t *testing.T) {
	for _, want := range []string{
		"CONSTRAINT conversations_pair_unique UNIQUE (member_low, member_high)",
		"PRIMARY KEY (conversation_id, user_id)",
		"CONSTRAINT messages_not_empty",
	} {
		if !strings.Contains(DDL(), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}

func TestApply(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta("CREATE EXTENSION IF NOT EXISTS pgcrypto")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := Apply(context.Background(), db); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
