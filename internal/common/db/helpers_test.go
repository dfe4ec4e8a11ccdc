package db

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert case: %w", &mysql.MySQLError{
		Number:  1062,
		Message: "Duplicate entry 's1-0' for key 'test_case_results.uk_submission_case'",
	})
	key, ok := UniqueViolation(err)
	if !ok {
		t.Fatalf("expected duplicate key error to be detected")
	}
	if key != "test_case_results.uk_submission_case" {
		t.Fatalf("unexpected key %q", key)
	}
	if _, ok := UniqueViolation(&mysql.MySQLError{Number: 1205}); ok {
		t.Fatalf("lock wait timeout is not a unique violation")
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("load: %w", sql.ErrNoRows)) {
		t.Fatalf("wrapped ErrNoRows not detected")
	}
}

func TestPlaceholders(t *testing.T) {
	if got := Placeholders(3); got != "?, ?, ?" {
		t.Fatalf("Placeholders(3) = %q", got)
	}
	if got := Placeholders(0); got != "" {
		t.Fatalf("Placeholders(0) = %q", got)
	}
}
