package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "gorm translated", err: fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), want: true},
		{name: "postgres", err: errors.New(`ERROR: duplicate key value violates unique constraint "ux_usage_reports"`), want: true},
		{name: "mysql", err: errors.New("Error 1062 (23000): Duplicate entry"), want: true},
		{name: "sqlite", err: errors.New("UNIQUE constraint failed: usage_reports.license_key"), want: true},
		{name: "other", err: errors.New("database is locked"), want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsDuplicateKeyErr(tc.err))
		})
	}
}

func TestDialectRejectsUnknownType(t *testing.T) {
	_, err := Dialect(Config{Type: "oracle"})
	assert.Error(t, err)
}
