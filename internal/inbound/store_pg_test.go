package inbound

import (
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestStoreErr_Mapping(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		want        error
		unavailable bool
	}{
		{"no rows", pgx.ErrNoRows, ErrNotFound, false},
		{"unique", &pgconn.PgError{Code: "23505"}, ErrSourceExists, false},
		{"foreign key", &pgconn.PgError{Code: "23503"}, ErrSourceInUse, false},
		{"value too long", &pgconn.PgError{Code: "22001"}, ErrInvalid, false},
		{"invalid byte sequence", &pgconn.PgError{Code: "22021"}, ErrInvalid, false},
		{"untranslatable character", &pgconn.PgError{Code: "22P05"}, ErrInvalid, false},
		{"check violation", &pgconn.PgError{Code: "23514"}, ErrInvalid, false},
		{"connection lost", errors.New("conn closed"), ErrStoreUnavailable, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, ErrStoreUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := storeErr(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("storeErr = %v, want %v", got, tt.want)
			}
			if errors.Is(got, ErrStoreUnavailable) != tt.unavailable {
				t.Errorf("storeErr(%v) unavailable = %v, want %v", tt.err, !tt.unavailable, tt.unavailable)
			}
		})
	}
	if storeErr(nil) != nil {
		t.Error("storeErr(nil) should be nil")
	}
}

func TestPassThrough_KeepsInvalid(t *testing.T) {
	err := passThrough(storeErr(&pgconn.PgError{Code: "22001"}))
	if !errors.Is(err, ErrInvalid) || errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("passThrough = %v", err)
	}
}

func TestPGText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"MSG001", "MSG001"},
		{"A\x00B", "AB"},
		{"M\xfcller", "M\uFFFDller"},
		{"", ""},
	}
	for _, tt := range tests {
		got := pgText(tt.in)
		if got != tt.want {
			t.Errorf("pgText(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("pgText(%q) is not valid UTF-8", tt.in)
		}
	}
}
