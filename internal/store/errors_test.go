package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/mongo"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"duplicate key write", mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000"}}}, ErrConstraintViolation},
		{"duplicate key command", mongo.CommandError{Code: 11000, Message: "E11000 duplicate key error"}, ErrConstraintViolation},
		{"unauthorized", mongo.CommandError{Code: 13, Message: "not authorized"}, ErrPermission},
		{"auth failed", mongo.CommandError{Code: 18, Message: "Authentication failed"}, ErrPermission},
		{"namespace missing", mongo.CommandError{Code: 26, Message: "ns not found"}, ErrNotFound},
		{"index options conflict", mongo.CommandError{Code: 85, Message: "Index already exists with a different name"}, ErrIndexConflict},
		{"index key conflict", mongo.CommandError{Code: 86, Message: "Index with name already exists"}, ErrIndexConflict},
		{"network", mongo.CommandError{Code: 6, Labels: []string{"NetworkError"}}, ErrConnection},
		{"disconnected", mongo.ErrClientDisconnected, ErrConnection},
		{"deadline", context.DeadlineExceeded, ErrConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Fatalf("Classify(%v) = %v, want kind %v", tt.err, got, tt.want)
			}
			var se *Error
			if !errors.As(got, &se) || se.Err == nil {
				t.Errorf("cause lost in %v", got)
			}
		})
	}
}

func TestClassifyPassThrough(t *testing.T) {
	if Classify("op", nil) != nil {
		t.Fatal("nil error must stay nil")
	}

	plain := errors.New("boom")
	got := Classify("aggregate ohlcv", plain)
	if !errors.Is(got, plain) {
		t.Fatalf("expected wrapped cause, got %v", got)
	}
	for _, kind := range []error{ErrConnection, ErrConstraintViolation, ErrNotFound, ErrPermission, ErrIndexConflict} {
		if errors.Is(got, kind) {
			t.Errorf("unclassified error matched %v", kind)
		}
	}

	classified := &Error{Kind: ErrNotFound, Op: "first"}
	if again := Classify("second", fmt.Errorf("wrap: %w", classified)); !errors.Is(again, ErrNotFound) {
		t.Errorf("expected existing kind to survive, got %v", again)
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Kind: ErrPermission, Op: "drop ticks", Err: errors.New("not authorized on exchange")}
	want := "drop ticks: insufficient privileges: not authorized on exchange"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestIsSystemCollection(t *testing.T) {
	for name, want := range map[string]bool{
		"system.indexes":           true,
		"system.profile":           true,
		MigrationLedger:            true,
		"binance_ohlcv_BTCUSDT_1h": false,
		"systemic":                 false,
	} {
		if got := IsSystemCollection(name); got != want {
			t.Errorf("IsSystemCollection(%q) = %v, want %v", name, got, want)
		}
	}
}
