package tokens

import (
	"context"
	"testing"
)

type recorderLogger struct {
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.entries = append(logger.entries, entry)
}

func TestServiceLogsCommitOperation(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance(test, "user-1", 40, 40, 0)
	logger := &recorderLogger{}
	service, err := NewService(store, func() int64 { return 42 }, func() int64 { return 1 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	userID := mustUserID(test, "user-1")

	if _, err := service.CommitDebit(context.Background(), userID, mustTokenCount(test, 10), mustTag(test, "barcode_generation")); err != nil {
		test.Fatalf("commit failed: %v", err)
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	entry := logger.entries[0]
	if entry.Operation != operationCommit || entry.UserID != userID || entry.Tokens != 10 || entry.Tag != "barcode_generation" {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != operationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setBalance(test, "user-1", 3, 3, 0)
	logger := &recorderLogger{}
	service, err := NewService(store, func() int64 { return 42 }, func() int64 { return 1 }, WithOperationLogger(logger))
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	userID := mustUserID(test, "user-1")

	if _, err := service.CommitDebit(context.Background(), userID, mustTokenCount(test, 10), mustTag(test, "barcode_generation")); err == nil {
		test.Fatalf("expected error")
	}
	if len(logger.entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(logger.entries))
	}
	if logger.entries[0].Status != operationStatusError || logger.entries[0].Error == nil {
		test.Fatalf("expected error log entry, got %+v", logger.entries[0])
	}
}
