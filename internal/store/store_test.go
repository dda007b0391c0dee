package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dukerupert/commonfund/internal/database"
	"github.com/dukerupert/commonfund/internal/model"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestWallet(t *testing.T, db *sql.DB, id string, kind model.WalletKind) *model.Wallet {
	t.Helper()
	w := &model.Wallet{
		ID:        id,
		Name:      "Wallet " + id,
		Kind:      kind,
		CreatedBy: "alice",
		Settings:  model.WalletSettings{RequiresApproval: true, VotingThreshold: 0.5},
		Currency:  "VND",
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
	if err := NewWalletStore(db).Create(context.Background(), w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return w
}

func addTestMember(t *testing.T, db *sql.DB, walletID, userID string, role model.Role, status model.MemberStatus) {
	t.Helper()
	err := NewMemberStore(db).Add(context.Background(), &model.Member{
		ID:        walletID + "-" + userID,
		WalletID:  walletID,
		UserID:    userID,
		Email:     userID + "@example.com",
		Role:      role,
		Status:    status,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	})
	if err != nil {
		t.Fatalf("add member: %v", err)
	}
}
