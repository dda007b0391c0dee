package websocket

import (
	"context"
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/commonfund/internal/auth"
	"github.com/dukerupert/commonfund/internal/model"
)

// WalletLister returns the wallets a user is an active member of.
type WalletLister interface {
	ListWallets(ctx context.Context, userID string) ([]model.Wallet, error)
}

// HandleWebSocket returns an HTTP handler that upgrades authenticated
// connections and subscribes them to the caller's wallets.
func HandleWebSocket(hub *Hub, wallets WalletLister, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserID(r.Context())
		if userID == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		list, err := wallets.ListWallets(r.Context(), userID)
		if err != nil {
			logger.Error("list wallets for websocket", "user_id", userID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		ids := make([]string, len(list))
		for i, wl := range list {
			ids[i] = wl.ID
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		client := NewClient(hub, conn, userID, ids)
		client.Run(r.Context())
	}
}
