package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"slipgate.org/internal/auth"
	"slipgate.org/internal/redeem"
)

type verifyRequest struct {
	ScannerID string `json:"scannerId"`
}

type verifiedSlip struct {
	Code   string     `json:"code"`
	UsedAt *time.Time `json:"usedAt"`
}

type verifyResponse struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Slip    *verifiedSlip `json:"slip,omitempty"`
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
		return
	}

	code := strings.TrimPrefix(r.URL.Path, "/queue/verify/")
	if code == "" || strings.Contains(code, "/") {
		writeCode(w, http.StatusNotFound, "INVALID_SLIP", "Slip not found", nil)
		return
	}

	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		// withAuth guards this route; a missing identity means a wiring bug,
		// but the caller still only ever sees UNAUTHORIZED.
		writeCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid token", nil)
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeCode(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body", nil)
		return
	}

	outcome := a.engine.Redeem(r.Context(), code, identity, req.ScannerID)
	writeOutcome(w, outcome)
}

func writeOutcome(w http.ResponseWriter, out redeem.Outcome) {
	switch out.Result {
	case redeem.ResultOK:
		writeJSON(w, http.StatusOK, verifyResponse{
			Code:    string(out.Result),
			Message: out.Message,
			Slip:    &verifiedSlip{Code: out.Code, UsedAt: timePtr(out.UsedAt)},
		})
	case redeem.ResultForbidden:
		writeCode(w, http.StatusForbidden, string(out.Result), out.Message, nil)
	case redeem.ResultInvalidSlip:
		writeCode(w, http.StatusNotFound, string(out.Result), out.Message, nil)
	case redeem.ResultAlreadyUsed:
		writeCode(w, http.StatusConflict, string(out.Result), out.Message, map[string]any{
			"usedAt": timePtr(out.UsedAt),
		})
	case redeem.ResultExpiredSlip:
		writeCode(w, http.StatusGone, string(out.Result), out.Message, map[string]any{
			"expiresAt": timePtr(out.ExpiresAt),
		})
	default:
		writeCode(w, http.StatusInternalServerError, string(redeem.ResultServerError), "An error occurred", nil)
	}
}
