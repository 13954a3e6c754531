package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/maauso/genforge/internal/ledger"
)

// GetAccount handles GET /admin/accounts/{user}.
func (h *Handlers) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.Ledger.Account(r.Context(), r.PathValue("user"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GrantCredits handles POST /admin/accounts/{user}/grant. Amounts may be given
// in credits or in USD at the configured rate.
func (h *Handlers) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	if (req.Credits == "") == (req.USD == "") {
		writeError(w, http.StatusBadRequest, "exactly one of credits or usd is required", "VALIDATION_ERROR")
		return
	}

	amount, ok := parseAmount(w, req.Credits+req.USD)
	if !ok {
		return
	}
	if req.USD != "" {
		amount = h.svc.Ledger.CreditsForAmount(amount)
	}

	user := r.PathValue("user")
	tx, err := h.svc.Ledger.Grant(r.Context(), user, amount, req.Note)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.logger.Info("credits granted",
		slog.String("user_id", user),
		slog.String("amount", amount.String()),
	)
	writeJSON(w, http.StatusCreated, tx)
}

// SetMonthlyLimit handles PUT /admin/accounts/{user}/limit.
func (h *Handlers) SetMonthlyLimit(w http.ResponseWriter, r *http.Request) {
	var req LimitRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	limit, ok := parseAmount(w, req.MonthlyLimit)
	if !ok {
		return
	}
	acct, err := h.svc.Ledger.SetMonthlyLimit(r.Context(), r.PathValue("user"), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ResetAccount handles POST /admin/accounts/{user}/reset.
func (h *Handlers) ResetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.Ledger.ResetMonthlyUsage(r.Context(), r.PathValue("user"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ResetDue handles POST /admin/resets. With dry_run=true nothing changes.
func (h *Handlers) ResetDue(w http.ResponseWriter, r *http.Request) {
	dryRun := false
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dry_run must be a boolean", "INVALID_QUERY")
			return
		}
		dryRun = b
	}
	report, err := h.svc.Ledger.ResetDue(r.Context(), dryRun)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListTransactions handles GET /admin/accounts/{user}/transactions?from=&to=.
// Bounds are RFC 3339; from is inclusive and to exclusive.
func (h *Handlers) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.TxFilter{
		UserID: r.PathValue("user"),
		Kind:   ledger.TxKind(q.Get("kind")),
	}
	for _, bound := range []struct {
		name string
		dst  *time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(bound.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, bound.name+" must be an RFC 3339 time", "INVALID_QUERY")
			return
		}
		*bound.dst = t
	}

	txs, err := h.svc.Ledger.Transactions(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{Transactions: txs})
}

// AuditAccount handles GET /admin/accounts/{user}/audit.
func (h *Handlers) AuditAccount(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Ledger.Audit(r.Context(), r.PathValue("user"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RefundUnit handles POST /admin/units/{id}/refund.
func (h *Handlers) RefundUnit(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !h.decodeValid(w, r, &req) {
		return
	}
	amount := decimal.Zero
	if req.Amount != "" {
		var ok bool
		if amount, ok = parseAmount(w, req.Amount); !ok {
			return
		}
	}

	unitID := r.PathValue("id")
	tx, err := h.svc.Ledger.Refund(r.Context(), ledger.RefundRequest{
		UnitID: unitID,
		Amount: amount,
		Note:   req.Note,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// Reconcile handles POST /admin/reconcile.
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Machine.Reconcile(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseAmount(w http.ResponseWriter, s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount "+strconv.Quote(s), "VALIDATION_ERROR")
		return decimal.Zero, false
	}
	return d, true
}
