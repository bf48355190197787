/*
handlers.go - HTTP API handlers for the membership engine

PURPOSE:
  A thin request front-end over the engine. Handlers parse input, call one
  engine operation and serialize the result. No accrual logic lives here.

ENDPOINTS:
  Members:
    POST   /api/members                        Enroll a member
    GET    /api/members/{id}                   Member ledger fields
    GET    /api/members/{id}/balance           Spendable balance (?as_of=)
    GET    /api/members/{id}/points/recent     Expiry groups (?take=&as_of=)
    GET    /api/members/{id}/points/recents    FIFO selection (?required=&as_of=)
    POST   /api/members/{id}/points/spend      Deduct points FIFO by expiry
    POST   /api/members/{id}/points/adjust     Manual grant or deduction
    GET    /api/members/{id}/tier-history      Tier history rows
    GET    /api/members/{id}/point-history     Point history rows

  Invoices:
    POST   /api/invoices                       Record a purchase
    GET    /api/invoices/{id}                  Get invoice

  Tiers:
    GET    /api/tiers                          Loaded tier chart

  Admin:
    POST   /api/admin/batch/{pass}             accrual | release | expire | renew | all

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Member, invoice or tier not found
  - 409: Optimistic lock conflict, retry the request
  - 422: Insufficient points or inactive member
  - 500: Internal errors

SECURITY NOTE:
  No authentication. Admin routes must sit behind a trusted network.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/membership-engine/accrual"
	"github.com/warp/membership-engine/ledger"
	"github.com/warp/membership-engine/renewal"
	"github.com/warp/membership-engine/rewards"
	"github.com/warp/membership-engine/slip"
	"github.com/warp/membership-engine/tier"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     ledger.Store
	Chart     *tier.Chart
	Driver    *accrual.Driver
	Rewards   *rewards.Manager
	Renewal   *renewal.Sweeper
	Scheduler *BatchScheduler
	Slips     *slip.Minter
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewHandler wires a handler around the engine components.
func NewHandler(store ledger.Store, driver *accrual.Driver, rm *rewards.Manager, sweeper *renewal.Sweeper, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Store:     store,
		Chart:     driver.Chart,
		Driver:    driver,
		Rewards:   rm,
		Renewal:   sweeper,
		Scheduler: NewBatchScheduler(driver, rm, sweeper, logger),
		Slips:     slip.NewMinter(store),
		Logger:    logger.With("component", "api"),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// CreateMember enrolls a member at the normal tier.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	enroll := accrual.EnrollRequest{
		Name:        req.Name,
		Email:       req.Email,
		Phone:       req.Phone,
		InvitedCode: req.InvitedCode,
	}
	if req.BirthDate != "" {
		bd, err := parseDate(req.BirthDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid birth_date format (use YYYY-MM-DD)", err)
			return
		}
		enroll.BirthDate = &bd
	}

	member, err := h.Driver.Enroll(r.Context(), enroll)
	if err != nil {
		h.writeEngineError(w, "Failed to enroll member", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(*member))
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	member, err := h.Store.GetMember(r.Context(), memberID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to get member", err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(*member))
}

// GetBalance returns the spendable balance as of ?as_of (default now).
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := memberID(r)
	asOf, ok := h.asOfParam(w, r)
	if !ok {
		return
	}
	if _, err := h.Store.GetMember(r.Context(), id); err != nil {
		h.writeEngineError(w, "Failed to get member", err)
		return
	}

	balance, err := h.Rewards.GetPointBalance(r.Context(), id, asOf)
	if err != nil {
		h.writeEngineError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{MemberID: string(id), AsOf: formatTime(asOf), Balance: balance})
}

func (h *Handler) GetPointRecent(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOfParam(w, r)
	if !ok {
		return
	}
	take := 10
	if s := r.URL.Query().Get("take"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "take must be a positive integer", err)
			return
		}
		take = n
	}

	groups, err := h.Rewards.GetPointRecent(r.Context(), memberID(r), asOf, take)
	if err != nil {
		h.writeEngineError(w, "Failed to load point groups", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointGroupDTOs(groups))
}

func (h *Handler) GetPointRecents(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOfParam(w, r)
	if !ok {
		return
	}
	required, err := strconv.ParseInt(r.URL.Query().Get("required"), 10, 64)
	if err != nil || required <= 0 {
		writeError(w, http.StatusBadRequest, "required must be a positive integer", err)
		return
	}

	groups, err := h.Rewards.GetPointRecents(r.Context(), memberID(r), required, asOf)
	if err != nil {
		h.writeEngineError(w, "Failed to select points", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointGroupDTOs(groups))
}

func (h *Handler) SpendPoints(w http.ResponseWriter, r *http.Request) {
	var req SpendPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rows, err := h.Rewards.Spend(r.Context(), rewards.SpendRequest{
		MemberID:  memberID(r),
		Points:    req.Points,
		InvoiceID: ledger.InvoiceID(req.InvoiceID),
		Reason:    req.Reason,
		At:        h.Now(),
	})
	if err != nil {
		h.writeEngineError(w, "Failed to spend points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPointHistoryDTOs(rows))
}

func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req AdjustPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, http.StatusBadRequest, "reason is required", nil)
		return
	}

	rows, err := h.Rewards.Adjust(r.Context(), rewards.AdjustRequest{
		MemberID: memberID(r),
		Points:   req.Points,
		Reason:   req.Reason,
		At:       h.Now(),
	})
	if err != nil {
		h.writeEngineError(w, "Failed to adjust points", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPointHistoryDTOs(rows))
}

func (h *Handler) GetTierHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Store.ListTierHistory(r.Context(), memberID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to list tier history", err)
		return
	}
	dtos := make([]TierHistoryDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toTierHistoryDTO(row)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPointHistory(w http.ResponseWriter, r *http.Request) {
	rows, err := h.Store.ListPointHistory(r.Context(), memberID(r))
	if err != nil {
		h.writeEngineError(w, "Failed to list point history", err)
		return
	}
	writeJSON(w, http.StatusOK, toPointHistoryDTOs(rows))
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// CreateInvoice records a purchase and mints its INV code.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ctx := r.Context()

	if _, err := h.Store.GetMember(ctx, ledger.MemberID(req.MemberID)); err != nil {
		h.writeEngineError(w, "Failed to get member", err)
		return
	}

	now := h.Now()
	inv := ledger.Invoice{
		ID:          ledger.NewInvoiceID(),
		MemberID:    ledger.MemberID(req.MemberID),
		Source:      ledger.OrderSource(strings.ToUpper(req.Source)),
		Status:      ledger.PaymentStatus(strings.ToUpper(req.Status)),
		TotalAmount: req.TotalAmount,
		UsageAmount: req.TotalAmount,
		IssuedAt:    now,
		CreatedAt:   now,
	}
	if req.UsageAmount != nil {
		inv.UsageAmount = *req.UsageAmount
	}
	if inv.Source == "" {
		inv.Source = ledger.SourcePOS
	}
	if inv.Status == "" {
		inv.Status = ledger.PaymentPaid
	}
	if req.IssuedAt != "" {
		issued, err := parseDate(req.IssuedAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid issued_at format", err)
			return
		}
		inv.IssuedAt = issued
	}
	if err := validateInvoice(inv); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid invoice", err)
		return
	}

	code, err := h.Slips.NextAt(ctx, ledger.SlipInvoice, now)
	if err != nil {
		h.writeEngineError(w, "Failed to mint invoice code", err)
		return
	}
	inv.Code = code

	if err := h.Store.SaveInvoice(ctx, inv); err != nil {
		h.writeEngineError(w, "Failed to save invoice", err)
		return
	}
	writeJSON(w, http.StatusCreated, toInvoiceDTO(inv))
}

func validateInvoice(inv ledger.Invoice) error {
	switch inv.Source {
	case ledger.SourceSystem, ledger.SourcePOS, ledger.SourceApp, ledger.SourceWeb:
	default:
		return fmt.Errorf("unknown source %q", inv.Source)
	}
	switch inv.Status {
	case ledger.PaymentUnpaid, ledger.PaymentPartial, ledger.PaymentPaid, ledger.PaymentCancelled:
	default:
		return fmt.Errorf("unknown status %q", inv.Status)
	}
	if inv.TotalAmount < 0 || inv.UsageAmount < 0 {
		return ledger.ErrInvalidAmount
	}
	if inv.UsageAmount > inv.TotalAmount {
		return fmt.Errorf("usage_amount %d exceeds total_amount %d", inv.UsageAmount, inv.TotalAmount)
	}
	return nil
}

func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Store.GetInvoice(r.Context(), ledger.InvoiceID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to get invoice", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(*inv))
}

// =============================================================================
// TIERS & ADMIN
// =============================================================================

func (h *Handler) ListTiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toTierDTOs(h.Chart))
}

// TriggerBatch runs one batch pass (or the whole chain) synchronously.
func (h *Handler) TriggerBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	since := ledger.StartOfDay(h.Now()).AddDate(0, 0, -1)
	if req.Since != "" {
		d, err := parseDate(req.Since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since format (use YYYY-MM-DD)", err)
			return
		}
		since = d
	}
	until := since
	if req.Until != "" {
		d, err := parseDate(req.Until)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until format (use YYYY-MM-DD)", err)
			return
		}
		until = d
	}
	if until.Before(since) {
		writeError(w, http.StatusBadRequest, "until is before since", nil)
		return
	}

	ctx := r.Context()
	asOf := ledger.EndOfDay(until)
	pass := chi.URLParam(r, "pass")

	var (
		summary any
		err     error
	)
	switch pass {
	case "accrual":
		summary, err = h.Driver.Run(ctx, since, until)
	case "release":
		summary, err = h.Rewards.ReleaseMemberPoint(ctx, asOf)
	case "expire":
		summary, err = h.Rewards.ResetMemberPoint(ctx, asOf)
	case "renew":
		summary, err = h.Renewal.ResetMemberTier(ctx, asOf)
	case "all":
		var reports []BatchReport
		for _, day := range ledger.Days(since, until) {
			report, runErr := h.Scheduler.RunOnce(ctx, day)
			reports = append(reports, report)
			if runErr != nil {
				err = runErr
				break
			}
		}
		summary = reports
	default:
		writeError(w, http.StatusNotFound, "Unknown batch pass", fmt.Errorf("pass %q", pass))
		return
	}
	if err != nil {
		h.writeEngineError(w, "Batch pass failed", err)
		return
	}

	writeJSON(w, http.StatusOK, BatchResponse{
		Pass:    pass,
		Since:   ledger.StartOfDay(since).Format("2006-01-02"),
		Until:   ledger.StartOfDay(until).Format("2006-01-02"),
		Summary: summary,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func memberID(r *http.Request) ledger.MemberID {
	return ledger.MemberID(chi.URLParam(r, "id"))
}

func (h *Handler) asOfParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	s := r.URL.Query().Get("as_of")
	if s == "" {
		return h.Now(), true
	}
	t, err := parseDate(s)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
		return time.Time{}, false
	}
	// A bare date means the whole day.
	if len(s) == len("2006-01-02") {
		t = ledger.EndOfDay(t)
	}
	return t, true
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toPointHistoryDTOs(rows []ledger.PointHistory) []PointHistoryDTO {
	dtos := make([]PointHistoryDTO, len(rows))
	for i, row := range rows {
		dtos[i] = toPointHistoryDTO(row)
	}
	return dtos
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsRetryable(err):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInsufficientPoints), errors.Is(err, ledger.ErrInactiveMember):
		return http.StatusUnprocessableEntity
	case ledger.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
