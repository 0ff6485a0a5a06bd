/*
handlers.go - HTTP API handlers for the wallet ledger

PURPOSE:
  Exposes the wallet service via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to wallet.Service.

ENDPOINTS:
  Wallets:
    GET    /v1/wallets/users                  List all accounts
    GET    /v1/wallets/{userId}/balance       Balances per asset
    GET    /v1/wallets/{userId}/transactions  Ledger history (limit, offset)

  Movements:
    POST   /v1/wallets/{userId}/topup         Treasury -> user
    POST   /v1/wallets/{userId}/bonus         Treasury -> user (BONUS)
    POST   /v1/wallets/{userId}/spend         User -> treasury

REQUEST FLOW:
  1. Decode body (1 MiB max) and validate struct tags
  2. Call the wallet service
  3. Serialize result in the envelope
  4. Map errors by wallet.Kind

ERROR HANDLING:
  - 400: VALIDATION_ERROR, INVALID_AMOUNT
  - 404: ACCOUNT_NOT_FOUND
  - 422: INSUFFICIENT_FUNDS
  - 500: everything else; the cause is logged, not returned

  Caller faults (wallet.IsClientError, wallet.IsNotFound) return the
  error text and are not logged.

  A replayed idempotency key is a success: 200 with the original result
  instead of 201.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/warp/wallet-ledger/wallet"
)

const maxBodyBytes = 1 << 20

const (
	CodeValidation           = "VALIDATION_ERROR"
	CodeInvalidAmount        = "INVALID_AMOUNT"
	CodeAccountNotFound      = "ACCOUNT_NOT_FOUND"
	CodeInsufficientFunds    = "INSUFFICIENT_FUNDS"
	CodeDuplicateTransaction = "DUPLICATE_TRANSACTION"
	CodeInternal             = "INTERNAL_ERROR"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	wallet   *wallet.Service
	validate *validator.Validate
	logger   *slog.Logger
}

func NewHandler(svc *wallet.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		wallet:   svc,
		validate: validator.New(),
		logger:   logger,
	}
}

// =============================================================================
// READ HANDLERS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.wallet.ListAccounts(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, success("Users retrieved", dtos))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	balances, err := h.wallet.GetBalances(r.Context(), wallet.OwnerID(userID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, success("Balances retrieved", dtos))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	limit := queryInt(r, "limit")
	offset := queryInt(r, "offset")

	items, err := h.wallet.GetTransactions(r.Context(), wallet.OwnerID(userID), limit, offset)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dtos := make([]TransactionDTO, len(items))
	for i, item := range items {
		dtos[i] = toTransactionDTO(item)
	}
	writeJSON(w, http.StatusOK, success("Transactions retrieved", dtos))
}

// queryInt returns 0 for a missing or malformed value, which the service
// treats as "use the default".
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

// =============================================================================
// MOVEMENT HANDLERS
// =============================================================================

type movement func(context.Context, wallet.Params) (wallet.Result, error)

func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	h.handleMovement(w, r, "Top-up successful", h.wallet.TopUp)
}

func (h *Handler) IssueBonus(w http.ResponseWriter, r *http.Request) {
	h.handleMovement(w, r, "Bonus issued", h.wallet.IssueBonus)
}

func (h *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	h.handleMovement(w, r, "Spend recorded", h.wallet.Spend)
}

func (h *Handler) handleMovement(w http.ResponseWriter, r *http.Request, message string, run movement) {
	userID := chi.URLParam(r, "userId")

	var req MovementRequest
	if err := h.decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, failure("Validation failed", err.Error(), CodeValidation))
		return
	}

	result, err := run(r.Context(), req.params(userID))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	if result.Replayed() {
		writeJSON(w, http.StatusOK, success("Transaction already processed", toOperationResultDTO(result)))
		return
	}
	writeJSON(w, http.StatusCreated, success(message, toOperationResultDTO(result)))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return describeValidation(err)
	}
	return nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag())
	}
	return errors.New(strings.Join(msgs, "; "))
}

// =============================================================================
// HELPERS
// =============================================================================

func success(message string, data any) Envelope {
	return Envelope{Success: true, Message: message, Data: data}
}

func failure(message, errText, code string) Envelope {
	return Envelope{Success: false, Message: message, Error: errText, ErrorCode: code}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorResponse maps a wallet failure to its transport representation.
func errorResponse(err error) (status int, message, code string) {
	switch wallet.KindOf(err) {
	case wallet.KindInvalidAmount:
		return http.StatusBadRequest, "Invalid amount", CodeInvalidAmount
	case wallet.KindAccountNotFound:
		return http.StatusNotFound, "Not found", CodeAccountNotFound
	case wallet.KindInsufficientBalance:
		return http.StatusUnprocessableEntity, "Insufficient balance", CodeInsufficientFunds
	case wallet.KindDuplicateTransaction:
		return http.StatusConflict, "Transaction already processed", CodeDuplicateTransaction
	case wallet.KindStoreFailure:
		return http.StatusInternalServerError, "Internal error", CodeInternal
	default:
		return http.StatusInternalServerError, "Internal error", CodeInternal
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, message, code := errorResponse(err)
	if wallet.IsClientError(err) || wallet.IsNotFound(err) {
		writeJSON(w, status, failure(message, err.Error(), code))
		return
	}

	h.logger.ErrorContext(r.Context(), "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", middleware.GetReqID(r.Context()),
		"error", err)
	writeJSON(w, status, failure(message, "internal error", code))
}
