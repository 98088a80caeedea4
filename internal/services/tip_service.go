package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/png"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/streamtip/backend/internal/config"
	"github.com/streamtip/backend/internal/models"
)

// TipService is the HTTP surface over the distribution engine. Route
// handlers build the split configuration (querying the session registry
// at settlement time) and call the settlement service's single entry
// point.
type TipService struct {
	db         *sql.DB
	redis      *redis.Client
	settlement *SettlementService
	registry   SessionRegistry
	validator  *ValidationHelper
	charity    config.CharityShares
}

func NewTipService(db *sql.DB, redisClient *redis.Client, settlement *SettlementService, registry SessionRegistry) *TipService {
	return &TipService{
		db:         db,
		redis:      redisClient,
		settlement: settlement,
		registry:   registry,
		validator:  NewValidationHelper(),
		charity:    config.LoadCharityShares(),
	}
}

// decodeJSON applies the shared request body discipline: size cap,
// unknown-field rejection, single-object enforcement.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("request body must only contain a single JSON object")
	}
	return nil
}

func contextUserID(r *http.Request) (string, bool) {
	userID, ok := r.Context().Value("userID").(string)
	return userID, ok && userID != ""
}

// settlementStatus maps the error taxonomy to HTTP status codes.
func settlementStatus(err error) int {
	switch {
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidSplitConfiguration),
		errors.Is(err, ErrSelfTipNotAllowed):
		return http.StatusBadRequest
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrSettlementTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (ts *TipService) writeResult(w http.ResponseWriter, result *SettlementResult) {
	w.Header().Set("Content-Type", "application/json")
	if result.Duplicate {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"duplicate": result.Duplicate,
		"event":     result.Event,
		"entries":   result.Entries,
	})
}

func (ts *TipService) writeSettlementError(w http.ResponseWriter, err error) {
	status := settlementStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("[TIP] Settlement failed: %v", err)
		SendErrorResponse(w, "Failed to process settlement", status, nil)
		return
	}
	SendErrorResponse(w, err.Error(), status, nil)
}

// SendTip processes a direct tip to a streamer. When the target session
// has active tipping-enabled guests the tip becomes a session split.
// @Summary Send a tip
// @Description Tip a streamer; splits among active session guests when present
// @Tags tips
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param tip body object{streamerId=string,amount=int64,sessionRef=string,externalRef=string} true "Tip request"
// @Success 201 {object} SettlementResult
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Router /tips [post]
func (ts *TipService) SendTip(w http.ResponseWriter, r *http.Request) {
	senderID, ok := contextUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		StreamerID  string `json:"streamerId" validate:"required"`
		Amount      int64  `json:"amount" validate:"required,gt=0"`
		SessionRef  string `json:"sessionRef"`
		ExternalRef string `json:"externalRef"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.ExternalRef == "" {
		req.ExternalRef = "tip-" + uuid.NewString()
	}

	cfg, sourceType, err := ts.tipConfiguration(r.Context(), req.StreamerID, req.SessionRef)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	event := &models.DistributionEvent{
		ExternalRef: req.ExternalRef,
		SourceType:  sourceType,
		SenderID:    senderID,
		GrossAmount: req.Amount,
		SessionRef:  req.SessionRef,
	}

	result, err := ts.settlement.Settle(r.Context(), event, cfg)
	if err != nil {
		ts.writeSettlementError(w, err)
		return
	}
	ts.writeResult(w, result)
}

// tipConfiguration resolves the split at settlement time. A session with
// no active tipping-enabled guests degrades to a direct tip.
func (ts *TipService) tipConfiguration(ctx context.Context, streamerID, sessionRef string) (SplitConfiguration, string, error) {
	if sessionRef == "" {
		return DirectTip{StreamerID: streamerID}, models.SourceDirectTip, nil
	}
	hostID, guests, err := ts.registry.Session(ctx, sessionRef)
	if err != nil {
		return nil, "", err
	}
	active := 0
	for _, g := range guests {
		if g.TippingEnabled {
			active++
		}
	}
	if active == 0 {
		return DirectTip{StreamerID: hostID}, models.SourceDirectTip, nil
	}
	return SessionSplit{HostID: hostID, Guests: guests}, models.SourceSessionSplit, nil
}

// CreateCharityRevenue distributes stream revenue across the charity
// campaign's fixed shares.
// @Summary Distribute charity stream revenue
// @Tags revenue
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param revenue body object{streamRef=string,amount=int64,externalRef=string,charityPct=number} true "Revenue event"
// @Success 201 {object} SettlementResult
// @Failure 400 {object} ErrorResponse
// @Router /revenue/charity [post]
func (ts *TipService) CreateCharityRevenue(w http.ResponseWriter, r *http.Request) {
	senderID, ok := contextUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		StreamRef   string   `json:"streamRef" validate:"required"`
		Amount      int64    `json:"amount" validate:"required,gt=0"`
		ExternalRef string   `json:"externalRef" validate:"required"`
		CharityPct  *float64 `json:"charityPct"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	campaign, err := ts.registry.CharityCampaign(r.Context(), req.StreamRef)
	if err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	override := campaign.CharityOverridePct
	if req.CharityPct != nil {
		override = req.CharityPct
	}
	cfg := CharityRevenue{
		StreamerID:         campaign.StreamerID,
		CharityID:          campaign.CharityID,
		PlatformID:         campaign.PlatformID,
		AdminID:            campaign.AdminID,
		ModeratorID:        campaign.ModeratorID,
		Shares:             ts.charity,
		CharityOverridePct: override,
	}

	event := &models.DistributionEvent{
		ExternalRef: req.ExternalRef,
		SourceType:  models.SourceCharityRevenue,
		SenderID:    senderID,
		GrossAmount: req.Amount,
		SessionRef:  req.StreamRef,
	}

	result, err := ts.settlement.Settle(r.Context(), event, cfg)
	if err != nil {
		ts.writeSettlementError(w, err)
		return
	}
	ts.writeResult(w, result)
}

// ForceCustomSplit settles an admin-supplied recipient/percentage map.
// @Summary Admin-forced custom split
// @Tags distributions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param split body object{amount=int64,externalRef=string,primaryId=string,shares=object} true "Custom split"
// @Success 201 {object} SettlementResult
// @Failure 400 {object} ErrorResponse
// @Router /distributions/custom [post]
func (ts *TipService) ForceCustomSplit(w http.ResponseWriter, r *http.Request) {
	senderID, ok := contextUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount      int64              `json:"amount" validate:"required,gt=0"`
		ExternalRef string             `json:"externalRef" validate:"required"`
		PrimaryID   string             `json:"primaryId" validate:"required"`
		SessionRef  string             `json:"sessionRef"`
		Shares      map[string]float64 `json:"shares" validate:"required,min=1"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	event := &models.DistributionEvent{
		ExternalRef: req.ExternalRef,
		SourceType:  models.SourceDirectTip,
		SenderID:    senderID,
		GrossAmount: req.Amount,
		SessionRef:  req.SessionRef,
	}

	result, err := ts.settlement.Settle(r.Context(), event, CustomForced{PrimaryID: req.PrimaryID, Shares: req.Shares})
	if err != nil {
		ts.writeSettlementError(w, err)
		return
	}
	ts.writeResult(w, result)
}

// Withdraw debits the caller's balance; the external payout runs
// downstream on its own idempotency.
// @Summary Withdraw tokens
// @Tags accounts
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param withdrawal body object{amount=int64,externalRef=string} true "Withdrawal request"
// @Success 201 {object} SettlementResult
// @Failure 402 {object} ErrorResponse
// @Router /withdrawals [post]
func (ts *TipService) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount      int64  `json:"amount" validate:"required,gt=0"`
		ExternalRef string `json:"externalRef" validate:"required"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	event := &models.DistributionEvent{
		ExternalRef: req.ExternalRef,
		SourceType:  models.SourceWithdrawal,
		SenderID:    userID,
		GrossAmount: req.Amount,
	}

	result, err := ts.settlement.Settle(r.Context(), event, nil)
	if err != nil {
		ts.writeSettlementError(w, err)
		return
	}
	ts.writeResult(w, result)
}

// PurchaseWebhook credits purchased tokens. Called by the payment
// collaborator after capture; idempotent on the payment intent id.
// @Summary Token purchase webhook
// @Tags purchases
// @Accept json
// @Produce json
// @Param purchase body object{userId=string,tokens=int64,paymentIntentId=string} true "Captured purchase"
// @Success 201 {object} SettlementResult
// @Failure 400 {object} ErrorResponse
// @Router /purchases/webhook [post]
func (ts *TipService) PurchaseWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID          string `json:"userId" validate:"required"`
		Tokens          int64  `json:"tokens" validate:"required,gt=0"`
		PaymentIntentID string `json:"paymentIntentId" validate:"required"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	event := &models.DistributionEvent{
		ExternalRef: req.PaymentIntentID,
		SourceType:  models.SourcePurchase,
		SenderID:    req.UserID,
		GrossAmount: req.Tokens,
	}

	result, err := ts.settlement.Settle(r.Context(), event, DirectTip{StreamerID: req.UserID})
	if err != nil {
		ts.writeSettlementError(w, err)
		return
	}
	ts.writeResult(w, result)
}

// Refund reverses a settled event with compensating entries.
// @Summary Refund a settled event
// @Tags distributions
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param refund body object{externalRef=string,reason=string} true "Refund request"
// @Success 201 {object} SettlementResult
// @Failure 404 {object} ErrorResponse
// @Router /refunds [post]
func (ts *TipService) Refund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalRef string `json:"externalRef" validate:"required"`
		Reason      string `json:"reason" validate:"max=200"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := ts.settlement.Refund(r.Context(), req.ExternalRef, req.Reason)
	if err != nil {
		ts.writeSettlementError(w, err)
		return
	}
	ts.writeResult(w, result)
}

// CreateAccount provisions a zero-balance account. Called by the
// registration collaborator.
// @Summary Create token account
// @Tags accounts
// @Accept json
// @Produce json
// @Param account body object{userId=string} true "New account"
// @Success 201 {object} object{success=bool}
// @Router /accounts [post]
func (ts *TipService) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId" validate:"required"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := ts.settlement.Accounts().CreateAccount(r.Context(), req.UserID); err != nil {
		log.Printf("[ACCOUNT] Create failed for %s: %v", req.UserID, err)
		SendErrorResponse(w, "Failed to create account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "userId": req.UserID})
}

// BalanceEnquiry returns the caller's authoritative balance.
// @Summary Get token balance
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{userId=string,balance=int64}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/balance [get]
func (ts *TipService) BalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := ts.settlement.Accounts().GetBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"userId": userID, "balance": balance})
}

// GetLedger pages through the caller's ledger entries, newest first.
// @Summary Get ledger entries
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Page size (default 50, max 200)"
// @Param offset query int false "Page offset"
// @Success 200 {object} object{entries=[]models.LedgerEntry,count=int}
// @Router /accounts/ledger [get]
func (ts *TipService) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, err := ts.settlement.Ledger().ListByUser(r.Context(), userID, limit, offset)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"entries": entries, "count": len(entries)})
}

// GenerateTipQR creates a short-lived QR code a streamer can share; the
// payload resolves to the streamer id and a suggested amount.
// @Summary Generate tip QR code
// @Tags tips
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64} true "Suggested tip amount"
// @Success 200 {object} object{qrCode=string,qrImage=string}
// @Failure 400 {object} ErrorResponse
// @Router /tips/qr [post]
func (ts *TipService) GenerateTipQR(w http.ResponseWriter, r *http.Request) {
	streamerID, ok := contextUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	if ts.redis == nil {
		SendErrorResponse(w, "QR codes unavailable", http.StatusServiceUnavailable, nil)
		return
	}

	var req struct {
		Amount int64 `json:"amount" validate:"required,gt=0"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	qrData := map[string]any{
		"streamerId": streamerID,
		"amount":     req.Amount,
		"timestamp":  time.Now().Unix(),
		"nonce":      generateNonce(),
	}
	jsonData, err := json.Marshal(qrData)
	if err != nil {
		SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	code := base64.URLEncoding.EncodeToString(jsonData)
	if err := ts.redis.Set(r.Context(), "tipqr:"+code, jsonData, 5*time.Minute).Err(); err != nil {
		SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		SendErrorResponse(w, "Failed to generate QR code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"qrCode":  code,
		"qrImage": base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// ResolveTipQR resolves a scanned tip QR code. Single-use.
// @Summary Resolve tip QR code
// @Tags tips
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{qrData=string} true "Scanned QR payload"
// @Success 200 {object} object{streamerId=string,amount=int64}
// @Failure 400 {object} ErrorResponse
// @Router /tips/qr/resolve [post]
func (ts *TipService) ResolveTipQR(w http.ResponseWriter, r *http.Request) {
	if ts.redis == nil {
		SendErrorResponse(w, "QR codes unavailable", http.StatusServiceUnavailable, nil)
		return
	}

	var req struct {
		QRData string `json:"qrData" validate:"required"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	key := "tipqr:" + req.QRData
	data, err := ts.redis.Get(r.Context(), key).Bytes()
	if err == redis.Nil {
		SendErrorResponse(w, "Invalid or expired QR code", http.StatusBadRequest, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to resolve QR code", http.StatusInternalServerError, nil)
		return
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		SendErrorResponse(w, "Failed to resolve QR code", http.StatusInternalServerError, nil)
		return
	}
	ts.redis.Del(r.Context(), key)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": result})
}

// ReconcileAccount replays an account's ledger and compares against the
// stored balance. Operator tool for invariant incidents.
// @Summary Reconcile account balance against ledger
// @Tags accounts
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{userId=string,balance=int64,replayed=int64,consistent=bool}
// @Router /accounts/reconcile [get]
func (ts *TipService) ReconcileAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := contextUserID(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := ts.settlement.Accounts().GetAccount(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
			return
		}
		SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		return
	}

	replayed, err := ts.settlement.Ledger().ReplayBalance(r.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrLedgerInvariantViolation) {
			log.Printf("[RECONCILE] Ledger chain broken for %s: %v", userID, err)
			SendErrorResponse(w, "Ledger chain broken, manual reconciliation required", http.StatusConflict, nil)
			return
		}
		SendErrorResponse(w, "Failed to replay ledger", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"userId":     userID,
		"balance":    account.Balance,
		"replayed":   replayed,
		"consistent": account.Balance == replayed,
	})
}

func generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
